// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package pgutil holds Postgres-wire-protocol specific helpers, chiefly
// schema-per-test isolation so integration tests can run concurrently
// against one shared database server.
package pgutil

import (
	"context"
	"fmt"
	"math/rand"
	"strings"

	"github.com/zeebo/errs"

	"storj.io/streamcore/private/tagsql"
)

// Error is the class of errors returned from this package.
var Error = errs.Class("pgutil")

// TempDatabase is a connection scoped to a uniquely named schema, dropped
// on Close. Tests use it to avoid colliding with each other on a shared
// Postgres server.
type TempDatabase struct {
	tagsql.DB
	Driver     string
	ConnStr    string
	Schema     string
	underlying tagsql.DB
}

// OpenUnique opens connstr and creates a new schema with a name starting
// with prefix, returning a TempDatabase whose connection defaults to that
// schema via search_path. Closing it drops the schema.
func OpenUnique(ctx context.Context, connstr, prefix string) (*TempDatabase, error) {
	schemaName := SchemaName(prefix)

	db, err := tagsql.Open("postgres", connstr)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	if _, err := db.ExecContext(ctx, `CREATE SCHEMA `+quoteIdent(schemaName)); err != nil {
		_ = db.Close()
		return nil, Error.Wrap(err)
	}

	scoped, err := tagsql.Open("postgres", connstr+searchPathSuffix(connstr, schemaName))
	if err != nil {
		_ = db.Close()
		return nil, Error.Wrap(err)
	}

	return &TempDatabase{
		DB:         scoped,
		Driver:     "postgres",
		ConnStr:    connstr,
		Schema:     schemaName,
		underlying: db,
	}, nil
}

// Close drops the temporary schema and closes both connections.
func (db *TempDatabase) Close() error {
	_, dropErr := db.underlying.ExecContext(context.Background(), `DROP SCHEMA IF EXISTS `+quoteIdent(db.Schema)+` CASCADE`)
	closeErr := db.DB.Close()
	underlyingErr := db.underlying.Close()
	return Error.Wrap(errs.Combine(dropErr, closeErr, underlyingErr))
}

// SchemaName builds a unique schema name from prefix, replacing characters
// Postgres identifiers can't hold with underscores.
func SchemaName(prefix string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, prefix)
	return fmt.Sprintf("%s_%x", cleaned, rand.Uint64())
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func searchPathSuffix(connstr, schema string) string {
	sep := "?"
	if strings.Contains(connstr, "?") {
		sep = "&"
	}
	return sep + "search_path=" + schema
}
