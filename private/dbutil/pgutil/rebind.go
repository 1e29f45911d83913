// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package pgutil

import (
	"strconv"
	"strings"

	"storj.io/streamcore/private/tagsql"
)

// SchemaDB adapts a tagsql.DB connected to a real Postgres server into
// migrate.DB: it rebinds `?` placeholders to Postgres's `$1, $2, ...` form
// and reports the connection's active schema for migrate.Create's
// drift check.
type SchemaDB struct {
	tagsql.DB
	schema string
}

// NewSchemaDB wraps db, which must already have search_path set to schema
// (OpenUnique does this for tests; a production DSN's search_path does it
// for deployments).
func NewSchemaDB(db tagsql.DB, schema string) SchemaDB {
	return SchemaDB{DB: db, schema: schema}
}

// Rebind implements migrate.DB.
func (s SchemaDB) Rebind(statement string) string {
	var out strings.Builder
	out.Grow(len(statement) + 8)
	n := 0
	for _, r := range statement {
		if r == '?' {
			n++
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(n))
			continue
		}
		out.WriteRune(r)
	}
	return out.String()
}

// Schema implements migrate.DB.
func (s SchemaDB) Schema() string { return s.schema }
