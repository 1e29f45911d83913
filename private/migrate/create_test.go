// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package migrate_test

import (
	"context"
	"strconv"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"storj.io/streamcore/private/migrate"
	"storj.io/streamcore/private/tagsql"
)

type sqliteDB struct {
	tagsql.DB
	schema string
}

func (db *sqliteDB) Rebind(s string) string { return s }
func (db *sqliteDB) Schema() string         { return db.schema }

type postgresDB struct {
	tagsql.DB
	schema string
}

func (db *postgresDB) Rebind(sql string) string {
	out := make([]byte, 0, len(sql)+10)
	j := 1
	for i := 0; i < len(sql); i++ {
		if sql[i] != '?' {
			out = append(out, sql[i])
			continue
		}
		out = append(out, '$')
		out = append(out, strconv.Itoa(j)...)
		j++
	}
	return string(out)
}
func (db *postgresDB) Schema() string { return db.schema }

func TestCreate_Sqlite(t *testing.T) {
	ctx := context.Background()

	db, err := tagsql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer func() { require.NoError(t, db.Close()) }()

	// should create table
	err = migrate.Create(ctx, "example", &sqliteDB{db, "CREATE TABLE example_table (id text)"})
	require.NoError(t, err)

	// shouldn't create a new table
	err = migrate.Create(ctx, "example", &sqliteDB{db, "CREATE TABLE example_table (id text)"})
	require.NoError(t, err)

	// should fail, because schema changed
	err = migrate.Create(ctx, "example", &sqliteDB{db, "CREATE TABLE example_table (id text, version int)"})
	require.Error(t, err)

	// should fail, because of trying to CREATE TABLE with same name
	err = migrate.Create(ctx, "conflict", &sqliteDB{db, "CREATE TABLE example_table (id text, version int)"})
	require.Error(t, err)
}
