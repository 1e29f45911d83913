// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package pgutil_test

import (
	"context"
	"os"
	"strings"
	"testing"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"storj.io/streamcore/private/dbutil/pgutil"
)

func TestOpenUnique(t *testing.T) {
	connstr := os.Getenv("STREAMCORE_TEST_POSTGRES")
	if connstr == "" {
		t.Skip("STREAMCORE_TEST_POSTGRES not set")
	}

	ctx := context.Background()
	prefix := "name#spaced/Test/DB"

	testDB, err := pgutil.OpenUnique(ctx, connstr, prefix)
	require.NoError(t, err)

	// verify the name matches expectation
	var name *string
	row := testDB.QueryRowContext(ctx, `SELECT current_schema()`)
	err = row.Scan(&name)
	require.NoErrorf(t, err, "connStr=%q", testDB.ConnStr)
	require.NotNilf(t, name, "PG has no current_schema, which means the one we asked for doesn't exist. connStr=%q", testDB.ConnStr)
	require.Truef(t, strings.HasPrefix(*name, "name_spaced_Test_DB"), "Expected prefix for current schema, but found %q", *name)

	// verify there is an entry in pg_namespace with such a name
	var count int
	row = testDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM pg_namespace WHERE nspname = current_schema`)
	require.NoError(t, row.Scan(&count))
	require.Equalf(t, 1, count, "Expected 1 schema with matching name, but counted %d", count)

	// close testDB, then reopen a plain connection to check the schema is gone
	require.NoError(t, testDB.Close())

	plain, err := pgutil.OpenUnique(ctx, connstr, "pgutil-verify")
	require.NoError(t, err)
	defer func() { require.NoError(t, plain.Close()) }()

	row = plain.QueryRowContext(ctx, `SELECT COUNT(*) FROM pg_namespace WHERE nspname = $1`, testDB.Schema)
	require.NoError(t, row.Scan(&count))
	require.Equalf(t, 0, count, "Expected 0 schemas with matching name, but counted %d (deletion failure?)", count)
}
