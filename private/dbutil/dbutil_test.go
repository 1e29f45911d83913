// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package dbutil_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"storj.io/streamcore/private/dbutil"
)

func TestBytesToUUID(t *testing.T) {
	t.Run("Invalid input", func(t *testing.T) {
		bytes := []byte("not UUID string")

		_, err := dbutil.BytesToUUID(bytes)

		assert.Error(t, err)
	})

	t.Run("Valid input", func(t *testing.T) {
		id := uuid.New()
		result, err := dbutil.BytesToUUID(id[:])
		assert.NoError(t, err)
		assert.Equal(t, id, result)
	})
}

func TestImplementationForDriver(t *testing.T) {
	assert.Equal(t, dbutil.Postgres, dbutil.ImplementationForDriver("postgres"))
	assert.Equal(t, dbutil.SQLite3, dbutil.ImplementationForDriver("sqlite3"))
	assert.Equal(t, dbutil.Unknown, dbutil.ImplementationForDriver("mysql"))
}
