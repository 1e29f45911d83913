// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package dbutil collects small helpers shared by the storage drivers that
// back the transaction pool, storer, catch-up reader and incremental syncer.
package dbutil

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/zeebo/errs"
)

// Implementation describes which storage engine a connection string
// targets. The upstream driver is always Postgres-wire-protocol; local
// caches may additionally run against sqlite3 in tests.
type Implementation int

const (
	// Unknown means the driver name didn't match anything recognized.
	Unknown Implementation = iota
	// Postgres is the Postgres-wire-protocol upstream driver (lib/pq).
	Postgres
	// SQLite3 is used for local-cache tests and small deployments.
	SQLite3
)

// String implements fmt.Stringer.
func (impl Implementation) String() string {
	switch impl {
	case Postgres:
		return "postgres"
	case SQLite3:
		return "sqlite3"
	default:
		return "unknown"
	}
}

// ImplementationForDriver maps a database/sql driver name to an Implementation.
func ImplementationForDriver(driverName string) Implementation {
	switch strings.ToLower(driverName) {
	case "postgres", "pq", "postgresql":
		return Postgres
	case "sqlite3":
		return SQLite3
	default:
		return Unknown
	}
}

// Error is the class of errors returned from this package.
var Error = errs.Class("dbutil")

// BytesToUUID converts a byte slice into a uuid.UUID.
func BytesToUUID(data []byte) (uuid.UUID, error) {
	id, err := uuid.FromBytes(data)
	if err != nil {
		return uuid.UUID{}, Error.Wrap(fmt.Errorf("invalid uuid bytes: %w", err))
	}
	return id, nil
}
