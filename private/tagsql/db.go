// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package tagsql wraps database/sql so every call site threads a
// context.Context through to the driver, matching the teacher's
// private/tagsql package (db_test.go). Every DB-touching component in this
// module (txnpool, storer, catchup, syncer) takes a tagsql.DB rather than a
// *sql.DB.
package tagsql

import (
	"context"
	"database/sql"
	"database/sql/driver"
)

// ContextSupport describes how much of context cancellation a driver
// actually honors, so callers can decide whether to additionally guard long
// operations themselves.
type ContextSupport int

// Levels of context support.
const (
	// SupportNone means the driver does not observe context
	// cancellation at all (rare; kept for driver completeness).
	SupportNone ContextSupport = iota
	// SupportBasic means the driver cancels in-flight queries but may
	// not support the extended *Context variants for every operation
	// (database/sql's generic fallback behavior, as used by
	// mattn/go-sqlite3).
	SupportBasic
	// SupportFull means the driver implements the full driver.*Context
	// interfaces natively (lib/pq over a context-aware connection).
	SupportFull
)

// DB is a context-aware subset of *sql.DB.
type DB interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error)
	Conn(ctx context.Context) (*sql.Conn, error)
	Close() error
	Driver() driver.Driver
	PingContext(ctx context.Context) error
}

// Tx is a context-aware subset of *sql.Tx.
type Tx interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	Commit() error
	Rollback() error
}

type db struct{ *sql.DB }

type tx struct{ *sql.Tx }

// Open opens a database via database/sql and wraps it as a tagsql.DB.
func Open(driverName, dataSourceName string) (DB, error) {
	sqlDB, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, err
	}
	return Wrap(sqlDB), nil
}

// Wrap adapts an already-opened *sql.DB.
func Wrap(sqlDB *sql.DB) DB { return &db{sqlDB} }

func (d *db) BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error) {
	sqlTx, err := d.DB.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &tx{sqlTx}, nil
}
