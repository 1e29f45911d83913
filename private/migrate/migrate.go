// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package migrate implements helpers for database schema versioning, used
// by the storer and local incremental syncer to bring their bookkeeping
// tables forward across releases.
package migrate

import (
	"context"
	"database/sql"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/streamcore/private/tagsql"
)

// Error is the class of errors returned from this package.
var Error = errs.Class("migrate")

// DB is a tagsql.DB that additionally knows how to rebind `?` placeholders
// for its dialect and how to describe its own starting schema.
type DB interface {
	tagsql.DB
	Rebind(statement string) string
	Schema() string
}

// Action is a single migration step's unit of work.
type Action interface {
	Run(ctx context.Context, log *zap.Logger, db tagsql.DB, tx tagsql.Tx) error
}

// SQL is a slice of statements run in order inside the step's transaction.
type SQL []string

// Run implements Action.
func (sql SQL) Run(ctx context.Context, log *zap.Logger, db tagsql.DB, tx tagsql.Tx) error {
	for _, query := range sql {
		if _, err := tx.ExecContext(ctx, query); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

// Func adapts a plain function to Action, for steps that need more than SQL
// (e.g. moving files, rewriting existing rows).
type Func func(ctx context.Context, log *zap.Logger, db tagsql.DB, tx tagsql.Tx) error

// Run implements Action.
func (fn Func) Run(ctx context.Context, log *zap.Logger, db tagsql.DB, tx tagsql.Tx) error {
	return fn(ctx, log, db, tx)
}

// Step is one schema version transition.
type Step struct {
	DB          DB
	Description string
	Version     int
	Action      Action
}

// Migration is an ordered list of Steps, recorded in Table as they apply.
type Migration struct {
	Table string
	Steps []*Step
}

// ValidateSteps checks that steps are in non-decreasing version order.
func (migration *Migration) ValidateSteps() error {
	for i := 1; i < len(migration.Steps); i++ {
		if migration.Steps[i].Version < migration.Steps[i-1].Version {
			return Error.New("steps have incorrect order")
		}
	}
	return nil
}

// TargetVersion returns a copy of migration containing only the steps up to
// and including version, useful for tests that want to stop partway.
func (migration *Migration) TargetVersion(version int) Migration {
	cut := Migration{Table: migration.Table}
	for _, step := range migration.Steps {
		if step.Version <= version {
			cut.Steps = append(cut.Steps, step)
		}
	}
	return cut
}

// CurrentVersion returns the highest version recorded in migration.Table, or
// -1 if the table doesn't exist yet or has no rows.
func (migration *Migration) CurrentVersion(ctx context.Context, log *zap.Logger, db tagsql.DB) (int, error) {
	var version sql.NullInt64
	row := db.QueryRowContext(ctx, `SELECT MAX(version) FROM `+migration.Table)
	if err := row.Scan(&version); err != nil {
		// most likely the table hasn't been created yet
		return -1, nil
	}
	if !version.Valid {
		return -1, nil
	}
	return int(version.Int64), nil
}

// Run validates and applies every step whose version is newer than what's
// currently recorded, in order.
func (migration *Migration) Run(ctx context.Context, log *zap.Logger) error {
	if err := migration.ValidateSteps(); err != nil {
		return err
	}
	for _, step := range migration.Steps {
		if err := migration.runStep(ctx, log, step); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

func (migration *Migration) runStep(ctx context.Context, log *zap.Logger, step *Step) error {
	db := step.DB

	version, err := migration.CurrentVersion(ctx, log, db)
	if err != nil {
		return err
	}
	if version >= step.Version {
		return nil
	}

	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+migration.Table+` (version integer, commited_at text)`); err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if step.Action != nil {
		if err := step.Action.Run(ctx, log, db, tx); err != nil {
			return errs.Combine(err, tx.Rollback())
		}
	}

	query := db.Rebind(`INSERT INTO ` + migration.Table + ` (version, commited_at) VALUES (?, ?)`)
	if _, err := tx.ExecContext(ctx, query, step.Version, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return errs.Combine(err, tx.Rollback())
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	if log != nil {
		log.Info(step.Description, zap.Int("version", step.Version))
	}
	return nil
}

// Create ensures a table matching identifier's schema definition exists.
// The first caller for a given identifier creates the table by running
// db.Schema(); later callers with a matching schema are no-ops, and callers
// with a changed schema get an error rather than silent drift.
func Create(ctx context.Context, identifier string, db DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS table_schemas (id text, schema text, PRIMARY KEY (id))`); err != nil {
		return Error.Wrap(err)
	}

	var storedSchema string
	row := db.QueryRowContext(ctx, db.Rebind(`SELECT schema FROM table_schemas WHERE id = ?`), identifier)
	switch err := row.Scan(&storedSchema); {
	case err == sql.ErrNoRows:
		if _, err := db.ExecContext(ctx, db.Schema()); err != nil {
			return Error.Wrap(err)
		}
		insert := db.Rebind(`INSERT INTO table_schemas (id, schema) VALUES (?, ?)`)
		_, err := db.ExecContext(ctx, insert, identifier, db.Schema())
		return Error.Wrap(err)

	case err != nil:
		return Error.Wrap(err)

	case storedSchema != db.Schema():
		return Error.New("%s: already initialized with a different schema", identifier)

	default:
		return nil
	}
}
