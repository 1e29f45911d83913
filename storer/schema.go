// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package storer

import (
	"context"

	"go.uber.org/zap"

	"storj.io/streamcore/private/migrate"
	"storj.io/streamcore/private/tagsql"
)

// sqliteDB adapts a tagsql.DB into migrate.DB for the embedded-test dialect.
type sqliteDB struct {
	tagsql.DB
}

func (sqliteDB) Rebind(s string) string { return s }
func (sqliteDB) Schema() string         { return "" }

// Migrations describes the shard's persisted state layout from spec §6:
// changeLog, replicationState, tableMetadata, backfilling.
func Migrations(db migrate.DB) *migrate.Migration {
	return &migrate.Migration{
		Table: "storer_versions",
		Steps: []*migrate.Step{
			{
				DB:          db,
				Description: "Initial shard schema",
				Version:     1,
				Action: migrate.SQL{
					`CREATE TABLE changeLog (
						watermark TEXT NOT NULL,
						pos INTEGER NOT NULL,
						precommit TEXT,
						change TEXT NOT NULL,
						PRIMARY KEY (watermark, pos)
					)`,
					`CREATE TABLE replicationState (
						lock INTEGER PRIMARY KEY DEFAULT 1 CHECK (lock = 1),
						lastWatermark TEXT NOT NULL DEFAULT '',
						owner TEXT NOT NULL DEFAULT '',
						ownerAddress TEXT NOT NULL DEFAULT '',
						replicaVersion TEXT NOT NULL DEFAULT '',
						publications TEXT NOT NULL DEFAULT '[]'
					)`,
					`INSERT INTO replicationState (lock) VALUES (1)`,
					`CREATE TABLE tableMetadata (
						schema TEXT NOT NULL,
						"table" TEXT NOT NULL,
						metadata TEXT NOT NULL,
						PRIMARY KEY (schema, "table")
					)`,
					`CREATE TABLE backfilling (
						schema TEXT NOT NULL,
						"table" TEXT NOT NULL,
						"column" TEXT NOT NULL,
						backfill TEXT NOT NULL,
						PRIMARY KEY (schema, "table", "column")
					)`,
				},
			},
			{
				DB:          db,
				Description: "Track elide on in-progress backfills",
				Version:     2,
				Action: migrate.SQL{
					`ALTER TABLE backfilling ADD COLUMN elide BOOLEAN NOT NULL DEFAULT FALSE`,
				},
			},
		},
	}
}

// MigrateSQLite bootstraps the storer's shard schema (changeLog,
// replicationState, tableMetadata, backfilling) on a sqlite3 database for
// tests.
func MigrateSQLite(ctx context.Context, log *zap.Logger, db tagsql.DB) error {
	return Migrations(sqliteDB{db}).Run(ctx, log)
}
