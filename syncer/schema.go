// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package syncer

import (
	"context"

	"go.uber.org/zap"

	"storj.io/streamcore/private/migrate"
	"storj.io/streamcore/private/tagsql"
)

type sqliteDB struct{ tagsql.DB }

func (sqliteDB) Rebind(s string) string { return s }
func (sqliteDB) Schema() string         { return "" }

// Migrations describes the embedded replica's local state layout (spec §4.4,
// §6 "Embedded replica"): row storage keyed by (schema, table, rowKey) with
// an internal _0_version watermark, the per-row change log consumed by
// materialized-view drivers, schema bookkeeping, and backfill progress.
func Migrations(db migrate.DB) *migrate.Migration {
	return &migrate.Migration{
		Table: "replica_versions",
		Steps: []*migrate.Step{
			{
				DB:          db,
				Description: "Initial replica schema",
				Version:     1,
				Action: migrate.SQL{
					`CREATE TABLE replicaState (
						lock INTEGER PRIMARY KEY DEFAULT 1 CHECK (lock = 1),
						lastWatermark TEXT NOT NULL DEFAULT '',
						replicaVersion TEXT NOT NULL DEFAULT ''
					)`,
					`INSERT INTO replicaState (lock) VALUES (1)`,
					`CREATE TABLE replicaRows (
						schema TEXT NOT NULL,
						"table" TEXT NOT NULL,
						rowKey TEXT NOT NULL,
						row TEXT NOT NULL,
						version TEXT NOT NULL DEFAULT '',
						PRIMARY KEY (schema, "table", rowKey)
					)`,
					`CREATE TABLE changeLog2 (
						stateVersion TEXT NOT NULL,
						pos INTEGER NOT NULL,
						"table" TEXT NOT NULL,
						op TEXT NOT NULL,
						rowKey TEXT,
						backfillingColumnVersions TEXT,
						PRIMARY KEY (stateVersion, pos)
					)`,
					`CREATE TABLE replicaSchema (
						schema TEXT NOT NULL,
						"table" TEXT NOT NULL,
						metadata TEXT NOT NULL,
						PRIMARY KEY (schema, "table")
					)`,
					`CREATE TABLE backfillState (
						backfill TEXT PRIMARY KEY,
						schema TEXT NOT NULL,
						"table" TEXT NOT NULL,
						"column" TEXT NOT NULL,
						completed INTEGER NOT NULL DEFAULT 0
					)`,
				},
			},
		},
	}
}

// MigrateSQLite bootstraps a fresh embedded replica on a sqlite3 database,
// used by both the tests (in-memory) and the default embedded deployment
// (a file).
func MigrateSQLite(ctx context.Context, log *zap.Logger, db tagsql.DB) error {
	return Migrations(sqliteDB{db}).Run(ctx, log)
}
