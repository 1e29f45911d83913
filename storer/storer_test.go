// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package storer_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/streamcore/changelog"
	"storj.io/streamcore/private/tagsql"
	"storj.io/streamcore/storer"
	"storj.io/streamcore/txnpool"
)

func newTestStorer(t *testing.T, onAck storer.AckFunc, onFatal storer.FatalFunc) (*storer.Storer, tagsql.DB, func()) {
	t.Helper()
	ctx := context.Background()

	db, err := tagsql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	require.NoError(t, storer.MigrateSQLite(ctx, zaptest.NewLogger(t), db))

	pool := txnpool.New(zaptest.NewLogger(t), txnpool.Config{InitialWorkers: 1, MaxWorkers: 1}, nil, nil)
	readPool := txnpool.New(zaptest.NewLogger(t), txnpool.Config{InitialWorkers: 1, MaxWorkers: 1}, nil, nil)

	poolDone := make(chan error, 1)
	readPoolDone := make(chan error, 1)
	go func() { poolDone <- pool.Run(ctx, db) }()
	go func() { readPoolDone <- readPool.Run(ctx, db) }()

	s := storer.New(zaptest.NewLogger(t), storer.Config{}, pool, readPool, "this-task", "addr:1", onAck, nil, onFatal)

	storerDone := make(chan error, 1)
	go func() { storerDone <- s.Run(ctx) }()

	stop := func() {
		s.Stop()
		require.NoError(t, <-storerDone)
		pool.Unref()
		readPool.Unref()
		require.NoError(t, <-poolDone)
		require.NoError(t, <-readPoolDone)
		require.NoError(t, db.Close())
	}
	return s, db, stop
}

func TestStoreBeginDataCommit(t *testing.T) {
	ctx := context.Background()

	var acked []changelog.Change
	ackCh := make(chan changelog.Change, 1)
	s, db, stop := newTestStorer(t, func(change changelog.Change) {
		acked = append(acked, change)
		ackCh <- change
	}, nil)
	defer stop()

	require.NoError(t, s.AssumeOwnership(ctx))

	s.Store(changelog.Begin("07"))
	s.Store(changelog.DataOpChange(changelog.DataChange{Op: changelog.OpInsert, Row: json.RawMessage(`{"id":"foo"}`)}))
	s.Store(changelog.Commit("08"))

	select {
	case ack := <-ackCh:
		require.Equal(t, changelog.TagCommit, ack.Tag)
		require.Equal(t, changelog.Watermark("08"), ack.Watermark)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for ack")
	}
	require.Len(t, acked, 1)

	var lastWatermark string
	require.NoError(t, db.QueryRowContext(ctx, `SELECT lastWatermark FROM replicationState WHERE lock = 1`).Scan(&lastWatermark))
	require.Equal(t, "08", lastWatermark)

	rows, err := db.QueryContext(ctx, `SELECT watermark, pos, precommit FROM changeLog ORDER BY watermark, pos`)
	require.NoError(t, err)
	defer func() { _ = rows.Close() }()

	type row struct {
		watermark string
		pos       int
		precommit *string
	}
	var got []row
	for rows.Next() {
		var r row
		require.NoError(t, rows.Scan(&r.watermark, &r.pos, &r.precommit))
		got = append(got, r)
	}
	require.NoError(t, rows.Err())
	require.Len(t, got, 3)
	require.Equal(t, "07", got[0].watermark)
	require.Equal(t, 0, got[0].pos)
	require.Nil(t, got[0].precommit)
	require.Equal(t, "07", got[1].watermark)
	require.Equal(t, 1, got[1].pos)
	require.Nil(t, got[1].precommit)
	require.Equal(t, "08", got[2].watermark)
	require.Equal(t, 2, got[2].pos)
	require.NotNil(t, got[2].precommit)
	require.Equal(t, "07", *got[2].precommit)
}

func TestOwnershipLostAtCommit(t *testing.T) {
	ctx := context.Background()

	fatalCh := make(chan error, 1)
	s, db, stop := newTestStorer(t, nil, func(kind changelog.Kind, err error) {
		fatalCh <- err
	})
	defer stop()

	require.NoError(t, s.AssumeOwnership(ctx))

	// Simulate a concurrent ownership handover before the pipelined owner
	// read executes: direct write through a side connection.
	_, err := db.ExecContext(ctx, `UPDATE replicationState SET owner = 'other-task' WHERE lock = 1`)
	require.NoError(t, err)

	s.Store(changelog.Begin("10"))
	s.Store(changelog.Commit("10"))

	select {
	case err := <-fatalCh:
		require.Error(t, err)
		require.Contains(t, err.Error(), "other-task")
		require.Equal(t, changelog.KindOwnershipLoss, changelog.KindOf(err))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for fatal callback")
	}
}

// failCommit arms a test-only sqlite3 driver that converts every commit into
// a rollback, while set, via mattn/go-sqlite3's commit hook. It
// forces the genuine commit-time failure spec §4.2/§8 scenario 4 describes
// (the owner read at begin still matched, but the commit itself failed),
// which TestOwnershipLostAtCommit above does not exercise.
var failCommit atomic.Bool

func init() {
	sql.Register("sqlite3_storer_commitfail", &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			conn.RegisterCommitHook(func() int {
				if failCommit.Load() {
					return 1
				}
				return 0
			})
			return nil
		},
	})
}

func TestOwnershipLostOnGenuineCommitFailure(t *testing.T) {
	ctx := context.Background()
	failCommit.Store(false)

	dbPath := filepath.Join(t.TempDir(), "storer.db")

	writeDB, err := tagsql.Open("sqlite3_storer_commitfail", dbPath)
	require.NoError(t, err)
	defer func() { _ = writeDB.Close() }()
	require.NoError(t, storer.MigrateSQLite(ctx, zaptest.NewLogger(t), writeDB))

	readDB, err := tagsql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	defer func() { _ = readDB.Close() }()

	pool := txnpool.New(zaptest.NewLogger(t), txnpool.Config{InitialWorkers: 1, MaxWorkers: 1}, nil, nil)
	readPool := txnpool.New(zaptest.NewLogger(t), txnpool.Config{InitialWorkers: 1, MaxWorkers: 1}, nil, nil)

	poolDone := make(chan error, 1)
	readPoolDone := make(chan error, 1)
	go func() { poolDone <- pool.Run(ctx, writeDB) }()
	go func() { readPoolDone <- readPool.Run(ctx, readDB) }()

	fatalCh := make(chan error, 1)
	s := storer.New(zaptest.NewLogger(t), storer.Config{}, pool, readPool, "this-task", "addr:1", nil, nil,
		func(kind changelog.Kind, err error) { fatalCh <- err })

	storerDone := make(chan error, 1)
	go func() { storerDone <- s.Run(ctx) }()

	require.NoError(t, s.AssumeOwnership(ctx))

	// AssumeOwnership's own commit is fire-and-forget: wait for it to
	// actually land before arming the hook, so only the transaction below
	// fails exactly at tx.Commit().
	require.Eventually(t, func() bool {
		var owner string
		if err := readDB.QueryRowContext(ctx, `SELECT owner FROM replicationState WHERE lock = 1`).Scan(&owner); err != nil {
			return false
		}
		return owner == "this-task"
	}, 5*time.Second, 10*time.Millisecond)
	failCommit.Store(true)

	s.Store(changelog.Begin("30"))
	s.Store(changelog.Commit("30"))

	select {
	case err := <-fatalCh:
		require.Error(t, err)
		require.Equal(t, changelog.KindOwnershipLoss, changelog.KindOf(err))
		require.Contains(t, err.Error(), "serialization failure")
		require.Contains(t, err.Error(), "this-task")
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for fatal callback")
	}

	s.Stop()
	require.NoError(t, <-storerDone)
	readPool.Unref()
	require.NoError(t, <-readPoolDone)
}

func TestPurgeRecordsBefore(t *testing.T) {
	ctx := context.Background()

	s, _, stop := newTestStorer(t, nil, nil)
	defer stop()

	require.NoError(t, s.AssumeOwnership(ctx))

	s.Store(changelog.Begin("03"))
	s.Store(changelog.DataOpChange(changelog.DataChange{Op: changelog.OpInsert}))
	s.Store(changelog.Commit("03"))
	s.Store(changelog.Begin("06"))
	s.Store(changelog.DataOpChange(changelog.DataChange{Op: changelog.OpInsert}))
	s.Store(changelog.Commit("06"))

	require.Eventually(t, func() bool {
		deleted, err := s.PurgeRecordsBefore(ctx, "04")
		return err == nil && deleted == 3
	}, 5*time.Second, 50*time.Millisecond)

	deleted, err := s.PurgeRecordsBefore(ctx, "06")
	require.NoError(t, err)
	require.Equal(t, int64(0), deleted)
}

func TestBackfillTrackingPersistsElide(t *testing.T) {
	ctx := context.Background()

	s, db, stop := newTestStorer(t, nil, nil)
	defer stop()

	require.NoError(t, s.AssumeOwnership(ctx))

	s.Store(changelog.Begin("40"))
	s.Store(changelog.DataOpChange(changelog.DataChange{
		Op: changelog.OpBackfill, Schema: "public", Table: "widgets", Column: "weight",
		Backfill: "bf-1", Elide: true,
	}))
	s.Store(changelog.Commit("41"))

	require.Eventually(t, func() bool {
		var n int
		if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM backfilling WHERE "column" = 'weight'`).Scan(&n); err != nil {
			return false
		}
		return n == 1
	}, 5*time.Second, 50*time.Millisecond)

	params, err := s.GetStartStreamInitializationParameters(ctx)
	require.NoError(t, err)
	require.Len(t, params.BackfillRequests, 1)
	require.Equal(t, "weight", params.BackfillRequests[0].Column)
	require.True(t, params.BackfillRequests[0].Elide)
}
