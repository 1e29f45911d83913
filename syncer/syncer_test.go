// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package syncer_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/streamcore/changelog"
	"storj.io/streamcore/private/tagsql"
	"storj.io/streamcore/syncer"
)

type fakeSource struct {
	frames chan changelog.Frame
	errs   chan error
	subs   chan changelog.SubscribeRequest
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		frames: make(chan changelog.Frame, 16),
		errs:   make(chan error, 1),
		subs:   make(chan changelog.SubscribeRequest, 4),
	}
}

func (s *fakeSource) Subscribe(ctx context.Context, req changelog.SubscribeRequest) (<-chan changelog.Frame, <-chan error, error) {
	s.subs <- req
	return s.frames, s.errs, nil
}

func openTestReplica(t *testing.T) tagsql.DB {
	t.Helper()
	db, err := tagsql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	require.NoError(t, syncer.MigrateSQLite(context.Background(), zaptest.NewLogger(t), db))
	return db
}

func TestApplyInsertAndNotify(t *testing.T) {
	db := openTestReplica(t)
	defer func() { _ = db.Close() }()
	source := newFakeSource()

	s := syncer.New(zaptest.NewLogger(t), syncer.Config{}, db, source, "sync-1", changelog.ModeServing, nil)
	done := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { done <- s.Run(ctx) }()

	<-source.subs

	source.frames <- changelog.BeginFrame(changelog.Begin("01"), "")
	source.frames <- changelog.DataFrame(changelog.DataOpChange(changelog.DataChange{
		Op: changelog.OpInsert, Schema: "public", Table: "widgets",
		RowKey: json.RawMessage(`"w1"`), Row: json.RawMessage(`{"id":"w1","name":"sprocket"}`),
	}))
	source.frames <- changelog.CommitFrame(changelog.Commit("02"), "02")

	select {
	case n := <-s.Subscribe():
		require.Equal(t, changelog.Watermark("02"), n.Version)
		require.False(t, n.SchemaUpdated)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for notification")
	}

	var row, version string
	require.NoError(t, db.QueryRowContext(ctx, `SELECT row, version FROM replicaRows WHERE schema = 'public' AND "table" = 'widgets' AND rowKey = '"w1"'`).Scan(&row, &version))
	require.Equal(t, "02", version)

	var changeCount int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM changeLog2 WHERE stateVersion = '02'`).Scan(&changeCount))
	require.Equal(t, 1, changeCount)

	s.Stop()
	cancel()
	<-done
}

func TestBackfillDoesNotNotifyUntilCompleted(t *testing.T) {
	db := openTestReplica(t)
	defer func() { _ = db.Close() }()
	source := newFakeSource()

	s := syncer.New(zaptest.NewLogger(t), syncer.Config{}, db, source, "sync-1", changelog.ModeServing, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	<-source.subs

	source.frames <- changelog.BeginFrame(changelog.Begin("10"), "")
	source.frames <- changelog.DataFrame(changelog.DataOpChange(changelog.DataChange{
		Op: changelog.OpBackfill, Schema: "public", Table: "widgets", Column: "weight",
		Backfill: "bf-1", RowKey: json.RawMessage(`"w1"`), Row: json.RawMessage(`{"id":"w1","weight":3}`),
	}))
	source.frames <- changelog.CommitFrame(changelog.Commit("11"), "11")

	select {
	case n := <-s.Subscribe():
		t.Fatalf("unexpected notification for incomplete backfill: %+v", n)
	case <-time.After(300 * time.Millisecond):
	}

	source.frames <- changelog.BeginFrame(changelog.Begin("12"), "")
	source.frames <- changelog.DataFrame(changelog.DataOpChange(changelog.DataChange{
		Op: changelog.OpBackfillCompleted, Schema: "public", Table: "widgets", Column: "weight", Backfill: "bf-1",
	}))
	source.frames <- changelog.CommitFrame(changelog.Commit("13"), "13")

	select {
	case n := <-s.Subscribe():
		require.Equal(t, changelog.Watermark("13"), n.Version)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for backfill-completed notification")
	}

	var version string
	require.NoError(t, db.QueryRowContext(ctx, `SELECT version FROM replicaRows WHERE schema = 'public' AND "table" = 'widgets' AND rowKey = '"w1"'`).Scan(&version))
	require.Equal(t, "13", version)

	s.Stop()
	cancel()
	<-done
}

func TestTruncateIsIdempotentWithinTransaction(t *testing.T) {
	db := openTestReplica(t)
	defer func() { _ = db.Close() }()
	source := newFakeSource()

	s := syncer.New(zaptest.NewLogger(t), syncer.Config{}, db, source, "sync-1", changelog.ModeServing, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	<-source.subs

	source.frames <- changelog.BeginFrame(changelog.Begin("20"), "")
	source.frames <- changelog.DataFrame(changelog.DataOpChange(changelog.DataChange{
		Op: changelog.OpTruncate, Schema: "public", Table: "widgets",
	}))
	source.frames <- changelog.DataFrame(changelog.DataOpChange(changelog.DataChange{
		Op: changelog.OpTruncate, Schema: "public", Table: "widgets",
	}))
	source.frames <- changelog.CommitFrame(changelog.Commit("21"), "21")

	select {
	case n := <-s.Subscribe():
		require.Equal(t, changelog.Watermark("21"), n.Version)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for notification")
	}

	var changeCount int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM changeLog2 WHERE stateVersion = '21' AND op = 't'`).Scan(&changeCount))
	require.Equal(t, 1, changeCount)

	s.Stop()
	cancel()
	<-done
}

func TestResetRequiredIsFatal(t *testing.T) {
	db := openTestReplica(t)
	defer func() { _ = db.Close() }()
	source := newFakeSource()

	var fatalErr error
	s := syncer.New(zaptest.NewLogger(t), syncer.Config{}, db, source, "sync-1", changelog.ModeBackup, func(err error) {
		fatalErr = err
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	<-source.subs

	source.frames <- changelog.ControlFrame(changelog.ResetRequired("replica too far behind"))

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for syncer to exit")
	}
	require.Error(t, fatalErr)
	require.Equal(t, changelog.KindAutoReset, changelog.KindOf(fatalErr))
}
