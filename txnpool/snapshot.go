// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package txnpool

import (
	"context"
	"sync"

	"storj.io/streamcore/private/tagsql"
)

// SnapshotToken identifies a consistent read view of the upstream database,
// exported by one transaction and imported by others to share it.
type SnapshotToken string

// snapshotBarrier hands the token published by an exporter worker to every
// consumer that awaits it. It does not hold the exporter's transaction open
// until consumers have imported the snapshot.
type snapshotBarrier struct {
	once  sync.Once
	ready chan SnapshotToken

	mu       sync.Mutex
	waiting  int
	captured int
	done     chan struct{}
}

func newSnapshotBarrier() *snapshotBarrier {
	return &snapshotBarrier{
		ready: make(chan SnapshotToken, 1),
		done:  make(chan struct{}),
	}
}

func (b *snapshotBarrier) publish(token SnapshotToken) {
	b.once.Do(func() { b.ready <- token })
}

func (b *snapshotBarrier) await(ctx context.Context) (SnapshotToken, error) {
	select {
	case token := <-b.ready:
		b.ready <- token // put back for the next consumer to read too
		return token, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// SynchronizedSnapshots composes an init hook (for the exporting worker, a
// write-pool of size one) with an init hook for consuming read-pool workers
// so every worker observes the same consistent snapshot. exportQuery should
// be the driver-specific statement producing a shareable snapshot
// identifier (e.g. Postgres' pg_export_snapshot()).
func SynchronizedSnapshots(exportQuery string) (exporterInit Hook, importerInit func(token SnapshotToken) Hook) {
	barrier := newSnapshotBarrier()

	exporterInit = func(ctx context.Context, tx tagsql.Tx) error {
		var token string
		if err := tx.QueryRowContext(ctx, exportQuery).Scan(&token); err != nil {
			return Error.Wrap(err)
		}
		barrier.publish(SnapshotToken(token))
		return nil
	}

	importerInit = func(_ SnapshotToken) Hook {
		return func(ctx context.Context, tx tagsql.Tx) error {
			token, err := barrier.await(ctx)
			if err != nil {
				return Error.Wrap(err)
			}
			return ImportSnapshot(ctx, tx, token)
		}
	}
	return exporterInit, importerInit
}

// SharedSnapshot returns an init hook usable by every worker in a
// read-only pool: the first worker to run it exports a snapshot, and
// subsequent workers import that same snapshot. Once exhausted is
// observed to be true (no more tasks remain), later workers skip snapshot
// setup entirely, since freshly spawned workers no longer need to agree
// with ones that have already finished reading under the original view.
func SharedSnapshot(exportQuery string, exhausted func() bool) Hook {
	barrier := newSnapshotBarrier()
	var exportOnce sync.Once

	return func(ctx context.Context, tx tagsql.Tx) error {
		if exhausted != nil && exhausted() {
			return nil
		}

		exported := false
		exportOnce.Do(func() { exported = true })

		if exported {
			var token string
			if err := tx.QueryRowContext(ctx, exportQuery).Scan(&token); err != nil {
				return Error.Wrap(err)
			}
			barrier.publish(SnapshotToken(token))
			return nil
		}

		token, err := barrier.await(ctx)
		if err != nil {
			return Error.Wrap(err)
		}
		return ImportSnapshot(ctx, tx, token)
	}
}

// ImportSnapshot sets tx's transaction to read from the consistent view
// identified by token, exported by a concurrent transaction.
func ImportSnapshot(ctx context.Context, tx tagsql.Tx, token SnapshotToken) error {
	if _, err := tx.ExecContext(ctx, `SET TRANSACTION SNAPSHOT '`+string(token)+`'`); err != nil {
		return Error.Wrap(err)
	}
	return nil
}
