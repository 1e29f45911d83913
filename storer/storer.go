// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package storer

import (
	"context"
	"encoding/json"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"storj.io/streamcore/changelog"
	"storj.io/streamcore/private/tagsql"
	"storj.io/streamcore/txnpool"
)

// Error is the class of errors returned from this package.
var Error = errs.Class("storer")

var mon = monkit.Package()

// Subscriber is a catch-up request's target: who to serve and from where.
type Subscriber struct {
	ID        string
	Mode      changelog.Mode
	Watermark changelog.Watermark
}

// CatchupFunc dispatches catch-up replay for subscribers against a
// consistent snapshot taken immediately after the triggering commit (or
// rollback). It must not block the storer's run loop for long; slow work
// should hand off to its own goroutine.
type CatchupFunc func(ctx context.Context, snapshot txnpool.SnapshotToken, subscribers []Subscriber)

// AckFunc is invoked once per durably committed transaction (I4) and once
// per dequeued status entry.
type AckFunc func(change changelog.Change)

// FatalFunc reports an unrecoverable condition the owning process should
// act on (ownership loss, auto-reset).
type FatalFunc func(kind changelog.Kind, err error)

// Storer is the sole writer of the change log for one shard.
type Storer struct {
	log *zap.Logger
	cfg Config

	pool     *txnpool.Pool
	readPool *txnpool.Pool

	taskID  string
	address string

	onAck     AckFunc
	onCatchup CatchupFunc
	onFatal   FatalFunc

	queue *fifo
	bp    *backpressure

	preCommitWatermark changelog.Watermark
	pos                changelog.Pos
	inTransaction      bool
	ownerResult        <-chan txnpool.Result[string]
	pendingCatchup     []Subscriber
}

// New constructs a Storer. pool is the write pool (sized for one worker,
// per spec §4.1's "write-pools are typically sized 1"); readPool backs
// catch-up snapshot export and may be sized for parallel reads.
func New(
	log *zap.Logger,
	cfg Config,
	pool, readPool *txnpool.Pool,
	taskID, address string,
	onAck AckFunc,
	onCatchup CatchupFunc,
	onFatal FatalFunc,
) *Storer {
	cfg = cfg.WithDefaults()
	return &Storer{
		log:      log,
		cfg:      cfg,
		pool:     pool,
		readPool: readPool,
		taskID:   taskID,
		address:  address,

		onAck:     onAck,
		onCatchup: onCatchup,
		onFatal:   onFatal,

		queue: newFIFO(),
		bp:    newBackpressure(cfg.BackPressureByteBudget),
	}
}

// AssumeOwnership sets the singleton replicationState row's owner to this
// process's task identifier.
func (s *Storer) AssumeOwnership(ctx context.Context) error {
	s.pool.Process(txnpool.WriteTaskFunc(func(ctx context.Context, tx tagsql.Tx) ([]txnpool.Statement, error) {
		return []txnpool.Statement{{
			Query: `UPDATE replicationState SET owner = ?, ownerAddress = ? WHERE lock = 1`,
			Args:  []interface{}{s.taskID, s.address},
		}}, nil
	}))
	s.pool.Commit()
	return nil
}

// StartParameters is what a restarting process needs to resume streaming.
type StartParameters struct {
	LastWatermark    changelog.Watermark
	BackfillRequests []changelog.BackfillTracking
}

// GetStartStreamInitializationParameters drains pending enqueued work, then
// reads the current replicationState and in-progress backfills.
func (s *Storer) GetStartStreamInitializationParameters(ctx context.Context) (StartParameters, error) {
	result := txnpool.ProcessReadTask(s.pool, txnpool.ReadTask[StartParameters](func(ctx context.Context, tx tagsql.Tx) (StartParameters, error) {
		var params StartParameters
		row := tx.QueryRowContext(ctx, `SELECT lastWatermark FROM replicationState WHERE lock = 1`)
		if err := row.Scan(&params.LastWatermark); err != nil {
			return params, err
		}

		rows, err := tx.QueryContext(ctx, `SELECT schema, "table", "column", backfill, elide FROM backfilling`)
		if err != nil {
			return params, err
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var bf changelog.BackfillTracking
			var payload []byte
			if err := rows.Scan(&bf.Schema, &bf.Table, &bf.Column, &payload, &bf.Elide); err != nil {
				return params, err
			}
			if len(payload) > 0 {
				if err := json.Unmarshal(payload, &bf.Backfill); err != nil {
					return params, err
				}
			}
			params.BackfillRequests = append(params.BackfillRequests, bf)
		}
		return params, rows.Err()
	}))

	r := <-result
	return r.Value, r.Err
}

// Store enqueues a watermarked change.
func (s *Storer) Store(change changelog.Change) {
	size := estimateSize(change)
	s.bp.add(size)
	s.queue.push(queueEntry{kind: entryChange, change: &change})
}

// Status enqueues a status ack; it carries no durability obligation and is
// acknowledged immediately on dequeue.
func (s *Storer) Status(change changelog.Change) {
	s.queue.push(queueEntry{kind: entryStatus, change: &change})
}

// Catchup enqueues a catch-up request for subscriber.
func (s *Storer) Catchup(subscriber Subscriber) {
	s.queue.push(queueEntry{kind: entryCatchup, subscriber: subscriber})
}

// Abort rolls back the open transaction, if any.
func (s *Storer) Abort() {
	s.queue.push(queueEntry{kind: entryAbort})
}

// Stop enqueues a sentinel; Run drains to it and returns.
func (s *Storer) Stop() {
	s.queue.push(queueEntry{kind: entryStop})
}

// ReadyForMore returns a channel that is closed once queued bytes have
// fallen back below the back-pressure threshold.
func (s *Storer) ReadyForMore() <-chan struct{} {
	return s.bp.ready()
}

// PurgeRecordsBefore deletes change-log rows with watermark < w, guarded by
// an ownership check; it is a no-op (0, nil) if this process is not owner.
func (s *Storer) PurgeRecordsBefore(ctx context.Context, w changelog.Watermark) (int64, error) {
	result := txnpool.ProcessReadTask(s.pool, txnpool.ReadTask[int64](func(ctx context.Context, tx tagsql.Tx) (int64, error) {
		var owner string
		if err := tx.QueryRowContext(ctx, `SELECT owner FROM replicationState WHERE lock = 1`).Scan(&owner); err != nil {
			return 0, err
		}
		if owner != s.taskID {
			return 0, nil
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM changeLog WHERE watermark < ?`, string(w))
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	}))
	r := <-result
	return r.Value, r.Err
}

// Run processes the queue until Stop is dequeued or an unrecoverable error
// occurs.
func (s *Storer) Run(ctx context.Context) error {
	for {
		e, err := s.queue.pop(ctx)
		if err != nil {
			return err
		}

		switch e.kind {
		case entryStop:
			if s.inTransaction {
				s.pool.Rollback()
				s.inTransaction = false
			}
			return nil

		case entryAbort:
			if s.inTransaction {
				s.pool.Rollback()
				s.inTransaction = false
				s.flushPendingCatchup(ctx)
			}

		case entryStatus:
			if s.onAck != nil && e.change != nil {
				s.onAck(*e.change)
			}

		case entryCatchup:
			if s.inTransaction {
				s.pendingCatchup = append(s.pendingCatchup, e.subscriber)
			} else {
				s.pendingCatchup = append(s.pendingCatchup, e.subscriber)
				s.flushPendingCatchup(ctx)
			}

		case entryChange:
			if err := s.applyChange(ctx, e.change); err != nil {
				return err
			}
		}
	}
}

func (s *Storer) applyChange(ctx context.Context, change *changelog.Change) (err error) {
	defer mon.Task()(&ctx)(&err)

	size := estimateSize(*change)
	defer s.bp.sub(size)

	switch change.Tag {
	case changelog.TagBegin:
		s.preCommitWatermark = change.Watermark
		s.pos = 0
		s.inTransaction = true
		s.ownerResult = txnpool.ProcessReadTask(s.pool, txnpool.ReadTask[string](func(ctx context.Context, tx tagsql.Tx) (string, error) {
			var owner string
			err := tx.QueryRowContext(ctx, `SELECT owner FROM replicationState WHERE lock = 1`).Scan(&owner)
			return owner, err
		}))

		payload, err := json.Marshal(change)
		if err != nil {
			return Error.Wrap(err)
		}
		watermark := s.preCommitWatermark
		s.pool.Process(txnpool.WriteTaskFunc(func(ctx context.Context, tx tagsql.Tx) ([]txnpool.Statement, error) {
			return []txnpool.Statement{{
				Query: `INSERT INTO changeLog (watermark, pos, precommit, change) VALUES (?, 0, NULL, ?)`,
				Args:  []interface{}{string(watermark), payload},
			}}, nil
		}))
		return nil

	case changelog.TagData:
		s.pos++
		payload, err := json.Marshal(change)
		if err != nil {
			return Error.Wrap(err)
		}
		watermark := s.preCommitWatermark
		pos := s.pos
		writeTask := txnpool.WriteTaskFunc(func(ctx context.Context, tx tagsql.Tx) ([]txnpool.Statement, error) {
			return []txnpool.Statement{{
				Query: `INSERT INTO changeLog (watermark, pos, precommit, change) VALUES (?, ?, NULL, ?)`,
				Args:  []interface{}{string(watermark), int(pos), payload},
			}}, nil
		})
		if int(pos)%s.cfg.CommitFlushEveryN == 0 {
			// bound memory: await this pipelined insert instead of racing
			// ahead with further queued work (spec §4.2 "every 100 rows...
			// await the pipelined insert to bound memory").
			mon.Counter("storer_flush_checkpoint").Inc(1)
			if err := <-s.pool.ProcessAndWait(writeTask); err != nil {
				s.pool.Rollback()
				s.inTransaction = false
				return Error.Wrap(err)
			}
		} else {
			s.pool.Process(writeTask)
		}
		if change.Data != nil && changelog.SchemaOps[change.Data.Op] {
			s.storeSchemaSideEffect(*change.Data)
		}
		return nil

	case changelog.TagCommit:
		s.pos++
		payload, err := json.Marshal(change)
		if err != nil {
			return Error.Wrap(err)
		}
		watermark := change.Watermark
		precommit := s.preCommitWatermark
		pos := s.pos
		s.pool.Process(txnpool.WriteTaskFunc(func(ctx context.Context, tx tagsql.Tx) ([]txnpool.Statement, error) {
			return []txnpool.Statement{{
				Query: `INSERT INTO changeLog (watermark, pos, precommit, change) VALUES (?, ?, ?, ?)`,
				Args:  []interface{}{string(watermark), int(pos), string(precommit), payload},
			}}, nil
		}))

		ownerResult := <-s.ownerResult
		if ownerResult.Err != nil {
			s.pool.Rollback()
			s.inTransaction = false
			return Error.Wrap(ownerResult.Err)
		}
		if ownerResult.Value != s.taskID {
			s.pool.Rollback()
			s.inTransaction = false
			lostErr := changelog.OwnershipLost(ownerResult.Value)
			if s.onFatal != nil {
				s.onFatal(changelog.KindOwnershipLoss, lostErr)
			}
			s.flushPendingCatchup(ctx)
			return nil
		}

		s.pool.Process(txnpool.WriteTaskFunc(func(ctx context.Context, tx tagsql.Tx) ([]txnpool.Statement, error) {
			return []txnpool.Statement{{
				Query: `UPDATE replicationState SET lastWatermark = ? WHERE lock = 1`,
				Args:  []interface{}{string(watermark)},
			}}, nil
		}))

		// spec §5: suspend here at await tx.done() — no ACK or broadcast
		// happens before the commit has actually landed (I4).
		commitErr := <-s.pool.CommitAndWait()
		s.inTransaction = false
		if commitErr != nil {
			return s.handleCommitFailure(ctx, commitErr)
		}

		if s.onAck != nil {
			s.onAck(*change)
		}
		s.flushPendingCatchup(ctx)
		return nil

	case changelog.TagRollback:
		s.pool.Rollback()
		s.inTransaction = false
		s.flushPendingCatchup(ctx)
		return nil
	}

	return nil
}

// handleCommitFailure reacts to a failed tx.Commit(): spec §4.2 scenario 4
// treats this as a serialization failure on the replicationState row and
// requires re-reading the current owner, in a fresh transaction, before
// reporting ownership loss. The read goes through readPool since the write
// pool's worker has already exited on the failed commit.
func (s *Storer) handleCommitFailure(ctx context.Context, commitErr error) error {
	if s.log != nil {
		s.log.Error("commit failed, re-reading owner", zap.Error(commitErr))
	}

	var owner string
	if s.readPool != nil {
		result := txnpool.ProcessReadTask(s.readPool, txnpool.ReadTask[string](func(ctx context.Context, tx tagsql.Tx) (string, error) {
			var owner string
			err := tx.QueryRowContext(ctx, `SELECT owner FROM replicationState WHERE lock = 1`).Scan(&owner)
			return owner, err
		}))
		if r := <-result; r.Err == nil {
			owner = r.Value
		}
	}

	lostErr := changelog.OwnershipLost(owner)
	if s.onFatal != nil {
		s.onFatal(changelog.KindOwnershipLoss, lostErr)
	}
	s.flushPendingCatchup(ctx)
	return nil
}

// storeSchemaSideEffect co-writes table-metadata/backfill bookkeeping rows
// in the same transaction as the triggering schema change, so a restarted
// session can re-request backfills that were aborted mid-flight.
func (s *Storer) storeSchemaSideEffect(data changelog.DataChange) {
	switch data.Op {
	case changelog.OpBackfill:
		payload, err := json.Marshal(data.Backfill)
		if err != nil {
			return
		}
		schema, table, column, elide := data.Schema, data.Table, data.Column, data.Elide
		s.pool.Process(txnpool.WriteTaskFunc(func(ctx context.Context, tx tagsql.Tx) ([]txnpool.Statement, error) {
			return []txnpool.Statement{{
				Query: `INSERT INTO backfilling (schema, "table", "column", backfill, elide) VALUES (?, ?, ?, ?, ?)
					ON CONFLICT (schema, "table", "column") DO UPDATE SET backfill = excluded.backfill, elide = excluded.elide`,
				Args: []interface{}{schema, table, column, payload, elide},
			}}, nil
		}))

	case changelog.OpBackfillCompleted:
		schema, table, column := data.Schema, data.Table, data.Column
		s.pool.Process(txnpool.WriteTaskFunc(func(ctx context.Context, tx tagsql.Tx) ([]txnpool.Statement, error) {
			return []txnpool.Statement{{
				Query: `DELETE FROM backfilling WHERE schema = ? AND "table" = ? AND "column" = ?`,
				Args:  []interface{}{schema, table, column},
			}}, nil
		}))

	default:
		payload, err := json.Marshal(data.Metadata)
		if err != nil {
			return
		}
		schema, table := data.Schema, data.Table
		s.pool.Process(txnpool.WriteTaskFunc(func(ctx context.Context, tx tagsql.Tx) ([]txnpool.Statement, error) {
			return []txnpool.Statement{{
				Query: `INSERT INTO tableMetadata (schema, "table", metadata) VALUES (?, ?, ?)
					ON CONFLICT (schema, "table") DO UPDATE SET metadata = excluded.metadata`,
				Args: []interface{}{schema, table, payload},
			}}, nil
		}))
	}
}

// flushPendingCatchup opens a read-only snapshot immediately after the
// triggering commit/rollback and dispatches it to queued subscribers. The
// snapshot never sees the next transaction's rows (I6): it's taken from a
// dedicated read pool only once this transaction has fully closed.
func (s *Storer) flushPendingCatchup(ctx context.Context) {
	if len(s.pendingCatchup) == 0 || s.readPool == nil {
		return
	}
	subscribers := s.pendingCatchup
	s.pendingCatchup = nil

	result := txnpool.ProcessReadTask(s.readPool, txnpool.ReadTask[txnpool.SnapshotToken](func(ctx context.Context, tx tagsql.Tx) (txnpool.SnapshotToken, error) {
		var token string
		err := tx.QueryRowContext(ctx, `SELECT pg_export_snapshot()`).Scan(&token)
		return txnpool.SnapshotToken(token), err
	}))

	go func() {
		r := <-result
		if r.Err != nil {
			if s.log != nil {
				s.log.Error("catch-up snapshot export failed", zap.Error(r.Err))
			}
			return
		}
		if s.onCatchup != nil {
			s.onCatchup(ctx, r.Value, subscribers)
		}
	}()
}

func estimateSize(change changelog.Change) int64 {
	payload, err := json.Marshal(change)
	if err != nil {
		return 0
	}
	return int64(len(payload))
}
