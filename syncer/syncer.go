// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package syncer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/streamcore/changelog"
	"storj.io/streamcore/private/tagsql"
)

// Error is the class of errors returned from this package.
var Error = errs.Class("syncer")

// Source is the downstream stream the syncer consumes: live changes plus
// catch-up replay, already rewritten to the wire Frame shape (spec §6).
// HTTP/WebSocket framing is an external collaborator (spec §1); only this
// subscribe contract is in scope.
type Source interface {
	// Subscribe declares req and returns a channel of frames for the
	// subscription's lifetime, closed on disconnect, plus an error channel
	// that receives at most one terminal error.
	Subscribe(ctx context.Context, req changelog.SubscribeRequest) (<-chan changelog.Frame, <-chan error, error)
}

// Notification reports that a new state version has been applied, or that
// the replica's schema changed, or both.
type Notification struct {
	Version       changelog.Watermark
	SchemaUpdated bool
}

// FatalFunc reports a condition that requires the replica to be
// re-initialized from a fresh backup (spec §4.4 "Failure").
type FatalFunc func(err error)

// Syncer applies one subscription's stream to a local embedded replica.
type Syncer struct {
	log    *zap.Logger
	cfg    Config
	db     tagsql.DB
	source Source

	id             string
	mode           changelog.Mode
	replicaVersion changelog.Watermark

	onFatal FatalFunc

	notifyCh chan Notification
	stopped  chan struct{}

	tx              tagsql.Tx
	touched         []touchedRow
	truncated       map[string]bool
	schemaChanged   bool
	backfillDone    []string
}

type touchedRow struct {
	schema, table string
	rowKey        string
	op            string // "s" (set), "d" (delete) or "t" (truncate)
}

// New constructs a Syncer. db must already have Migrations applied.
func New(log *zap.Logger, cfg Config, db tagsql.DB, source Source, id string, mode changelog.Mode, onFatal FatalFunc) *Syncer {
	return &Syncer{
		log:      log,
		cfg:      cfg.WithDefaults(),
		db:       db,
		source:   source,
		id:       id,
		mode:     mode,
		onFatal:  onFatal,
		notifyCh: make(chan Notification, 1),
		stopped:  make(chan struct{}),
	}
}

// Subscribe returns a channel of coalesced notifications: if the consumer
// falls behind, only the latest version is delivered (spec §4.4
// "Notifications").
func (s *Syncer) Subscribe() <-chan Notification {
	return s.notifyCh
}

// Stop cancels the subscription and stops retrying.
func (s *Syncer) Stop() {
	close(s.stopped)
}

// Run subscribes to the upstream source and applies its stream until Stop
// is called, reconnecting with exponential backoff on transport or
// mid-stream errors.
func (s *Syncer) Run(ctx context.Context) error {
	backoff := s.cfg.InitialBackoff
	for {
		select {
		case <-s.stopped:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		lastWatermark, err := s.loadState(ctx)
		if err != nil {
			return Error.Wrap(err)
		}

		req := changelog.SubscribeRequest{
			ProtocolVersion: 1,
			ID:              s.id,
			Mode:            s.mode,
			ReplicaVersion:  s.replicaVersion,
			Watermark:       lastWatermark,
			Initial:         lastWatermark == "",
		}

		frames, errCh, err := s.source.Subscribe(ctx, req)
		if err != nil {
			if !s.wait(ctx, &backoff) {
				return nil
			}
			continue
		}

		streamErr := s.consume(ctx, frames, errCh)
		if streamErr == nil {
			return nil
		}
		if changelog.KindOf(streamErr) == changelog.KindAutoReset {
			if s.onFatal != nil {
				s.onFatal(streamErr)
			}
			return Error.Wrap(streamErr)
		}
		if s.log != nil {
			s.log.Warn("syncer stream ended, reconnecting", zap.Error(streamErr))
		}
		if !s.wait(ctx, &backoff) {
			return nil
		}
	}
}

func (s *Syncer) wait(ctx context.Context, backoff *time.Duration) bool {
	select {
	case <-s.stopped:
		return false
	case <-ctx.Done():
		return false
	case <-time.After(*backoff):
	}
	*backoff *= 2
	if *backoff > s.cfg.MaxBackoff {
		*backoff = s.cfg.MaxBackoff
	}
	return true
}

func (s *Syncer) consume(ctx context.Context, frames <-chan changelog.Frame, errCh <-chan error) error {
	for {
		select {
		case <-s.stopped:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case frame, ok := <-frames:
			if !ok {
				return Error.New("stream closed")
			}
			if err := s.applyFrame(ctx, frame); err != nil {
				return err
			}
		}
	}
}

func (s *Syncer) loadState(ctx context.Context) (changelog.Watermark, error) {
	var lastWatermark, replicaVersion string
	err := s.db.QueryRowContext(ctx, `SELECT lastWatermark, replicaVersion FROM replicaState WHERE lock = 1`).Scan(&lastWatermark, &replicaVersion)
	if err != nil {
		return "", err
	}
	s.replicaVersion = changelog.Watermark(replicaVersion)
	return changelog.Watermark(lastWatermark), nil
}

func (s *Syncer) applyFrame(ctx context.Context, frame changelog.Frame) error {
	switch frame.Tag {
	case changelog.FrameControl:
		if frame.Change.Control == "reset-required" {
			return changelog.New(changelog.KindAutoReset, "%s", frame.Change.Message)
		}
		return nil

	case changelog.FrameBegin:
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return Error.Wrap(err)
		}
		s.tx = tx
		s.touched = nil
		s.truncated = nil
		s.schemaChanged = false
		s.backfillDone = nil
		return nil

	case changelog.FrameData:
		if s.tx == nil {
			return Error.New("data frame outside a transaction")
		}
		return s.applyData(ctx, *frame.Change.Data)

	case changelog.FrameCommit:
		return s.applyCommit(ctx, frame)

	case changelog.FrameRollback:
		if s.tx != nil {
			_ = s.tx.Rollback()
			s.tx = nil
		}
		return nil
	}
	return nil
}

func (s *Syncer) applyData(ctx context.Context, data changelog.DataChange) error {
	switch data.Op {
	case changelog.OpInsert, changelog.OpUpdate:
		if data.OldRowKey != nil {
			if _, err := s.tx.ExecContext(ctx, `DELETE FROM replicaRows WHERE schema = ? AND "table" = ? AND rowKey = ?`,
				data.Schema, data.Table, string(data.OldRowKey)); err != nil {
				return Error.Wrap(err)
			}
			s.touched = append(s.touched, touchedRow{data.Schema, data.Table, string(data.OldRowKey), "d"})
		}
		if _, err := s.tx.ExecContext(ctx, `
			INSERT INTO replicaRows (schema, "table", rowKey, row, version) VALUES (?, ?, ?, ?, '')
			ON CONFLICT (schema, "table", rowKey) DO UPDATE SET row = excluded.row`,
			data.Schema, data.Table, string(data.RowKey), string(data.Row)); err != nil {
			return Error.Wrap(err)
		}
		s.touched = append(s.touched, touchedRow{data.Schema, data.Table, string(data.RowKey), "s"})
		return nil

	case changelog.OpDelete:
		if _, err := s.tx.ExecContext(ctx, `DELETE FROM replicaRows WHERE schema = ? AND "table" = ? AND rowKey = ?`,
			data.Schema, data.Table, string(data.RowKey)); err != nil {
			return Error.Wrap(err)
		}
		s.touched = append(s.touched, touchedRow{data.Schema, data.Table, string(data.RowKey), "d"})
		return nil

	case changelog.OpTruncate:
		if _, err := s.tx.ExecContext(ctx, `DELETE FROM replicaRows WHERE schema = ? AND "table" = ?`, data.Schema, data.Table); err != nil {
			return Error.Wrap(err)
		}
		// two truncates on the same table in one transaction yield exactly
		// one changeLog2 "t" entry (spec §8 R2): record the touched row
		// only the first time this (schema,table) is truncated.
		key := data.Schema + "\x00" + data.Table
		if s.truncated[key] {
			return nil
		}
		if s.truncated == nil {
			s.truncated = make(map[string]bool)
		}
		s.truncated[key] = true
		s.touched = append(s.touched, touchedRow{data.Schema, data.Table, "", "t"})
		return nil

	case changelog.OpBackfill:
		if data.Elide {
			return nil
		}
		if _, err := s.tx.ExecContext(ctx, `
			INSERT INTO replicaRows (schema, "table", rowKey, row, version) VALUES (?, ?, ?, ?, '')
			ON CONFLICT (schema, "table", rowKey) DO UPDATE SET row = excluded.row`,
			data.Schema, data.Table, string(data.RowKey), string(data.Row)); err != nil {
			return Error.Wrap(err)
		}
		if _, err := s.tx.ExecContext(ctx, `
			INSERT INTO backfillState (backfill, schema, "table", "column") VALUES (?, ?, ?, ?)
			ON CONFLICT (backfill) DO NOTHING`,
			data.Backfill, data.Schema, data.Table, data.Column); err != nil {
			return Error.Wrap(err)
		}
		return nil

	case changelog.OpBackfillCompleted:
		s.backfillDone = append(s.backfillDone, data.Backfill)
		if _, err := s.tx.ExecContext(ctx, `UPDATE backfillState SET completed = 1 WHERE backfill = ?`, data.Backfill); err != nil {
			return Error.Wrap(err)
		}
		return nil

	case changelog.OpCreateTable, changelog.OpAddColumn, changelog.OpRenameTable,
		changelog.OpDropTable, changelog.OpUpdateColumn, changelog.OpDropColumn:
		payload, err := json.Marshal(data)
		if err != nil {
			return Error.Wrap(err)
		}
		if _, err := s.tx.ExecContext(ctx, `
			INSERT INTO replicaSchema (schema, "table", metadata) VALUES (?, ?, ?)
			ON CONFLICT (schema, "table") DO UPDATE SET metadata = excluded.metadata`,
			data.Schema, data.Table, payload); err != nil {
			return Error.Wrap(err)
		}
		s.schemaChanged = true
		return nil

	case changelog.OpUpdateTableMetadata:
		s.schemaChanged = true
		return nil
	}
	return nil
}

func (s *Syncer) applyCommit(ctx context.Context, frame changelog.Frame) error {
	if s.tx == nil {
		return Error.New("commit frame outside a transaction")
	}
	tx := s.tx
	s.tx = nil

	commitWatermark := frame.Change.Watermark
	pos := 0

	for _, t := range s.touched {
		if t.op != "t" {
			if _, err := tx.ExecContext(ctx, `UPDATE replicaRows SET version = ? WHERE schema = ? AND "table" = ? AND rowKey = ?`,
				string(commitWatermark), t.schema, t.table, t.rowKey); err != nil {
				return Error.Wrap(errs.Combine(err, tx.Rollback()))
			}
		}
		var rowKey interface{}
		if t.op != "t" {
			rowKey = t.rowKey
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO changeLog2 (stateVersion, pos, "table", op, rowKey) VALUES (?, ?, ?, ?, ?)`,
			string(commitWatermark), pos, t.table, t.op, rowKey); err != nil {
			return Error.Wrap(errs.Combine(err, tx.Rollback()))
		}
		pos++
	}

	for _, backfill := range s.backfillDone {
		var schema, table string
		if err := tx.QueryRowContext(ctx, `SELECT schema, "table" FROM backfillState WHERE backfill = ?`, backfill).Scan(&schema, &table); err != nil {
			return Error.Wrap(errs.Combine(err, tx.Rollback()))
		}
		rows, err := tx.QueryContext(ctx, `SELECT rowKey FROM replicaRows WHERE schema = ? AND "table" = ?`, schema, table)
		if err != nil {
			return Error.Wrap(errs.Combine(err, tx.Rollback()))
		}
		var rowKeys []string
		for rows.Next() {
			var rowKey string
			if err := rows.Scan(&rowKey); err != nil {
				_ = rows.Close()
				return Error.Wrap(errs.Combine(err, tx.Rollback()))
			}
			rowKeys = append(rowKeys, rowKey)
		}
		_ = rows.Close()

		if _, err := tx.ExecContext(ctx, `UPDATE replicaRows SET version = ? WHERE schema = ? AND "table" = ?`,
			string(commitWatermark), schema, table); err != nil {
			return Error.Wrap(errs.Combine(err, tx.Rollback()))
		}
		for _, rowKey := range rowKeys {
			if _, err := tx.ExecContext(ctx, `INSERT INTO changeLog2 (stateVersion, pos, "table", op, rowKey, backfillingColumnVersions) VALUES (?, ?, ?, 's', ?, ?)`,
				string(commitWatermark), pos, table, rowKey, backfill); err != nil {
				return Error.Wrap(errs.Combine(err, tx.Rollback()))
			}
			pos++
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE replicaState SET lastWatermark = ? WHERE lock = 1`, string(commitWatermark)); err != nil {
		return Error.Wrap(errs.Combine(err, tx.Rollback()))
	}

	if err := tx.Commit(); err != nil {
		return Error.Wrap(err)
	}

	// Incomplete backfills touch rows without bumping _0_version; view
	// drivers are not notified for a commit that did neither (spec §4.4).
	versioned := len(s.touched) > 0 || len(s.backfillDone) > 0
	if versioned || s.schemaChanged {
		s.notify(Notification{Version: commitWatermark, SchemaUpdated: s.schemaChanged})
	}
	return nil
}

// notify coalesces: if the consumer hasn't drained the previous
// notification, it is replaced rather than queued (spec §4.4
// "Notifications are coalesced if consumers fall behind").
func (s *Syncer) notify(n Notification) {
	for {
		select {
		case s.notifyCh <- n:
			return
		default:
			select {
			case <-s.notifyCh:
			default:
			}
		}
	}
}
