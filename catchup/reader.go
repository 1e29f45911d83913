// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package catchup

import (
	"context"
	"encoding/json"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/streamcore/changelog"
	"storj.io/streamcore/private/tagsql"
	"storj.io/streamcore/txnpool"
)

// Error is the class of errors returned from this package.
var Error = errs.Class("catchup")

// Sink is the per-subscriber delivery target. HTTP/WebSocket framing itself
// is an external collaborator (spec §1); Sink is only the minimal interface
// the reader needs: send a frame, and learn when catch-up has drained so
// buffered live messages can flush.
type Sink interface {
	Send(ctx context.Context, frame changelog.Frame) error
	SetCaughtUp()
}

// FatalFunc reports an auto-reset condition: a backup-mode subscriber whose
// starting watermark predates the archive, which means the replica must be
// rebuilt from a fresh backup.
type FatalFunc func(err error)

// Request describes one subscriber's catch-up starting point.
type Request struct {
	ID             string
	Mode           changelog.Mode
	ReplicaVersion changelog.Watermark
	Watermark      changelog.Watermark
}

// row is the durable changeLog shape read back from storage.
type row struct {
	Watermark string
	Pos       int
	Precommit *string
	Change    []byte
}

// NewPool builds the read-only pool this batch's readers share: every
// worker imports the same snapshot, taken immediately after the triggering
// Storer commit, so no reader ever observes the next transaction's rows
// (spec §4.3, I6).
func NewPool(log *zap.Logger, cfg Config, snapshot txnpool.SnapshotToken) *txnpool.Pool {
	cfg = cfg.WithDefaults()
	return txnpool.New(log, txnpool.Config{InitialWorkers: cfg.ReaderWorkers, MaxWorkers: cfg.ReaderWorkers},
		func(ctx context.Context, tx tagsql.Tx) error {
			return txnpool.ImportSnapshot(ctx, tx, snapshot)
		}, nil)
}

// ServeBatch runs Serve concurrently for every request in the batch, using
// a shared errgroup so a single subscriber's fatal error doesn't affect its
// siblings (spec §4.3 "Failure": catch-up of siblings is unaffected).
func ServeBatch(ctx context.Context, log *zap.Logger, pool *txnpool.Pool, cfg Config, requests []Request, sinks map[string]Sink, onAutoReset FatalFunc) {
	var group errgroup.Group
	for _, req := range requests {
		req := req
		sink := sinks[req.ID]
		if sink == nil {
			continue
		}
		group.Go(func() error {
			if err := Serve(ctx, log, pool, cfg, req, sink, onAutoReset); err != nil {
				if log != nil {
					log.Error("catch-up failed", zap.String("subscriber", req.ID), zap.Error(err))
				}
			}
			return nil
		})
	}
	_ = group.Wait()
}

// Serve replays archived rows with watermark ≥ req.Watermark to sink in
// (watermark, pos) order, then calls sink.SetCaughtUp (spec §4.3
// "Algorithm"). It returns the error the subscriber was closed with, if
// any; a nil return means catch-up completed normally.
func Serve(ctx context.Context, log *zap.Logger, pool *txnpool.Pool, cfg Config, req Request, sink Sink, onAutoReset FatalFunc) error {
	cfg = cfg.WithDefaults()

	earliest, err := fetchEarliestWatermark(pool)
	if err != nil {
		return Error.Wrap(err)
	}

	found := req.Watermark == req.ReplicaVersion
	cursorWatermark, cursorPos := string(req.Watermark), -1
	// Re-scan from the earliest archived row when starting from the
	// replica version: a fresh subscriber must see everything, not just
	// rows after its (possibly nonexistent) watermark.
	if found {
		cursorWatermark, cursorPos = "", -1
	}

	var pendingBegin *changelog.Change
	var pendingData []changelog.Change

	send := func(frame changelog.Frame) error {
		sendCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		defer cancel()
		return sink.Send(sendCtx, frame)
	}

	nextPage := fetchPage(pool, cfg.PageSize, cursorWatermark, cursorPos)
	for {
		page := <-nextPage
		if page.Err != nil {
			return Error.Wrap(page.Err)
		}
		rows := page.Rows
		if len(rows) == 0 {
			break
		}

		last := rows[len(rows)-1]
		nextPage = fetchPage(pool, cfg.PageSize, last.Watermark, last.Pos)

		for _, r := range rows {
			var change changelog.Change
			if err := json.Unmarshal(r.Change, &change); err != nil {
				return Error.Wrap(err)
			}

			if !found {
				switch {
				case r.Precommit != nil && r.Watermark == string(req.Watermark):
					found = true
				case r.Watermark > string(req.Watermark):
					return closeTooOld(req, earliest, onAutoReset)
				}
				continue
			}

			if r.Precommit == nil {
				if r.Pos == 0 {
					c := change
					pendingBegin = &c
					pendingData = nil
				} else {
					pendingData = append(pendingData, change)
				}
				continue
			}

			commitWatermark := changelog.Watermark(r.Watermark)
			if pendingBegin != nil {
				if err := send(changelog.BeginFrame(*pendingBegin, commitWatermark)); err != nil {
					return Error.Wrap(err)
				}
			}
			for _, d := range pendingData {
				if err := send(changelog.DataFrame(d)); err != nil {
					return Error.Wrap(err)
				}
			}
			if err := send(changelog.CommitFrame(change, commitWatermark)); err != nil {
				return Error.Wrap(err)
			}
			pendingBegin = nil
			pendingData = nil
		}
	}

	if !found {
		return closeTooOld(req, earliest, onAutoReset)
	}

	sink.SetCaughtUp()
	return nil
}

func closeTooOld(req Request, earliest changelog.Watermark, onAutoReset FatalFunc) error {
	err := changelog.WatermarkTooOld(earliest, req.Watermark)
	if req.Mode == changelog.ModeBackup {
		autoReset := changelog.New(changelog.KindAutoReset, "backup replica watermark %s predates archive (earliest %s)", req.Watermark, earliest)
		if onAutoReset != nil {
			onAutoReset(autoReset)
		}
		return autoReset
	}
	return err
}

func fetchEarliestWatermark(pool *txnpool.Pool) (changelog.Watermark, error) {
	result := txnpool.ProcessReadTask(pool, txnpool.ReadTask[string](func(ctx context.Context, tx tagsql.Tx) (string, error) {
		var w string
		err := tx.QueryRowContext(ctx, `SELECT MIN(watermark) FROM changeLog`).Scan(&w)
		return w, err
	}))
	r := <-result
	if r.Err != nil {
		return "", r.Err
	}
	return changelog.Watermark(r.Value), nil
}

type pageResult struct {
	Rows []row
	Err  error
}

// fetchPage dispatches a read task for the next page strictly after
// (afterWatermark, afterPos); afterPos < 0 means "from the start of
// afterWatermark's group onward", used for the initial fetch.
func fetchPage(pool *txnpool.Pool, pageSize int, afterWatermark string, afterPos int) <-chan pageResult {
	out := make(chan pageResult, 1)
	result := txnpool.ProcessReadTask(pool, txnpool.ReadTask[[]row](func(ctx context.Context, tx tagsql.Tx) ([]row, error) {
		rows, err := tx.QueryContext(ctx, `
			SELECT watermark, pos, precommit, change FROM changeLog
			WHERE (watermark, pos) > (?, ?)
			ORDER BY watermark, pos
			LIMIT ?`, afterWatermark, afterPos, pageSize)
		if err != nil {
			return nil, err
		}
		defer func() { _ = rows.Close() }()

		var page []row
		for rows.Next() {
			var r row
			if err := rows.Scan(&r.Watermark, &r.Pos, &r.Precommit, &r.Change); err != nil {
				return nil, err
			}
			page = append(page, r)
		}
		return page, rows.Err()
	}))

	go func() {
		r := <-result
		out <- pageResult{Rows: r.Value, Err: r.Err}
	}()
	return out
}
