// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package txnpool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"storj.io/streamcore/private/tagsql"
)

// Error is the class of errors returned from this package.
var Error = errs.Class("txnpool")

var mon = monkit.Package()

// Hook runs once per worker, either right after its transaction opens
// (Init) or right before its final commit (Cleanup).
type Hook func(ctx context.Context, tx tagsql.Tx) error

// Pool maintains between Config.InitialWorkers and Config.MaxWorkers
// long-lived database transactions, each draining the shared task queue.
type Pool struct {
	log *zap.Logger
	cfg Config
	db  tagsql.DB

	onInit    Hook
	onCleanup Hook

	queue *taskQueue

	outstanding atomic.Int32
	working     atomic.Int32
	workers     atomic.Int32
	refCount    atomic.Int32

	group   *errgroup.Group
	runCtx  context.Context
	failed  atomic.Bool
	mu      sync.Mutex
	err     error
	started atomic.Bool
}

// New creates a pool. onInit/onCleanup may be nil.
func New(log *zap.Logger, cfg Config, onInit, onCleanup Hook) *Pool {
	p := &Pool{
		log:       log,
		cfg:       cfg.WithDefaults(),
		onInit:    onInit,
		onCleanup: onCleanup,
		queue:     newTaskQueue(),
	}
	p.refCount.Store(1)
	return p
}

// Run starts the initial workers against db and blocks until every worker
// has exited (via SetDone, Abort, or a fatal Fail), returning the first
// error encountered, if any. It must be called at most once.
func (p *Pool) Run(ctx context.Context, db tagsql.DB) error {
	if p.started.Swap(true) {
		return Error.New("pool already started")
	}
	p.db = db

	group, ctx := errgroup.WithContext(ctx)
	p.group = group
	p.runCtx = ctx
	p.workers.Store(int32(p.cfg.InitialWorkers))

	for i := 0; i < p.cfg.InitialWorkers; i++ {
		i := i
		group.Go(func() error {
			return p.runWorker(ctx, i, false)
		})
	}

	err := group.Wait()
	if err != nil {
		p.mu.Lock()
		if p.err == nil {
			p.err = err
		}
		p.mu.Unlock()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Process enqueues a write-producing task. Its error, if any, fails the
// whole pool.
func (p *Pool) Process(task WriteTask) {
	p.dispatchWrite(task, nil)
}

// ProcessAndWait enqueues a write-producing task like Process, but returns a
// channel delivering its outcome (nil on success) once the statements have
// actually been executed. Callers that need to bound how much pipelined
// work is in flight (spec's commitFlushEveryN checkpoint) await this
// periodically instead of racing ahead of the worker.
func (p *Pool) ProcessAndWait(task WriteTask) <-chan error {
	done := make(chan error, 1)
	p.dispatchWrite(task, done)
	return done
}

func (p *Pool) dispatchWrite(task WriteTask, done chan error) {
	p.maybeSpawn()
	p.enqueue(&entry{
		kind: entryWrite,
		run: func(ctx context.Context, tx tagsql.Tx) error {
			stmts, err := task.Run(ctx, tx)
			if err != nil {
				return err
			}
			for _, stmt := range stmts {
				if _, err := tx.ExecContext(ctx, stmt.Query, stmt.Args...); err != nil {
					return err
				}
			}
			return nil
		},
		done: done,
	})
}

// ProcessReadTask enqueues a reader and returns a channel delivering its
// result. A read task's error fails only the caller, never the pool.
func ProcessReadTask[T any](p *Pool, task ReadTask[T]) <-chan Result[T] {
	result := make(chan Result[T], 1)
	p.maybeSpawn()
	p.enqueue(&entry{
		kind: entryRead,
		run: func(ctx context.Context, tx tagsql.Tx) error {
			value, err := task(ctx, tx)
			result <- Result[T]{Value: value, Err: err}
			return nil
		},
	})
	return result
}

// Commit enqueues a transaction boundary: the worker that reaches it
// commits its currently open transaction and begins a new one before
// processing further tasks. The commit's outcome is not reported back;
// callers that must not act before the commit has actually landed (an ACK,
// a broadcast) should use CommitAndWait instead.
func (p *Pool) Commit() {
	p.enqueue(&entry{kind: entryCommit})
}

// CommitAndWait behaves like Commit, but returns a channel delivering the
// commit's outcome: nil once tx.Commit() has actually succeeded, or the
// commit error otherwise. The Storer awaits this before ACKing upstream or
// broadcasting to live subscribers (spec §5's "suspends ... at await
// tx.done() on commit", I4).
func (p *Pool) CommitAndWait() <-chan error {
	done := make(chan error, 1)
	p.enqueue(&entry{kind: entryCommit, done: done})
	return done
}

// Rollback enqueues a transaction boundary that discards the worker's
// currently open transaction instead of committing it.
func (p *Pool) Rollback() {
	p.enqueue(&entry{kind: entryRollback})
}

// SetDone signals that no further tasks will be enqueued: each worker
// drains the queue, runs its cleanup hook, and commits its final
// transaction.
func (p *Pool) SetDone() {
	p.queue.closeAfterDrain()
}

// Abort rolls back every worker's open transaction immediately, regardless
// of queued work.
func (p *Pool) Abort() {
	p.queue.closeImmediately()
}

// Fail propagates err to every worker, failing the pool; pending write
// tasks are rejected.
func (p *Pool) Fail(err error) {
	if p.failed.CompareAndSwap(false, true) {
		p.mu.Lock()
		if p.err == nil {
			p.err = err
		}
		p.mu.Unlock()
	}
	p.queue.closeImmediately()
}

// Ref increments the pool's reference count.
func (p *Pool) Ref() {
	p.refCount.Add(1)
}

// Unref decrements the pool's reference count; when it reaches zero,
// SetDone is invoked.
func (p *Pool) Unref() {
	if p.refCount.Add(-1) == 0 {
		p.SetDone()
	}
}

func (p *Pool) enqueue(e *entry) {
	p.outstanding.Add(1)
	p.queue.push(e)
}

// maybeSpawn implements the adaptive sizing rule: when outstanding work
// exceeds idle worker capacity, spawn one more worker up to MaxWorkers.
func (p *Pool) maybeSpawn() {
	if p.group == nil {
		return
	}
	outstanding := p.outstanding.Load()
	idle := p.workers.Load() - p.working.Load()
	if outstanding <= idle {
		return
	}
	for {
		current := p.workers.Load()
		if current >= int32(p.cfg.MaxWorkers) {
			return
		}
		if !p.workers.CompareAndSwap(current, current+1) {
			continue
		}
		id := int(current)
		ctx := p.runCtx
		p.group.Go(func() error {
			return p.runWorker(ctx, id, id >= p.cfg.InitialWorkers)
		})
		return
	}
}

func (p *Pool) runWorker(ctx context.Context, id int, extra bool) error {
	if extra {
		mon.Counter("txnpool_extra_workers_spawned").Inc(1)
	}
	defer p.workers.Add(-1)

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return Error.Wrap(err)
	}

	if p.onInit != nil {
		if err := p.onInit(ctx, tx); err != nil {
			return Error.Wrap(errs.Combine(err, tx.Rollback()))
		}
	}

	timeout := p.cfg.KeepAliveTimeout
	if extra {
		timeout = p.cfg.IdleTimeout
	}

	finish := func(err error) error {
		if err != nil {
			return Error.Wrap(errs.Combine(err, tx.Rollback()))
		}
		if p.onCleanup != nil {
			if cerr := p.onCleanup(ctx, tx); cerr != nil {
				return Error.Wrap(errs.Combine(cerr, tx.Rollback()))
			}
		}
		return Error.Wrap(tx.Commit())
	}

	for {
		e, timedOut, perr := p.queue.pop(ctx, timeout)
		if perr != nil {
			return finish(perr)
		}
		if timedOut {
			if extra {
				return finish(nil)
			}
			if _, err := tx.ExecContext(ctx, `SELECT 1`); err != nil {
				return finish(err)
			}
			continue
		}

		p.outstanding.Add(-1)

		switch e.kind {
		case entryDone:
			p.queue.mu.Lock()
			aborted := p.queue.aborted
			p.queue.mu.Unlock()
			if aborted {
				// Abort/Fail: skip cleanup and discard the open transaction.
				return Error.Wrap(tx.Rollback())
			}
			return finish(nil)

		case entryCommit:
			if err := tx.Commit(); err != nil {
				if e.done != nil {
					e.done <- err
				}
				return Error.Wrap(err)
			}
			tx, err = p.db.BeginTx(ctx, nil)
			if err != nil {
				return Error.Wrap(err)
			}
			if e.done != nil {
				e.done <- nil
			}

		case entryRollback:
			_ = tx.Rollback()
			tx, err = p.db.BeginTx(ctx, nil)
			if err != nil {
				return Error.Wrap(err)
			}

		default:
			p.working.Add(1)
			runErr := e.run(ctx, tx)
			p.working.Add(-1)

			if runErr != nil {
				_ = tx.Rollback()
				if e.kind == entryWrite {
					if e.done != nil {
						e.done <- runErr
					}
					return Error.Wrap(runErr)
				}
				// read-task errors are already delivered to the caller;
				// the worker still needs a live transaction to continue.
				tx, err = p.db.BeginTx(ctx, nil)
				if err != nil {
					return Error.Wrap(err)
				}
			} else if e.kind == entryWrite && e.done != nil {
				e.done <- nil
			}
		}
	}
}

// NumWorkers reports how many workers are currently running, for tests and
// metrics.
func (p *Pool) NumWorkers() int { return int(p.workers.Load()) }
