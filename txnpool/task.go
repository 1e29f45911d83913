// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package txnpool

import (
	"context"

	"storj.io/streamcore/private/tagsql"
)

// Statement is a single dispatched write; statements returned by a task are
// executed against the worker's transaction before the worker proceeds to
// its next task.
type Statement struct {
	Query string
	Args  []interface{}
}

// WriteTask is executed inside a worker's open transaction and returns the
// statements that make up its effect. A nil/empty return does no work.
type WriteTask interface {
	Run(ctx context.Context, tx tagsql.Tx) ([]Statement, error)
}

// WriteTaskFunc adapts a function to WriteTask.
type WriteTaskFunc func(ctx context.Context, tx tagsql.Tx) ([]Statement, error)

// Run implements WriteTask.
func (fn WriteTaskFunc) Run(ctx context.Context, tx tagsql.Tx) ([]Statement, error) {
	return fn(ctx, tx)
}

// ReadTask reads through a worker's transaction and produces a value routed
// back to the caller that enqueued it. Its error fails only that caller.
type ReadTask[T any] func(ctx context.Context, tx tagsql.Tx) (T, error)

// Result is delivered to a ReadTask's caller once the task has run.
type Result[T any] struct {
	Value T
	Err   error
}

// entryKind tags the queue's internal representation of a unit of work, the
// "duck-typed statement objects" of the source collapsed into one variant.
type entryKind int

const (
	entryWrite entryKind = iota
	entryRead
	entryCommit
	entryRollback
	entryDone
)

// entry is the pool's internal task queue element. run executes the task
// against tx; its error, for entryWrite entries, fails the pool. done, when
// non-nil, receives that same outcome (nil on success) once the entry has
// been processed, letting a caller await a write or a commit boundary
// synchronously instead of firing it and moving on. Rollback entries never
// carry a done channel.
type entry struct {
	kind entryKind
	run  func(ctx context.Context, tx tagsql.Tx) error
	done chan error
}
