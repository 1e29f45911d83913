// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package txnpool

import (
	"context"
	"sync"
	"time"
)

// taskQueue is the pool's shared FIFO. It delivers entries to whichever
// worker polls next, and communicates shutdown in two ways: closeAfterDrain
// lets workers finish whatever is already queued before seeing entryDone,
// closeImmediately discards anything still queued (delivering an error to
// entries that carry a done channel) and makes entryDone visible right away.
type taskQueue struct {
	mu    sync.Mutex
	items []*entry
	wake  chan struct{}

	draining bool
	aborted  bool
}

func newTaskQueue() *taskQueue {
	return &taskQueue{wake: make(chan struct{}, 1)}
}

func (q *taskQueue) push(e *entry) {
	q.mu.Lock()
	q.items = append(q.items, e)
	q.mu.Unlock()
	q.signal()
}

func (q *taskQueue) closeAfterDrain() {
	q.mu.Lock()
	q.draining = true
	q.mu.Unlock()
	q.signal()
}

func (q *taskQueue) closeImmediately() {
	q.mu.Lock()
	q.aborted = true
	for _, e := range q.items {
		if e.done != nil {
			e.done <- Error.New("pool closed before the task ran")
		}
	}
	q.items = nil
	q.mu.Unlock()
	q.signal()
}

func (q *taskQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// pop waits for the next entry. It returns timedOut=true if timeout elapses
// with nothing to deliver, or err set if ctx is done.
func (q *taskQueue) pop(ctx context.Context, timeout time.Duration) (e *entry, timedOut bool, err error) {
	for {
		q.mu.Lock()
		switch {
		case q.aborted:
			q.mu.Unlock()
			return &entry{kind: entryDone}, false, nil
		case len(q.items) > 0:
			e := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return e, false, nil
		case q.draining:
			q.mu.Unlock()
			return &entry{kind: entryDone}, false, nil
		}
		q.mu.Unlock()

		var timeoutCh <-chan time.Time
		var timer *time.Timer
		if timeout > 0 {
			timer = time.NewTimer(timeout)
			timeoutCh = timer.C
		}

		select {
		case <-q.wake:
			if timer != nil {
				timer.Stop()
			}
		case <-timeoutCh:
			return nil, true, nil
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, false, ctx.Err()
		}
	}
}
