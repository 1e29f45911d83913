// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package sync2 holds small concurrency primitives shared across the
// streaming core, grounded on the teacher's private/sync2 package
// (fence_test.go).
package sync2

import (
	"context"
	"sync"
)

// Fence lets any number of goroutines wait until Release is called once.
type Fence struct {
	initOnce    sync.Once
	releaseOnce sync.Once
	released    chan struct{}
}

func (fence *Fence) ensure() {
	fence.initOnce.Do(func() {
		fence.released = make(chan struct{})
	})
}

// Wait blocks until Release has been called or ctx is done, returning false
// in the latter case.
func (fence *Fence) Wait(ctx context.Context) bool {
	fence.ensure()
	select {
	case <-fence.released:
		return true
	case <-ctx.Done():
		return false
	}
}

// Release unblocks every current and future Wait call. Release is
// idempotent: calling it more than once is a no-op.
func (fence *Fence) Release() {
	fence.ensure()
	fence.releaseOnce.Do(func() {
		close(fence.released)
	})
}
