// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package lifecycle composes the four streamcore components (and any
// process-level helpers) into one errgroup-driven startup/shutdown
// sequence, mirroring the teacher's private/lifecycle package
// (group_test.go).
package lifecycle

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Item is one member of a Group: a named Run function (started concurrently
// with its siblings) and an optional Close function (run in reverse
// registration order once every Run has returned).
type Item struct {
	Name  string
	Run   func(ctx context.Context) error
	Close func() error
}

// Group runs a set of Items concurrently and closes them in reverse order.
type Group struct {
	log   *zap.Logger
	mu    sync.Mutex
	items []Item
}

// NewGroup returns an empty Group that logs under log.
func NewGroup(log *zap.Logger) *Group {
	return &Group{log: log}
}

// Add registers an item. Add must be called before Run.
func (group *Group) Add(item Item) {
	group.mu.Lock()
	defer group.mu.Unlock()
	group.items = append(group.items, item)
}

// Run starts every registered item's Run function in g, skipping items with
// a nil Run.
func (group *Group) Run(ctx context.Context, g *errgroup.Group) {
	group.mu.Lock()
	items := append([]Item(nil), group.items...)
	group.mu.Unlock()

	for _, item := range items {
		item := item
		if item.Run == nil {
			continue
		}
		g.Go(func() error {
			if group.log != nil {
				group.log.Debug("starting", zap.String("name", item.Name))
			}
			return item.Run(ctx)
		})
	}
}

// Close calls every registered item's Close function in reverse
// registration order, collecting (not short-circuiting on) errors.
func (group *Group) Close() error {
	group.mu.Lock()
	items := append([]Item(nil), group.items...)
	group.mu.Unlock()

	var firstErr error
	for i := len(items) - 1; i >= 0; i-- {
		item := items[i]
		if item.Close == nil {
			continue
		}
		if group.log != nil {
			group.log.Debug("closing", zap.String("name", item.Name))
		}
		if err := item.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
