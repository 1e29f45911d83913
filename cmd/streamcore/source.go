// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"context"
	"sync"

	"storj.io/streamcore/catchup"
	"storj.io/streamcore/changelog"
	"storj.io/streamcore/storer"
)

// localSource implements syncer.Source by bridging the in-process Storer,
// Catch-up Reader, and live hub: it is the "external HTTP/WebSocket
// transport" of spec §1, collapsed to direct channel hand-off since
// transport framing itself is out of scope.
type localSource struct {
	st  *storer.Storer
	h   *hub
	reg *catchupRegistry
}

func newLocalSource(st *storer.Storer, h *hub, reg *catchupRegistry) *localSource {
	return &localSource{st: st, h: h, reg: reg}
}

// channelSink adapts a buffered frame channel to catchup.Sink: Send writes
// catch-up frames directly to the channel; SetCaughtUp releases the fence
// gating the live-frame drain goroutine started by Subscribe.
type channelSink struct {
	out      chan<- changelog.Frame
	caughtUp chan struct{}
	once     sync.Once
}

func newChannelSink(out chan<- changelog.Frame) *channelSink {
	return &channelSink{out: out, caughtUp: make(chan struct{})}
}

func (s *channelSink) Send(ctx context.Context, frame changelog.Frame) error {
	select {
	case s.out <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *channelSink) SetCaughtUp() {
	s.once.Do(func() { close(s.caughtUp) })
}

// Subscribe joins req.ID to the live hub first (so no live frame that
// arrives during catch-up is lost, merely buffered), requests catch-up
// from the Storer, and once caught up, drains the buffered live channel
// straight through (spec §4.3 step 5).
func (ls *localSource) Subscribe(ctx context.Context, req changelog.SubscribeRequest) (<-chan changelog.Frame, <-chan error, error) {
	live := ls.h.subscribe(req.ID)
	out := make(chan changelog.Frame, 256)
	errCh := make(chan error, 1)

	sink := newChannelSink(out)
	ls.reg.register(req.ID, sink)
	ls.st.Catchup(storer.Subscriber{ID: req.ID, Mode: req.Mode, Watermark: req.Watermark})

	go func() {
		defer close(out)
		defer ls.h.unsubscribe(req.ID)
		defer ls.reg.unregister(req.ID)

		select {
		case <-sink.caughtUp:
		case <-ctx.Done():
			return
		}

		for {
			select {
			case frame, ok := <-live:
				if !ok {
					return
				}
				select {
				case out <- frame:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, errCh, nil
}

// catchupRegistry tracks the sinks awaiting dispatch for a batch of
// subscribers, consumed by the Storer's onCatchup callback once a snapshot
// is available.
type catchupRegistry struct {
	mu    sync.Mutex
	sinks map[string]*channelSink
}

func newCatchupRegistry() *catchupRegistry {
	return &catchupRegistry{sinks: make(map[string]*channelSink)}
}

func (r *catchupRegistry) register(id string, sink *channelSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[id] = sink
}

func (r *catchupRegistry) unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sinks, id)
}

func (r *catchupRegistry) sinksFor(subscribers []storer.Subscriber) (map[string]catchup.Sink, []catchup.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sinks := make(map[string]catchup.Sink, len(subscribers))
	requests := make([]catchup.Request, 0, len(subscribers))
	for _, sub := range subscribers {
		sink, ok := r.sinks[sub.ID]
		if !ok {
			continue
		}
		sinks[sub.ID] = sink
		requests = append(requests, catchup.Request{
			ID:        sub.ID,
			Mode:      sub.Mode,
			Watermark: sub.Watermark,
		})
	}
	return sinks, requests
}
