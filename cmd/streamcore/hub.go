// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"sync"

	"storj.io/streamcore/changelog"
)

// hub is the "live forwarder" box in spec §2's data-flow diagram: it mirrors
// every change handed to the Storer, regrouped into begin/data/commit wire
// frames, to every currently subscribed live listener. It is glue code
// connecting the four named components into one process, not itself one of
// them (see DESIGN.md).
type hub struct {
	mu   sync.Mutex
	subs map[string]chan changelog.Frame

	pendingBegin *changelog.Change
	pendingData  []changelog.Change
}

func newHub() *hub {
	return &hub{subs: make(map[string]chan changelog.Frame)}
}

// subscribe registers id for live frames; the caller must call unsubscribe
// once the subscription ends.
func (h *hub) subscribe(id string) <-chan changelog.Frame {
	ch := make(chan changelog.Frame, 256)
	h.mu.Lock()
	h.subs[id] = ch
	h.mu.Unlock()
	return ch
}

func (h *hub) unsubscribe(id string) {
	h.mu.Lock()
	ch, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
		close(ch)
	}
	h.mu.Unlock()
}

// observe mirrors one change fed to the Storer, in the same order, so live
// subscribers see the identical begin/data/commit sequence, rewritten to
// the wire Frame shape.
func (h *hub) observe(change changelog.Change) {
	switch change.Tag {
	case changelog.TagBegin:
		c := change
		h.pendingBegin = &c
		h.pendingData = nil

	case changelog.TagData:
		h.pendingData = append(h.pendingData, change)

	case changelog.TagCommit:
		if h.pendingBegin != nil {
			h.broadcast(changelog.BeginFrame(*h.pendingBegin, change.Watermark))
		}
		for _, d := range h.pendingData {
			h.broadcast(changelog.DataFrame(d))
		}
		h.broadcast(changelog.CommitFrame(change, change.Watermark))
		h.pendingBegin = nil
		h.pendingData = nil

	case changelog.TagRollback:
		h.pendingBegin = nil
		h.pendingData = nil
	}
}

func (h *hub) broadcast(frame changelog.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- frame:
		default:
			// a slow subscriber drops frames and must reconnect: closing
			// its channel ends the stream, and the syncer's backoff loop
			// resumes from its lastWatermark.
			delete(h.subs, id)
			close(ch)
		}
	}
}
