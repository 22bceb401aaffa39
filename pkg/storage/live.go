package storage

import "sync"

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls this far behind loses events; live-query clients re-sync via
// GetAllEdges / full reads, so dropped events are not fatal.
const subscriberBuffer = 256

type subscriber struct {
	ch        chan Change
	predicate func(Change) bool
}

// liveHub fans storage change events out to live-query subscribers. Both
// engines embed one and publish after each committed mutation.
type liveHub struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

func newLiveHub() *liveHub {
	return &liveHub{subs: make(map[int]*subscriber)}
}

// Subscribe registers a subscriber. The returned cancel func is idempotent.
func (h *liveHub) Subscribe(predicate func(Change) bool) (<-chan Change, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	sub := &subscriber{
		ch:        make(chan Change, subscriberBuffer),
		predicate: predicate,
	}
	if h.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	h.subs[id] = sub

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if s, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

// publish delivers the change to every matching subscriber without blocking.
// Slow subscribers drop events rather than stalling the write path.
func (h *liveHub) publish(c Change) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for _, s := range h.subs {
		if s.predicate != nil && !s.predicate(c) {
			continue
		}
		select {
		case s.ch <- c:
		default:
		}
	}
}

// closeHub closes all subscriber channels.
func (h *liveHub) closeHub() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, s := range h.subs {
		delete(h.subs, id)
		close(s.ch)
	}
}
