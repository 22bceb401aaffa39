// Package events implements the client-filtered change notification bus.
//
// Mutations emit events tagged with the originating client id; a subscriber
// never receives events tagged with its own id, which prevents self-echo in
// UIs that optimistically apply their own edits. Bulk operations emit one
// coarse TreeCreated event instead of N per-node events.
//
// Emission failures never fail the mutation that already committed: sends
// are non-blocking and a subscriber that falls behind drops events. Clients
// recover by re-syncing from the store's live queries.
package events

import (
	"sync"

	"github.com/nodespace/nodespace/pkg/node"
	"github.com/nodespace/nodespace/pkg/storage"
)

// Kind discriminates event payloads.
type Kind string

const (
	KindNodeCreated Kind = "node_created"
	KindNodeUpdated Kind = "node_updated"
	KindNodeDeleted Kind = "node_deleted"
	KindEdgeCreated Kind = "edge_created"
	KindEdgeDeleted Kind = "edge_deleted"
	KindTreeCreated Kind = "tree_created"
)

// Event is a change notification. Exactly one payload field is set per kind.
type Event struct {
	Kind   Kind   `json:"kind"`
	Client string `json:"client,omitempty"`

	NodeID string              `json:"node_id,omitempty"`
	Node   *node.Node          `json:"node,omitempty"`
	Edge   *storage.EdgeRecord `json:"edge,omitempty"`

	// TreeCreated payload
	RootID           string `json:"root_id,omitempty"`
	DescendantsCount int    `json:"descendants_count,omitempty"`
}

// subscriptionBuffer bounds per-subscriber queues. Overflow drops the event
// rather than stalling the write path.
const subscriptionBuffer = 256

// Subscription is a registered listener.
type Subscription struct {
	C      <-chan Event
	cancel func()
}

// Cancel unsubscribes and closes C. Idempotent.
func (s *Subscription) Cancel() { s.cancel() }

type listener struct {
	clientID string
	ch       chan Event
}

// Bus fans events out to subscribers, filtering by originating client.
type Bus struct {
	mu        sync.Mutex
	listeners map[int]*listener
	nextID    int
	closed    bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{listeners: make(map[int]*listener)}
}

// Subscribe registers a listener for clientID. Events emitted with the same
// client id are filtered out.
func (b *Bus) Subscribe(clientID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	l := &listener{clientID: clientID, ch: make(chan Event, subscriptionBuffer)}
	if b.closed {
		close(l.ch)
		return &Subscription{C: l.ch, cancel: func() {}}
	}
	b.listeners[id] = l

	return &Subscription{
		C: l.ch,
		cancel: func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if reg, ok := b.listeners[id]; ok {
				delete(b.listeners, id)
				close(reg.ch)
			}
		},
	}
}

// Emit delivers ev to every subscriber whose client id differs from the
// event's. Never blocks.
func (b *Bus) Emit(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, l := range b.listeners {
		if ev.Client != "" && l.clientID == ev.Client {
			continue
		}
		select {
		case l.ch <- ev:
		default:
		}
	}
}

// Close shuts the bus down, closing all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, l := range b.listeners {
		delete(b.listeners, id)
		close(l.ch)
	}
}
