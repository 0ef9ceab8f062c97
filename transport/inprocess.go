package transport

import (
	"sort"
	"sync"

	"github.com/dstack-labs/pbftcore/wire"
)

// Hub is a shared rendezvous point for a set of in-process adapters — a
// stand-in for a network when replicas run as goroutines in the same
// process, as in simulations and end-to-end tests.
type Hub struct {
	mu    sync.RWMutex
	nodes map[int32]*InProcessAdapter
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{nodes: make(map[int32]*InProcessAdapter)}
}

// Join registers id with the hub and returns its Adapter. inboxSize
// bounds how many undelivered envelopes an adapter buffers before
// delivery falls back to a spawned goroutine, keeping a slow receiver
// from blocking a fast sender.
func (h *Hub) Join(id int32, inboxSize int) *InProcessAdapter {
	a := &InProcessAdapter{
		id:    id,
		hub:   h,
		inbox: make(chan InboundMessage, inboxSize),
	}
	h.mu.Lock()
	h.nodes[id] = a
	h.mu.Unlock()
	return a
}

// Leave removes id from the hub; further sends to it fail.
func (h *Hub) Leave(id int32) {
	h.mu.Lock()
	delete(h.nodes, id)
	h.mu.Unlock()
}

func (h *Hub) memberIDs() []int32 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]int32, 0, len(h.nodes))
	for id := range h.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (h *Hub) node(id int32) (*InProcessAdapter, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n, ok := h.nodes[id]
	return n, ok
}

// InProcessAdapter is the Hub-backed Adapter implementation.
type InProcessAdapter struct {
	id    int32
	hub   *Hub
	inbox chan InboundMessage
}

// Inbox implements Adapter.
func (a *InProcessAdapter) Inbox() <-chan InboundMessage {
	return a.inbox
}

// Send implements Adapter. Sending to the adapter's own ID is a
// self-loopback short-circuit: it never leaves the adapter.
func (a *InProcessAdapter) Send(toID int32, env wire.Envelope) error {
	if toID == a.id {
		a.deliver(a.id, env)
		return nil
	}
	target, ok := a.hub.node(toID)
	if !ok {
		return errUnknownNode(toID)
	}
	target.deliver(a.id, env)
	return nil
}

// Broadcast implements Adapter.
func (a *InProcessAdapter) Broadcast(env wire.Envelope) error {
	for _, id := range a.hub.memberIDs() {
		if err := a.Send(id, env); err != nil {
			return err
		}
	}
	return nil
}

func (a *InProcessAdapter) deliver(fromID int32, env wire.Envelope) {
	msg := InboundMessage{FromID: fromID, Envelope: env}
	select {
	case a.inbox <- msg:
	default:
		go func() { a.inbox <- msg }()
	}
}
