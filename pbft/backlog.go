package pbft

import "github.com/dstack-labs/pbftcore/wire"

// TODO cap backlog size per view once a real network is behind this.

// backlogMessage pairs an envelope with the replica that sent it, since
// wire.Envelope alone loses the sender once it's off the transport.
type backlogMessage struct {
	fromID int32
	env    wire.Envelope
}

// backlog holds messages that arrived for a view this replica hasn't
// reached yet, replaying them once it catches up.
type backlog struct {
	msgs map[uint64][]backlogMessage
}

func newBacklog() *backlog {
	return &backlog{msgs: make(map[uint64][]backlogMessage)}
}

func (b *backlog) add(view uint64, fromID int32, env wire.Envelope) {
	b.msgs[view] = append(b.msgs[view], backlogMessage{fromID: fromID, env: env})
}

// take returns and clears the backlog for view.
func (b *backlog) take(view uint64) []backlogMessage {
	msgs := b.msgs[view]
	delete(b.msgs, view)
	return msgs
}

// prune discards every backlog entry for a view this replica will never
// reach again.
func (b *backlog) prune(view uint64) {
	for v := range b.msgs {
		if v < view {
			delete(b.msgs, v)
		}
	}
}
