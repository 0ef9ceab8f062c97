package clientproxy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dstack-labs/pbftcore/crypto"
	"github.com/dstack-labs/pbftcore/membership"
	"github.com/dstack-labs/pbftcore/timer"
	"github.com/dstack-labs/pbftcore/transport"
	"github.com/dstack-labs/pbftcore/wire"
)

func macRegistry(clientID int32, replicaKeys map[int32][]byte) *membership.Registry {
	r := membership.New(clientID, false, nil)
	for id, key := range replicaKeys {
		r.Add(membership.Principal{ID: id, Role: membership.RoleReplica, MACKey: key})
	}
	return r
}

func replyEnvelope(replicaID int32, key []byte, reqID uint64, result []byte) wire.Envelope {
	reply := wire.Reply{ClientID: 100, RequestID: reqID, ReplicaID: replicaID, View: 0, Result: result}
	body := reply.Encode()
	h := wire.AuthHash(wire.TagReply, body)
	return wire.Envelope{Header: wire.Header{Tag: wire.TagReply, FromID: uint32(replicaID)}, Body: body, Auth: crypto.MAC(key, h)}
}

func TestSubmitResolvesOnWeakQuorumOfMatchingReplies(t *testing.T) {
	hub := transport.NewHub()
	clientAdapter := hub.Join(100, 8)

	keys := map[int32][]byte{0: {0xAA}, 1: {0xBB}, 2: {0xCC}, 3: {0xDD}}
	replicaAdapters := make(map[int32]transport.Adapter)
	for id := range keys {
		replicaAdapters[id] = hub.Join(id, 8)
	}

	reg := macRegistry(100, keys)

	tsvc := timer.NewService()

	p := New(Config{
		ID:        100,
		Registry:  reg,
		Transport: clientAdapter,
		Timer:     tsvc,
		Backoff:   timer.Backoff{Base: 5 * time.Millisecond, Max: 50 * time.Millisecond},
	})

	go func() {
		time.Sleep(5 * time.Millisecond)
		for _, id := range []int32{0, 1} {
			env := replyEnvelope(id, keys[id], 1, []byte("ok"))
			require.NoError(t, replicaAdapters[id].Send(100, env))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	result, err := p.Submit(ctx, []byte("op"))
	require.NoError(t, err)
	require.Equal(t, []byte("ok"), result)
}

func TestSubmitTimesOutWithoutQuorum(t *testing.T) {
	hub := transport.NewHub()
	clientAdapter := hub.Join(100, 8)
	hub.Join(0, 8)

	reg := macRegistry(100, map[int32][]byte{0: {0xAA}})
	tsvc := timer.NewService()

	p := New(Config{
		ID:        100,
		Registry:  reg,
		Transport: clientAdapter,
		Timer:     tsvc,
		Backoff:   timer.Backoff{Base: 2 * time.Millisecond, Max: 10 * time.Millisecond},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := p.Submit(ctx, []byte("op"))
	require.Error(t, err)
}
