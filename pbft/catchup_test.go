package pbft

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dstack-labs/pbftcore/crypto"
	"github.com/dstack-labs/pbftcore/logwindow"
	"github.com/dstack-labs/pbftcore/reqtable"
	"github.com/dstack-labs/pbftcore/wire"
)

// pairTransport forwards Send to a single fixed peer's Deliver, standing
// in for the network between exactly two replicas in a catch-up test.
type pairTransport struct {
	self int32
	peer *Replica
}

func (t *pairTransport) Send(toID int32, env wire.Envelope) error {
	if toID != t.peer.id {
		return nil
	}
	return t.peer.Deliver(t.self, env)
}

func (t *pairTransport) Broadcast(env wire.Envelope) error {
	return t.Send(t.peer.id, env)
}

// seedExecuted plants an already-committed-and-executed single-request
// batch directly into r's state, standing in for a run of ordinary
// Propose/Prepare/Commit traffic this test does not need to replay.
func seedExecuted(t *testing.T, r *Replica, seqno uint64, payload []byte) {
	digest := crypto.Hash(payload)
	batchDigest := crypto.MerkleHashDigests([]crypto.Digest{digest})

	_, err := r.reqs.Put(1, seqno, digest, payload)
	require.NoError(t, err)
	require.NoError(t, r.reqs.MarkExecuted(digest, seqno, payload))

	slot, err := r.window.Admit(seqno)
	require.NoError(t, err)
	slot.Status = logwindow.StatusExecuted
	slot.Digest = batchDigest
	slot.View = 0
	r.batchDigests[batchDigest] = []crypto.Digest{digest}
	r.lastExecuted = seqno
}

func TestMaintainCatchUpPushesLaggingPeerUpToDate(t *testing.T) {
	regs := macRegistries(2)
	r0, _, _, _ := newTestReplica(0, regs[0])
	r1, _, _, sm1 := newTestReplica(1, regs[1])
	r0.transport = &pairTransport{self: 0, peer: r1}

	seedExecuted(t, r0, 1, []byte("op-1"))
	seedExecuted(t, r0, 2, []byte("op-2"))

	require.Zero(t, r1.lastExecuted)
	require.NoError(t, r0.MaintainCatchUp())

	require.EqualValues(t, 2, r1.lastExecuted)
	require.Equal(t, [][][]byte{{[]byte("op-1")}, {[]byte("op-2")}}, sm1.applied)

	entry, ok := r1.reqs.Get(crypto.Hash([]byte("op-2")))
	require.True(t, ok)
	require.Equal(t, reqtable.StateExecuted, entry.State)
}

func TestMaintainCatchUpSkipsPeerAlreadyCaughtUp(t *testing.T) {
	regs := macRegistries(2)
	r0, tr0, _, _ := newTestReplica(0, regs[0])

	seedExecuted(t, r0, 1, []byte("op-1"))
	r0.peers.Ack(1, 1) // peer 1 already acknowledged everything r0 has

	require.NoError(t, r0.MaintainCatchUp())
	require.Empty(t, tr0.sent, "no AppendEntries should be sent to a peer already at the same height")
}

func TestHandleAppendEntriesRejectsManifestNotMatchingDigest(t *testing.T) {
	regs := macRegistries(2)
	r1, _, _, _ := newTestReplica(1, regs[1])

	wrongDigest := crypto.Hash([]byte("not-the-payload"))
	pp := wire.PrePrepare{View: 0, Seqno: 1, Digest: crypto.MerkleHashDigests([]crypto.Digest{wrongDigest}), Leader: 0, BatchSize: 1}
	manifest := wire.Manifest{Entries: []wire.ManifestEntry{{ClientID: 1, RequestID: 1, Digest: crypto.Hash([]byte("op-1"))}}}
	ce := wire.CommittedEntry{PrePrepare: pp, Manifest: manifest, Payloads: [][]byte{[]byte("op-1")}}

	ae := wire.AppendEntries{FromSeqno: 1, Entries: [][]byte{ce.Encode()}}
	body := ae.Encode()
	h := hash(wire.TagAppendEntries, body)
	auth, err := regs[0].Authenticate(1, h)
	require.NoError(t, err)
	env := wire.Envelope{Header: wire.Header{Tag: wire.TagAppendEntries, FromID: 0}, Body: body, Auth: auth}

	err = r1.Deliver(0, env)
	var badErr *BadFetchResponseError
	require.ErrorAs(t, err, &badErr)
}
