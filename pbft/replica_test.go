package pbft

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dstack-labs/pbftcore/crypto"
	"github.com/dstack-labs/pbftcore/logwindow"
	"github.com/dstack-labs/pbftcore/membership"
	"github.com/dstack-labs/pbftcore/reqtable"
	"github.com/dstack-labs/pbftcore/timer"
	"github.com/dstack-labs/pbftcore/wire"
)

// wheelViewTimer arms a view-change timeout on a real timer.Service, the
// same wiring internal/demo uses in production, so its firing is driven by
// Tick rather than by a test calling StartViewChange directly.
type wheelViewTimer struct {
	svc    *timer.Service
	onFire func()
	handle timer.Handle
	armed  bool
}

func (t *wheelViewTimer) Arm(attempt int) {
	t.armed = true
	t.handle = t.svc.After(10*time.Millisecond, func() {
		t.armed = false
		t.onFire()
	})
}

func (t *wheelViewTimer) Cancel() {
	if !t.armed {
		return
	}
	t.armed = false
	t.svc.Cancel(t.handle)
}

type fakeTransport struct {
	sent      []wire.Envelope
	broadcast []wire.Envelope
}

func (t *fakeTransport) Send(toID int32, env wire.Envelope) error {
	t.sent = append(t.sent, env)
	return nil
}

func (t *fakeTransport) Broadcast(env wire.Envelope) error {
	t.broadcast = append(t.broadcast, env)
	return nil
}

type fakeTimer struct {
	armed    bool
	attempts int
}

func (t *fakeTimer) Arm(attempt int) { t.armed = true; t.attempts = attempt }
func (t *fakeTimer) Cancel()         { t.armed = false }

type echoSM struct {
	applied [][][]byte
}

func (s *echoSM) Apply(seqno uint64, batch [][]byte) ([][]byte, error) {
	s.applied = append(s.applied, batch)
	out := make([][]byte, len(batch))
	copy(out, batch)
	return out, nil
}

func (s *echoSM) Snapshot(seqno uint64) (crypto.Digest, error) {
	return crypto.Hash([]byte{byte(seqno)}), nil
}

func macRegistries(n int32) []*membership.Registry {
	pair := func(a, b int32) [2]int32 {
		if a > b {
			a, b = b, a
		}
		return [2]int32{a, b}
	}
	keys := map[[2]int32][]byte{}
	for a := int32(0); a < n; a++ {
		for b := int32(0); b < n; b++ {
			if a == b {
				continue
			}
			p := pair(a, b)
			if _, ok := keys[p]; !ok {
				keys[p] = []byte{byte(p[0]), byte(p[1]), 0x42}
			}
		}
	}
	regs := make([]*membership.Registry, n)
	for id := int32(0); id < n; id++ {
		regs[id] = membership.New(id, false, nil)
	}
	for id := int32(0); id < n; id++ {
		for other := int32(0); other < n; other++ {
			if id == other {
				regs[id].Add(membership.Principal{ID: id, Role: membership.RoleReplica})
				continue
			}
			regs[id].Add(membership.Principal{ID: other, Role: membership.RoleReplica, MACKey: keys[pair(id, other)]})
		}
	}
	return regs
}

func newTestReplica(id int32, reg *membership.Registry) (*Replica, *fakeTransport, *fakeTimer, *echoSM) {
	tr := &fakeTransport{}
	tm := &fakeTimer{}
	sm := &echoSM{}
	r := New(Config{
		ID:           id,
		Registry:     reg,
		Requests:     reqtable.New(nil),
		Window:       logwindow.New(0, 100),
		StateMachine: sm,
		Transport:    tr,
		Timer:        tm,
		SignBatches:  false,
		CheckpointK:  0,
	})
	return r, tr, tm, sm
}

func TestPrimaryElectionByView(t *testing.T) {
	regs := macRegistries(4)
	r0, _, _, _ := newTestReplica(0, regs[0])
	require.True(t, r0.IsPrimary())

	r1, _, _, _ := newTestReplica(1, regs[1])
	require.False(t, r1.IsPrimary())
}

func TestProposeRejectedWhenNotPrimary(t *testing.T) {
	regs := macRegistries(4)
	r1, _, _, _ := newTestReplica(1, regs[1])

	err := r1.Propose([]crypto.Digest{crypto.Hash([]byte("x"))})
	var npErr *NotPrimaryError
	require.ErrorAs(t, err, &npErr)
}

func TestProposePrePreparesLocalSlotWithOwnPrepareVote(t *testing.T) {
	regs := macRegistries(4)
	r0, tr, _, _ := newTestReplica(0, regs[0])

	err := r0.Propose([]crypto.Digest{crypto.Hash([]byte("op1"))})
	require.NoError(t, err)
	// MAC mode authenticates per recipient via Send, not Broadcast: one
	// round for the Pre-Prepare, one for the resulting Prepare, times
	// four replicas (including self).
	require.Len(t, tr.sent, 8)

	slot, ok := r0.window.Peek(1)
	require.True(t, ok)
	require.Equal(t, 1, slot.PrepareCount(slot.Digest))
}

func TestHandlePrePrepareFromWrongPrimaryRejected(t *testing.T) {
	regs := macRegistries(4)
	r1, _, _, _ := newTestReplica(1, regs[1])

	pp := wire.PrePrepare{View: 0, Seqno: 1, Digest: crypto.Hash([]byte("x")), Leader: 2, BatchSize: 1}
	body := pp.Encode()
	h := hash(wire.TagPrePrepare, body)
	auth, err := regs[2].Authenticate(1, h)
	require.NoError(t, err)
	env := wire.Envelope{Header: wire.Header{Tag: wire.TagPrePrepare, FromID: 2}, Body: body, Auth: auth}

	err = r1.Deliver(2, env)
	var wpErr *WrongPrimaryError
	require.ErrorAs(t, err, &wpErr)
}

func TestEquivocatingPrePrepareIsSuspected(t *testing.T) {
	regs := macRegistries(4)
	r1, _, _, _ := newTestReplica(1, regs[1])

	send := func(digest crypto.Digest) error {
		pp := wire.PrePrepare{View: 0, Seqno: 1, Digest: digest, Leader: 0, BatchSize: 1}
		body := pp.Encode()
		h := hash(wire.TagPrePrepare, body)
		auth, err := regs[0].Authenticate(1, h)
		require.NoError(t, err)
		env := wire.Envelope{Header: wire.Header{Tag: wire.TagPrePrepare, FromID: 0}, Body: body, Auth: auth}
		return r1.Deliver(0, env)
	}

	require.NoError(t, send(crypto.Hash([]byte("a"))))
	err := send(crypto.Hash([]byte("b")))
	var eqErr *EquivocationError
	require.ErrorAs(t, err, &eqErr)

	p, ok := regs[1].Get(0)
	require.True(t, ok)
	require.EqualValues(t, 1, p.Suspicion)

	// A single equivocating Pre-Prepare must not just be logged as
	// suspicious; it has to actually move this replica into view-change,
	// since a primary that equivocates once will keep doing so and no
	// further progress in this view is safe to make.
	require.True(t, r1.inViewChange())
	require.EqualValues(t, 1, r1.vc.targetView)
}

// TestViewTimerFiringDrivesViewChange exercises the wheel-and-callback
// wiring internal/demo uses in production: the timer only fires because a
// real timer.Service's virtual clock was Ticked forward, not because the
// test called StartViewChange itself.
func TestViewTimerFiringDrivesViewChange(t *testing.T) {
	regs := macRegistries(4)
	svc := timer.NewService()

	var r *Replica
	vt := &wheelViewTimer{svc: svc}
	vt.onFire = func() {
		require.NoError(t, r.StartViewChange())
	}

	r = New(Config{
		ID:           1,
		Registry:     regs[1],
		Requests:     reqtable.New(nil),
		Window:       logwindow.New(0, 100),
		StateMachine: &echoSM{},
		Transport:    &fakeTransport{},
		Timer:        vt,
		SignBatches:  false,
		CheckpointK:  0,
	})

	vt.Arm(0)
	require.False(t, r.inViewChange())

	svc.Tick(5 * time.Millisecond)
	require.False(t, r.inViewChange(), "timer should not have fired yet")

	svc.Tick(6 * time.Millisecond)
	require.True(t, r.inViewChange())
	require.EqualValues(t, 1, r.vc.targetView)
}

// TestEquivocatingPrePrepareTriggersViewChangeBroadcast checks the same
// scenario from the network's point of view: every other replica should
// see a View-Change envelope leave r1, not just its internal suspicion
// counter and vc state move.
func TestEquivocatingPrePrepareTriggersViewChangeBroadcast(t *testing.T) {
	regs := macRegistries(4)
	r1, tr, _, _ := newTestReplica(1, regs[1])

	send := func(digest crypto.Digest) error {
		pp := wire.PrePrepare{View: 0, Seqno: 1, Digest: digest, Leader: 0, BatchSize: 1}
		body := pp.Encode()
		h := hash(wire.TagPrePrepare, body)
		auth, err := regs[0].Authenticate(1, h)
		require.NoError(t, err)
		env := wire.Envelope{Header: wire.Header{Tag: wire.TagPrePrepare, FromID: 0}, Body: body, Auth: auth}
		return r1.Deliver(0, env)
	}

	require.NoError(t, send(crypto.Hash([]byte("a"))))
	var eqErr *EquivocationError
	require.ErrorAs(t, send(crypto.Hash([]byte("b"))), &eqErr)

	var viewChangeSent int
	for _, env := range tr.sent {
		if env.Header.Tag == wire.TagViewChange {
			viewChangeSent++
		}
	}
	// MAC mode addresses one envelope per recipient (including self), so a
	// broadcast to the four-replica cluster shows up as four Sends.
	require.Equal(t, 4, viewChangeSent)
}
