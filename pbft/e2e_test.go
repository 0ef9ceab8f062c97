package pbft_test

import (
	"sort"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/dstack-labs/pbftcore/crypto"
	"github.com/dstack-labs/pbftcore/logwindow"
	"github.com/dstack-labs/pbftcore/membership"
	"github.com/dstack-labs/pbftcore/pbft"
	"github.com/dstack-labs/pbftcore/reqtable"
	"github.com/dstack-labs/pbftcore/wire"
)

// noopTimer never fires on its own; specs drive view changes explicitly.
type noopTimer struct{ armed bool }

func (t *noopTimer) Arm(attempt int) { t.armed = true }
func (t *noopTimer) Cancel()         { t.armed = false }

type echoStateMachine struct{ applied [][][]byte }

func (s *echoStateMachine) Apply(seqno uint64, batch [][]byte) ([][]byte, error) {
	s.applied = append(s.applied, batch)
	out := make([][]byte, len(batch))
	copy(out, batch)
	return out, nil
}

func (s *echoStateMachine) Snapshot(seqno uint64) (crypto.Digest, error) {
	return crypto.Hash([]byte{byte(seqno)}), nil
}

type cluster struct {
	n           int32
	replicas    map[int32]*pbft.Replica
	sms         map[int32]*echoStateMachine
	reqs        map[int32]*reqtable.Table
	timers      map[int32]*noopTimer
	blockCommit bool
	// isolated, when non-zero (replica IDs are always >= 0, so 0 doubles as
	// "no isolation" here since replica 0 is never the one under test),
	// cuts that one replica out of every Pre-Prepare/Prepare/Commit
	// exchange, standing in for a replica that simply never saw a round.
	isolated int32
}

type wireTransport struct {
	id      int32
	cluster *cluster
}

func (t *wireTransport) dropped(toID int32, env wire.Envelope) bool {
	if t.cluster.blockCommit && env.Header.Tag == wire.TagCommit {
		return true
	}
	iso := t.cluster.isolated
	return iso != 0 && (t.id == iso || toID == iso)
}

func (t *wireTransport) Send(toID int32, env wire.Envelope) error {
	if t.dropped(toID, env) {
		return nil
	}
	return t.cluster.replicas[toID].Deliver(t.id, env)
}

func (t *wireTransport) Broadcast(env wire.Envelope) error {
	ids := make([]int32, 0, len(t.cluster.replicas))
	for id := range t.cluster.replicas {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if t.dropped(id, env) {
			continue
		}
		if err := t.cluster.replicas[id].Deliver(t.id, env); err != nil {
			return err
		}
	}
	return nil
}

func macRegistriesFor(n int32) []*membership.Registry {
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
				keys[p] = []byte{byte(p[0]), byte(p[1]), 0x99}
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

func newCluster(n int32) *cluster {
	c := &cluster{
		n:        n,
		replicas: make(map[int32]*pbft.Replica),
		sms:      make(map[int32]*echoStateMachine),
		reqs:     make(map[int32]*reqtable.Table),
		timers:   make(map[int32]*noopTimer),
	}
	regs := macRegistriesFor(n)
	for id := int32(0); id < n; id++ {
		sm := &echoStateMachine{}
		reqs := reqtable.New(nil)
		timer := &noopTimer{}
		c.sms[id] = sm
		c.reqs[id] = reqs
		c.timers[id] = timer
		c.replicas[id] = pbft.New(pbft.Config{
			ID:           id,
			Registry:     regs[id],
			Requests:     reqs,
			Window:       logwindow.New(0, 200),
			StateMachine: sm,
			Transport:    &wireTransport{id: id, cluster: c},
			Timer:        timer,
			SignBatches:  false,
			CheckpointK:  10,
		})
	}
	return c
}

// putEverywhere makes a request's content available on every replica's
// table, standing in for a client proxy's multicast.
func (c *cluster) putEverywhere(clientID int32, reqID uint64, payload []byte) crypto.Digest {
	digest := crypto.Hash(payload)
	for _, tbl := range c.reqs {
		_, err := tbl.Put(clientID, reqID, digest, payload)
		Expect(err).NotTo(HaveOccurred())
	}
	return digest
}

// putExcept is putEverywhere but withholds the content from one replica,
// standing in for a client whose multicast that one replica missed.
func (c *cluster) putExcept(clientID int32, reqID uint64, payload []byte, except int32) crypto.Digest {
	digest := crypto.Hash(payload)
	for id, tbl := range c.reqs {
		if id == except {
			continue
		}
		_, err := tbl.Put(clientID, reqID, digest, payload)
		Expect(err).NotTo(HaveOccurred())
	}
	return digest
}

func (c *cluster) primary() *pbft.Replica {
	for id := int32(0); id < c.n; id++ {
		if c.replicas[id].IsPrimary() {
			return c.replicas[id]
		}
	}
	return nil
}

var _ = Describe("Ordering across four replicas", func() {
	It("commits and executes a proposed batch on every replica", func() {
		c := newCluster(4)
		digest := c.putEverywhere(1, 1, []byte("op-1"))

		Expect(c.primary().Propose([]crypto.Digest{digest})).To(Succeed())

		for id := int32(0); id < 4; id++ {
			Expect(c.sms[id].applied).To(HaveLen(1))
			Expect(c.sms[id].applied[0]).To(Equal([][]byte{[]byte("op-1")}))
		}
	})

	It("orders two batches in sequence", func() {
		c := newCluster(4)
		d1 := c.putEverywhere(1, 1, []byte("op-1"))
		d2 := c.putEverywhere(1, 2, []byte("op-2"))

		Expect(c.primary().Propose([]crypto.Digest{d1})).To(Succeed())
		Expect(c.primary().Propose([]crypto.Digest{d2})).To(Succeed())

		for id := int32(0); id < 4; id++ {
			Expect(c.sms[id].applied).To(HaveLen(2))
		}
	})
})

var _ = Describe("Fetching missing request content", func() {
	It("still executes on a replica that never received the request directly", func() {
		c := newCluster(4)
		var missing int32 = 3
		digest := c.putExcept(1, 1, []byte("op-fetched"), missing)

		Expect(c.primary().Propose([]crypto.Digest{digest})).To(Succeed())

		for id := int32(0); id < 4; id++ {
			Expect(c.sms[id].applied).To(HaveLen(1))
			Expect(c.sms[id].applied[0]).To(Equal([][]byte{[]byte("op-fetched")}))
		}

		entry, ok := c.reqs[missing].Get(digest)
		Expect(ok).To(BeTrue())
		Expect(entry.State).To(Equal(reqtable.StateExecuted))
	})
})

var _ = Describe("View change", func() {
	It("elects a new primary and lets it order subsequent batches", func() {
		c := newCluster(4)
		oldPrimary := c.primary().View()

		for id := int32(1); id < 4; id++ {
			Expect(c.replicas[id].StartViewChange()).To(Succeed())
		}

		newPrimary := c.primary()
		Expect(newPrimary).NotTo(BeNil())
		Expect(newPrimary.View()).To(BeNumerically(">", oldPrimary))

		digest := c.putEverywhere(1, 1, []byte("op-after-vc"))
		Expect(newPrimary.Propose([]crypto.Digest{digest})).To(Succeed())

		for id := int32(0); id < 4; id++ {
			Expect(c.sms[id].applied).To(HaveLen(1))
		}
	})

	It("carries an in-flight prepared seqno's digest into the new view instead of dropping it", func() {
		c := newCluster(4)
		oldPrimary := c.primary().View()
		digest := c.putEverywhere(1, 1, []byte("op-inflight"))

		// Replica 1 (the next view's primary) never sees this round at
		// all, and Commit is withheld everywhere, so replicas 0, 2, 3
		// reach StatusPrepared for seqno 1 and stop there — an in-flight
		// seqno a view change's P-set is supposed to recover, not drop.
		c.isolated = 1
		c.blockCommit = true
		Expect(c.primary().Propose([]crypto.Digest{digest})).To(Succeed())
		for id := int32(0); id < 4; id++ {
			Expect(c.sms[id].applied).To(BeEmpty())
		}
		c.isolated = 0
		c.blockCommit = false

		for _, id := range []int32{0, 2, 3} {
			Expect(c.replicas[id].StartViewChange()).To(Succeed())
		}

		newPrimary := c.primary()
		Expect(newPrimary).NotTo(BeNil())
		Expect(newPrimary.View()).To(BeNumerically(">", oldPrimary))

		for id := int32(0); id < 4; id++ {
			Expect(c.sms[id].applied).To(HaveLen(1))
			Expect(c.sms[id].applied[0]).To(Equal([][]byte{[]byte("op-inflight")}))
		}

		nextDigest := c.putEverywhere(1, 2, []byte("op-after-recovery"))
		Expect(newPrimary.Propose([]crypto.Digest{nextDigest})).To(Succeed())

		for id := int32(0); id < 4; id++ {
			Expect(c.sms[id].applied).To(HaveLen(2))
		}
	})
})
