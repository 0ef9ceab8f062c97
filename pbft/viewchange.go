package pbft

import (
	logger "github.com/rs/zerolog/log"

	"github.com/dstack-labs/pbftcore/crypto"
	"github.com/dstack-labs/pbftcore/logwindow"
	"github.com/dstack-labs/pbftcore/wire"
)

// viewChangeState tracks one in-progress negotiation of the next view: the
// View-Change votes collected so far, whether this replica already sent
// its own New-View for a target it happens to lead, and how many distinct
// replicas have been seen mentioning a view beyond the current one (used
// to fast-forward without waiting out the timer).
type viewChangeState struct {
	active      bool
	targetView  uint64
	votes       map[uint64]map[int32]wire.ViewChange
	voteRaw     map[uint64]map[int32][]byte
	newViewSent map[uint64]bool
	sightings   map[uint64]map[int32]bool
}

func newViewChangeState(currentView uint64) *viewChangeState {
	return &viewChangeState{
		votes:       make(map[uint64]map[int32]wire.ViewChange),
		voteRaw:     make(map[uint64]map[int32][]byte),
		newViewSent: make(map[uint64]bool),
		sightings:   make(map[uint64]map[int32]bool),
	}
}

func (r *Replica) inViewChange() bool {
	return r.vc.active
}

// StartViewChange abandons the current view and broadcasts a View-Change
// for the next one to every replica, carrying the P-set and Q-set this
// replica can prove for every sequence number it has pre-prepared or
// prepared above its last stable checkpoint. It is called when the view
// timer expires with no progress, and by handlePrePrepare when the
// primary equivocates.
func (r *Replica) StartViewChange() error {
	target := r.view + 1
	if r.vc.active && r.vc.targetView >= target {
		target = r.vc.targetView + 1
	}
	return r.startViewChangeTo(target)
}

// startViewChangeTo broadcasts a View-Change for target to every replica,
// per spec.md §4.8: a View-Change unicast only to the next primary lets
// that one replica silently drop it and stall the recovery, so every
// replica needs to see every vote and be able to assemble its own
// New-View if the primary it's waiting on never does.
func (r *Replica) startViewChangeTo(target uint64) error {
	r.vc.active = true
	r.vc.targetView = target

	var pset, qset []wire.PEntry
	for _, slot := range r.window.Snapshot() {
		if slot.Status >= logwindow.StatusPrePrepared {
			qset = append(qset, wire.PEntry{Seqno: slot.Seqno, View: slot.View, Digest: slot.Digest})
		}
		if slot.Status >= logwindow.StatusPrepared {
			pset = append(pset, wire.PEntry{Seqno: slot.Seqno, View: slot.View, Digest: slot.Digest})
		}
	}

	var proof [][]byte
	if stable, ok := r.checkpoints.Stable(); ok {
		for _, raw := range stable.Proof {
			proof = append(proof, raw)
		}
	}

	vc := wire.ViewChange{
		NewView:         target,
		ReplicaID:       r.id,
		LastStable:      r.window.Low(),
		CheckpointProof: proof,
		PSet:            pset,
		QSet:            qset,
	}
	body := vc.Encode()

	logger.Info().Uint64("target", target).Msg("Requesting view change.")
	return r.authenticatedBroadcast(wire.TagViewChange, 0, body)
}

func (r *Replica) recordViewChangeVote(target uint64, replicaID int32, vc wire.ViewChange, raw []byte) {
	if r.vc.votes[target] == nil {
		r.vc.votes[target] = make(map[int32]wire.ViewChange)
		r.vc.voteRaw[target] = make(map[int32][]byte)
	}
	r.vc.votes[target][replicaID] = vc
	r.vc.voteRaw[target][replicaID] = raw
}

func (r *Replica) handleViewChange(fromID int32, env wire.Envelope) error {
	if err := r.verify(fromID, env); err != nil {
		return err
	}
	vc, err := wire.DecodeViewChange(env.Body)
	if err != nil {
		return err
	}
	r.recordViewChangeVote(vc.NewView, fromID, vc, env.Body)
	return r.maybeSendNewView(vc.NewView)
}

// maybeSendNewView checks whether target's votes have reached quorum and,
// if this replica leads target and hasn't already, reconstructs the
// Pre-Prepares that must carry over and broadcasts a New-View. Every
// replica calls this on every vote it records now that View-Change is
// multicast, so the primary check happens here rather than at each call
// site.
func (r *Replica) maybeSendNewView(target uint64) error {
	if r.primaryFor(target) != r.id {
		return nil
	}
	if r.vc.newViewSent[target] {
		return nil
	}
	votes := r.vc.votes[target]
	if len(votes) < r.registry.Quorum() {
		return nil
	}

	pps := reconstructPrePrepares(target, votes)

	var proof [][]byte
	for _, raw := range r.vc.voteRaw[target] {
		proof = append(proof, raw)
	}

	nv := wire.NewView{View: target, ReplicaID: r.id, ViewChangeProof: proof, PrePrepares: pps}
	r.vc.newViewSent[target] = true

	if err := r.authenticatedBroadcast(wire.TagNewView, 0, nv.Encode()); err != nil {
		return err
	}
	return r.adoptNewView(nv)
}

// reconstructPrePrepares walks every sequence number spanned by the
// collected View-Change votes — from the highest reported stable
// checkpoint up to the highest seqno any vote's P-set or Q-set names — and
// decides what the new view must carry for it: the entry from the highest
// view among votes that prepared it (the A1 half of PBFT's original
// selection rule), or an explicit NULL/no-op placeholder (a PrePrepare
// with a zero Digest) when no vote's P-set names it at all, even though it
// was pre-prepared somewhere. Skipping a seqno entirely is not an option:
// execution requires the exact next seqno to commit before advancing, so a
// gap here would stall every later seqno too.
func reconstructPrePrepares(target uint64, votes map[int32]wire.ViewChange) []wire.PrePrepare {
	best := make(map[uint64]wire.PEntry)
	var low, high uint64
	for _, vc := range votes {
		if vc.LastStable > low {
			low = vc.LastStable
		}
		for _, p := range vc.PSet {
			if p.Seqno > high {
				high = p.Seqno
			}
			cur, ok := best[p.Seqno]
			if !ok || p.View > cur.View {
				best[p.Seqno] = p
			}
		}
		for _, p := range vc.QSet {
			if p.Seqno > high {
				high = p.Seqno
			}
		}
	}

	if high <= low {
		return nil
	}
	out := make([]wire.PrePrepare, 0, high-low)
	for seqno := low + 1; seqno <= high; seqno++ {
		if p, ok := best[seqno]; ok {
			out = append(out, wire.PrePrepare{View: target, Seqno: seqno, Digest: p.Digest})
			continue
		}
		out = append(out, wire.PrePrepare{View: target, Seqno: seqno})
	}
	return out
}

// handleNewView admits a New-View only after independently recomputing
// what it claims to carry: it decodes every vote in nv.ViewChangeProof,
// discards anything that doesn't actually vote for nv.View (deduping by
// ReplicaID along the way, so padding the proof with duplicates of a
// real vote can't inflate the count), re-checks that what's left still
// reaches quorum, and reconstructs the Pre-Prepares those votes justify
// itself rather than trusting nv.PrePrepares at face value. A primary
// that ships an arbitrary batch alongside a pile of unrelated or
// duplicated votes gets rejected here instead of being believed.
func (r *Replica) handleNewView(fromID int32, env wire.Envelope) error {
	if err := r.verify(fromID, env); err != nil {
		return err
	}
	nv, err := wire.DecodeNewView(env.Body)
	if err != nil {
		return err
	}
	if fromID != r.primaryFor(nv.View) {
		return errWrongPrimary(fromID, nv.View)
	}

	votes := make(map[int32]wire.ViewChange, len(nv.ViewChangeProof))
	for _, raw := range nv.ViewChangeProof {
		vc, err := wire.DecodeViewChange(raw)
		if err != nil {
			return errBadNewView(fromID, nv.View)
		}
		if vc.NewView != nv.View {
			return errBadNewView(fromID, nv.View)
		}
		votes[vc.ReplicaID] = vc
	}
	if len(votes) < r.registry.Quorum() {
		return errBadNewView(fromID, nv.View)
	}

	want := reconstructPrePrepares(nv.View, votes)
	if len(want) != len(nv.PrePrepares) {
		return errBadNewView(fromID, nv.View)
	}
	for i, pp := range want {
		if pp != nv.PrePrepares[i] {
			return errBadNewView(fromID, nv.View)
		}
	}

	return r.adoptNewView(nv)
}

// adoptNewView moves this replica into nv.View and, for every carried-over
// Pre-Prepare, (re)admits it and restarts the Prepare/Commit round under
// the new view number. A seqno this replica had already pre-prepared or
// prepared under the old view is not left alone: its certificate was tied
// to a view that just ended, so it has to be re-driven here too, or a
// replica that already held quorum-worth of Prepare votes before the view
// change would sit on them forever without ever broadcasting a fresh
// Commit. Only a seqno that already reached StatusCommitted is left as is.
func (r *Replica) adoptNewView(nv wire.NewView) error {
	if nv.View <= r.view && !r.vc.active {
		return nil
	}

	r.view = nv.View
	r.vc = newViewChangeState(r.view)
	r.backlog.prune(r.view)
	r.timer.Cancel()

	for _, pp := range nv.PrePrepares {
		if !r.window.InRange(pp.Seqno) {
			continue
		}
		slot, err := r.window.Admit(pp.Seqno)
		if err != nil {
			return err
		}
		if slot.Status >= logwindow.StatusCommitted {
			continue
		}
		if pp.Digest.IsZero() {
			// NULL placeholder: no batch was ever agreed on for this
			// seqno, so it commits and executes as a no-op rather than
			// leaving a gap execution can never step over.
			if _, ok := r.batchDigests[pp.Digest]; !ok {
				r.batchDigests[pp.Digest] = []crypto.Digest{}
			}
		}
		slot.Status = logwindow.StatusPrePrepared
		slot.Digest = pp.Digest
		slot.View = r.view
		if r.nextSeqno <= pp.Seqno {
			r.nextSeqno = pp.Seqno + 1
		}
		if err := r.sendPrepare(pp.Seqno, pp.Digest); err != nil {
			return err
		}
	}

	logger.Info().Uint64("view", r.view).Msg("Adopted new view.")

	for _, m := range r.backlog.take(r.view) {
		if err := r.Deliver(m.fromID, m.env); err != nil {
			logger.Warn().Err(err).Int32("from", m.fromID).Msg("Error replaying backlogged message.")
		}
	}
	return nil
}

// handleViewInfo tracks an out-of-band "here is the view I'm in" report.
// A report of a later view counts as a sighting exactly like a backlogged
// normal-case message in handleFutureOrPastView, so a quorum of such
// reports fast-forwards this replica into that view.
func (r *Replica) handleViewInfo(fromID int32, env wire.Envelope) error {
	if err := r.verify(fromID, env); err != nil {
		return err
	}
	vi, err := wire.DecodeViewInfo(env.Body)
	if err != nil {
		return err
	}
	if vi.View <= r.view {
		return nil
	}
	return r.recordFutureSighting(vi.View, fromID)
}

// handleFutureOrPastView is called whenever a normal-case message carries
// a view this replica hasn't reached (or has already passed). Messages
// from the past are stale and dropped; messages from the future are
// backlogged and counted, and once a quorum of distinct replicas have
// been seen operating in some view beyond this replica's own, it
// fast-forwards straight there instead of waiting for its timer.
func (r *Replica) handleFutureOrPastView(fromID int32, view uint64, env wire.Envelope) error {
	if view < r.view {
		return errStaleView(fromID, view)
	}
	r.backlog.add(view, fromID, env)
	return r.recordFutureSighting(view, fromID)
}

func (r *Replica) recordFutureSighting(view uint64, fromID int32) error {
	if r.vc.sightings[view] == nil {
		r.vc.sightings[view] = make(map[int32]bool)
	}
	r.vc.sightings[view][fromID] = true
	if len(r.vc.sightings[view]) < r.registry.Quorum() {
		return nil
	}

	logger.Info().Uint64("view", view).Msg("Fast-forwarding on quorum of future-view sightings.")
	return r.adoptNewView(wire.NewView{View: view, ReplicaID: r.primaryFor(view)})
}
