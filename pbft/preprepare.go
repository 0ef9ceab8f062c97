package pbft

import (
	"github.com/dstack-labs/pbftcore/crypto"
	"github.com/dstack-labs/pbftcore/logwindow"
	"github.com/dstack-labs/pbftcore/wire"
)

// Propose is called on the primary to order a batch of already-received
// request digests at the next sequence number. reqDigests must already
// be present in the request table (typically via reqtable.Table.Put,
// once the client's multicast request has arrived).
func (r *Replica) Propose(reqDigests []crypto.Digest) error {
	if !r.IsPrimary() {
		return errNotPrimary(r.id, r.view)
	}
	if r.inViewChange() {
		return errInViewChange(r.view)
	}

	seqno := r.nextSeqno
	if !r.window.InRange(seqno) {
		return &logwindow.OutOfWindowError{Seqno: seqno, Low: r.window.Low(), High: r.window.High()}
	}

	digest := crypto.MerkleHashDigests(reqDigests)
	pp := wire.PrePrepare{View: r.view, Seqno: seqno, Digest: digest, Leader: r.id, BatchSize: uint32(len(reqDigests))}

	slot, err := r.window.Admit(seqno)
	if err != nil {
		return err
	}
	slot.Status = logwindow.StatusPrePrepared
	slot.Digest = digest
	slot.View = r.view
	r.batchDigests[digest] = reqDigests

	r.nextSeqno++

	if err := r.authenticatedBroadcast(wire.TagPrePrepare, 0, pp.Encode()); err != nil {
		return err
	}
	return r.sendPrepare(seqno, digest)
}

func (r *Replica) handlePrePrepare(fromID int32, env wire.Envelope) error {
	if err := r.verify(fromID, env); err != nil {
		return err
	}
	pp, err := wire.DecodePrePrepare(env.Body)
	if err != nil {
		return err
	}

	if pp.View != r.view {
		return r.handleFutureOrPastView(fromID, pp.View, env)
	}
	if r.inViewChange() {
		return nil
	}
	if fromID != r.primaryFor(pp.View) {
		return errWrongPrimary(fromID, pp.View)
	}

	slot, err := r.window.Admit(pp.Seqno)
	if err != nil {
		return err
	}
	if slot.Status != logwindow.StatusEmpty && slot.Digest != pp.Digest {
		r.registry.Suspect(fromID)
		if err := r.StartViewChange(); err != nil {
			return err
		}
		return errEquivocation(fromID, pp.Seqno)
	}
	if slot.Status != logwindow.StatusEmpty {
		return nil // duplicate, already admitted
	}

	slot.Status = logwindow.StatusPrePrepared
	slot.Digest = pp.Digest
	slot.View = pp.View

	// Best-effort: ask the primary for the batch's request digests (and
	// then their content) if this replica hasn't seen them itself yet.
	// Admission and voting don't wait on the answer; tryExecute is what
	// actually blocks on content being present.
	r.ensureBatchContent(pp.Seqno, pp.Digest)

	return r.sendPrepare(pp.Seqno, pp.Digest)
}

func (r *Replica) sendPrepare(seqno uint64, digest crypto.Digest) error {
	p := wire.Prepare{View: r.view, Seqno: seqno, Digest: digest, ReplicaID: r.id}
	if err := r.authenticatedBroadcast(wire.TagPrepare, 0, p.Encode()); err != nil {
		return err
	}
	// A replica's own Prepare vote counts toward its own quorum.
	slot, err := r.window.Admit(seqno)
	if err != nil {
		return err
	}
	slot.AddPrepareVote(r.id, digest)
	return r.tryAdvanceToPrepared(seqno, slot)
}
