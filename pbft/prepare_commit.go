package pbft

import (
	logger "github.com/rs/zerolog/log"

	"github.com/dstack-labs/pbftcore/crypto"
	"github.com/dstack-labs/pbftcore/logwindow"
	"github.com/dstack-labs/pbftcore/wire"
)

func (r *Replica) handlePrepare(fromID int32, env wire.Envelope) error {
	if err := r.verify(fromID, env); err != nil {
		return err
	}
	p, err := wire.DecodePrepare(env.Body)
	if err != nil {
		return err
	}
	if p.View != r.view {
		return r.handleFutureOrPastView(fromID, p.View, env)
	}
	if r.inViewChange() {
		return nil
	}

	slot, err := r.window.Admit(p.Seqno)
	if err != nil {
		return err
	}
	if slot.AddPrepareVote(fromID, p.Digest) {
		r.registry.Suspect(fromID)
		return errEquivocation(fromID, p.Seqno)
	}
	return r.tryAdvanceToPrepared(p.Seqno, slot)
}

func (r *Replica) tryAdvanceToPrepared(seqno uint64, slot *logwindow.Slot) error {
	if slot.Status != logwindow.StatusPrePrepared {
		return nil
	}
	if slot.PrepareCount(slot.Digest) < r.registry.Quorum() {
		return nil
	}
	slot.Status = logwindow.StatusPrepared
	return r.sendCommit(seqno, slot.Digest)
}

func (r *Replica) sendCommit(seqno uint64, digest crypto.Digest) error {
	c := wire.Commit{View: r.view, Seqno: seqno, Digest: digest, ReplicaID: r.id}
	if err := r.authenticatedBroadcast(wire.TagCommit, 0, c.Encode()); err != nil {
		return err
	}
	slot, err := r.window.Admit(seqno)
	if err != nil {
		return err
	}
	slot.AddCommitVote(r.id, digest)
	return r.tryAdvanceToCommitted(seqno, slot)
}

func (r *Replica) handleCommit(fromID int32, env wire.Envelope) error {
	if err := r.verify(fromID, env); err != nil {
		return err
	}
	c, err := wire.DecodeCommit(env.Body)
	if err != nil {
		return err
	}
	r.peers.Ack(fromID, c.Seqno)
	if c.View != r.view {
		return r.handleFutureOrPastView(fromID, c.View, env)
	}
	if r.inViewChange() {
		return nil
	}

	slot, err := r.window.Admit(c.Seqno)
	if err != nil {
		return err
	}
	if slot.AddCommitVote(fromID, c.Digest) {
		r.registry.Suspect(fromID)
		return errEquivocation(fromID, c.Seqno)
	}
	return r.tryAdvanceToCommitted(c.Seqno, slot)
}

func (r *Replica) tryAdvanceToCommitted(seqno uint64, slot *logwindow.Slot) error {
	if slot.Status != logwindow.StatusPrepared {
		return nil
	}
	if slot.CommitCount(slot.Digest) < r.registry.Quorum() {
		return nil
	}
	slot.Status = logwindow.StatusCommitted
	return r.tryExecute()
}

// tryExecute runs every committed slot starting at lastExecuted+1, in
// strict order, stopping at the first gap.
func (r *Replica) tryExecute() error {
	for {
		seqno := r.lastExecuted + 1
		slot, ok := r.window.Peek(seqno)
		if !ok || slot.Status != logwindow.StatusCommitted {
			return nil
		}

		if !r.ensureBatchContent(seqno, slot.Digest) {
			// Missing the manifest or some request's content for a
			// committed batch; a Fetch was just sent (or is already
			// outstanding). Stop here rather than executing a partial
			// batch — handleData resumes execution once it arrives.
			return nil
		}

		reqDigests := r.batchDigests[slot.Digest]
		batch := make([][]byte, len(reqDigests))
		for i, d := range reqDigests {
			payload, _, found, err := r.reqs.Fetch(d)
			if err != nil {
				return err
			}
			if !found {
				return nil
			}
			batch[i] = payload
		}

		replies, err := r.sm.Apply(seqno, batch)
		if err != nil {
			return err
		}
		for i, d := range reqDigests {
			var reply []byte
			if i < len(replies) {
				reply = replies[i]
			}
			entry, ok := r.reqs.Get(d)
			if !ok {
				return errUnknownRequest(d)
			}
			if err := r.reqs.MarkExecuted(d, seqno, reply); err != nil {
				return err
			}
			if err := r.sendReply(entry.ClientID, entry.RequestID, reply); err != nil {
				logger.Warn().Err(err).Int32("client", entry.ClientID).Msg("Error replying to client.")
			}
		}

		slot.Status = logwindow.StatusExecuted
		r.lastExecuted = seqno
		r.timer.Cancel()

		if r.checkpointK > 0 && seqno%r.checkpointK == 0 {
			if err := r.sendCheckpoint(seqno); err != nil {
				return err
			}
		}
	}
}

// sendReply authenticates and unicasts one client's execution result. A
// client that never registered with this replica's registry (e.g. one
// this replica hasn't been introduced to yet) is not fatal to the batch
// that just executed; it just never hears back from this replica, and
// falls back on whichever other f+1 replicas it does share a key with.
func (r *Replica) sendReply(clientID int32, requestID uint64, result []byte) error {
	rep := wire.Reply{ClientID: clientID, RequestID: requestID, ReplicaID: r.id, View: r.view, Result: result}
	body := rep.Encode()
	h := hash(wire.TagReply, body)
	auth, err := r.registry.Authenticate(clientID, h)
	if err != nil {
		return err
	}
	env := wire.Envelope{Header: wire.Header{Tag: wire.TagReply, FromID: uint32(r.id)}, Body: body, Auth: auth}
	return r.transport.Send(clientID, env)
}

func (r *Replica) sendCheckpoint(seqno uint64) error {
	digest, err := r.sm.Snapshot(seqno)
	if err != nil {
		return err
	}
	cp := wire.Checkpoint{Seqno: seqno, StateDigest: digest, ReplicaID: r.id}
	body := cp.Encode()
	if err := r.authenticatedBroadcast(wire.TagCheckpoint, 0, body); err != nil {
		return err
	}
	env := wire.Envelope{Header: wire.Header{Tag: wire.TagCheckpoint, FromID: uint32(r.id)}, Body: body}
	if stable, ok := r.checkpoints.AddVote(seqno, r.id, digest, env.Marshal()); ok {
		r.stabilize(stable.Seqno)
	}
	return nil
}

func (r *Replica) handleCheckpoint(fromID int32, env wire.Envelope) error {
	if err := r.verify(fromID, env); err != nil {
		return err
	}
	cp, err := wire.DecodeCheckpoint(env.Body)
	if err != nil {
		return err
	}
	r.peers.Ack(fromID, cp.Seqno)
	if stable, ok := r.checkpoints.AddVote(cp.Seqno, fromID, cp.StateDigest, env.Marshal()); ok {
		r.stabilize(stable.Seqno)
	}
	return nil
}

// stabilize advances the log window and evicts archived request content
// once a checkpoint at seqno reaches quorum.
func (r *Replica) stabilize(seqno uint64) {
	r.window.Advance(seqno)
	r.reqs.EvictExecutedBefore(seqno)
}
