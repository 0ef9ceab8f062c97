package pbft

import (
	"errors"

	"github.com/dstack-labs/pbftcore/crypto"
	"github.com/dstack-labs/pbftcore/logwindow"
	"github.com/dstack-labs/pbftcore/reqtable"
	"github.com/dstack-labs/pbftcore/wire"
)

// maxCatchUpBatch bounds how many sequence numbers a single AppendEntries
// carries, so a replica that is very far behind is walked forward in
// several rounds rather than in one unbounded envelope.
const maxCatchUpBatch = 64

// MaintainCatchUp pushes an AppendEntries to every peer this replica has
// evidence is lagging. It is driven periodically by the host, not by
// message delivery, since a silent peer that never sends anything at all
// is exactly the case CatchUpTarget exists to catch.
func (r *Replica) MaintainCatchUp() error {
	for _, peerID := range r.registry.ReplicaIDs() {
		if peerID == r.id {
			continue
		}
		fromSeqno, needsCatchUp := r.CatchUpTarget(peerID)
		if !needsCatchUp {
			continue
		}
		if err := r.sendAppendEntries(peerID, fromSeqno); err != nil {
			return err
		}
	}
	return nil
}

// buildCommittedEntry assembles the self-contained record a lagging peer
// needs to adopt seqno, or false if this replica does not itself have
// everything the batch needs (the primary's Pre-Prepare, every request's
// content).
func (r *Replica) buildCommittedEntry(seqno uint64) (wire.CommittedEntry, bool) {
	slot, ok := r.window.Peek(seqno)
	if !ok || slot.Status < logwindow.StatusCommitted {
		return wire.CommittedEntry{}, false
	}
	reqDigests, ok := r.batchDigests[slot.Digest]
	if !ok {
		return wire.CommittedEntry{}, false
	}

	entries := make([]wire.ManifestEntry, len(reqDigests))
	payloads := make([][]byte, len(reqDigests))
	for i, d := range reqDigests {
		entry, ok := r.reqs.Get(d)
		if !ok {
			return wire.CommittedEntry{}, false
		}
		payload, _, found, err := r.reqs.Fetch(d)
		if err != nil || !found {
			return wire.CommittedEntry{}, false
		}
		entries[i] = wire.ManifestEntry{ClientID: entry.ClientID, RequestID: entry.RequestID, Digest: d}
		payloads[i] = payload
	}

	pp := wire.PrePrepare{
		View:      slot.View,
		Seqno:     seqno,
		Digest:    slot.Digest,
		Leader:    r.primaryFor(slot.View),
		BatchSize: uint32(len(reqDigests)),
	}
	return wire.CommittedEntry{PrePrepare: pp, Manifest: wire.Manifest{Entries: entries}, Payloads: payloads}, true
}

// sendAppendEntries unicasts every committed seqno this replica can supply
// starting at fromSeqno, up to maxCatchUpBatch of them. It stops silently
// at the first seqno it cannot fully supply itself, leaving the rest for a
// later round once this replica (or another peer) has it.
func (r *Replica) sendAppendEntries(toID int32, fromSeqno uint64) error {
	var entries [][]byte
	for seqno := fromSeqno; seqno <= r.lastExecuted && len(entries) < maxCatchUpBatch; seqno++ {
		ce, ok := r.buildCommittedEntry(seqno)
		if !ok {
			break
		}
		entries = append(entries, ce.Encode())
	}
	if len(entries) == 0 {
		return nil
	}

	ae := wire.AppendEntries{FromSeqno: fromSeqno, Entries: entries}
	body := ae.Encode()
	h := hash(wire.TagAppendEntries, body)
	auth, err := r.registry.Authenticate(toID, h)
	if err != nil {
		return err
	}
	env := wire.Envelope{
		Header: wire.Header{Tag: wire.TagAppendEntries, FromID: uint32(r.id)},
		Body:   body,
		Auth:   auth,
	}
	return r.transport.Send(toID, env)
}

// handleAppendEntries admits a run of committed sequence numbers pushed by
// a peer that noticed this replica falling behind. Each entry's manifest
// is checked against its own Pre-Prepare digest before anything from it is
// trusted, the same way a Fetch response is; unlike the normal ordering
// path, though, there is no local quorum of Prepare/Commit votes backing
// these seqnos; trust rests on this being one peer's account of history
// that this replica had no record of at all, no worse than trusting the
// checkpoint that seeded the window in the first place.
func (r *Replica) handleAppendEntries(fromID int32, env wire.Envelope) error {
	if err := r.verify(fromID, env); err != nil {
		return err
	}
	ae, err := wire.DecodeAppendEntries(env.Body)
	if err != nil {
		return err
	}

	for i, raw := range ae.Entries {
		seqno := ae.FromSeqno + uint64(i)
		if seqno <= r.lastExecuted {
			continue
		}

		ce, err := wire.DecodeCommittedEntry(raw)
		if err != nil {
			return err
		}
		if ce.PrePrepare.Seqno != seqno || len(ce.Manifest.Entries) != len(ce.Payloads) {
			return errBadFetchResponse(fromID, seqno)
		}

		digests := make([]crypto.Digest, len(ce.Manifest.Entries))
		for j, e := range ce.Manifest.Entries {
			digests[j] = e.Digest
		}
		if crypto.MerkleHashDigests(digests) != ce.PrePrepare.Digest {
			return errBadFetchResponse(fromID, seqno)
		}

		slot, err := r.window.Admit(seqno)
		if err != nil {
			// Out of this replica's current window; it will be picked up
			// again once the window advances far enough to admit it.
			continue
		}
		if slot.Status == logwindow.StatusEmpty {
			slot.Status = logwindow.StatusPrePrepared
			slot.Digest = ce.PrePrepare.Digest
			slot.View = ce.PrePrepare.View
		}

		for j, e := range ce.Manifest.Entries {
			r.reqs.Want(e.ClientID, e.RequestID, e.Digest)
			if _, err := r.reqs.Put(e.ClientID, e.RequestID, e.Digest, ce.Payloads[j]); err != nil {
				var dup *reqtable.DuplicateRequestError
				if !errors.As(err, &dup) {
					return err
				}
			}
		}
		r.batchDigests[ce.PrePrepare.Digest] = digests
		slot.Status = logwindow.StatusCommitted
	}

	return r.tryExecute()
}
