package pbft

import (
	"github.com/dstack-labs/pbftcore/crypto"
	"github.com/dstack-labs/pbftcore/wire"
)

// Fetch's Extra flag distinguishes the two things a replica can be
// missing about a committed batch: the ordered list of request digests
// it was folded from, or one of those requests' raw content.
const (
	fetchManifest uint32 = iota
	fetchContent
)

// ensureBatchContent reports whether every request folded into
// batchDigest is locally present, sending a single-shot Fetch to the
// current view's primary for whatever piece is missing otherwise (or, when
// this replica is that primary itself, to every other replica). It
// does not retry on its own; a subsequent Pre-Prepare, Commit, or
// tryExecute pass for the same seqno gives it another chance to notice
// content still hasn't arrived and ask again.
func (r *Replica) ensureBatchContent(seqno uint64, batchDigest crypto.Digest) bool {
	targets := []int32{r.primaryFor(r.view)}
	if targets[0] == r.id {
		// A primary that took this batch over in a New-View without ever
		// seeing its Pre-Prepare has nobody above it to ask.
		targets = targets[:0]
		for _, id := range r.registry.ReplicaIDs() {
			if id != r.id {
				targets = append(targets, id)
			}
		}
	}

	reqDigests, ok := r.batchDigests[batchDigest]
	if !ok {
		for _, to := range targets {
			_ = r.sendFetch(to, seqno, batchDigest, fetchManifest)
		}
		return false
	}

	ready := true
	for _, d := range reqDigests {
		if _, _, found, _ := r.reqs.Fetch(d); !found {
			for _, to := range targets {
				_ = r.sendFetch(to, seqno, d, fetchContent)
			}
			ready = false
		}
	}
	return ready
}

func (r *Replica) sendFetch(toID int32, seqno uint64, digest crypto.Digest, kind uint32) error {
	f := wire.Fetch{Seqno: seqno, Digest: digest, ReplicaID: r.id}
	body := f.Encode()
	h := hash(wire.TagFetch, body)
	auth, err := r.registry.Authenticate(toID, h)
	if err != nil {
		return err
	}
	env := wire.Envelope{
		Header: wire.Header{Tag: wire.TagFetch, Extra: kind, FromID: uint32(r.id)},
		Body:   body,
		Auth:   auth,
	}
	return r.transport.Send(toID, env)
}

func (r *Replica) sendData(toID int32, seqno uint64, kind uint32, payload []byte) error {
	d := wire.Data{Seqno: seqno, Payload: payload}
	body := d.Encode()
	h := hash(wire.TagData, body)
	auth, err := r.registry.Authenticate(toID, h)
	if err != nil {
		return err
	}
	env := wire.Envelope{
		Header: wire.Header{Tag: wire.TagData, Extra: kind, FromID: uint32(r.id)},
		Body:   body,
		Auth:   auth,
	}
	return r.transport.Send(toID, env)
}

// handleFetch serves a manifest or content Fetch out of local state.
// A fetch for a batch or request this replica itself doesn't have is
// silently dropped rather than answered with an error: the requester
// will simply ask someone else, or ask again once this replica has
// caught up itself.
func (r *Replica) handleFetch(fromID int32, env wire.Envelope) error {
	if err := r.verify(fromID, env); err != nil {
		return err
	}
	f, err := wire.DecodeFetch(env.Body)
	if err != nil {
		return err
	}

	switch env.Header.Extra {
	case fetchManifest:
		reqDigests, ok := r.batchDigests[f.Digest]
		if !ok {
			return nil
		}
		entries := make([]wire.ManifestEntry, 0, len(reqDigests))
		for _, d := range reqDigests {
			entry, ok := r.reqs.Get(d)
			if !ok {
				return nil
			}
			entries = append(entries, wire.ManifestEntry{ClientID: entry.ClientID, RequestID: entry.RequestID, Digest: d})
		}
		m := wire.Manifest{Entries: entries}
		return r.sendData(fromID, f.Seqno, fetchManifest, m.Encode())

	case fetchContent:
		payload, _, found, err := r.reqs.Fetch(f.Digest)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		return r.sendData(fromID, f.Seqno, fetchContent, payload)

	default:
		return nil
	}
}

// handleData admits a Fetch response. A manifest response is checked
// against the committed batch digest it claims to explain before any of
// it is trusted — a primary that answers with the wrong list of
// requests is caught here rather than being executed. A content
// response is keyed by its own hash, so it self-identifies which
// request it answers regardless of which Fetch prompted it.
func (r *Replica) handleData(fromID int32, env wire.Envelope) error {
	if err := r.verify(fromID, env); err != nil {
		return err
	}
	d, err := wire.DecodeData(env.Body)
	if err != nil {
		return err
	}

	switch env.Header.Extra {
	case fetchManifest:
		m, err := wire.DecodeManifest(d.Payload)
		if err != nil {
			return err
		}
		slot, ok := r.window.Peek(d.Seqno)
		if !ok {
			return nil
		}
		digests := make([]crypto.Digest, len(m.Entries))
		for i, e := range m.Entries {
			digests[i] = e.Digest
		}
		if crypto.MerkleHashDigests(digests) != slot.Digest {
			return errBadFetchResponse(fromID, d.Seqno)
		}
		for _, e := range m.Entries {
			r.reqs.Want(e.ClientID, e.RequestID, e.Digest)
		}
		r.batchDigests[slot.Digest] = digests
		return r.tryExecute()

	case fetchContent:
		digest := crypto.Hash(d.Payload)
		entry, ok := r.reqs.Get(digest)
		if !ok {
			return errUnknownRequest(digest)
		}
		if _, err := r.reqs.Put(entry.ClientID, entry.RequestID, digest, d.Payload); err != nil {
			return err
		}
		return r.tryExecute()

	default:
		return nil
	}
}
