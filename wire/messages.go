package wire

import "github.com/dstack-labs/pbftcore/crypto"

// Request is a client's operation submission.
type Request struct {
	ClientID  int32
	RequestID uint64
	Payload   []byte
}

func (m Request) Encode() []byte {
	w := &writer{}
	w.u32(uint32(m.ClientID))
	w.u64(m.RequestID)
	w.bytes(m.Payload)
	return w.buf
}

func DecodeRequest(body []byte) (Request, error) {
	r := &reader{buf: body}
	clientID, err := r.u32()
	if err != nil {
		return Request{}, err
	}
	reqID, err := r.u64()
	if err != nil {
		return Request{}, err
	}
	payload, err := r.bytes()
	if err != nil {
		return Request{}, err
	}
	if err := r.done(); err != nil {
		return Request{}, err
	}
	return Request{ClientID: int32(clientID), RequestID: reqID, Payload: payload}, nil
}

// Reply is a single replica's execution result for one client request.
type Reply struct {
	ClientID  int32
	RequestID uint64
	ReplicaID int32
	View      uint64
	Result    []byte
}

func (m Reply) Encode() []byte {
	w := &writer{}
	w.u32(uint32(m.ClientID))
	w.u64(m.RequestID)
	w.u32(uint32(m.ReplicaID))
	w.u64(m.View)
	w.bytes(m.Result)
	return w.buf
}

func DecodeReply(body []byte) (Reply, error) {
	r := &reader{buf: body}
	clientID, err := r.u32()
	if err != nil {
		return Reply{}, err
	}
	reqID, err := r.u64()
	if err != nil {
		return Reply{}, err
	}
	replicaID, err := r.u32()
	if err != nil {
		return Reply{}, err
	}
	view, err := r.u64()
	if err != nil {
		return Reply{}, err
	}
	result, err := r.bytes()
	if err != nil {
		return Reply{}, err
	}
	if err := r.done(); err != nil {
		return Reply{}, err
	}
	return Reply{ClientID: int32(clientID), RequestID: reqID, ReplicaID: int32(replicaID), View: view, Result: result}, nil
}

// PrePrepare binds a sequence number in a view to a batch digest. The
// batch's requests travel separately as Data; PrePrepare only orders
// the digest, per the log window's admission rule.
type PrePrepare struct {
	View      uint64
	Seqno     uint64
	Digest    crypto.Digest
	Leader    int32
	BatchSize uint32
}

func (m PrePrepare) Encode() []byte {
	w := &writer{}
	w.u64(m.View)
	w.u64(m.Seqno)
	w.digest(m.Digest)
	w.u32(uint32(m.Leader))
	w.u32(m.BatchSize)
	return w.buf
}

func DecodePrePrepare(body []byte) (PrePrepare, error) {
	r := &reader{buf: body}
	view, err := r.u64()
	if err != nil {
		return PrePrepare{}, err
	}
	seqno, err := r.u64()
	if err != nil {
		return PrePrepare{}, err
	}
	digest, err := r.digest()
	if err != nil {
		return PrePrepare{}, err
	}
	leader, err := r.u32()
	if err != nil {
		return PrePrepare{}, err
	}
	batchSize, err := r.u32()
	if err != nil {
		return PrePrepare{}, err
	}
	if err := r.done(); err != nil {
		return PrePrepare{}, err
	}
	return PrePrepare{View: view, Seqno: seqno, Digest: digest, Leader: int32(leader), BatchSize: batchSize}, nil
}

// Prepare and Commit share a layout: view, seqno, batch digest, sender.
type Prepare struct {
	View      uint64
	Seqno     uint64
	Digest    crypto.Digest
	ReplicaID int32
}

func (m Prepare) Encode() []byte { return encodeVote(m.View, m.Seqno, m.Digest, m.ReplicaID) }

func DecodePrepare(body []byte) (Prepare, error) {
	v, s, d, r, err := decodeVote(body)
	return Prepare{View: v, Seqno: s, Digest: d, ReplicaID: r}, err
}

type Commit struct {
	View      uint64
	Seqno     uint64
	Digest    crypto.Digest
	ReplicaID int32
}

func (m Commit) Encode() []byte { return encodeVote(m.View, m.Seqno, m.Digest, m.ReplicaID) }

func DecodeCommit(body []byte) (Commit, error) {
	v, s, d, r, err := decodeVote(body)
	return Commit{View: v, Seqno: s, Digest: d, ReplicaID: r}, err
}

func encodeVote(view, seqno uint64, digest crypto.Digest, replicaID int32) []byte {
	w := &writer{}
	w.u64(view)
	w.u64(seqno)
	w.digest(digest)
	w.u32(uint32(replicaID))
	return w.buf
}

func decodeVote(body []byte) (view, seqno uint64, digest crypto.Digest, replicaID int32, err error) {
	r := &reader{buf: body}
	if view, err = r.u64(); err != nil {
		return
	}
	if seqno, err = r.u64(); err != nil {
		return
	}
	if digest, err = r.digest(); err != nil {
		return
	}
	var rid uint32
	if rid, err = r.u32(); err != nil {
		return
	}
	replicaID = int32(rid)
	err = r.done()
	return
}

// Checkpoint asserts a replica's state digest at a stable sequence number.
type Checkpoint struct {
	Seqno       uint64
	StateDigest crypto.Digest
	ReplicaID   int32
}

func (m Checkpoint) Encode() []byte {
	w := &writer{}
	w.u64(m.Seqno)
	w.digest(m.StateDigest)
	w.u32(uint32(m.ReplicaID))
	return w.buf
}

func DecodeCheckpoint(body []byte) (Checkpoint, error) {
	r := &reader{buf: body}
	seqno, err := r.u64()
	if err != nil {
		return Checkpoint{}, err
	}
	digest, err := r.digest()
	if err != nil {
		return Checkpoint{}, err
	}
	replicaID, err := r.u32()
	if err != nil {
		return Checkpoint{}, err
	}
	if err := r.done(); err != nil {
		return Checkpoint{}, err
	}
	return Checkpoint{Seqno: seqno, StateDigest: digest, ReplicaID: int32(replicaID)}, nil
}

// PEntry and QEntry are one slot's worth of the P-set / Q-set carried in a
// View-Change message: the highest-prepared or highest-preprepared digest
// this replica observed for a sequence number, and the view it saw it in.
type PEntry struct {
	Seqno  uint64
	View   uint64
	Digest crypto.Digest
}

type QEntry struct {
	Seqno  uint64
	View   uint64
	Digest crypto.Digest
}

func encodePQSet(set []PEntry) []byte {
	w := &writer{}
	w.u32(uint32(len(set)))
	for _, e := range set {
		w.u64(e.Seqno)
		w.u64(e.View)
		w.digest(e.Digest)
	}
	return w.buf
}

func (r *reader) pqSet() ([]PEntry, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	out := make([]PEntry, n)
	for i := range out {
		seqno, err := r.u64()
		if err != nil {
			return nil, err
		}
		view, err := r.u64()
		if err != nil {
			return nil, err
		}
		digest, err := r.digest()
		if err != nil {
			return nil, err
		}
		out[i] = PEntry{Seqno: seqno, View: view, Digest: digest}
	}
	return out, nil
}

// ViewChange carries the sending replica's evidence for the new view: its
// last stable checkpoint and proof, and the P-set/Q-set covering every
// prepared or pre-prepared slot above that checkpoint.
type ViewChange struct {
	NewView     uint64
	ReplicaID   int32
	LastStable  uint64
	CheckpointProof [][]byte // encoded Checkpoint messages, one per quorum member
	PSet        []PEntry
	QSet        []PEntry
}

func (m ViewChange) Encode() []byte {
	w := &writer{}
	w.u64(m.NewView)
	w.u32(uint32(m.ReplicaID))
	w.u64(m.LastStable)
	w.bytesSlice(m.CheckpointProof)
	w.buf = append(w.buf, encodePQSet(m.PSet)...)
	w.buf = append(w.buf, encodePQSet(m.QSet)...)
	return w.buf
}

func DecodeViewChange(body []byte) (ViewChange, error) {
	r := &reader{buf: body}
	newView, err := r.u64()
	if err != nil {
		return ViewChange{}, err
	}
	replicaID, err := r.u32()
	if err != nil {
		return ViewChange{}, err
	}
	lastStable, err := r.u64()
	if err != nil {
		return ViewChange{}, err
	}
	proof, err := r.bytesSlice()
	if err != nil {
		return ViewChange{}, err
	}
	pset, err := r.pqSet()
	if err != nil {
		return ViewChange{}, err
	}
	qset, err := r.pqSet()
	if err != nil {
		return ViewChange{}, err
	}
	if err := r.done(); err != nil {
		return ViewChange{}, err
	}
	return ViewChange{
		NewView:         newView,
		ReplicaID:       int32(replicaID),
		LastStable:      lastStable,
		CheckpointProof: proof,
		PSet:            pset,
		QSet:            qset,
	}, nil
}

// NewView is the elected primary's justification for the new view: 2f+1
// View-Change messages and the set of Pre-Prepares it reconstructed from
// their P-sets/Q-sets: for each seqno, the highest-view prepared digest
// any vote reports, or a NULL (zero-digest) placeholder.
type NewView struct {
	View            uint64
	ReplicaID       int32
	ViewChangeProof [][]byte // encoded ViewChange messages
	PrePrepares     []PrePrepare
}

func (m NewView) Encode() []byte {
	w := &writer{}
	w.u64(m.View)
	w.u32(uint32(m.ReplicaID))
	w.bytesSlice(m.ViewChangeProof)
	w.u32(uint32(len(m.PrePrepares)))
	for _, pp := range m.PrePrepares {
		w.bytes(pp.Encode())
	}
	return w.buf
}

func DecodeNewView(body []byte) (NewView, error) {
	r := &reader{buf: body}
	view, err := r.u64()
	if err != nil {
		return NewView{}, err
	}
	replicaID, err := r.u32()
	if err != nil {
		return NewView{}, err
	}
	proof, err := r.bytesSlice()
	if err != nil {
		return NewView{}, err
	}
	n, err := r.u32()
	if err != nil {
		return NewView{}, err
	}
	pps := make([]PrePrepare, n)
	for i := range pps {
		b, err := r.bytes()
		if err != nil {
			return NewView{}, err
		}
		pp, err := DecodePrePrepare(b)
		if err != nil {
			return NewView{}, err
		}
		pps[i] = pp
	}
	if err := r.done(); err != nil {
		return NewView{}, err
	}
	return NewView{View: view, ReplicaID: int32(replicaID), ViewChangeProof: proof, PrePrepares: pps}, nil
}

// Status is a periodic "here is what I have" broadcast used to detect and
// recover from a replica falling behind, per the recovery timer.
type Status struct {
	View      uint64
	Low       uint64
	High      uint64
	ReplicaID int32
	Have      []uint64 // sequence numbers this replica has committed
}

func (m Status) Encode() []byte {
	w := &writer{}
	w.u64(m.View)
	w.u64(m.Low)
	w.u64(m.High)
	w.u32(uint32(m.ReplicaID))
	w.u32(uint32(len(m.Have)))
	for _, s := range m.Have {
		w.u64(s)
	}
	return w.buf
}

func DecodeStatus(body []byte) (Status, error) {
	r := &reader{buf: body}
	view, err := r.u64()
	if err != nil {
		return Status{}, err
	}
	low, err := r.u64()
	if err != nil {
		return Status{}, err
	}
	high, err := r.u64()
	if err != nil {
		return Status{}, err
	}
	replicaID, err := r.u32()
	if err != nil {
		return Status{}, err
	}
	n, err := r.u32()
	if err != nil {
		return Status{}, err
	}
	have := make([]uint64, n)
	for i := range have {
		v, err := r.u64()
		if err != nil {
			return Status{}, err
		}
		have[i] = v
	}
	if err := r.done(); err != nil {
		return Status{}, err
	}
	return Status{View: view, Low: low, High: high, ReplicaID: int32(replicaID), Have: have}, nil
}

// Fetch requests a missing artifact by sequence number and expected
// digest: a batch, a checkpoint, or a WAL range, depending on tag Extra.
type Fetch struct {
	Seqno     uint64
	Digest    crypto.Digest
	ReplicaID int32
}

func (m Fetch) Encode() []byte {
	w := &writer{}
	w.u64(m.Seqno)
	w.digest(m.Digest)
	w.u32(uint32(m.ReplicaID))
	return w.buf
}

func DecodeFetch(body []byte) (Fetch, error) {
	r := &reader{buf: body}
	seqno, err := r.u64()
	if err != nil {
		return Fetch{}, err
	}
	digest, err := r.digest()
	if err != nil {
		return Fetch{}, err
	}
	replicaID, err := r.u32()
	if err != nil {
		return Fetch{}, err
	}
	if err := r.done(); err != nil {
		return Fetch{}, err
	}
	return Fetch{Seqno: seqno, Digest: digest, ReplicaID: int32(replicaID)}, nil
}

// Data answers a Fetch with the requested payload.
type Data struct {
	Seqno   uint64
	Payload []byte
}

func (m Data) Encode() []byte {
	w := &writer{}
	w.u64(m.Seqno)
	w.bytes(m.Payload)
	return w.buf
}

func DecodeData(body []byte) (Data, error) {
	r := &reader{buf: body}
	seqno, err := r.u64()
	if err != nil {
		return Data{}, err
	}
	payload, err := r.bytes()
	if err != nil {
		return Data{}, err
	}
	if err := r.done(); err != nil {
		return Data{}, err
	}
	return Data{Seqno: seqno, Payload: payload}, nil
}

// ManifestEntry names one request within a batch, in the order it was
// folded into the batch's digest.
type ManifestEntry struct {
	ClientID  int32
	RequestID uint64
	Digest    crypto.Digest
}

// Manifest answers a Fetch whose Extra flag asked for a batch's
// constituent request digests rather than one request's raw content —
// the "which requests, in what order" half of the big-request fetch
// path a backup needs before it can pull each one's payload in turn.
type Manifest struct {
	Entries []ManifestEntry
}

func (m Manifest) Encode() []byte {
	w := &writer{}
	w.u32(uint32(len(m.Entries)))
	for _, e := range m.Entries {
		w.u32(uint32(e.ClientID))
		w.u64(e.RequestID)
		w.digest(e.Digest)
	}
	return w.buf
}

func DecodeManifest(body []byte) (Manifest, error) {
	r := &reader{buf: body}
	n, err := r.u32()
	if err != nil {
		return Manifest{}, err
	}
	entries := make([]ManifestEntry, n)
	for i := range entries {
		clientID, err := r.u32()
		if err != nil {
			return Manifest{}, err
		}
		requestID, err := r.u64()
		if err != nil {
			return Manifest{}, err
		}
		digest, err := r.digest()
		if err != nil {
			return Manifest{}, err
		}
		entries[i] = ManifestEntry{ClientID: int32(clientID), RequestID: requestID, Digest: digest}
	}
	if err := r.done(); err != nil {
		return Manifest{}, err
	}
	return Manifest{Entries: entries}, nil
}

// MetaData and MetaDataDigest are used during checkpoint reconciliation:
// MetaData carries a replica's raw application-state summary for a
// sequence number, MetaDataDigest just its hash, for cheap comparison
// before pulling the full payload.
type MetaData struct {
	Seqno   uint64
	Payload []byte
}

func (m MetaData) Encode() []byte { return Data(m).Encode() }

func DecodeMetaData(body []byte) (MetaData, error) {
	d, err := DecodeData(body)
	return MetaData(d), err
}

type MetaDataDigest struct {
	Seqno  uint64
	Digest crypto.Digest
}

func (m MetaDataDigest) Encode() []byte {
	w := &writer{}
	w.u64(m.Seqno)
	w.digest(m.Digest)
	return w.buf
}

func DecodeMetaDataDigest(body []byte) (MetaDataDigest, error) {
	r := &reader{buf: body}
	seqno, err := r.u64()
	if err != nil {
		return MetaDataDigest{}, err
	}
	digest, err := r.digest()
	if err != nil {
		return MetaDataDigest{}, err
	}
	if err := r.done(); err != nil {
		return MetaDataDigest{}, err
	}
	return MetaDataDigest{Seqno: seqno, Digest: digest}, nil
}

// ViewChangeAck lets a backup vouch that it saw a given replica's
// View-Change for a target view carry a particular digest, letting the
// new primary assemble a certificate without re-broadcasting full
// View-Change bodies.
type ViewChangeAck struct {
	View      uint64
	ReplicaID int32
	TargetID  int32
	Digest    crypto.Digest
}

func (m ViewChangeAck) Encode() []byte {
	w := &writer{}
	w.u64(m.View)
	w.u32(uint32(m.ReplicaID))
	w.u32(uint32(m.TargetID))
	w.digest(m.Digest)
	return w.buf
}

func DecodeViewChangeAck(body []byte) (ViewChangeAck, error) {
	r := &reader{buf: body}
	view, err := r.u64()
	if err != nil {
		return ViewChangeAck{}, err
	}
	replicaID, err := r.u32()
	if err != nil {
		return ViewChangeAck{}, err
	}
	targetID, err := r.u32()
	if err != nil {
		return ViewChangeAck{}, err
	}
	digest, err := r.digest()
	if err != nil {
		return ViewChangeAck{}, err
	}
	if err := r.done(); err != nil {
		return ViewChangeAck{}, err
	}
	return ViewChangeAck{View: view, ReplicaID: int32(replicaID), TargetID: int32(targetID), Digest: digest}, nil
}

// ViewInfo announces the view a replica currently believes is active,
// used by a lagging replica to fast-forward on 2f+1 matching reports.
type ViewInfo struct {
	View      uint64
	ReplicaID int32
}

func (m ViewInfo) Encode() []byte {
	w := &writer{}
	w.u64(m.View)
	w.u32(uint32(m.ReplicaID))
	return w.buf
}

func DecodeViewInfo(body []byte) (ViewInfo, error) {
	r := &reader{buf: body}
	view, err := r.u64()
	if err != nil {
		return ViewInfo{}, err
	}
	replicaID, err := r.u32()
	if err != nil {
		return ViewInfo{}, err
	}
	if err := r.done(); err != nil {
		return ViewInfo{}, err
	}
	return ViewInfo{View: view, ReplicaID: int32(replicaID)}, nil
}

// AppendEntries replicates a contiguous run of already-committed sequence
// numbers to a replica a peer has noticed falling behind, so it can adopt
// them directly instead of Fetching one seqno at a time once it catches up
// on votes for them. Each element of Entries is one seqno's encoded
// CommittedEntry, in order starting at FromSeqno.
type AppendEntries struct {
	FromSeqno uint64
	Entries   [][]byte
}

func (m AppendEntries) Encode() []byte {
	w := &writer{}
	w.u64(m.FromSeqno)
	w.bytesSlice(m.Entries)
	return w.buf
}

func DecodeAppendEntries(body []byte) (AppendEntries, error) {
	r := &reader{buf: body}
	from, err := r.u64()
	if err != nil {
		return AppendEntries{}, err
	}
	entries, err := r.bytesSlice()
	if err != nil {
		return AppendEntries{}, err
	}
	if err := r.done(); err != nil {
		return AppendEntries{}, err
	}
	return AppendEntries{FromSeqno: from, Entries: entries}, nil
}

// CommittedEntry bundles everything a replica needs to adopt one already
// committed sequence number without any further round-trips: the
// Pre-Prepare that bound it, the manifest of requests it was folded from,
// and each request's raw payload in manifest order.
type CommittedEntry struct {
	PrePrepare PrePrepare
	Manifest   Manifest
	Payloads   [][]byte
}

func (e CommittedEntry) Encode() []byte {
	w := &writer{}
	w.bytes(e.PrePrepare.Encode())
	w.bytes(e.Manifest.Encode())
	w.bytesSlice(e.Payloads)
	return w.buf
}

func DecodeCommittedEntry(body []byte) (CommittedEntry, error) {
	r := &reader{buf: body}
	ppRaw, err := r.bytes()
	if err != nil {
		return CommittedEntry{}, err
	}
	pp, err := DecodePrePrepare(ppRaw)
	if err != nil {
		return CommittedEntry{}, err
	}
	manifestRaw, err := r.bytes()
	if err != nil {
		return CommittedEntry{}, err
	}
	manifest, err := DecodeManifest(manifestRaw)
	if err != nil {
		return CommittedEntry{}, err
	}
	payloads, err := r.bytesSlice()
	if err != nil {
		return CommittedEntry{}, err
	}
	if err := r.done(); err != nil {
		return CommittedEntry{}, err
	}
	return CommittedEntry{PrePrepare: pp, Manifest: manifest, Payloads: payloads}, nil
}
