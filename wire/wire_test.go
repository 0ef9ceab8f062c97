package wire

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dstack-labs/pbftcore/crypto"
)

func TestHeaderRoundTrip(t *testing.T) {
	env := Envelope{
		Header: Header{Tag: TagPrePrepare, Extra: 7, FromID: 3},
		Body:   []byte("body"),
		Auth:   []byte("auth"),
	}
	buf := env.Marshal()

	got, err := UnmarshalEnvelope(buf, len("auth"))
	require.NoError(t, err)
	require.Equal(t, TagPrePrepare, got.Header.Tag)
	require.Equal(t, uint32(7), got.Header.Extra)
	require.Equal(t, uint32(3), got.Header.FromID)
	require.Equal(t, []byte("body"), got.Body)
	require.Equal(t, []byte("auth"), got.Auth)
}

func TestParseHeaderRejectsTruncated(t *testing.T) {
	_, _, err := ParseHeader([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrMalformed)
}

func TestParseHeaderRejectsUnknownTag(t *testing.T) {
	env := Envelope{Header: Header{Tag: Tag(999)}}
	buf := env.Marshal()
	_, _, err := ParseHeader(buf)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestParseHeaderRejectsSizeMismatch(t *testing.T) {
	buf := Envelope{Header: Header{Tag: TagStatus, Size: 100}}.Marshal()
	buf[4] = 200 // corrupt declared size, little-endian low byte
	_, _, err := ParseHeader(buf)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestPrePrepareRoundTrip(t *testing.T) {
	pp := PrePrepare{View: 2, Seqno: 41, Digest: crypto.Hash([]byte("batch")), Leader: 1, BatchSize: 12}
	got, err := DecodePrePrepare(pp.Encode())
	require.NoError(t, err)
	require.Equal(t, pp, got)
}

func TestPrepareCommitRoundTrip(t *testing.T) {
	p := Prepare{View: 2, Seqno: 41, Digest: crypto.Hash([]byte("batch")), ReplicaID: 2}
	gotP, err := DecodePrepare(p.Encode())
	require.NoError(t, err)
	require.Equal(t, p, gotP)

	c := Commit{View: 2, Seqno: 41, Digest: crypto.Hash([]byte("batch")), ReplicaID: 2}
	gotC, err := DecodeCommit(c.Encode())
	require.NoError(t, err)
	require.Equal(t, c, gotC)
}

func TestCheckpointRoundTrip(t *testing.T) {
	cp := Checkpoint{Seqno: 100, StateDigest: crypto.Hash([]byte("state")), ReplicaID: 0}
	got, err := DecodeCheckpoint(cp.Encode())
	require.NoError(t, err)
	require.Equal(t, cp, got)
}

func TestRequestReplyRoundTrip(t *testing.T) {
	req := Request{ClientID: 9, RequestID: 55, Payload: []byte("op")}
	gotReq, err := DecodeRequest(req.Encode())
	require.NoError(t, err)
	require.Equal(t, req, gotReq)

	rep := Reply{ClientID: 9, RequestID: 55, ReplicaID: 1, View: 2, Result: []byte("ok")}
	gotRep, err := DecodeReply(rep.Encode())
	require.NoError(t, err)
	require.Equal(t, rep, gotRep)
}

func TestViewChangeRoundTrip(t *testing.T) {
	vc := ViewChange{
		NewView:         5,
		ReplicaID:       1,
		LastStable:      40,
		CheckpointProof: [][]byte{[]byte("cp1"), []byte("cp2")},
		PSet:            []PEntry{{Seqno: 41, View: 4, Digest: crypto.Hash([]byte("a"))}},
		QSet:            []PEntry{{Seqno: 42, View: 4, Digest: crypto.Hash([]byte("b"))}},
	}
	got, err := DecodeViewChange(vc.Encode())
	require.NoError(t, err)
	require.Equal(t, vc, got)
}

func TestNewViewRoundTrip(t *testing.T) {
	pp := PrePrepare{View: 5, Seqno: 41, Digest: crypto.Hash([]byte("a")), Leader: 2, BatchSize: 3}
	nv := NewView{
		View:            5,
		ReplicaID:       2,
		ViewChangeProof: [][]byte{[]byte("vc1"), []byte("vc2"), []byte("vc3")},
		PrePrepares:     []PrePrepare{pp},
	}
	got, err := DecodeNewView(nv.Encode())
	require.NoError(t, err)
	require.Equal(t, nv, got)
}

func TestStatusRoundTrip(t *testing.T) {
	st := Status{View: 3, Low: 20, High: 40, ReplicaID: 1, Have: []uint64{21, 22, 25}}
	got, err := DecodeStatus(st.Encode())
	require.NoError(t, err)
	require.Equal(t, st, got)
}

func TestFetchDataRoundTrip(t *testing.T) {
	f := Fetch{Seqno: 30, Digest: crypto.Hash([]byte("x")), ReplicaID: 1}
	gotF, err := DecodeFetch(f.Encode())
	require.NoError(t, err)
	require.Equal(t, f, gotF)

	d := Data{Seqno: 30, Payload: []byte("payload")}
	gotD, err := DecodeData(d.Encode())
	require.NoError(t, err)
	require.Equal(t, d, gotD)
}

func TestMetaDataRoundTrip(t *testing.T) {
	md := MetaData{Seqno: 40, Payload: []byte("state-chunk")}
	got, err := DecodeMetaData(md.Encode())
	require.NoError(t, err)
	require.Equal(t, md, got)

	mdd := MetaDataDigest{Seqno: 40, Digest: crypto.Hash([]byte("state-chunk"))}
	gotD, err := DecodeMetaDataDigest(mdd.Encode())
	require.NoError(t, err)
	require.Equal(t, mdd, gotD)
}

func TestViewChangeAckAndViewInfoRoundTrip(t *testing.T) {
	ack := ViewChangeAck{View: 5, ReplicaID: 1, TargetID: 2, Digest: crypto.Hash([]byte("vc"))}
	gotAck, err := DecodeViewChangeAck(ack.Encode())
	require.NoError(t, err)
	require.Equal(t, ack, gotAck)

	vi := ViewInfo{View: 6, ReplicaID: 3}
	gotVi, err := DecodeViewInfo(vi.Encode())
	require.NoError(t, err)
	require.Equal(t, vi, gotVi)
}

func TestAppendEntriesRoundTrip(t *testing.T) {
	ae := AppendEntries{FromSeqno: 100, Entries: [][]byte{[]byte("e1"), []byte("e2")}}
	got, err := DecodeAppendEntries(ae.Encode())
	require.NoError(t, err)
	require.Equal(t, ae, got)
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	cp := Checkpoint{Seqno: 1, StateDigest: crypto.Hash([]byte("s")), ReplicaID: 0}
	body := append(cp.Encode(), 0xFF)
	_, err := DecodeCheckpoint(body)
	require.ErrorIs(t, err, ErrMalformed)
}
