package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/dstack-labs/pbftcore/crypto"
)

// writer accumulates a tag body left to right. Every put call is paired
// with a get call in the same order on the reader side; there is no
// self-describing schema, by design — the tag alone fixes the layout.
type writer struct {
	buf []byte
}

func (w *writer) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) u64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) digest(d crypto.Digest) {
	w.buf = append(w.buf, d[:]...)
}

func (w *writer) bytes(b []byte) {
	w.u32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *writer) bytesSlice(bs [][]byte) {
	w.u32(uint32(len(bs)))
	for _, b := range bs {
		w.bytes(b)
	}
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) require(n int) error {
	if len(r.buf)-r.off < n {
		return fmt.Errorf("%w: truncated body", ErrMalformed)
	}
	return nil
}

func (r *reader) u32() (uint32, error) {
	if err := r.require(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off : r.off+4])
	r.off += 4
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if err := r.require(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off : r.off+8])
	r.off += 8
	return v, nil
}

func (r *reader) digest() (crypto.Digest, error) {
	if err := r.require(crypto.DigestSize); err != nil {
		return crypto.Digest{}, err
	}
	var d crypto.Digest
	copy(d[:], r.buf[r.off:r.off+crypto.DigestSize])
	r.off += crypto.DigestSize
	return d, nil
}

func (r *reader) bytes() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if err := r.require(int(n)); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	copy(b, r.buf[r.off:r.off+int(n)])
	r.off += int(n)
	return b, nil
}

func (r *reader) bytesSlice() ([][]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, n)
	for i := range out {
		b, err := r.bytes()
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

func (r *reader) done() error {
	if r.off != len(r.buf) {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(r.buf)-r.off)
	}
	return nil
}

// AuthHash is the content a sender signs or MACs for an envelope: the tag
// folded in ahead of the body so a signature over one message type can
// never be replayed as another.
func AuthHash(tag Tag, body []byte) crypto.Digest {
	return crypto.HashConcat([]byte{byte(tag)}, body)
}
