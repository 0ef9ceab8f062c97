// Copyright 2022 IBM Corp. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package wire is the on-wire message codec: a fixed header followed by a
// tag-specific packed body and a trailing authenticator. Every conversion
// from raw bytes to a typed message validates the header before touching
// the body, and fails cleanly on a tag/size mismatch rather than
// reinterpreting memory.
package wire

import (
	"encoding/binary"
	"fmt"
)

// MaxMessageSize is the compile-time ceiling on any single wire message.
// A runtime config.MaxMessageSize may only tighten this, never loosen it.
const MaxMessageSize = 64 << 20 // 64 MiB

// HeaderSize is the fixed width of the wire header.
const HeaderSize = 16

// Tag identifies the type of a wire message. The set is closed; an unknown
// tag is dropped by the caller with a counter bump, never guessed at.
type Tag uint32

const (
	TagRequest Tag = iota + 1
	TagReply
	TagPrePrepare
	TagPrepare
	TagCommit
	TagCheckpoint
	TagViewChange
	TagNewView
	TagStatus
	TagFetch
	TagData
	TagMetaData
	TagMetaDataDigest
	TagViewChangeAck
	TagViewInfo
	TagAppendEntries
)

func (t Tag) String() string {
	switch t {
	case TagRequest:
		return "Request"
	case TagReply:
		return "Reply"
	case TagPrePrepare:
		return "Pre-Prepare"
	case TagPrepare:
		return "Prepare"
	case TagCommit:
		return "Commit"
	case TagCheckpoint:
		return "Checkpoint"
	case TagViewChange:
		return "View-Change"
	case TagNewView:
		return "New-View"
	case TagStatus:
		return "Status"
	case TagFetch:
		return "Fetch"
	case TagData:
		return "Data"
	case TagMetaData:
		return "Meta-Data"
	case TagMetaDataDigest:
		return "Meta-Data-Digest"
	case TagViewChangeAck:
		return "View-Change-Ack"
	case TagViewInfo:
		return "View-Info"
	case TagAppendEntries:
		return "Append-Entries"
	default:
		return fmt.Sprintf("Tag(%d)", uint32(t))
	}
}

func (t Tag) valid() bool {
	return t >= TagRequest && t <= TagAppendEntries
}

// Header is the fixed 16-byte prefix of every wire message: tag, total
// body+auth size, tag-specific flags, and sender ID. All integers are
// little-endian.
type Header struct {
	Tag  Tag
	Size uint32
	// Extra carries tag-specific flags, e.g. Prepare's is_proof bit.
	Extra  uint32
	FromID uint32
}

func (h Header) put(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.Tag))
	binary.LittleEndian.PutUint32(buf[4:8], h.Size)
	binary.LittleEndian.PutUint32(buf[8:12], h.Extra)
	binary.LittleEndian.PutUint32(buf[12:16], h.FromID)
}

// ParseHeader validates and decodes the fixed header from the front of
// buf, returning the header and the remaining bytes (body+auth). It
// checks well-formedness before any tag-specific field is read.
func ParseHeader(buf []byte) (Header, []byte, error) {
	if len(buf) < HeaderSize {
		return Header{}, nil, fmt.Errorf("%w: buffer shorter than header (%d bytes)", ErrMalformed, len(buf))
	}
	h := Header{
		Tag:    Tag(binary.LittleEndian.Uint32(buf[0:4])),
		Size:   binary.LittleEndian.Uint32(buf[4:8]),
		Extra:  binary.LittleEndian.Uint32(buf[8:12]),
		FromID: binary.LittleEndian.Uint32(buf[12:16]),
	}
	if !h.Tag.valid() {
		return Header{}, nil, fmt.Errorf("%w: unknown tag %d", ErrMalformed, uint32(h.Tag))
	}
	if h.Size > MaxMessageSize {
		return Header{}, nil, fmt.Errorf("%w: size %d exceeds max message size", ErrMalformed, h.Size)
	}
	rest := buf[HeaderSize:]
	if uint32(len(rest)) != h.Size {
		return Header{}, nil, fmt.Errorf("%w: header declares size %d, got %d", ErrMalformed, h.Size, len(rest))
	}
	return h, rest, nil
}

// Envelope wraps a header, a tag-specific body, and a trailing
// authenticator (a MAC vector or a single signature depending on tag).
type Envelope struct {
	Header Header
	Body   []byte
	Auth   []byte
}

// Marshal produces the wire bytes for an envelope: header, body, auth.
func (e Envelope) Marshal() []byte {
	e.Header.Size = uint32(len(e.Body) + len(e.Auth))
	buf := make([]byte, HeaderSize+len(e.Body)+len(e.Auth))
	e.Header.put(buf[:HeaderSize])
	copy(buf[HeaderSize:], e.Body)
	copy(buf[HeaderSize+len(e.Body):], e.Auth)
	return buf
}

// UnmarshalEnvelope parses a header and splits the remainder into body and
// auth given the expected auth length (n-1 MACs of crypto.MACSize each, or
// a single variable-length signature — callers that use signatures pass
// authLen=-1 to take the whole remainder as Auth).
func UnmarshalEnvelope(buf []byte, authLen int) (Envelope, error) {
	h, rest, err := ParseHeader(buf)
	if err != nil {
		return Envelope{}, err
	}
	if authLen < 0 {
		return Envelope{Header: h, Body: rest}, nil
	}
	if len(rest) < authLen {
		return Envelope{}, fmt.Errorf("%w: body shorter than expected auth", ErrMalformed)
	}
	split := len(rest) - authLen
	return Envelope{Header: h, Body: rest[:split], Auth: rest[split:]}, nil
}
