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

// Package walstore persists stable checkpoints and accepted new-view
// certificates so a restarted replica can resume without replaying the
// whole log from another peer. Records are encoded with the protobuf
// wire format directly through protowire, rather than through generated
// message types: the record shape is small and fixed, and protowire
// gives forward-compatible field skipping without a .proto build step.
package walstore

import (
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dstack-labs/pbftcore/crypto"
)

// RecordType distinguishes what a persisted record captures.
type RecordType uint64

const (
	RecordCheckpoint RecordType = 1
	RecordNewView    RecordType = 2
)

// Record is one persisted entry: either a stable checkpoint (Seqno,
// Digest set, View unused) or an accepted new-view certificate (View,
// Digest set to the certificate's own digest, Payload the encoded
// wire.NewView).
type Record struct {
	Type    RecordType
	Seqno   uint64
	View    uint64
	Digest  crypto.Digest
	Payload []byte
}

const (
	fieldType    = 1
	fieldSeqno   = 2
	fieldView    = 3
	fieldDigest  = 4
	fieldPayload = 5
)

// Marshal encodes r using the protobuf wire format.
func (r Record) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Type))
	b = protowire.AppendTag(b, fieldSeqno, protowire.VarintType)
	b = protowire.AppendVarint(b, r.Seqno)
	b = protowire.AppendTag(b, fieldView, protowire.VarintType)
	b = protowire.AppendVarint(b, r.View)
	b = protowire.AppendTag(b, fieldDigest, protowire.BytesType)
	b = protowire.AppendBytes(b, r.Digest[:])
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, r.Payload)
	return b
}

// UnmarshalRecord decodes a Record, skipping any field it does not
// recognize so future record versions can add fields without breaking
// old readers.
func UnmarshalRecord(b []byte) (Record, error) {
	var r Record
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Record{}, protowire.ParseError(n)
		}
		b = b[n:]

		switch num {
		case fieldType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Record{}, protowire.ParseError(n)
			}
			r.Type = RecordType(v)
			b = b[n:]
		case fieldSeqno:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Record{}, protowire.ParseError(n)
			}
			r.Seqno = v
			b = b[n:]
		case fieldView:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Record{}, protowire.ParseError(n)
			}
			r.View = v
			b = b[n:]
		case fieldDigest:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Record{}, protowire.ParseError(n)
			}
			copy(r.Digest[:], v)
			b = b[n:]
		case fieldPayload:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Record{}, protowire.ParseError(n)
			}
			r.Payload = append([]byte(nil), v...)
			b = b[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Record{}, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return r, nil
}
