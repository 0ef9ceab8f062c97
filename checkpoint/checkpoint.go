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

// Package checkpoint collects Checkpoint votes into a stable checkpoint
// certificate once a quorum of replicas agree on the state digest at a
// sequence number, and hands the log window its new low watermark.
package checkpoint

import (
	logger "github.com/rs/zerolog/log"

	"github.com/dstack-labs/pbftcore/crypto"
)

// Stable is a stabilized checkpoint: 2f+1 replicas attested to the same
// state digest at Seqno. Proof holds each attesting replica's Checkpoint
// envelope, kept as raw bytes so it can be forwarded verbatim inside a
// View-Change message's checkpoint proof.
type Stable struct {
	Seqno       uint64
	StateDigest crypto.Digest
	Proof       map[int32][]byte
}

// Collector accumulates Checkpoint votes per sequence number until one
// reaches quorum, then reports the resulting Stable certificate exactly
// once.
type Collector struct {
	quorum int
	votes  map[uint64]map[int32]vote
	stable *Stable
}

type vote struct {
	digest crypto.Digest
	raw    []byte
}

// NewCollector creates a collector requiring quorum matching votes to
// stabilize a checkpoint.
func NewCollector(quorum int) *Collector {
	return &Collector{quorum: quorum, votes: make(map[uint64]map[int32]vote)}
}

// Stable returns the most recently stabilized checkpoint, if any.
func (c *Collector) Stable() (*Stable, bool) {
	if c.stable == nil {
		return nil, false
	}
	return c.stable, true
}

// AddVote records replicaID's Checkpoint vote for seqno. It returns the
// newly stabilized checkpoint the first time quorum is reached for a
// seqno beyond the current stable one; subsequent calls return (nil,
// false) even if further votes keep arriving.
func (c *Collector) AddVote(seqno uint64, replicaID int32, stateDigest crypto.Digest, raw []byte) (*Stable, bool) {
	if c.stable != nil && seqno <= c.stable.Seqno {
		return nil, false
	}

	if c.votes[seqno] == nil {
		c.votes[seqno] = make(map[int32]vote)
	}
	c.votes[seqno][replicaID] = vote{digest: stateDigest, raw: raw}

	matching := 0
	proof := make(map[int32][]byte)
	for id, v := range c.votes[seqno] {
		if v.digest == stateDigest {
			matching++
			proof[id] = v.raw
		}
	}
	if matching < c.quorum {
		return nil, false
	}

	stable := &Stable{Seqno: seqno, StateDigest: stateDigest, Proof: proof}
	c.stable = stable
	c.pruneBefore(seqno)

	logger.Info().Uint64("seqno", seqno).Str("digest", stateDigest.String()).Msg("New stable checkpoint.")
	return stable, true
}

// pruneBefore discards vote-tracking state for every sequence number at
// or below a newly stabilized one; it can never stabilize again.
func (c *Collector) pruneBefore(seqno uint64) {
	for sn := range c.votes {
		if sn <= seqno {
			delete(c.votes, sn)
		}
	}
}
