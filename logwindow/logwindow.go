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

// Package logwindow holds the sliding window of in-flight sequence
// numbers a replica is willing to admit Pre-Prepare, Prepare, and Commit
// messages for. A slot moves empty -> pre-prepared -> prepared ->
// committed -> executed and never backward; Advance discards everything
// up to and including the new low watermark once a checkpoint stabilizes
// it.
package logwindow

import "github.com/dstack-labs/pbftcore/crypto"

// Status is a slot's position in the ordering pipeline.
type Status int

const (
	StatusEmpty Status = iota
	StatusPrePrepared
	StatusPrepared
	StatusCommitted
	StatusExecuted
)

func (s Status) String() string {
	switch s {
	case StatusEmpty:
		return "empty"
	case StatusPrePrepared:
		return "pre-prepared"
	case StatusPrepared:
		return "prepared"
	case StatusCommitted:
		return "committed"
	case StatusExecuted:
		return "executed"
	default:
		return "unknown"
	}
}

// Slot is one sequence number's ordering state: the batch digest it was
// bound to, the view that binding happened in, and the Prepare/Commit
// votes seen so far, keyed by voting replica so a second vote from the
// same replica overwrites rather than double-counts.
type Slot struct {
	Seqno  uint64
	Status Status
	Digest crypto.Digest
	View   uint64

	PrepareVotes map[int32]crypto.Digest
	CommitVotes  map[int32]crypto.Digest
}

func newSlot(seqno uint64) *Slot {
	return &Slot{
		Seqno:        seqno,
		PrepareVotes: make(map[int32]crypto.Digest),
		CommitVotes:  make(map[int32]crypto.Digest),
	}
}

// AddPrepareVote records replicaID's vote for digest, and reports whether
// it conflicts with a previously recorded vote from the same replica —
// the caller should treat a conflict as an equivocation report, not a
// silent overwrite.
func (s *Slot) AddPrepareVote(replicaID int32, digest crypto.Digest) (conflict bool) {
	if prev, ok := s.PrepareVotes[replicaID]; ok && prev != digest {
		return true
	}
	s.PrepareVotes[replicaID] = digest
	return false
}

// AddCommitVote is AddPrepareVote's Commit-phase counterpart.
func (s *Slot) AddCommitVote(replicaID int32, digest crypto.Digest) (conflict bool) {
	if prev, ok := s.CommitVotes[replicaID]; ok && prev != digest {
		return true
	}
	s.CommitVotes[replicaID] = digest
	return false
}

// PrepareCount returns how many replicas voted for digest in the Prepare
// phase.
func (s *Slot) PrepareCount(digest crypto.Digest) int {
	n := 0
	for _, d := range s.PrepareVotes {
		if d == digest {
			n++
		}
	}
	return n
}

// CommitCount is PrepareCount's Commit-phase counterpart.
func (s *Slot) CommitCount(digest crypto.Digest) int {
	n := 0
	for _, d := range s.CommitVotes {
		if d == digest {
			n++
		}
	}
	return n
}

// Window is the (Low, High] range of sequence numbers a replica currently
// admits messages for. High is always Low+L.
type Window struct {
	low   uint64
	l     uint64
	slots map[uint64]*Slot
}

// New creates a window starting at low with span l (High = low+l).
func New(low, l uint64) *Window {
	return &Window{low: low, l: l, slots: make(map[uint64]*Slot)}
}

// Low is the current low watermark.
func (w *Window) Low() uint64 { return w.low }

// High is the current high watermark, low+L.
func (w *Window) High() uint64 { return w.low + w.l }

// InRange reports whether seqno falls within the half-open window
// (Low, High]: the low watermark itself is already stable and evicted, so
// a message that still names it is stale, not merely old.
func (w *Window) InRange(seqno uint64) bool {
	return seqno > w.low && seqno <= w.High()
}

// Admit returns the slot for seqno, creating it on first use, or
// an *OutOfWindowError if seqno falls outside (Low, High].
func (w *Window) Admit(seqno uint64) (*Slot, error) {
	if !w.InRange(seqno) {
		return nil, errOutOfWindow(seqno, w.low, w.High())
	}
	s, ok := w.slots[seqno]
	if !ok {
		s = newSlot(seqno)
		w.slots[seqno] = s
	}
	return s, nil
}

// Peek returns the slot for seqno without creating it.
func (w *Window) Peek(seqno uint64) (*Slot, bool) {
	s, ok := w.slots[seqno]
	return s, ok
}

// Advance moves the low watermark to newLow, discarding every slot at or
// below it. It is a no-op if newLow does not move the window forward.
func (w *Window) Advance(newLow uint64) {
	if newLow <= w.low {
		return
	}
	for seqno := range w.slots {
		if seqno <= newLow {
			delete(w.slots, seqno)
		}
	}
	w.low = newLow
}

// Snapshot returns a copy of every slot currently tracked, in ascending
// sequence number order.
func (w *Window) Snapshot() []Slot {
	out := make([]Slot, 0, len(w.slots))
	for _, s := range w.slots {
		out = append(out, *s)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Seqno < out[j-1].Seqno; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
