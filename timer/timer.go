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

// Package timer is a coarse-grained timer wheel driven entirely by
// whatever elapsed duration the host feeds into Tick: nothing here reads
// the wall clock or runs its own goroutine. This mirrors the ordering
// core's single-threaded dispatch model — a Service is only ever touched
// by whichever goroutine calls Tick, so a fired callback runs
// synchronously on that same goroutine instead of hopping through a
// channel to reach the caller's state.
package timer

import (
	"container/heap"
	"time"
)

// Handle identifies a scheduled timer, returned by After and accepted by
// Cancel.
type Handle uint64

// entry is one scheduled firing, ordered by deadline in the heap.
type entry struct {
	handle   Handle
	deadline time.Duration
	fn       func()
	index    int
	canceled bool
}

type entryHeap []*entry

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return h[i].deadline < h[j].deadline }
func (h entryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i]; h[i].index, h[j].index = i, j }
func (h *entryHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Service is a timer wheel with no clock of its own, only whatever
// virtual time Tick has accumulated so far. It is not safe for
// concurrent use; a caller that drives several timers from one dispatch
// goroutine (as internal/demo's per-replica dispatch loop and
// clientproxy.Proxy do) needs only one.
type Service struct {
	pending entryHeap
	entries map[Handle]*entry
	nextID  Handle
	now     time.Duration
}

// NewService creates an idle timer wheel at virtual time zero.
func NewService() *Service {
	return &Service{entries: make(map[Handle]*entry)}
}

// After schedules fn to run once the wheel's virtual clock has advanced
// by at least d past its current position. It returns a Handle Cancel
// can use to prevent that firing.
func (s *Service) After(d time.Duration, fn func()) Handle {
	s.nextID++
	h := s.nextID
	e := &entry{handle: h, deadline: s.now + d, fn: fn}
	s.entries[h] = e
	heap.Push(&s.pending, e)
	return h
}

// Cancel prevents a scheduled timer from firing, if it hasn't already.
func (s *Service) Cancel(h Handle) {
	e, ok := s.entries[h]
	if !ok {
		return
	}
	e.canceled = true
	delete(s.entries, h)
}

// Tick advances the wheel's virtual clock by elapsed and runs, in
// deadline order, every callback whose deadline that advance crosses.
// Callbacks run synchronously on the caller's own goroutine — the only
// blocking primitive the dispatch loop that calls Tick needs to know
// about.
func (s *Service) Tick(elapsed time.Duration) {
	s.now += elapsed
	for s.pending.Len() > 0 && s.pending[0].deadline <= s.now {
		e := heap.Pop(&s.pending).(*entry)
		if e.canceled {
			continue
		}
		delete(s.entries, e.handle)
		e.fn()
	}
}

// DefaultTickInterval is the cadence a host with no sharper requirement
// of its own should drive Tick at: fine enough for a few-millisecond
// retransmission timer, coarse enough to cost nothing idle.
const DefaultTickInterval = 2 * time.Millisecond
