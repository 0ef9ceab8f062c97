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

package demo

import (
	"sync"

	"github.com/dstack-labs/pbftcore/crypto"
)

// JournalApp is a sample pbft.StateMachine: it appends every executed
// batch's requests to an in-memory log and echoes each request's
// payload back as its own reply, standing in for whatever a real
// application would do with an ordered request stream.
type JournalApp struct {
	mu      sync.Mutex
	journal [][]byte
}

// NewJournalApp creates an empty journal.
func NewJournalApp() *JournalApp {
	return &JournalApp{}
}

// Apply implements pbft.StateMachine.
func (a *JournalApp) Apply(seqno uint64, batch [][]byte) ([][]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([][]byte, len(batch))
	for i, req := range batch {
		a.journal = append(a.journal, req)
		out[i] = req
	}
	return out, nil
}

// Snapshot implements pbft.StateMachine.
func (a *JournalApp) Snapshot(seqno uint64) (crypto.Digest, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return crypto.ParallelDigest(a.journal), nil
}

// Journal returns a copy of every request applied so far, in order.
func (a *JournalApp) Journal() [][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([][]byte, len(a.journal))
	copy(out, a.journal)
	return out
}
