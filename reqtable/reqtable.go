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

// Package reqtable is the request dedup and fetch table: it maps a
// request digest referenced by a Pre-Prepare to the full request content,
// tracks per-client monotonic request IDs for at-most-once execution, and
// backs executed requests with a durable archive once they age out of the
// active log window.
package reqtable

import (
	"sync"

	"github.com/dstack-labs/pbftcore/crypto"
)

// State is where a request sits in the dedup/fetch lifecycle.
type State int

const (
	// StateWanted means the digest was referenced by a Pre-Prepare but
	// the full request content has not arrived yet.
	StateWanted State = iota
	// StatePresent means the full content is held, awaiting execution.
	StatePresent
	// StateExecuted means the request has run; Reply is cached for
	// at-most-once semantics until it is evicted to the archive.
	StateExecuted
)

// Entry is one request's bookkeeping record.
type Entry struct {
	ClientID  int32
	RequestID uint64
	Digest    crypto.Digest
	Payload   []byte
	State     State

	// Seqno is set once the request executes, and is what EvictExecutedBefore
	// compares against the log window's low watermark.
	Seqno uint64
	Reply []byte
}

// Table is the in-memory half of the request table. It is safe for
// concurrent use.
type Table struct {
	mu       sync.Mutex
	entries  map[crypto.Digest]*Entry
	byClient map[int32]uint64 // highest executed request ID per client
	archive  *Archive
}

// New creates an empty table. archive may be nil, in which case executed
// entries are only ever held in memory and EvictExecutedBefore is a no-op.
func New(archive *Archive) *Table {
	return &Table{
		entries:  make(map[crypto.Digest]*Entry),
		byClient: make(map[int32]uint64),
		archive:  archive,
	}
}

// Want records that digest was referenced by a Pre-Prepare, creating a
// StateWanted entry if none exists yet. It returns the entry either way,
// so a caller can check whether it is already present.
func (t *Table) Want(clientID int32, requestID uint64, digest crypto.Digest) *Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[digest]; ok {
		return e
	}
	e := &Entry{ClientID: clientID, RequestID: requestID, Digest: digest, State: StateWanted}
	t.entries[digest] = e
	return e
}

// Put stores a request's full content, keyed by its content digest.
// It rejects a request whose ID is not newer than the client's last
// executed request as a stale duplicate.
func (t *Table) Put(clientID int32, requestID uint64, digest crypto.Digest, payload []byte) (*Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if last, ok := t.byClient[clientID]; ok && requestID <= last {
		return nil, errDuplicateRequest(clientID, requestID)
	}

	e, ok := t.entries[digest]
	if !ok {
		e = &Entry{ClientID: clientID, RequestID: requestID, Digest: digest}
		t.entries[digest] = e
	}
	e.Payload = payload
	if e.State == StateWanted || e.State == 0 {
		e.State = StatePresent
	}
	return e, nil
}

// Get looks up an entry by digest.
func (t *Table) Get(digest crypto.Digest) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[digest]
	return e, ok
}

// MarkExecuted transitions an entry to StateExecuted, records the
// sequence number it executed at, caches its reply for at-most-once
// resubmission, and, if an archive is configured, persists the request
// content and reply so the in-memory copy can later be dropped.
func (t *Table) MarkExecuted(digest crypto.Digest, seqno uint64, reply []byte) error {
	t.mu.Lock()
	e, ok := t.entries[digest]
	if !ok {
		t.mu.Unlock()
		return errUnknownDigest(digest)
	}
	e.State = StateExecuted
	e.Seqno = seqno
	e.Reply = reply
	if e.RequestID > t.byClient[e.ClientID] {
		t.byClient[e.ClientID] = e.RequestID
	}
	archive := t.archive
	clientID, requestID, payload := e.ClientID, e.RequestID, e.Payload
	t.mu.Unlock()

	if archive == nil {
		return nil
	}
	return archive.Put(digest, clientID, requestID, payload, reply)
}

// LastExecuted returns the highest request ID executed for clientID.
func (t *Table) LastExecuted(clientID int32) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	v, ok := t.byClient[clientID]
	return v, ok
}

// EvictExecutedBefore drops the in-memory payload and reply of every
// executed entry whose sequence number is below lowSeqno, provided an
// archive is configured to serve them afterward. It returns the number
// of entries evicted. Entries with no archive backing are left in place
// so a fetch for them can still be served from memory.
func (t *Table) EvictExecutedBefore(lowSeqno uint64) int {
	if t.archive == nil {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, e := range t.entries {
		if e.State == StateExecuted && e.Seqno < lowSeqno && (e.Payload != nil || e.Reply != nil) {
			e.Payload = nil
			e.Reply = nil
			n++
		}
	}
	return n
}

// Fetch returns a request's payload and reply, consulting the archive if
// the in-memory copy has been evicted.
func (t *Table) Fetch(digest crypto.Digest) (payload, reply []byte, found bool, err error) {
	t.mu.Lock()
	e, ok := t.entries[digest]
	archive := t.archive
	t.mu.Unlock()
	if !ok {
		return nil, nil, false, nil
	}
	if e.Payload != nil || e.Reply != nil {
		return e.Payload, e.Reply, true, nil
	}
	if archive == nil {
		return nil, nil, false, nil
	}
	payload, reply, found, err = archive.Get(digest)
	return payload, reply, found, err
}
