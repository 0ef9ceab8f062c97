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

// Package membership tracks the known principals of a run — replicas and
// clients — and authenticates messages to and from them. It replaces the
// package-level globals a single-process peer used to get away with
// (there is only ever one OwnID, one nodeIdentities map) with an instance
// a replica or client owns explicitly, since nothing here should be
// shared across independently-configured runs in the same process.
package membership

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dstack-labs/pbftcore/crypto"
)

// Role distinguishes a replica principal, which participates in ordering,
// from a client principal, which only submits requests and reads replies.
type Role int

const (
	RoleReplica Role = iota
	RoleClient
)

// Principal is everything the registry knows about one other party:
// how to verify what it sends, and how to authenticate what we send it.
type Principal struct {
	ID      int32
	Role    Role
	Address string

	// PubKey verifies this principal's signatures when signing is in
	// effect. Nil when the run uses MACs instead.
	PubKey interface{}

	// MACKey is the pairwise session key shared between this registry's
	// owner and this principal, used both to verify what this
	// principal sends us and to authenticate what we send it.
	MACKey []byte

	// Suspicion counts protocol violations attributed to this
	// principal (bad auth, equivocation). It never triggers automatic
	// exclusion; it is exposed for the ordering state machine to fold
	// into its own view-change and blacklisting decisions.
	Suspicion int32
}

// Registry is a replica's or client's view of the principals it talks to.
// Registration is append-only in the steady state; Remove and Add are
// also used to apply an externally-ordered reconfiguration request.
type Registry struct {
	mu         sync.RWMutex
	principals map[int32]*Principal
	replicaIDs []int32

	ownID       int32
	signBatches bool
	ownPrivKey  interface{} // set only when signBatches is true
}

// New creates an empty registry for a process identified by ownID.
// signBatches selects the authentication mode for the lifetime of the
// registry: asymmetric signatures when true, pairwise MACs when false.
// ownPrivKey is used to produce signatures and is ignored in MAC mode.
func New(ownID int32, signBatches bool, ownPrivKey interface{}) *Registry {
	return &Registry{
		principals:  make(map[int32]*Principal),
		ownID:       ownID,
		signBatches: signBatches,
		ownPrivKey:  ownPrivKey,
	}
}

// OwnID returns the ID this registry's owner registered under.
func (r *Registry) OwnID() int32 {
	return r.ownID
}

// Add registers or replaces a principal. Replacing an existing ID is how
// a reconfiguration request rotates a compromised principal's key
// without changing its ID or role.
func (r *Registry) Add(p Principal) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := p
	if _, exists := r.principals[p.ID]; !exists && p.Role == RoleReplica {
		r.replicaIDs = append(r.replicaIDs, p.ID)
		sort.Slice(r.replicaIDs, func(i, j int) bool { return r.replicaIDs[i] < r.replicaIDs[j] })
	}
	r.principals[p.ID] = &cp
}

// Remove drops a principal, used when a reconfiguration request retires
// a replica or a client's session ends.
func (r *Registry) Remove(id int32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.principals, id)
	for i, rid := range r.replicaIDs {
		if rid == id {
			r.replicaIDs = append(r.replicaIDs[:i], r.replicaIDs[i+1:]...)
			break
		}
	}
}

// Get returns a copy of the principal registered under id.
func (r *Registry) Get(id int32) (Principal, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.principals[id]
	if !ok {
		return Principal{}, false
	}
	return *p, true
}

// ReplicaIDs returns a sorted copy of all known replica IDs.
func (r *Registry) ReplicaIDs() []int32 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]int32, len(r.replicaIDs))
	copy(out, r.replicaIDs)
	return out
}

// N is the number of known replicas.
func (r *Registry) N() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.replicaIDs)
}

// F is the maximum number of replicas the group tolerates as faulty.
func (r *Registry) F() int {
	n := r.N()
	if n == 0 {
		return 0
	}
	return (n - 1) / 3
}

// Quorum is the size of a commit or view-change certificate: 2f+1.
func (r *Registry) Quorum() int {
	return 2*r.F() + 1
}

// WeakQuorum is the smallest set guaranteed to include one honest
// replica: f+1.
func (r *Registry) WeakQuorum() int {
	return r.F() + 1
}

// Suspect bumps id's suspicion counter and returns its new value.
func (r *Registry) Suspect(id int32) int32 {
	r.mu.RLock()
	p, ok := r.principals[id]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.AddInt32(&p.Suspicion, 1)
}

// Verify checks that auth is a valid authenticator over hash, purportedly
// from fromID, under this registry's configured mode. A failed check bumps
// fromID's suspicion counter before returning BadAuth.
func (r *Registry) Verify(fromID int32, hash crypto.Digest, auth []byte) error {
	p, ok := r.Get(fromID)
	if !ok {
		return errUnknownPrincipal(fromID)
	}

	if r.signBatches {
		if err := crypto.CheckSig(hash, p.PubKey, auth); err != nil {
			r.Suspect(fromID)
			return errBadAuth(fromID, err)
		}
		return nil
	}

	if !crypto.CheckMAC(p.MACKey, hash, auth) {
		r.Suspect(fromID)
		return errBadAuth(fromID, nil)
	}
	return nil
}

// Authenticate produces the authenticator this registry's owner attaches
// when sending a message whose digest is hash to toID.
func (r *Registry) Authenticate(toID int32, hash crypto.Digest) ([]byte, error) {
	if r.signBatches {
		sig, err := crypto.Sign(hash, r.ownPrivKey)
		if err != nil {
			return nil, err
		}
		return sig, nil
	}

	p, ok := r.Get(toID)
	if !ok {
		return nil, errUnknownPrincipal(toID)
	}
	return crypto.MAC(p.MACKey, hash), nil
}

// AuthenticateForAll produces one authenticator per known replica other
// than the owner, for messages that must carry a MAC vector rather than
// a single signature (Prepare and Commit, when signBatches is false).
func (r *Registry) AuthenticateForAll(hash crypto.Digest) (map[int32][]byte, error) {
	out := make(map[int32][]byte)
	for _, id := range r.ReplicaIDs() {
		if id == r.ownID {
			continue
		}
		auth, err := r.Authenticate(id, hash)
		if err != nil {
			return nil, err
		}
		out[id] = auth
	}
	return out, nil
}
