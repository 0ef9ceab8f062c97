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

// Package demo wires the library's packages together into a runnable
// group of replicas and clients sharing one in-process transport hub.
// It exists for cmd/replica and cmd/client: with the outer node-to-node
// transport out of scope for this repository, there is no socket for
// two separately-launched processes to dial, so both sample binaries
// bootstrap the whole group themselves rather than connecting to peers
// started elsewhere.
package demo

import (
	"github.com/dstack-labs/pbftcore/crypto"
	"github.com/dstack-labs/pbftcore/membership"
	"github.com/dstack-labs/pbftcore/transport"
)

// Group is a fixed set of replica and client principals sharing one
// transport.Hub, each with its own membership.Registry populated with
// every other principal's authentication material.
type Group struct {
	Hub         *transport.Hub
	Registries  map[int32]*membership.Registry
	Adapters    map[int32]transport.Adapter
	N           int32
	F           int32
	SignBatches bool
}

// NewGroup builds n replicas (IDs 0..n-1) and registers clientIDs
// alongside them, all sharing one hub. signBatches selects asymmetric
// signatures for every principal instead of pairwise MACs.
func NewGroup(n int32, clientIDs []int32, signBatches bool) *Group {
	g := &Group{
		Hub:         transport.NewHub(),
		Registries:  make(map[int32]*membership.Registry),
		Adapters:    make(map[int32]transport.Adapter),
		N:           n,
		F:           int32((n - 1) / 3),
		SignBatches: signBatches,
	}

	allIDs := make([]int32, 0, int(n)+len(clientIDs))
	for id := int32(0); id < n; id++ {
		allIDs = append(allIDs, id)
	}
	allIDs = append(allIDs, clientIDs...)

	if signBatches {
		g.wireSigned(allIDs, n)
	} else {
		g.wireMAC(allIDs, n)
	}

	for _, id := range allIDs {
		g.Adapters[id] = g.Hub.Join(id, 64)
	}
	return g
}

func roleOf(id int32, n int32) membership.Role {
	if id < n {
		return membership.RoleReplica
	}
	return membership.RoleClient
}

func (g *Group) wireMAC(allIDs []int32, n int32) {
	pairKey := func(a, b int32) []byte {
		if a > b {
			a, b = b, a
		}
		return []byte{byte(a), byte(a >> 8), byte(b), byte(b >> 8), 0x5a}
	}

	for _, id := range allIDs {
		g.Registries[id] = membership.New(id, false, nil)
	}
	for _, id := range allIDs {
		for _, other := range allIDs {
			if id == other {
				g.Registries[id].Add(membership.Principal{ID: id, Role: roleOf(id, n)})
				continue
			}
			g.Registries[id].Add(membership.Principal{
				ID:     other,
				Role:   roleOf(other, n),
				MACKey: pairKey(id, other),
			})
		}
	}
}

func (g *Group) wireSigned(allIDs []int32, n int32) {
	privKeys := make(map[int32]interface{})
	pubKeys := make(map[int32]interface{})
	for _, id := range allIDs {
		sk, pk, err := crypto.GenerateKeyPair()
		if err != nil {
			panic(err)
		}
		privKeys[id] = sk
		pubKeys[id] = pk
	}

	for _, id := range allIDs {
		g.Registries[id] = membership.New(id, true, privKeys[id])
	}
	for _, id := range allIDs {
		for _, other := range allIDs {
			g.Registries[id].Add(membership.Principal{
				ID:     other,
				Role:   roleOf(other, n),
				PubKey: pubKeys[other],
			})
		}
	}
}
