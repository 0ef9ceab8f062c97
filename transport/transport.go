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

// Package transport defines the network boundary the ordering and client
// proxy logic sends and receives wire envelopes through, and provides an
// in-process reference implementation for single-binary tests and
// simulations. A real node-to-node session layer (TLS, dialing,
// reconnection) is outside this package's job; it plugs in behind the
// same Adapter interface.
package transport

import "github.com/dstack-labs/pbftcore/wire"

// InboundMessage is one envelope delivered to an Adapter's inbox, tagged
// with the ID of whoever sent it.
type InboundMessage struct {
	FromID   int32
	Envelope wire.Envelope
}

// Adapter is the network boundary a replica or client proxy depends on.
// All of Send/Broadcast/Inbox are safe to call from the single dispatch
// goroutine that owns the replica's state; delivery to Inbox happens on
// a different goroutine so a slow peer never blocks the sender.
type Adapter interface {
	// Send delivers env to exactly one peer by ID.
	Send(toID int32, env wire.Envelope) error
	// Broadcast delivers env to every known peer, including the sender.
	Broadcast(env wire.Envelope) error
	// Inbox is where delivered envelopes arrive for this adapter's owner
	// to read, one at a time, off its own dispatch loop.
	Inbox() <-chan InboundMessage
}
