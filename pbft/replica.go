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

// Package pbft implements the ordering state machine: Pre-Prepare,
// Prepare, and Commit admission and quorum counting, strict-seqno
// execution, and the view-change/new-view protocol that recovers from a
// silent or equivocating primary. Every exported method is meant to be
// called from a single dispatch goroutine per replica; nothing here
// takes its own lock; a caller driving several replicas in one process
// (as the in-process transport and the test suite do) must give each its
// own goroutine.
package pbft

import (
	logger "github.com/rs/zerolog/log"

	"github.com/dstack-labs/pbftcore/checkpoint"
	"github.com/dstack-labs/pbftcore/crypto"
	"github.com/dstack-labs/pbftcore/logwindow"
	"github.com/dstack-labs/pbftcore/membership"
	"github.com/dstack-labs/pbftcore/reqtable"
	"github.com/dstack-labs/pbftcore/transport"
	"github.com/dstack-labs/pbftcore/wire"
)

// Transport is the outbound side of the network boundary a Replica needs:
// send one envelope to one peer, or to everyone.
type Transport interface {
	Send(toID int32, env wire.Envelope) error
	Broadcast(env wire.Envelope) error
}

// ViewTimer arms and cancels the "is the primary still alive" timer. Arm
// takes an attempt number an implementation may use for exponential
// backoff; Cancel disarms it. Replica itself only ever calls Cancel,
// after executing a sequence number and on adopting a new view; it never
// calls Arm, so the timer runs only when whoever owns it arms it.
type ViewTimer interface {
	Arm(attempt int)
	Cancel()
}

// StateMachine is the deterministic application this replica orders
// requests for.
type StateMachine interface {
	// Apply executes a committed batch at seqno and returns one result
	// per request, in the same order the batch's digests were listed.
	Apply(seqno uint64, batch [][]byte) ([][]byte, error)
	// Snapshot returns a content digest of the application's state as of
	// seqno, used to fill outgoing Checkpoint messages.
	Snapshot(seqno uint64) (crypto.Digest, error)
}

// Replica is one PBFT instance's mutable state: current view, the log
// window of in-flight sequence numbers, and the accumulated view-change
// and checkpoint certificates.
type Replica struct {
	id       int32
	registry *membership.Registry
	reqs     *reqtable.Table
	window   *logwindow.Window
	sm       StateMachine

	transport Transport
	timer     ViewTimer

	signBatches bool
	checkpointK uint64

	view         uint64
	nextSeqno    uint64
	lastExecuted uint64

	checkpoints *checkpoint.Collector
	vc          *viewChangeState
	backlog     *backlog

	// peers tracks how far each peer has been seen to progress, from its
	// Commit and Checkpoint messages, so a caller can decide who needs an
	// out-of-band catch-up batch instead of waiting on the normal
	// message-driven path.
	peers *transport.PeerTracker

	// batchDigests maps a batch digest back to the request digests it
	// was folded from, so Commit-time execution can pull request
	// content out of the request table in order.
	batchDigests map[crypto.Digest][]crypto.Digest
}

// Config bundles the fixed parameters a Replica needs at construction.
type Config struct {
	ID          int32
	Registry    *membership.Registry
	Requests    *reqtable.Table
	Window      *logwindow.Window
	StateMachine StateMachine
	Transport   Transport
	Timer       ViewTimer
	SignBatches bool
	CheckpointK uint64
}

// New creates a Replica starting in view 0 at sequence number 1.
func New(cfg Config) *Replica {
	r := &Replica{
		id:          cfg.ID,
		registry:    cfg.Registry,
		reqs:        cfg.Requests,
		window:      cfg.Window,
		sm:          cfg.StateMachine,
		transport:   cfg.Transport,
		timer:       cfg.Timer,
		signBatches: cfg.SignBatches,
		checkpointK: cfg.CheckpointK,
		nextSeqno:    1,
		checkpoints:  checkpoint.NewCollector(cfg.Registry.Quorum()),
		backlog:      newBacklog(),
		batchDigests: make(map[crypto.Digest][]crypto.Digest),
		peers:        transport.NewPeerTracker(),
	}
	r.vc = newViewChangeState(r.view)
	return r
}

// View returns the replica's current view.
func (r *Replica) View() uint64 {
	return r.view
}

// IsPrimary reports whether this replica is the primary of its current
// view.
func (r *Replica) IsPrimary() bool {
	return r.primaryFor(r.view) == r.id
}

// CatchUpTarget reports whether peerID is known to be behind this
// replica's last executed sequence number and, if so, the sequence
// number a catch-up batch should start from. It relies entirely on
// Commit and Checkpoint sightings from that peer, so a peer that has
// sent nothing yet is reported behind as soon as this replica has
// executed anything.
func (r *Replica) CatchUpTarget(peerID int32) (fromSeqno uint64, needsCatchUp bool) {
	return r.peers.Behind(peerID, r.lastExecuted)
}

func (r *Replica) primaryFor(view uint64) int32 {
	ids := r.registry.ReplicaIDs()
	if len(ids) == 0 {
		return -1
	}
	return ids[view%uint64(len(ids))]
}

// hash is the content this replica signs or MACs for a given tag+body.
func hash(tag wire.Tag, body []byte) crypto.Digest {
	return wire.AuthHash(tag, body)
}

// authenticatedBroadcast sends body under tag to every replica, each with
// its own valid authenticator: a single signature when signBatches is
// set (anyone can verify it), or a distinct MAC per recipient otherwise
// (only that recipient can verify it, so no single envelope silences
// every peer at once).
func (r *Replica) authenticatedBroadcast(tag wire.Tag, extra uint32, body []byte) error {
	h := hash(tag, body)

	if r.signBatches {
		sig, err := r.registry.Authenticate(r.id, h)
		if err != nil {
			return err
		}
		env := wire.Envelope{
			Header: wire.Header{Tag: tag, Extra: extra, FromID: uint32(r.id)},
			Body:   body,
			Auth:   sig,
		}
		return r.transport.Broadcast(env)
	}

	macs, err := r.registry.AuthenticateForAll(h)
	if err != nil {
		return err
	}
	for _, id := range r.registry.ReplicaIDs() {
		auth := []byte{}
		if id != r.id {
			auth = macs[id]
		}
		env := wire.Envelope{
			Header: wire.Header{Tag: tag, Extra: extra, FromID: uint32(r.id)},
			Body:   body,
			Auth:   auth,
		}
		if err := r.transport.Send(id, env); err != nil {
			return err
		}
	}
	return nil
}

// verify checks env's authenticator against its sender. A message this
// replica addressed to itself (a broadcast's self-loopback leg) is
// trusted without a MAC/signature check: authenticatedBroadcast never
// bothers to produce one for the sender's own copy, since there is no
// pairwise key to verify a message against oneself with.
func (r *Replica) verify(fromID int32, env wire.Envelope) error {
	if fromID == r.id {
		return nil
	}
	h := hash(env.Header.Tag, env.Body)
	return r.registry.Verify(fromID, h, env.Auth)
}

// Deliver routes an inbound envelope to the right handler. It is the
// single entry point a transport's read loop should call.
func (r *Replica) Deliver(fromID int32, env wire.Envelope) error {
	switch env.Header.Tag {
	case wire.TagPrePrepare:
		return r.handlePrePrepare(fromID, env)
	case wire.TagPrepare:
		return r.handlePrepare(fromID, env)
	case wire.TagCommit:
		return r.handleCommit(fromID, env)
	case wire.TagCheckpoint:
		return r.handleCheckpoint(fromID, env)
	case wire.TagViewChange:
		return r.handleViewChange(fromID, env)
	case wire.TagNewView:
		return r.handleNewView(fromID, env)
	case wire.TagViewInfo:
		return r.handleViewInfo(fromID, env)
	case wire.TagFetch:
		return r.handleFetch(fromID, env)
	case wire.TagData:
		return r.handleData(fromID, env)
	case wire.TagAppendEntries:
		return r.handleAppendEntries(fromID, env)
	default:
		logger.Debug().Str("tag", env.Header.Tag.String()).Int32("from", fromID).Msg("Unhandled message tag.")
		return nil
	}
}
