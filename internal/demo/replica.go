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
	"time"

	logger "github.com/rs/zerolog/log"

	"github.com/dstack-labs/pbftcore/crypto"
	"github.com/dstack-labs/pbftcore/logwindow"
	"github.com/dstack-labs/pbftcore/pbft"
	"github.com/dstack-labs/pbftcore/reqtable"
	"github.com/dstack-labs/pbftcore/timer"
	"github.com/dstack-labs/pbftcore/transport"
	"github.com/dstack-labs/pbftcore/wire"
)

// viewTimer arms a view-change timeout on the replica's own timer wheel.
// Since the wheel is only ever advanced by the owning replica's dispatch
// goroutine (see ReplicaHandle.dispatch), a firing callback runs on that
// same goroutine and can call straight into onFire without hopping
// through a channel.
type viewTimer struct {
	svc     *timer.Service
	backoff timer.Backoff
	onFire  func(attempt int)

	handle timer.Handle
	armed  bool
}

func newViewTimer(svc *timer.Service, backoff timer.Backoff, onFire func(attempt int)) *viewTimer {
	return &viewTimer{svc: svc, backoff: backoff, onFire: onFire}
}

func (t *viewTimer) Arm(attempt int) {
	t.armed = true
	t.handle = t.svc.After(t.backoff.Duration(attempt), func() {
		t.armed = false
		t.onFire(attempt)
	})
}

func (t *viewTimer) Cancel() {
	if !t.armed {
		return
	}
	t.armed = false
	t.svc.Cancel(t.handle)
}

// ReplicaHandle bundles one replica's state machine instance with the
// resources its dispatch loop needs.
type ReplicaHandle struct {
	ID       int32
	Replica  *pbft.Replica
	App      *JournalApp
	Requests *reqtable.Table
	adapter  transport.Adapter
	timerSvc *timer.Service
	vt       *viewTimer

	maxBatch int
	pending  []crypto.Digest
}

// ReplicaSet is every replica in a Group, wired and ready to run.
type ReplicaSet struct {
	Group    *Group
	Replicas map[int32]*ReplicaHandle
}

// NewReplicaSet constructs one pbft.Replica per replica ID in g, each
// with its own log window, request table, timer service, and journal
// application.
func NewReplicaSet(g *Group, l, k uint64, maxBatch int, vcTimeout time.Duration) *ReplicaSet {
	rs := &ReplicaSet{Group: g, Replicas: make(map[int32]*ReplicaHandle)}

	for id := int32(0); id < g.N; id++ {
		app := NewJournalApp()
		reqs := reqtable.New(nil)
		tsvc := timer.NewService()

		h := &ReplicaHandle{
			ID:       id,
			App:      app,
			Requests: reqs,
			adapter:  g.Adapters[id],
			timerSvc: tsvc,
			maxBatch: maxBatch,
		}
		h.vt = newViewTimer(tsvc, timer.Backoff{Base: vcTimeout, Max: 16 * vcTimeout}, func(attempt int) {
			if err := h.Replica.StartViewChange(); err != nil {
				logger.Warn().Err(err).Int32("replica", h.ID).Int("attempt", attempt).Msg("Error starting view change.")
			}
		})
		h.Replica = pbft.New(pbft.Config{
			ID:           id,
			Registry:     g.Registries[id],
			Requests:     reqs,
			Window:       logwindow.New(0, l),
			StateMachine: app,
			Transport:    g.Adapters[id],
			Timer:        h.vt,
			SignBatches:  g.SignBatches,
			CheckpointK:  k,
		})
		rs.Replicas[id] = h
	}
	return rs
}

// Run starts every replica's dispatch goroutine. It returns immediately;
// the goroutines run until stop is closed.
func (rs *ReplicaSet) Run(stop <-chan struct{}) {
	for _, h := range rs.Replicas {
		go h.dispatch(stop)
	}
}

// Stop is a no-op now that a replica's timer wheel has no goroutine of
// its own to release; it is kept so callers do not need to know that.
func (rs *ReplicaSet) Stop() {}

// catchUpEveryTicks spaces out MaintainCatchUp calls so a replica doesn't
// scan its peer table on every 2ms tick; a lagging peer surfaces within a
// few hundred milliseconds either way.
const catchUpEveryTicks = 250

func (h *ReplicaHandle) dispatch(stop <-chan struct{}) {
	ticker := time.NewTicker(timer.DefaultTickInterval)
	defer ticker.Stop()
	last := time.Now()
	ticks := 0

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			h.timerSvc.Tick(now.Sub(last))
			last = now
			ticks++
			if ticks%catchUpEveryTicks == 0 {
				if err := h.Replica.MaintainCatchUp(); err != nil {
					logger.Warn().Err(err).Int32("replica", h.ID).Msg("Error maintaining peer catch-up.")
				}
			}
		case msg, ok := <-h.adapter.Inbox():
			if !ok {
				return
			}
			h.handle(msg)
		}
	}
}

func (h *ReplicaHandle) handle(msg transport.InboundMessage) {
	if msg.Envelope.Header.Tag == wire.TagRequest {
		h.intake(msg)
		return
	}
	if err := h.Replica.Deliver(msg.FromID, msg.Envelope); err != nil {
		logger.Warn().Err(err).Int32("replica", h.ID).Int32("from", msg.FromID).Msg("Error delivering message.")
	}
}

// intake decodes a client's broadcast Request, stores its content in the
// request table, and, if this replica leads the current view, folds it
// into a batch once maxBatch requests are pending. Batch-cutting policy
// this simple only makes sense for a single-primary log with no
// multi-leader segment assignment to arbitrate; a real deployment would
// also cut a partial batch on a timeout instead of waiting to fill one.
func (h *ReplicaHandle) intake(msg transport.InboundMessage) {
	req, err := wire.DecodeRequest(msg.Envelope.Body)
	if err != nil {
		logger.Warn().Err(err).Int32("replica", h.ID).Msg("Malformed request.")
		return
	}

	digest := crypto.Hash(req.Payload)
	if _, err := h.Requests.Put(req.ClientID, req.RequestID, digest, req.Payload); err != nil {
		return // stale duplicate, already executed
	}

	if !h.Replica.IsPrimary() {
		return
	}

	h.pending = append(h.pending, digest)
	if len(h.pending) < h.maxBatch {
		return
	}
	h.cutBatch()
}

func (h *ReplicaHandle) cutBatch() {
	if len(h.pending) == 0 {
		return
	}
	batch := h.pending
	h.pending = nil
	if err := h.Replica.Propose(batch); err != nil {
		logger.Warn().Err(err).Int32("replica", h.ID).Msg("Error proposing batch.")
	}
}
