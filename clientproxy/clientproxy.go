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

// Package clientproxy is the client side of the protocol: submit a
// request to the ordering group, retry with exponential backoff while
// nothing comes back, and collate replies until f+1 of them agree.
package clientproxy

import (
	"bytes"
	"context"
	"sync/atomic"
	"time"

	logger "github.com/rs/zerolog/log"

	"github.com/dstack-labs/pbftcore/membership"
	"github.com/dstack-labs/pbftcore/timer"
	"github.com/dstack-labs/pbftcore/transport"
	"github.com/dstack-labs/pbftcore/wire"
)

// Config bundles what a Proxy needs at construction.
type Config struct {
	ID        int32
	Registry  *membership.Registry
	Transport transport.Adapter
	Timer     *timer.Service
	Backoff   timer.Backoff
}

// Proxy is one client's connection to the ordering group. Submit is safe
// to call from multiple goroutines; everything past that handoff runs on
// a single internal dispatch goroutine, which is also what drives the
// retransmission timer wheel, so neither pending nor a pendingRequest's
// fields ever need a lock.
type Proxy struct {
	id        int32
	registry  *membership.Registry
	transport transport.Adapter
	timerSvc  *timer.Service
	backoff   timer.Backoff

	nextRequestID uint64

	submits chan *pendingRequest
	cancels chan uint64

	pending map[uint64]*pendingRequest
}

type pendingRequest struct {
	reqID   uint64
	body    []byte
	attempt int

	replies  map[int32]wire.Reply
	resolved bool
	result   []byte
	done     chan struct{}
}

// New creates a Proxy and starts its dispatch goroutine. That goroutine
// exits once cfg.Transport's inbox channel closes.
func New(cfg Config) *Proxy {
	p := &Proxy{
		id:        cfg.ID,
		registry:  cfg.Registry,
		transport: cfg.Transport,
		timerSvc:  cfg.Timer,
		backoff:   cfg.Backoff,
		submits:   make(chan *pendingRequest),
		cancels:   make(chan uint64, 16),
		pending:   make(map[uint64]*pendingRequest),
	}
	go p.run()
	return p
}

// run is the only goroutine that ever touches p.pending, a
// pendingRequest's mutable fields, or p.timerSvc. It merges three event
// sources: new submissions, caller-side cancellations, and inbound
// replies, plus a ticker driving the retransmission timer wheel.
func (p *Proxy) run() {
	ticker := time.NewTicker(timer.DefaultTickInterval)
	defer ticker.Stop()
	last := time.Now()

	inbox := p.transport.Inbox()
	for {
		select {
		case pr, ok := <-p.submits:
			if !ok {
				return
			}
			p.pending[pr.reqID] = pr
			p.broadcast(pr)

		case reqID := <-p.cancels:
			delete(p.pending, reqID)

		case now := <-ticker.C:
			p.timerSvc.Tick(now.Sub(last))
			last = now

		case msg, ok := <-inbox:
			if !ok {
				return
			}
			if msg.Envelope.Header.Tag != wire.TagReply {
				continue
			}
			if err := p.handleReply(msg.FromID, msg.Envelope); err != nil {
				logger.Warn().Err(err).Int32("from", msg.FromID).Msg("Error handling reply.")
			}
		}
	}
}

func (p *Proxy) broadcast(pr *pendingRequest) {
	env := wire.Envelope{Header: wire.Header{Tag: wire.TagRequest, FromID: uint32(p.id)}, Body: pr.body}
	if err := p.transport.Broadcast(env); err != nil {
		logger.Warn().Err(err).Msg("Error broadcasting request.")
	}
	attempt := pr.attempt
	pr.attempt++
	p.timerSvc.After(p.backoff.Duration(attempt), func() {
		if pr.resolved {
			return
		}
		if _, ok := p.pending[pr.reqID]; !ok {
			return
		}
		p.broadcast(pr)
	})
}

// Submit sends payload to the ordering group and blocks until f+1
// replicas return a matching result or ctx is done. It retries with
// exponential backoff as long as ctx permits; a failed broadcast is
// logged and retried on the same schedule as an unanswered one.
func (p *Proxy) Submit(ctx context.Context, payload []byte) ([]byte, error) {
	reqID := atomic.AddUint64(&p.nextRequestID, 1)
	req := wire.Request{ClientID: p.id, RequestID: reqID, Payload: payload}

	pr := &pendingRequest{
		reqID:   reqID,
		body:    req.Encode(),
		replies: make(map[int32]wire.Reply),
		done:    make(chan struct{}),
	}

	select {
	case p.submits <- pr:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case <-pr.done:
		return pr.result, nil
	case <-ctx.Done():
		select {
		case p.cancels <- reqID:
		default:
		}
		return nil, ctx.Err()
	}
}

// handleReply runs only on the dispatch goroutine.
func (p *Proxy) handleReply(fromID int32, env wire.Envelope) error {
	h := wire.AuthHash(env.Header.Tag, env.Body)
	if err := p.registry.Verify(fromID, h, env.Auth); err != nil {
		return err
	}
	reply, err := wire.DecodeReply(env.Body)
	if err != nil {
		return err
	}

	pr, ok := p.pending[reply.RequestID]
	if !ok || pr.resolved {
		return nil
	}
	pr.replies[fromID] = reply

	matching := 0
	for _, r := range pr.replies {
		if bytes.Equal(r.Result, reply.Result) {
			matching++
		}
	}
	if matching < p.registry.WeakQuorum() {
		return nil
	}

	pr.resolved = true
	pr.result = reply.Result
	delete(p.pending, reply.RequestID)
	close(pr.done)
	return nil
}
