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

package crypto

import "sync"

// VerifyJob is one signature (or MAC) verification task submitted to a
// VerifyPool.
type VerifyJob struct {
	Verify func() error
	Done   func(error)
}

// VerifyPool runs signature verification on a bounded set of worker
// goroutines, off the dispatch thread, per the concurrency model's
// "optional worker threads may be used for signature verification;
// verified messages are then re-queued into the dispatch path." Workers
// only ever call Verify and report the result through Done; they never
// touch replication state directly.
type VerifyPool struct {
	jobs chan VerifyJob
	wg   sync.WaitGroup
}

// NewVerifyPool starts n worker goroutines pulling from an internal queue.
func NewVerifyPool(n int) *VerifyPool {
	if n < 1 {
		n = 1
	}
	p := &VerifyPool{jobs: make(chan VerifyJob, 4*n)}
	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go p.worker()
	}
	return p
}

func (p *VerifyPool) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		job.Done(job.Verify())
	}
}

// Submit enqueues a verification job. Blocks if the queue is full.
func (p *VerifyPool) Submit(job VerifyJob) {
	p.jobs <- job
}

// Close stops accepting jobs and waits for in-flight workers to drain.
func (p *VerifyPool) Close() {
	close(p.jobs)
	p.wg.Wait()
}
