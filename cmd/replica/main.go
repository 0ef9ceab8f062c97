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

// Command replica runs a self-contained group of ordering replicas in
// one process and drives a short demo workload through them, printing
// each replica's resulting journal so they can be compared by eye. The
// outer node-to-node transport is out of scope for this repository (see
// SPEC_FULL.md), so there is nothing for a second, separately-launched
// instance of this binary to connect to; the group lives entirely
// in-process, over the same transport.Hub the test suite uses.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	logger "github.com/rs/zerolog/log"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/dstack-labs/pbftcore/clientproxy"
	"github.com/dstack-labs/pbftcore/internal/demo"
	"github.com/dstack-labs/pbftcore/timer"
)

const clientID = int32(1000)

func main() {
	app := kingpin.New("replica", "Runs a self-contained group of ordering replicas and submits a demo workload.")
	n := app.Flag("n", "Number of replicas").Default("4").Int()
	l := app.Flag("window", "Log window size").Default("200").Uint64()
	k := app.Flag("checkpoint-interval", "Sequence numbers between checkpoints").Default("10").Uint64()
	batchSize := app.Flag("batch-size", "Requests per batch").Default("1").Int()
	signBatches := app.Flag("sign-batches", "Use asymmetric signatures instead of MACs").Default("false").Bool()
	requests := app.Flag("requests", "Comma-separated request payloads to submit").Default("op-1,op-2,op-3,op-4").String()

	if _, err := app.Parse(os.Args[1:]); err != nil {
		kingpin.Fatalf("%s", err)
	}

	group := demo.NewGroup(int32(*n), []int32{clientID}, *signBatches)
	set := demo.NewReplicaSet(group, *l, *k, *batchSize, 500*time.Millisecond)

	stop := make(chan struct{})
	set.Run(stop)
	defer func() {
		close(stop)
		set.Stop()
	}()

	tsvc := timer.NewService()

	proxy := clientproxy.New(clientproxy.Config{
		ID:        clientID,
		Registry:  group.Registries[clientID],
		Transport: group.Adapters[clientID],
		Timer:     tsvc,
		Backoff:   timer.Backoff{Base: 50 * time.Millisecond, Max: time.Second},
	})

	for _, payload := range strings.Split(*requests, ",") {
		payload := strings.TrimSpace(payload)
		if payload == "" {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		result, err := proxy.Submit(ctx, []byte(payload))
		cancel()
		if err != nil {
			logger.Fatal().Err(err).Str("payload", payload).Msg("Request never reached quorum.")
		}
		fmt.Printf("%s -> %s\n", payload, result)
	}

	for id := int32(0); id < int32(*n); id++ {
		journal := set.Replicas[id].App.Journal()
		fmt.Printf("replica %d journal:\n", id)
		for _, req := range journal {
			fmt.Printf("  %s\n", req)
		}
	}
}
