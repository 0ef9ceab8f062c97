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

// Command client is an interactive harness for clientproxy.Proxy: it
// boots the same kind of self-contained in-process replica group
// cmd/replica does, then reads one request payload per line from
// stdin, submits it, and prints the collated f+1 reply. Useful for
// poking at the client-facing half of the protocol without also
// standing up cmd/replica's fixed demo script.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"time"

	logger "github.com/rs/zerolog/log"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/dstack-labs/pbftcore/clientproxy"
	"github.com/dstack-labs/pbftcore/internal/demo"
	"github.com/dstack-labs/pbftcore/timer"
)

const ownClientID = int32(1000)

func main() {
	app := kingpin.New("client", "Interactively submits requests to a self-contained ordering group.")
	n := app.Flag("n", "Number of replicas").Default("4").Int()
	l := app.Flag("window", "Log window size").Default("200").Uint64()
	k := app.Flag("checkpoint-interval", "Sequence numbers between checkpoints").Default("10").Uint64()
	batchSize := app.Flag("batch-size", "Requests per batch").Default("1").Int()
	signBatches := app.Flag("sign-batches", "Use asymmetric signatures instead of MACs").Default("false").Bool()
	timeoutMs := app.Flag("timeout-ms", "How long to wait for a request to reach quorum").Default("5000").Int()

	if _, err := app.Parse(os.Args[1:]); err != nil {
		kingpin.Fatalf("%s", err)
	}

	group := demo.NewGroup(int32(*n), []int32{ownClientID}, *signBatches)
	set := demo.NewReplicaSet(group, *l, *k, *batchSize, 500*time.Millisecond)

	stop := make(chan struct{})
	set.Run(stop)
	defer func() {
		close(stop)
		set.Stop()
	}()

	tsvc := timer.NewService()

	proxy := clientproxy.New(clientproxy.Config{
		ID:        ownClientID,
		Registry:  group.Registries[ownClientID],
		Transport: group.Adapters[ownClientID],
		Timer:     tsvc,
		Backoff:   timer.Backoff{Base: 50 * time.Millisecond, Max: time.Second},
	})

	fmt.Fprintln(os.Stderr, "Enter one request payload per line; Ctrl-D to quit.")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(*timeoutMs)*time.Millisecond)
		result, err := proxy.Submit(ctx, []byte(line))
		cancel()
		if err != nil {
			logger.Warn().Err(err).Str("payload", line).Msg("Request never reached quorum.")
			continue
		}
		fmt.Printf("%s\n", result)
	}
}
