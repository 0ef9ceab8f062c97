/*
Copyright IBM Corp. 2021 All Rights Reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

		 http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads the fixed, startup-time configuration of a replica
// or client: group size, log window and checkpoint parameters, timeouts,
// and message-size limits. All fields are fixed for the lifetime of a run;
// changing group membership requires an externally-ordered reconfiguration
// request, not a config reload.
package config

import (
	"io/ioutil"
	"time"

	logger "github.com/rs/zerolog/log"
	"gopkg.in/yaml.v2"
)

// Config is the process-wide configuration, populated by LoadFile.
var Config Configuration

type Configuration struct {
	Id int `yaml:"id"` // this replica's or client's principal ID

	N int `yaml:"n"` // number of replicas
	F int `yaml:"f"` // max tolerated faulty replicas; n must be >= 3f+1

	L int `yaml:"l"` // log window size (high - low)
	K int `yaml:"k"` // checkpoint interval, in sequence numbers

	Logging string `yaml:"logging"` // zerolog level name
	Ledger  string `yaml:"ledger"`  // directory for the checkpoint/new-view WAL
	ReqStore string `yaml:"reqStore"` // directory for the badger-backed request archive

	MaxMessageSize      int `yaml:"maxMessageSize"`      // upper bound on any wire message, in bytes
	MaxRequestsPerBatch int `yaml:"maxRequestsPerBatch"` // upper bound on requests preprepared together

	BatchTimeoutMs int `yaml:"batchTimeoutMs"` // how long the primary waits to fill a batch

	ViewChangeTimeoutMs int `yaml:"viewChangeTimeoutMs"` // base view timer, doubled on each successive view change
	StatusTimeoutMs     int `yaml:"statusTimeoutMs"`     // "are we stuck?" timer
	RecoveryTimeoutMs   int `yaml:"recoveryTimeoutMs"`   // fetch/retransmit timer

	SignRequests bool `yaml:"signRequests"` // require client-signed requests
	SignBatches  bool `yaml:"signBatches"`  // use asymmetric signatures instead of MACs for Prepare/Commit

	ClientRetryBaseMs int `yaml:"clientRetryBaseMs"` // client proxy's initial retry backoff
	ClientRetryCapMs  int `yaml:"clientRetryCapMs"`  // client proxy's backoff ceiling

	Listen string   `yaml:"listen"` // this replica's own network address
	Peers  []string `yaml:"peers"`  // addresses of all replicas, indexed by ID
}

// BatchTimeout is the parsed duration form of BatchTimeoutMs.
func (c Configuration) BatchTimeout() time.Duration {
	return time.Duration(c.BatchTimeoutMs) * time.Millisecond
}

// ViewChangeTimeout is the parsed duration form of ViewChangeTimeoutMs.
func (c Configuration) ViewChangeTimeout() time.Duration {
	return time.Duration(c.ViewChangeTimeoutMs) * time.Millisecond
}

// StatusTimeout is the parsed duration form of StatusTimeoutMs.
func (c Configuration) StatusTimeout() time.Duration {
	return time.Duration(c.StatusTimeoutMs) * time.Millisecond
}

// RecoveryTimeout is the parsed duration form of RecoveryTimeoutMs.
func (c Configuration) RecoveryTimeout() time.Duration {
	return time.Duration(c.RecoveryTimeoutMs) * time.Millisecond
}

// Quorum is the size of a commit/view-change quorum: 2f+1.
func (c Configuration) Quorum() int {
	return 2*c.F + 1
}

// WeakQuorum is the smallest set guaranteed to contain one honest replica: f+1.
func (c Configuration) WeakQuorum() int {
	return c.F + 1
}

// Validate checks the invariants spec.md §6 requires of the configuration.
func (c Configuration) Validate() error {
	if c.N < 3*c.F+1 {
		return errInvalidGroupSize(c.N, c.F)
	}
	if c.L <= 0 {
		return errNonPositive("l")
	}
	if c.K <= 0 {
		return errNonPositive("k")
	}
	if c.MaxMessageSize <= 0 {
		return errNonPositive("maxMessageSize")
	}
	return nil
}

// LoadFile reads and parses a yaml configuration file into Config.
func LoadFile(configFileName string) {
	f, err := ioutil.ReadFile(configFileName)
	if err != nil {
		logger.Fatal().Err(err).Str("file", configFileName).Msg("Could not read config file.")
	}

	if err := yaml.Unmarshal(f, &Config); err != nil {
		logger.Fatal().Err(err).Str("file", configFileName).Msg("Could not unmarshal config file.")
	}

	if err := Config.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("Invalid configuration.")
	}

	logger.Debug().
		Int("id", Config.Id).
		Int("n", Config.N).
		Int("f", Config.F).
		Int("l", Config.L).
		Int("k", Config.K).
		Str("logging", Config.Logging).
		Str("ledger", Config.Ledger).
		Int("maxMessageSize", Config.MaxMessageSize).
		Int("maxRequestsPerBatch", Config.MaxRequestsPerBatch).
		Int("viewChangeTimeoutMs", Config.ViewChangeTimeoutMs).
		Bool("signRequests", Config.SignRequests).
		Bool("signBatches", Config.SignBatches).
		Msg("Configuration loaded.")
}
