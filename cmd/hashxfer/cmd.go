// Copyright (c) 2024 KrakenFS Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/uber/hashxfer/lib/api"
	"github.com/uber/hashxfer/lib/digest"
	"github.com/uber/hashxfer/lib/eventloop"
	"github.com/uber/hashxfer/lib/ledger"
	"github.com/uber/hashxfer/lib/retry"
	"github.com/uber/hashxfer/lib/service"
	"github.com/uber/hashxfer/lib/transfer"
	"github.com/uber/hashxfer/lib/transport/quic"
	"github.com/uber/hashxfer/utils/configutil"
	"github.com/uber/hashxfer/utils/log"
	"github.com/uber/hashxfer/utils/metrics"
)

// LedgerConfig defines the transfer ledger.
type LedgerConfig struct {
	ledger.Config `yaml:",inline"`

	Enable     bool          `yaml:"enable"`
	GCInterval time.Duration `yaml:"gc_interval"`
}

// ReceiveConfig lists hashes registered at startup.
type ReceiveConfig struct {
	Hashes []string         `yaml:"hashes"`
	Verify digest.Algorithm `yaml:"verify"`
}

// Config defines the complete hashxfer configuration.
type Config struct {
	Log       log.Config       `yaml:"log"`
	Metrics   metrics.Config   `yaml:"metrics"`
	Transfer  transfer.Config  `yaml:"transfer"`
	EventLoop eventloop.Config `yaml:"eventloop"`
	QUIC      quic.Config      `yaml:"quic"`
	Ledger    LedgerConfig     `yaml:"ledger"`
	API       api.Config       `yaml:"api"`
	Retry     retry.Config     `yaml:"retry"`
	Receive   ReceiveConfig    `yaml:"receive"`
}

// loadConfig reads configFile, if any, and applies environment overrides.
func loadConfig(configFile string) (Config, error) {
	var config Config
	if configFile != "" {
		if err := configutil.Load(configFile, &config); err != nil {
			return config, fmt.Errorf("load config: %s", err)
		}
	}
	overrideConfigWithEnv(&config)
	return config, nil
}

// overrideConfigWithEnv overrides configuration with environment variables.
func overrideConfigWithEnv(config *Config) {
	if p := os.Getenv("HASHXFER_PORT"); p != "" {
		if port, err := strconv.Atoi(p); err == nil {
			config.QUIC.Port = port
		}
	}
	if level := os.Getenv("HASHXFER_LOG_LEVEL"); level != "" {
		config.Log.Level = level
	}
	if dir := os.Getenv("HASHXFER_DIR"); dir != "" {
		config.Transfer.Dir = dir
	}
}

// Agent wires a transfer service to its transport, ledger and metrics.
type Agent struct {
	config  Config
	clock   clock.Clock
	logger  *zap.Logger
	stats   tally.Scope
	closers []io.Closer

	ledger  *ledger.Ledger
	service *service.Service
}

// NewAgent builds every component. The caller must Close the agent.
func NewAgent(config Config, logger *zap.Logger) (*Agent, error) {
	a := &Agent{config: config, clock: clock.New(), logger: logger}

	stats, closer, err := metrics.New(config.Metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("create metrics: %s", err)
	}
	a.stats = stats
	a.closers = append(a.closers, closer)

	if config.Ledger.Enable {
		led, err := ledger.Open(config.Ledger.Config, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open ledger: %s", err)
		}
		a.ledger = led
		a.closers = append(a.closers, led)
	}

	tr, err := quic.New(config.QUIC, a.clock, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create transport: %s", err)
	}

	svc, err := service.New(service.Config{
		Transfer:  config.Transfer,
		EventLoop: config.EventLoop,
		Verify:    config.Receive.Verify,
	}, tr, a.ledger, a.clock, stats, logger)
	if err != nil {
		tr.Close()
		a.Close()
		return nil, fmt.Errorf("create service: %s", err)
	}
	a.service = svc
	return a, nil
}

// Close releases the ledger and metrics, most recent first.
func (a *Agent) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn("Close component", zap.Error(err))
		}
	}
	a.closers = nil
}

// runLedgerGC collects the ledger's value log until done is closed.
func (a *Agent) runLedgerGC(done <-chan struct{}) {
	if a.ledger == nil {
		return
	}
	interval := a.config.Ledger.GCInterval
	if interval == 0 {
		interval = 10 * time.Minute
	}
	ticker := a.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := a.ledger.RunGC(); err != nil {
				a.logger.Warn("Ledger garbage collection failed", zap.Error(err))
			}
		case <-done:
			return
		}
	}
}

func parseHashes(hexes []string) ([]transfer.ContentHash, error) {
	hashes := make([]transfer.ContentHash, 0, len(hexes))
	for _, s := range hexes {
		h, err := transfer.ParseContentHash(s)
		if err != nil {
			return nil, fmt.Errorf("hash %q: %s", s, err)
		}
		hashes = append(hashes, h)
	}
	return hashes, nil
}
