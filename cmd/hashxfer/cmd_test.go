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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/uber/hashxfer/lib/digest"
)

const sampleConfig = `
log:
  level: debug
  format: console
transfer:
  dir: /var/lib/hashxfer
  chunk_size: 32768
eventloop:
  poll_interval: 250ms
quic:
  listen_addr: 127.0.0.1
  port: 7000
  port_search: true
ledger:
  enable: true
  in_memory: true
  gc_interval: 1m
api:
  enable: true
  port: 8080
  rate_limit:
    enable: true
    requests_per_minute: 120
retry:
  max_retries: 4
  initial_delay: 500ms
receive:
  verify: blake2b
  hashes:
    - BA7816BF8F01CFEA414140DE5DAE2223B00361A396177A9CB410FF61F20015AD
`

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0644))

	config, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", config.Log.Level)
	assert.Equal(t, "/var/lib/hashxfer", config.Transfer.Dir)
	assert.Equal(t, 32768, config.Transfer.ChunkSize)
	assert.Equal(t, 250*time.Millisecond, config.EventLoop.PollInterval)
	assert.Equal(t, 7000, config.QUIC.Port)
	assert.True(t, config.QUIC.PortSearch)
	assert.True(t, config.Ledger.Enable)
	assert.True(t, config.Ledger.InMemory)
	assert.Equal(t, time.Minute, config.Ledger.GCInterval)
	assert.Equal(t, 120, config.API.RateLimit.RequestsPerMinute)
	assert.Equal(t, 4, config.Retry.MaxRetries)
	assert.Equal(t, digest.BLAKE2b, config.Receive.Verify)
	assert.Len(t, config.Receive.Hashes, 1)
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("transfer:\n  directory: /tmp\n"), 0644))

	_, err := loadConfig(path)
	assert.Error(t, err)
}

func TestOverrideConfigWithEnv(t *testing.T) {
	t.Setenv("HASHXFER_PORT", "9100")
	t.Setenv("HASHXFER_LOG_LEVEL", "warn")
	t.Setenv("HASHXFER_DIR", "/srv/in")

	config, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 9100, config.QUIC.Port)
	assert.Equal(t, "warn", config.Log.Level)
	assert.Equal(t, "/srv/in", config.Transfer.Dir)
}

func TestOverrideConfigIgnoresBadPort(t *testing.T) {
	t.Setenv("HASHXFER_PORT", "not-a-port")

	config := Config{}
	config.QUIC.Port = 7000
	overrideConfigWithEnv(&config)
	assert.Equal(t, 7000, config.QUIC.Port)
}

func TestParseHashes(t *testing.T) {
	hashes, err := parseHashes([]string{
		"ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
	})
	require.NoError(t, err)
	require.Len(t, hashes, 1)
	assert.Equal(t, "BA7816BF8F01CFEA414140DE5DAE2223B00361A396177A9CB410FF61F20015AD", hashes[0].String())

	_, err = parseHashes([]string{"abc"})
	assert.Error(t, err)
}

func TestAgentWithInMemoryLedger(t *testing.T) {
	var config Config
	config.QUIC.ListenAddr = "127.0.0.1"
	config.Ledger.Enable = true
	config.Ledger.InMemory = true
	config.Transfer.Dir = t.TempDir()

	agent, err := NewAgent(config, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NotNil(t, agent.ledger)

	require.NoError(t, agent.service.Start())
	assert.NotNil(t, agent.service.LocalAddr())
	require.NoError(t, agent.service.Stop())
	agent.Close()
}

func TestRunSendRejectsBadDestination(t *testing.T) {
	logger := zaptest.NewLogger(t)
	assert.Error(t, runSend(Config{}, logger, "no-port", "", "sha256", "/dev/null"))
	assert.Error(t, runSend(Config{}, logger, "host:0", "", "sha256", "/dev/null"))
	assert.Error(t, runSend(Config{}, logger, "host:1", "", "md5", "/dev/null"))
}
