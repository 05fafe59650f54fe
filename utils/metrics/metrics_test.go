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
package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestDisabledIsNoop(t *testing.T) {
	s, closer, err := New(Config{}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, tally.NoopScope, s)
	assert.NoError(t, closer.Close())
}

func TestLogBackendReportsCounters(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	s, closer, err := New(Config{Backend: "log", Interval: 10 * time.Millisecond}, zap.New(core))
	require.NoError(t, err)
	defer closer.Close()

	s.SubScope("engine").Counter("registrations").Inc(2)

	assert.Eventually(t, func() bool {
		for _, e := range logs.FilterMessage("Counter").All() {
			if e.ContextMap()["name"] == "hashxfer.engine.registrations" {
				return e.ContextMap()["value"] == int64(2)
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestUnknownBackend(t *testing.T) {
	_, _, err := New(Config{Backend: "statsd"}, zap.NewNop())
	assert.Error(t, err)
}
