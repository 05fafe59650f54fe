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
package log

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "hashxfer.log")

	logger, err := New(Config{Outputs: []string{path}}, map[string]interface{}{"component": "test"})
	require.NoError(t, err)
	logger.Info("Hello")
	logger.Debug("Hidden")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "Hello", entry["msg"])
	assert.Equal(t, "test", entry["component"])
}

func TestNewRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rotated.log")

	logger, err := New(Config{
		Level:    "debug",
		Format:   "console",
		Outputs:  []string{path},
		Rotation: RotationConfig{Enable: true, MaxSizeMB: 1},
	}, nil)
	require.NoError(t, err)
	logger.Debug("Rotating")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Rotating")
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{Level: "loud"}, nil)
	assert.Error(t, err)

	_, err = New(Config{Format: "xml"}, nil)
	assert.Error(t, err)
}
