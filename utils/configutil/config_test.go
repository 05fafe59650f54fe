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
package configutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nested struct {
	Port    int           `yaml:"port"`
	Timeout time.Duration `yaml:"timeout"`
}

type testConfig struct {
	Name   string   `yaml:"name"`
	Nested nested   `yaml:"nested"`
	Tags   []string `yaml:"tags"`
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.yaml", "name: a\nnested:\n  port: 9000\n  timeout: 2s\n")

	var c testConfig
	require.NoError(t, Load(path, &c))
	assert.Equal(t, "a", c.Name)
	assert.Equal(t, 9000, c.Nested.Port)
	assert.Equal(t, 2*time.Second, c.Nested.Timeout)
}

func TestLoadExtends(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "name: base\nnested:\n  port: 9000\ntags: [x]\n")
	path := writeFile(t, dir, "dev.yaml", "extends: base.yaml\nnested:\n  port: 9001\n")

	var c testConfig
	require.NoError(t, Load(path, &c))
	assert.Equal(t, "base", c.Name)
	assert.Equal(t, 9001, c.Nested.Port)
	assert.Equal(t, []string{"x"}, c.Tags)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bad.yaml", "name: a\nbogus: 1\n")

	var c testConfig
	assert.Error(t, Load(path, &c))
}

func TestLoadCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "extends: b.yaml\n")
	path := writeFile(t, dir, "b.yaml", "extends: a.yaml\n")

	var c testConfig
	assert.Equal(t, ErrCycleRef, Load(path, &c))
}

func TestLoadMissingFile(t *testing.T) {
	var c testConfig
	assert.Error(t, Load(filepath.Join(t.TempDir(), "missing.yaml"), &c))
}
