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
package transfer

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newTestRegistry(t *testing.T) (*Registry, string) {
	dir := t.TempDir()
	return NewRegistry(dir, clock.NewMock(), zap.NewNop()), dir
}

func TestRegistryRejectsDuplicate(t *testing.T) {
	r, _ := newTestRegistry(t)
	h := testHash("dup")

	require.NoError(t, r.Register(h, &recordingHandler{}))
	assert.ErrorIs(t, r.Register(h, &recordingHandler{}), ErrDuplicateHash)
	assert.Equal(t, 1, r.Len())
}

func TestRegistryRegisterAfterUnregister(t *testing.T) {
	r, _ := newTestRegistry(t)
	h := testHash("cycle")

	require.NoError(t, r.Register(h, &recordingHandler{}))
	r.Unregister(h)
	assert.False(t, r.Peek(h))
	require.NoError(t, r.Register(h, &recordingHandler{}))
	assert.True(t, r.Peek(h))
}

func TestRegistryUnregisterIsIdempotent(t *testing.T) {
	r, _ := newTestRegistry(t)
	h := testHash("gone")
	handler := &recordingHandler{}

	require.NoError(t, r.Register(h, handler))
	for i := 0; i < 3; i++ {
		r.Unregister(h)
	}
	r.Unregister(testHash("never registered"))

	assert.Equal(t, 0, r.Len())
	assert.Empty(t, handler.calls)
}

func TestRegistryCreatesHexNamedFile(t *testing.T) {
	r, dir := newTestRegistry(t)
	h := testHash("file")

	require.NoError(t, r.Register(h, &recordingHandler{}))
	path := filepath.Join(dir, h.String())
	assert.Equal(t, path, r.Path(h))
	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestRegistryClaimTransfersOwnership(t *testing.T) {
	r, _ := newTestRegistry(t)
	h := testHash("claim")
	handler := &recordingHandler{}

	require.NoError(t, r.Register(h, handler))
	s := r.Claim(h)
	require.NotNil(t, s)
	assert.Equal(t, kindReceiving, s.kind)
	assert.Equal(t, h, s.hash)
	assert.False(t, r.Peek(h))
	assert.Nil(t, r.Claim(h), "second claim must find nothing")

	// A claimed hash may be registered again.
	require.NoError(t, r.Register(h, handler))
	require.NoError(t, s.release())
}

func TestRegistryOpenFailure(t *testing.T) {
	r := NewRegistry(filepath.Join(t.TempDir(), "missing", "dir"), clock.NewMock(), zap.NewNop())
	err := r.Register(testHash("x"), &recordingHandler{})
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Equal(t, 0, r.Len())
}

func TestRegistryCloseSkipsHandlers(t *testing.T) {
	r, _ := newTestRegistry(t)
	handler := &recordingHandler{}
	for _, seed := range []string{"a", "b", "c"} {
		require.NoError(t, r.Register(testHash(seed), handler))
	}

	r.Close()
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, handler.calls)
}

func TestRegistryCloseLogsReleaseFailure(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	r := NewRegistry(t.TempDir(), clock.NewMock(), zap.New(core))
	h := testHash("closed early")
	require.NoError(t, r.Register(h, &recordingHandler{}))
	require.NoError(t, r.pending[h].recv.file.Close())

	r.Close()
	assert.Equal(t, 0, r.Len())
	entries := logs.FilterMessage("Failed to close destination file").All()
	require.Len(t, entries, 1)
	assert.Equal(t, h.String(), entries[0].ContextMap()["hash"])
}

func TestRegistryInterleavingKeepsOnePerHash(t *testing.T) {
	r, _ := newTestRegistry(t)
	h := testHash("interleave")
	var claimed []*session

	ops := []string{"reg", "reg", "claim", "reg", "unreg", "unreg", "reg", "claim", "claim", "reg", "reg"}
	for _, op := range ops {
		switch op {
		case "reg":
			err := r.Register(h, &recordingHandler{})
			if err != nil {
				assert.ErrorIs(t, err, ErrDuplicateHash)
			}
		case "claim":
			if s := r.Claim(h); s != nil {
				claimed = append(claimed, s)
			}
		case "unreg":
			r.Unregister(h)
		}
		assert.LessOrEqual(t, r.Len(), 1)
	}
	assert.Len(t, claimed, 2)
	for _, s := range claimed {
		s.release()
	}
}

func TestParseContentHash(t *testing.T) {
	h := testHash("parse")

	got, err := ParseContentHash(h.String())
	require.NoError(t, err)
	assert.Equal(t, h, got)

	lower, err := ParseContentHash(" " + strings.ToLower(h.String()) + "\n")
	require.NoError(t, err)
	assert.Equal(t, h, lower)

	_, err = ParseContentHash("abcd")
	assert.Error(t, err)
	_, err = ParseContentHash("zz")
	assert.Error(t, err)
}

func TestHeaderBuffer(t *testing.T) {
	h := Header{Hash: testHash("hdr"), Size: 1 << 40}
	wire := h.Marshal()

	var buf headerBuffer
	assert.Equal(t, 10, buf.put(wire[:10]))
	assert.False(t, buf.complete())
	// Extra bytes past the header are left for the caller.
	rest := append(wire[10:], 1, 2, 3)
	assert.Equal(t, HeaderSize-10, buf.put(rest))
	require.True(t, buf.complete())
	assert.Equal(t, h, buf.header())
}
