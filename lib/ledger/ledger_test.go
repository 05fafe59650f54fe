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
package ledger

import (
	"crypto/sha256"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/uber/hashxfer/lib/transfer"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(Config{InMemory: true}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func hashOf(s string) transfer.ContentHash {
	return transfer.ContentHash(sha256.Sum256([]byte(s)))
}

func TestLedgerPutGet(t *testing.T) {
	l := newTestLedger(t)
	h := hashOf("a")
	started := time.Unix(1700000000, 0).UTC()

	require.NoError(t, l.Put(&Record{
		Hash:      h.String(),
		Direction: Receive,
		Status:    Pending,
		StartedAt: started,
	}))
	r, err := l.Get(h, Receive)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, Pending, r.Status)
	assert.True(t, started.Equal(r.StartedAt))

	require.NoError(t, l.Put(&Record{
		Hash:      h.String(),
		Direction: Receive,
		Status:    Failed,
		Error:     "disconnected from peer",
	}))
	r, err = l.Get(h, Receive)
	require.NoError(t, err)
	assert.Equal(t, Failed, r.Status)
	assert.Equal(t, "disconnected from peer", r.Error)

	missing, err := l.Get(h, Send)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestLedgerList(t *testing.T) {
	l := newTestLedger(t)
	a, b := hashOf("a"), hashOf("b")

	require.NoError(t, l.Put(&Record{Hash: a.String(), Direction: Receive, Status: Succeeded}))
	require.NoError(t, l.Put(&Record{Hash: a.String(), Direction: Send, Status: Succeeded}))
	require.NoError(t, l.Put(&Record{Hash: b.String(), Direction: Send, Status: Failed}))

	forA, err := l.List(a)
	require.NoError(t, err)
	assert.Len(t, forA, 2)

	all, err := l.List(transfer.ContentHash{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestLedgerDelete(t *testing.T) {
	l := newTestLedger(t)
	h := hashOf("gone")

	require.NoError(t, l.Put(&Record{Hash: h.String(), Direction: Send, Status: Succeeded}))
	require.NoError(t, l.Delete(h))

	r, err := l.Get(h, Send)
	require.NoError(t, err)
	assert.Nil(t, r)
	assert.NoError(t, l.RunGC())
}

func TestLedgerOnDisk(t *testing.T) {
	dir := t.TempDir()
	h := hashOf("disk")

	l, err := Open(Config{Path: dir}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, l.Put(&Record{Hash: h.String(), Direction: Receive, Status: Succeeded}))
	require.NoError(t, l.Close())

	l, err = Open(Config{Path: dir}, zap.NewNop())
	require.NoError(t, err)
	defer l.Close()
	r, err := l.Get(h, Receive)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, Succeeded, r.Status)

	_, err = Open(Config{}, zap.NewNop())
	assert.Error(t, err)
}
