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
package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/zap/zaptest"

	"github.com/uber/hashxfer/lib/eventloop"
	"github.com/uber/hashxfer/lib/ledger"
	"github.com/uber/hashxfer/lib/transfer"
	"github.com/uber/hashxfer/lib/transport/mem"
)

type peer struct {
	svc    *Service
	ledger *ledger.Ledger
	dir    string
}

func newPeer(t *testing.T, n *mem.Network, config Config) *peer {
	t.Helper()
	logger := zaptest.NewLogger(t)

	led, err := ledger.Open(ledger.Config{InMemory: true}, logger)
	require.NoError(t, err)

	dir := t.TempDir()
	config.Transfer.Dir = dir
	svc, err := New(config, n.NewTransport(mem.Config{}), led, clock.New(), tally.NewTestScope("", nil), logger)
	require.NoError(t, err)
	require.NoError(t, svc.Start())

	t.Cleanup(func() {
		assert.NoError(t, svc.Stop())
		assert.NoError(t, led.Close())
	})
	return &peer{svc: svc, ledger: led, dir: dir}
}

func (p *peer) port() int {
	return p.svc.LocalAddr().(*net.UDPAddr).Port
}

func writeSource(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	rand.New(rand.NewSource(int64(size))).Read(data)
	path := filepath.Join(t.TempDir(), "source")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path, data
}

func waitErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for handler")
		return nil
	}
}

func TestSendAndReceive(t *testing.T) {
	n := mem.NewNetwork()
	recv := newPeer(t, n, Config{Verify: "sha256"})
	send := newPeer(t, n, Config{})
	ctx := context.Background()

	path, data := writeSource(t, 200*1024+7)
	hash := transfer.ContentHash(sha256.Sum256(data))

	received := make(chan error, 1)
	require.NoError(t, recv.svc.Register(ctx, hash, transfer.HandlerFunc(
		func(_ transfer.ContentHash, err error) { received <- err })))

	pending, err := recv.svc.Pending(ctx, hash)
	require.NoError(t, err)
	assert.True(t, pending)

	require.NoError(t, send.svc.SendAndWait(ctx, "127.0.0.1", recv.port(), path, hash))
	require.NoError(t, waitErr(t, received))

	got, err := os.ReadFile(filepath.Join(recv.dir, hash.String()))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))

	pending, err = recv.svc.Pending(ctx, hash)
	require.NoError(t, err)
	assert.False(t, pending)

	r, err := recv.ledger.Get(hash, ledger.Receive)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, ledger.Succeeded, r.Status)

	r, err = send.ledger.Get(hash, ledger.Send)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, ledger.Succeeded, r.Status)
	assert.Equal(t, path, r.Path)
}

func TestVerifyMismatch(t *testing.T) {
	n := mem.NewNetwork()
	recv := newPeer(t, n, Config{Verify: "sha256"})
	send := newPeer(t, n, Config{})
	ctx := context.Background()

	path, _ := writeSource(t, 1000)
	var hash transfer.ContentHash
	hash[0] = 0xAB

	received := make(chan error, 1)
	require.NoError(t, recv.svc.Register(ctx, hash, transfer.HandlerFunc(
		func(_ transfer.ContentHash, err error) { received <- err })))
	require.NoError(t, send.svc.SendAndWait(ctx, "127.0.0.1", recv.port(), path, hash))
	assert.Equal(t, ErrDigestMismatch, waitErr(t, received))

	r, err := recv.ledger.Get(hash, ledger.Receive)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, ledger.Failed, r.Status)
	assert.Equal(t, ErrDigestMismatch.Error(), r.Error)
}

func TestRegisterDuplicate(t *testing.T) {
	p := newPeer(t, mem.NewNetwork(), Config{})
	ctx := context.Background()
	hash := transfer.ContentHash{1}

	require.NoError(t, p.svc.Register(ctx, hash, nil))
	assert.Equal(t, transfer.ErrDuplicateHash, p.svc.Register(ctx, hash, nil))
}

func TestUnregister(t *testing.T) {
	p := newPeer(t, mem.NewNetwork(), Config{})
	ctx := context.Background()
	hash := transfer.ContentHash{2}

	require.NoError(t, p.svc.Register(ctx, hash, nil))

	removed, err := p.svc.Unregister(ctx, hash)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = p.svc.Unregister(ctx, hash)
	require.NoError(t, err)
	assert.False(t, removed)

	records, err := p.svc.Records(hash)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, ledger.Cancelled, records[0].Status)
}

func TestSendMissingFile(t *testing.T) {
	p := newPeer(t, mem.NewNetwork(), Config{})
	ctx := context.Background()
	hash := transfer.ContentHash{3}

	err := p.svc.SendAndWait(ctx, "127.0.0.1", 1, filepath.Join(p.dir, "missing"), hash)
	assert.ErrorIs(t, err, os.ErrNotExist)

	r, err := p.ledger.Get(hash, ledger.Send)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, ledger.Failed, r.Status)
}

func TestSendRefused(t *testing.T) {
	p := newPeer(t, mem.NewNetwork(), Config{})
	path, _ := writeSource(t, 10)

	// Nothing listens on port 1 of the memory network.
	err := p.svc.SendAndWait(context.Background(), "127.0.0.1", 1, path, transfer.ContentHash{4})
	assert.Equal(t, mem.ErrConnectionRefused, err)
}

func TestStopped(t *testing.T) {
	n := mem.NewNetwork()
	svc, err := New(Config{}, n.NewTransport(mem.Config{}), nil, clock.New(), tally.NoopScope, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, svc.Start())
	assert.Error(t, svc.Start())

	require.NoError(t, svc.Stop())
	require.NoError(t, svc.Stop())

	err = svc.Register(context.Background(), transfer.ContentHash{5}, nil)
	assert.Equal(t, eventloop.ErrStopped, err)
}

func TestNewRejectsUnknownVerify(t *testing.T) {
	_, err := New(Config{Verify: "md5"}, mem.NewNetwork().NewTransport(mem.Config{}),
		nil, clock.New(), tally.NoopScope, zaptest.NewLogger(t))
	assert.Error(t, err)
}
