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
	"bytes"
	"crypto/sha256"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/uber/hashxfer/lib/transport"
)

// fakeSocket records everything the engine does to it. accept decides how
// many bytes of each Write are taken; nil accepts everything.
type fakeSocket struct {
	id       transport.SocketID
	accept   func(call, n int) int
	calls    int
	written  bytes.Buffer
	buffered int
	drained  int
	closed   int
}

func newFakeSocket(id transport.SocketID) *fakeSocket {
	return &fakeSocket{id: id}
}

func (s *fakeSocket) ID() transport.SocketID { return s.id }

func (s *fakeSocket) Write(p []byte) int {
	n := len(p)
	if s.accept != nil {
		if a := s.accept(s.calls, n); a < n {
			n = a
		}
	}
	s.calls++
	s.written.Write(p[:n])
	return n
}

func (s *fakeSocket) ReadDrained()         { s.drained++ }
func (s *fakeSocket) Buffered() int        { return s.buffered }
func (s *fakeSocket) Close()               { s.closed++ }
func (s *fakeSocket) RemoteAddr() net.Addr { return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9} }

type fakeDialer struct {
	next    transport.SocketID
	addrs   []string
	sockets []*fakeSocket
	err     error
}

func (d *fakeDialer) Connect(addr string) (transport.Socket, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.next++
	s := newFakeSocket(1000 + d.next)
	d.addrs = append(d.addrs, addr)
	d.sockets = append(d.sockets, s)
	return s, nil
}

type finishCall struct {
	hash ContentHash
	err  error
}

type recordingHandler struct {
	calls []finishCall
}

func (h *recordingHandler) OnFinish(hash ContentHash, err error) {
	h.calls = append(h.calls, finishCall{hash: hash, err: err})
}

func newTestEngine(t *testing.T) (*Engine, *fakeDialer, tally.TestScope) {
	t.Helper()
	stats := tally.NewTestScope("", nil)
	d := &fakeDialer{}
	e := NewEngine(Config{Dir: t.TempDir(), ChunkSize: 16}, d, clock.NewMock(), stats, zap.NewNop())
	return e, d, stats
}

func counter(scope tally.TestScope, name string) int64 {
	for _, c := range scope.Snapshot().Counters() {
		if c.Name() == name {
			return c.Value()
		}
	}
	return 0
}

func testHash(seed string) ContentHash {
	return ContentHash(sha256.Sum256([]byte(seed)))
}

func wireStream(hash ContentHash, declared uint64, body []byte) []byte {
	hdr := Header{Hash: hash, Size: declared}.Marshal()
	return append(hdr[:], body...)
}

func testBody(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*31 + 7)
	}
	return b
}

func writeSource(t *testing.T, body []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.bin")
	require.NoError(t, os.WriteFile(path, body, 0644))
	return path
}

// deliver feeds stream to the engine in pieces of the given sizes, then
// the remainder in one piece.
func deliver(e *Engine, sock transport.Socket, stream []byte, sizes ...int) {
	for _, n := range sizes {
		if n > len(stream) {
			n = len(stream)
		}
		e.OnRead(sock, stream[:n])
		stream = stream[n:]
	}
	if len(stream) > 0 {
		e.OnRead(sock, stream)
	}
}

var errTransport = errors.New("connection timed out")
