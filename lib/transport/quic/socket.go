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
package quic

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	quicgo "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/uber/hashxfer/lib/transport"
)

// Socket is one QUIC stream. Writes are copied into a bounded buffer which
// a writer goroutine drains into the stream; a reader goroutine delivers
// one read at a time and waits for ReadDrained before reading again.
type Socket struct {
	id     transport.SocketID
	t      *Transport
	remote net.Addr

	drained chan struct{}
	done    chan struct{}

	mu     sync.Mutex
	cond   *sync.Cond
	conn   quicgo.Connection
	stream quicgo.Stream
	out    []byte

	closed   bool
	closedAt time.Time
	failed   bool

	// writeDone is set once FIN went out or the write side failed.
	writeDone bool

	// peerDone is set once the peer finished its side or the connection
	// went away.
	peerDone  bool
	destroyed bool
}

var (
	_ transport.Socket         = (*Socket)(nil)
	_ transport.ClosedReporter = (*Socket)(nil)
)

func newSocket(t *Transport, id transport.SocketID, remote net.Addr) *Socket {
	s := &Socket{
		id:      id,
		t:       t,
		remote:  remote,
		drained: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// attach binds an established stream and starts the I/O goroutines.
// Outbound sockets get a connect event first.
func (s *Socket) attach(conn quicgo.Connection, stream quicgo.Stream, outbound bool) {
	s.mu.Lock()
	if s.destroyed || (s.closed && len(s.out) == 0) {
		s.writeDone = true
		s.peerDone = true
		s.mu.Unlock()
		conn.CloseWithError(0, "")
		s.maybeDestroy()
		return
	}
	s.conn = conn
	s.stream = stream
	s.mu.Unlock()

	if outbound {
		s.t.push(transport.Event{Kind: transport.EventConnect, Socket: s})
	}
	s.t.wg.Add(3)
	go s.writeLoop()
	go s.readLoop()
	go s.watchConn()
}

// ID implements transport.Socket.
func (s *Socket) ID() transport.SocketID { return s.id }

// RemoteAddr implements transport.Socket.
func (s *Socket) RemoteAddr() net.Addr { return s.remote }

// Write implements transport.Socket.
func (s *Socket) Write(p []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.failed {
		return 0
	}
	n := min(len(p), s.t.config.SendBuffer-len(s.out))
	if n <= 0 {
		return 0
	}
	s.out = append(s.out, p[:n]...)
	s.cond.Signal()
	return n
}

// ReadDrained implements transport.Socket.
func (s *Socket) ReadDrained() {
	select {
	case s.drained <- struct{}{}:
	default:
	}
}

// Buffered implements transport.Socket. It counts bytes not yet passed to
// the QUIC stream; quic-go owns delivery of anything already written.
func (s *Socket) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.out)
}

// IsClosed implements transport.ClosedReporter.
func (s *Socket) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close implements transport.Socket. Buffered bytes are still sent, followed
// by FIN. Unread inbound data is refused.
func (s *Socket) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.closedAt = s.t.clock.Now()
	stream := s.stream
	cancelRead := !s.peerDone
	s.cond.Broadcast()
	s.mu.Unlock()

	if stream != nil && cancelRead {
		stream.CancelRead(0)
	}
	s.maybeDestroy()
}

func (s *Socket) writeLoop() {
	defer s.t.wg.Done()

	for {
		s.mu.Lock()
		for len(s.out) == 0 && !s.closed && !s.failed {
			s.cond.Wait()
		}
		if s.failed {
			s.mu.Unlock()
			return
		}
		if len(s.out) == 0 {
			s.mu.Unlock()
			err := s.stream.Close()
			s.mu.Lock()
			s.writeDone = true
			s.mu.Unlock()
			if err != nil {
				s.t.logger.Debug("Close stream", zap.Stringer("socket", s.id), zap.Error(err))
			}
			s.maybeDestroy()
			return
		}
		data := s.out
		s.mu.Unlock()

		n, err := s.stream.Write(data)

		s.mu.Lock()
		if n > len(s.out) {
			n = len(s.out)
		}
		s.out = s.out[n:]
		if len(s.out) == 0 {
			s.out = nil
		}
		closed := s.closed
		s.mu.Unlock()

		if err != nil {
			s.fail(fmt.Errorf("write stream: %w", err))
			return
		}
		if !closed {
			s.t.push(transport.Event{Kind: transport.EventWritable, Socket: s})
		}
	}
}

func (s *Socket) readLoop() {
	defer s.t.wg.Done()

	buf := make([]byte, s.t.config.ReadBuffer)
	for {
		n, err := s.stream.Read(buf)
		if n > 0 && !s.IsClosed() {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.t.push(transport.Event{Kind: transport.EventRead, Socket: s, Data: data})
			select {
			case <-s.drained:
			case <-s.done:
				return
			}
		}
		if err != nil {
			s.readFinished(err)
			return
		}
	}
}

func (s *Socket) readFinished(err error) {
	s.mu.Lock()
	closed := s.closed
	var serr *quicgo.StreamError
	localCancel := closed && errors.As(err, &serr) && !serr.Remote
	if !localCancel {
		s.peerDone = true
	}
	s.mu.Unlock()

	if !closed {
		if err == io.EOF {
			s.t.push(transport.Event{Kind: transport.EventEOF, Socket: s})
		} else {
			s.t.push(transport.Event{Kind: transport.EventError, Socket: s, Err: fmt.Errorf("read stream: %w", err)})
		}
	}
	s.maybeDestroy()
}

// watchConn notices the peer closing the connection after the read side
// stopped on a local cancel.
func (s *Socket) watchConn() {
	defer s.t.wg.Done()

	select {
	case <-s.conn.Context().Done():
		s.mu.Lock()
		s.peerDone = true
		s.mu.Unlock()
		s.maybeDestroy()
	case <-s.done:
	}
}

// fail ends the write side. The engine hears about it unless it already
// closed the socket.
func (s *Socket) fail(err error) {
	s.mu.Lock()
	if s.failed {
		s.mu.Unlock()
		return
	}
	s.failed = true
	s.writeDone = true
	s.out = nil
	notify := !s.closed
	s.cond.Broadcast()
	s.mu.Unlock()

	if notify {
		s.t.push(transport.Event{Kind: transport.EventError, Socket: s, Err: err})
	}
	s.maybeDestroy()
}

// abort fails a socket that never got a stream.
func (s *Socket) abort(err error) {
	s.mu.Lock()
	s.peerDone = true
	s.mu.Unlock()
	s.fail(err)
}

func (s *Socket) lingerExpired(now time.Time, linger time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed && !s.destroyed && now.Sub(s.closedAt) >= linger
}

func (s *Socket) maybeDestroy() {
	s.mu.Lock()
	ready := s.closed && s.writeDone && s.peerDone
	s.mu.Unlock()
	if ready {
		s.destroy()
	}
}

// destroy closes the connection and releases the socket. Idempotent.
func (s *Socket) destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	s.closed = true
	conn := s.conn
	s.cond.Broadcast()
	s.mu.Unlock()

	close(s.done)
	if conn != nil {
		conn.CloseWithError(0, "")
	}
	s.t.release(s)
}
