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

// Package mem is an in-process transport. Transports attached to the same
// Network reach each other by address. Delivery is deterministic: a socket
// holds at most one undrained read at a time and each accepted write is
// buffered until the peer drains, so send windows and short writes behave
// the way they do on a real transport.
package mem

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/uber/hashxfer/lib/transport"
)

// Errors reported through error events.
var (
	ErrConnectionRefused = errors.New("connection refused")
	ErrConnectionReset   = errors.New("connection reset by peer")
	ErrTransportClosed   = errors.New("transport closed")
)

// DefaultWindow is the default per-socket send buffer.
const DefaultWindow = 64 * 1024

// Config defines memory transport configuration.
type Config struct {
	// Window caps bytes accepted but not yet drained by the peer.
	Window int `yaml:"window"`

	// MaxWrite caps bytes accepted by a single Write. Zero means no cap.
	MaxWrite int `yaml:"max_write"`
}

func (c Config) applyDefaults() Config {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	return c
}

// Network connects memory transports. All socket state is guarded by its
// mutex.
type Network struct {
	mu         sync.Mutex
	nextPort   int
	nextID     transport.SocketID
	transports map[string]*Transport
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{
		nextPort:   47000,
		transports: make(map[string]*Transport),
	}
}

// Transport is a memory transport attached to a Network.
type Transport struct {
	network *Network
	config  Config
	addr    *net.UDPAddr
	queue   *transport.EventQueue
	sockets map[transport.SocketID]*Socket
	closed  bool
}

var _ transport.Transport = (*Transport)(nil)

// NewTransport attaches a transport on the next free loopback port.
func (n *Network) NewTransport(config Config) *Transport {
	n.mu.Lock()
	defer n.mu.Unlock()

	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: n.nextPort}
	n.nextPort++
	t := &Transport{
		network: n,
		config:  config.applyDefaults(),
		addr:    addr,
		queue:   transport.NewEventQueue(),
		sockets: make(map[transport.SocketID]*Socket),
	}
	n.transports[addr.String()] = t
	return t
}

// Connect opens a socket to the transport listening on addr. An unknown
// address yields an error event followed by a destroying event.
func (t *Transport) Connect(addr string) (transport.Socket, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %s", addr, err)
	}

	n := t.network
	n.mu.Lock()
	defer n.mu.Unlock()

	if t.closed {
		return nil, ErrTransportClosed
	}
	local := t.newSocketLocked(raddr)

	target, ok := n.transports[raddr.String()]
	if !ok || target.closed {
		local.closed = true
		local.eofSent = true
		t.queue.Push(transport.Event{Kind: transport.EventError, Socket: local, Err: ErrConnectionRefused})
		local.destroyLocked()
		return local, nil
	}

	remote := target.newSocketLocked(t.addr)
	local.peer = remote
	remote.peer = local
	t.queue.Push(transport.Event{Kind: transport.EventConnect, Socket: local})
	return local, nil
}

func (t *Transport) newSocketLocked(remote net.Addr) *Socket {
	t.network.nextID++
	s := &Socket{
		id:     t.network.nextID,
		t:      t,
		remote: remote,
	}
	t.sockets[s.id] = s
	return s
}

// Ready implements transport.Transport.
func (t *Transport) Ready() <-chan struct{} {
	return t.queue.Ready()
}

// Process implements transport.Transport. Reads queued before a socket was
// closed are dropped.
func (t *Transport) Process(cb transport.Callbacks) int {
	return t.queue.Drain(transport.ReadGuard(cb))
}

// CheckTimeouts implements transport.Transport. Memory sockets have no
// timers.
func (t *Transport) CheckTimeouts(cb transport.Callbacks) {}

// LocalAddr implements transport.Transport.
func (t *Transport) LocalAddr() net.Addr {
	return t.addr
}

// Sockets returns the number of live sockets.
func (t *Transport) Sockets() int {
	t.network.mu.Lock()
	defer t.network.mu.Unlock()
	return len(t.sockets)
}

// Close detaches the transport. Live sockets are destroyed and their peers
// see a reset.
func (t *Transport) Close() error {
	n := t.network
	n.mu.Lock()
	defer n.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	delete(n.transports, t.addr.String())

	for _, s := range t.sockets {
		s.closed = true
		s.eofSent = true
		s.out = nil
		if p := s.peer; p != nil && !p.destroyed && !p.closed {
			p.t.queue.Push(transport.Event{Kind: transport.EventError, Socket: p, Err: ErrConnectionReset})
		}
		s.destroyLocked()
		if p := s.peer; p != nil {
			p.maybeDestroyLocked()
		}
	}
	return nil
}

// Socket is one end of a memory stream.
type Socket struct {
	id     transport.SocketID
	t      *Transport
	peer   *Socket
	remote net.Addr

	// out holds bytes accepted by Write and not yet handed to the peer.
	out []byte

	// inflight is set while a read delivery to this socket awaits
	// ReadDrained.
	inflight bool

	closed    bool
	eofSent   bool
	destroyed bool
}

var _ transport.Socket = (*Socket)(nil)

// ID implements transport.Socket.
func (s *Socket) ID() transport.SocketID { return s.id }

// RemoteAddr implements transport.Socket.
func (s *Socket) RemoteAddr() net.Addr { return s.remote }

// Write implements transport.Socket.
func (s *Socket) Write(p []byte) int {
	s.t.network.mu.Lock()
	defer s.t.network.mu.Unlock()

	if s.closed || s.destroyed {
		return 0
	}
	n := min(len(p), s.t.config.Window-len(s.out))
	if limit := s.t.config.MaxWrite; limit > 0 && n > limit {
		n = limit
	}
	if n <= 0 {
		return 0
	}
	s.out = append(s.out, p[:n]...)
	s.flushLocked()
	return n
}

// ReadDrained implements transport.Socket.
func (s *Socket) ReadDrained() {
	s.t.network.mu.Lock()
	defer s.t.network.mu.Unlock()

	if !s.inflight {
		return
	}
	s.inflight = false
	if s.peer != nil {
		s.peer.flushLocked()
	}
}

// Buffered implements transport.Socket. It counts bytes not yet pushed to
// the peer's event queue, which happens once the peer drains its previous
// read.
func (s *Socket) Buffered() int {
	s.t.network.mu.Lock()
	defer s.t.network.mu.Unlock()
	return len(s.out)
}

// Close implements transport.Socket.
func (s *Socket) Close() {
	s.t.network.mu.Lock()
	defer s.t.network.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.flushLocked()
	if s.peer != nil {
		s.peer.flushLocked()
	}
}

// flushLocked hands buffered bytes to the peer if it can take a delivery,
// then delivers EOF once a closed socket has nothing left to send.
func (s *Socket) flushLocked() {
	p := s.peer
	if len(s.out) > 0 {
		switch {
		case p == nil || p.closed || p.destroyed:
			s.out = nil
		case !p.inflight:
			data := s.out
			s.out = nil
			p.inflight = true
			p.t.queue.Push(transport.Event{Kind: transport.EventRead, Socket: p, Data: data})
			if !s.closed {
				s.t.queue.Push(transport.Event{Kind: transport.EventWritable, Socket: s})
			}
		}
	}
	if len(s.out) == 0 && s.closed && !s.eofSent {
		s.eofSent = true
		if p != nil && !p.closed && !p.destroyed {
			p.t.queue.Push(transport.Event{Kind: transport.EventEOF, Socket: p})
		}
	}
	s.maybeDestroyLocked()
	if p != nil {
		p.maybeDestroyLocked()
	}
}

// maybeDestroyLocked releases the socket once both directions are done.
func (s *Socket) maybeDestroyLocked() {
	if s.destroyed || !s.closed || !s.eofSent {
		return
	}
	if p := s.peer; p != nil && !p.eofSent && !p.destroyed {
		return
	}
	s.destroyLocked()
}

func (s *Socket) destroyLocked() {
	if s.destroyed {
		return
	}
	s.destroyed = true
	delete(s.t.sockets, s.id)
	s.t.queue.Push(transport.Event{Kind: transport.EventDestroying, Socket: s})
}

// IsClosed implements transport.ClosedReporter.
func (s *Socket) IsClosed() bool {
	s.t.network.mu.Lock()
	defer s.t.network.mu.Unlock()
	return s.closed
}
