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

// Package quic implements the transport contract on quic-go. A single UDP
// socket serves both inbound and outbound connections; every transport
// socket is one bidirectional QUIC stream on its own connection.
//
// Network I/O runs on per-socket goroutines which only ever talk to the
// engine through the event queue.
package quic

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	quicgo "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/uber/hashxfer/lib/transport"
)

// ErrTransportClosed is returned by Connect after Close.
var ErrTransportClosed = errors.New("transport closed")

const maxPort = 65535

// Config defines QUIC transport configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	Port       int    `yaml:"port"`

	// PortSearch binds the first free port at or above Port.
	PortSearch      bool `yaml:"port_search"`
	PortSearchLimit int  `yaml:"port_search_limit"`

	// SendBuffer caps bytes accepted by Write and not yet handed to quic-go.
	SendBuffer int `yaml:"send_buffer"`
	ReadBuffer int `yaml:"read_buffer"`

	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`

	// Linger bounds how long a closed socket waits for the peer to finish
	// before its connection is torn down.
	Linger time.Duration `yaml:"linger"`
}

func (c Config) applyDefaults() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = "0.0.0.0"
	}
	if c.PortSearchLimit <= 0 {
		c.PortSearchLimit = maxPort
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64 * 1024
	}
	if c.ReadBuffer <= 0 {
		c.ReadBuffer = 64 * 1024
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 30 * time.Second
	}
	if c.Linger == 0 {
		c.Linger = 5 * time.Second
	}
	return c
}

// portRange returns the inclusive range of ports to try when binding.
func (c Config) portRange() (int, int) {
	if !c.PortSearch || c.Port == 0 {
		return c.Port, c.Port
	}
	last := c.Port + c.PortSearchLimit
	if last > maxPort {
		last = maxPort
	}
	return c.Port, last
}

// Transport is a QUIC transport bound to one UDP socket.
type Transport struct {
	config Config
	clock  clock.Clock
	logger *zap.Logger

	udp       *net.UDPConn
	tr        *quicgo.Transport
	ln        *quicgo.Listener
	serverTLS *tls.Config
	clientTLS *tls.Config
	quicConf  *quicgo.Config

	queue  *transport.EventQueue
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	nextID  transport.SocketID
	sockets map[transport.SocketID]*Socket
	closed  bool
}

var _ transport.Transport = (*Transport)(nil)

// New binds the UDP socket and starts accepting connections.
func New(config Config, clk clock.Clock, logger *zap.Logger) (*Transport, error) {
	config = config.applyDefaults()

	udp, err := bindUDP(config)
	if err != nil {
		return nil, err
	}
	serverTLS, clientTLS, err := tlsConfigs()
	if err != nil {
		udp.Close()
		return nil, fmt.Errorf("tls config: %s", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		config:    config,
		clock:     clk,
		logger:    logger,
		udp:       udp,
		tr:        &quicgo.Transport{Conn: udp},
		serverTLS: serverTLS,
		clientTLS: clientTLS,
		quicConf: &quicgo.Config{
			HandshakeIdleTimeout: config.HandshakeTimeout,
			MaxIdleTimeout:       config.IdleTimeout,
			KeepAlivePeriod:      config.IdleTimeout / 2,
		},
		queue:   transport.NewEventQueue(),
		ctx:     ctx,
		cancel:  cancel,
		sockets: make(map[transport.SocketID]*Socket),
	}

	ln, err := t.tr.Listen(t.serverTLS, t.quicConf)
	if err != nil {
		cancel()
		t.tr.Close()
		udp.Close()
		return nil, fmt.Errorf("listen: %s", err)
	}
	t.ln = ln

	t.wg.Add(1)
	go t.acceptLoop()

	logger.Info("Transport listening", zap.Stringer("addr", udp.LocalAddr()))
	return t, nil
}

func bindUDP(config Config) (*net.UDPConn, error) {
	ip := net.ParseIP(config.ListenAddr)
	if ip == nil {
		return nil, fmt.Errorf("invalid listen address %q", config.ListenAddr)
	}
	first, last := config.portRange()
	var err error
	for port := first; port <= last; port++ {
		var conn *net.UDPConn
		conn, err = net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: port})
		if err == nil {
			return conn, nil
		}
	}
	return nil, fmt.Errorf("bind udp %s ports %d-%d: %s", config.ListenAddr, first, last, err)
}

func (t *Transport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.ln.Accept(t.ctx)
		if err != nil {
			if t.ctx.Err() == nil {
				t.logger.Warn("Accept failed", zap.Error(err))
			}
			return
		}
		t.wg.Add(1)
		go t.acceptStream(conn)
	}
}

func (t *Transport) acceptStream(conn quicgo.Connection) {
	defer t.wg.Done()

	ctx, cancel := context.WithTimeout(t.ctx, t.config.HandshakeTimeout)
	defer cancel()
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		t.logger.Debug("No stream on inbound connection",
			zap.Stringer("remote", conn.RemoteAddr()),
			zap.Error(err))
		conn.CloseWithError(0, "")
		return
	}

	s := t.newSocket(conn.RemoteAddr())
	if s == nil {
		conn.CloseWithError(0, "")
		return
	}
	s.attach(conn, stream, false)
}

// Connect implements transport.Transport. The handshake runs in the
// background; a connect or error event reports its outcome.
func (t *Transport) Connect(addr string) (transport.Socket, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %s", addr, err)
	}
	s := t.newSocket(raddr)
	if s == nil {
		return nil, ErrTransportClosed
	}
	t.wg.Add(1)
	go t.dial(s, raddr)
	return s, nil
}

func (t *Transport) dial(s *Socket, raddr *net.UDPAddr) {
	defer t.wg.Done()

	ctx, cancel := context.WithTimeout(t.ctx, t.config.HandshakeTimeout)
	defer cancel()
	conn, err := t.tr.Dial(ctx, raddr, t.clientTLS, t.quicConf)
	if err != nil {
		s.abort(fmt.Errorf("dial %s: %w", raddr, err))
		return
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		s.abort(fmt.Errorf("open stream: %w", err))
		return
	}
	s.attach(conn, stream, true)
}

func (t *Transport) newSocket(remote net.Addr) *Socket {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.nextID++
	s := newSocket(t, t.nextID, remote)
	t.sockets[s.id] = s
	return s
}

func (t *Transport) release(s *Socket) {
	t.mu.Lock()
	delete(t.sockets, s.id)
	t.mu.Unlock()
	t.queue.Push(transport.Event{Kind: transport.EventDestroying, Socket: s})
}

func (t *Transport) push(e transport.Event) {
	t.queue.Push(e)
}

// Ready implements transport.Transport.
func (t *Transport) Ready() <-chan struct{} {
	return t.queue.Ready()
}

// Process implements transport.Transport.
func (t *Transport) Process(cb transport.Callbacks) int {
	return t.queue.Drain(transport.ReadGuard(cb))
}

// CheckTimeouts tears down closed sockets whose linger time has expired.
func (t *Transport) CheckTimeouts(cb transport.Callbacks) {
	now := t.clock.Now()

	t.mu.Lock()
	var expired []*Socket
	for _, s := range t.sockets {
		if s.lingerExpired(now, t.config.Linger) {
			expired = append(expired, s)
		}
	}
	t.mu.Unlock()

	for _, s := range expired {
		t.logger.Debug("Linger expired", zap.Stringer("socket", s.id))
		s.destroy()
	}
	if len(expired) > 0 {
		t.Process(cb)
	}
}

// LocalAddr implements transport.Transport.
func (t *Transport) LocalAddr() net.Addr {
	return t.udp.LocalAddr()
}

// Sockets returns the number of live sockets.
func (t *Transport) Sockets() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sockets)
}

// Close tears down every socket and releases the UDP socket.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	sockets := make([]*Socket, 0, len(t.sockets))
	for _, s := range t.sockets {
		sockets = append(sockets, s)
	}
	t.mu.Unlock()

	t.cancel()
	for _, s := range sockets {
		s.destroy()
	}
	t.ln.Close()
	err := t.tr.Close()
	t.udp.Close()
	t.wg.Wait()

	t.logger.Info("Transport closed", zap.Stringer("addr", t.udp.LocalAddr()))
	return err
}
