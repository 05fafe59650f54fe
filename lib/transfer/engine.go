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
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/uber/hashxfer/lib/transport"
)

const (
	// DefaultChunkSize is the default size of a source file read.
	DefaultChunkSize = 64 * 1024

	// MaxChunkSize is the largest allowed source file read.
	MaxChunkSize = 4 * 1024 * 1024
)

// Config defines transfer engine configuration.
type Config struct {
	// Dir receives destination files. Defaults to the working directory.
	Dir       string `yaml:"dir"`
	ChunkSize int    `yaml:"chunk_size"`
}

func (c Config) applyDefaults() Config {
	if c.Dir == "" {
		c.Dir = "."
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.ChunkSize > MaxChunkSize {
		c.ChunkSize = MaxChunkSize
	}
	return c
}

// Dialer opens outbound sockets.
type Dialer interface {
	Connect(addr string) (transport.Socket, error)
}

// Engine runs the transfer protocol on top of transport events. It
// implements transport.Callbacks.
//
// Engine is not safe for concurrent use. Every method, including the
// callbacks, must run on the goroutine that drives the transport.
type Engine struct {
	config Config
	clock  clock.Clock
	stats  tally.Scope
	logger *zap.Logger

	dialer   Dialer
	registry *Registry

	// sessions binds sockets to their transfer state. Removing an entry is
	// the first step of every teardown path, which turns any later event
	// on that socket into a no-op.
	sessions map[transport.SocketID]*binding

	// receiving holds the hashes of bound receive sessions. Their destination
	// files are open, so the hashes cannot be registered again until the
	// session ends.
	receiving map[ContentHash]struct{}

	chunk  []byte
	closed bool
}

type binding struct {
	sock transport.Socket
	sess *session
}

var _ transport.Callbacks = (*Engine)(nil)

// NewEngine creates a new transfer engine.
func NewEngine(config Config, dialer Dialer, clk clock.Clock, stats tally.Scope, logger *zap.Logger) *Engine {
	config = config.applyDefaults()
	return &Engine{
		config:   config,
		clock:    clk,
		stats:    stats,
		logger:   logger,
		dialer:   dialer,
		registry: NewRegistry(config.Dir, clk, logger),
		sessions:  make(map[transport.SocketID]*binding),
		receiving: make(map[ContentHash]struct{}),
		chunk:     make([]byte, config.ChunkSize),
	}
}

// Register admits future inbound streams that present hash.
// A hash that is still pending or is being received is refused with
// ErrDuplicateHash.
func (e *Engine) Register(hash ContentHash, h Handler) error {
	if e.closed {
		return ErrShutdown
	}
	if _, ok := e.receiving[hash]; ok {
		e.stats.Counter("registration_conflicts").Inc(1)
		return fmt.Errorf("%w: transfer in progress", ErrDuplicateHash)
	}
	if err := e.registry.Register(hash, h); err != nil {
		if errors.Is(err, ErrDuplicateHash) {
			e.stats.Counter("registration_conflicts").Inc(1)
		}
		return err
	}
	e.stats.Counter("registrations").Inc(1)
	e.updatePending()
	return nil
}

// Unregister cancels a registration that has not been claimed yet. Bound
// transfers are unaffected.
func (e *Engine) Unregister(hash ContentHash) {
	e.registry.Unregister(hash)
	e.updatePending()
}

// Pending reports whether hash is registered and not yet claimed.
func (e *Engine) Pending(hash ContentHash) bool {
	return e.registry.Peek(hash)
}

// DestinationPath returns where the file for hash is written.
func (e *Engine) DestinationPath(hash ContentHash) string {
	return e.registry.Path(hash)
}

// Active returns the number of sockets with a bound session.
func (e *Engine) Active() int {
	return len(e.sessions)
}

// Send connects to host:port and streams the file at path, prefixed by
// hash. h is notified once the transfer ends.
func (e *Engine) Send(host string, port int, path string, hash ContentHash, h Handler) error {
	if e.closed {
		return ErrShutdown
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open source file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat source file: %w", err)
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return fmt.Errorf("source %s is not a regular file", path)
	}

	raddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		f.Close()
		return fmt.Errorf("resolve destination: %w", err)
	}

	sock, err := e.dialer.Connect(raddr.String())
	if err != nil {
		f.Close()
		return fmt.Errorf("connect: %w", err)
	}

	s := newSendSession(hash, path, f, info.Size(), h, e.clock.Now())
	e.sessions[sock.ID()] = &binding{sock: sock, sess: s}
	e.stats.Counter("transfers_started").Inc(1)

	e.logger.Info("Sending file",
		zap.String("hash", hash.String()),
		zap.String("path", path),
		zap.Int64("size", info.Size()),
		zap.String("destination", raddr.String()),
		zap.Stringer("socket", sock.ID()))
	return nil
}

// Close fails every bound transfer with ErrShutdown and drops all pending
// registrations without notifying them.
func (e *Engine) Close() {
	if e.closed {
		return
	}
	e.closed = true

	for id, b := range e.sessions {
		delete(e.sessions, id)
		e.terminate(b.sock, b.sess, ErrShutdown)
		b.sock.Close()
	}
	e.registry.Close()
	e.updatePending()
}

// OnConnect starts pushing an outbound transfer.
func (e *Engine) OnConnect(sock transport.Socket) {
	e.OnWritable(sock)
}

// OnWritable pushes as much of an outbound transfer as the transport takes.
func (e *Engine) OnWritable(sock transport.Socket) {
	b, ok := e.sessions[sock.ID()]
	if !ok || b.sess.kind != kindSending {
		return
	}
	e.pump(sock, b.sess)
}

// OnRead classifies, binds or drains an inbound delivery.
func (e *Engine) OnRead(sock transport.Socket, p []byte) {
	defer sock.ReadDrained()

	id := sock.ID()
	b, ok := e.sessions[id]
	if !ok {
		if e.closed {
			sock.Close()
			return
		}
		b = &binding{sock: sock, sess: newUnclassifiedSession(e.clock.Now())}
		e.sessions[id] = b
	}

	s := b.sess
	switch s.kind {
	case kindUnclassified:
		n := s.header.put(p)
		p = p[n:]
		if !s.header.complete() {
			return
		}
		if s = e.classify(sock, b); s == nil {
			return
		}
		fallthrough
	case kindReceiving:
		e.receive(sock, s, p)
	case kindSending:
		e.logger.Debug("Discarding data on outbound socket",
			zap.String("hash", s.hash.String()),
			zap.Int("bytes", len(p)))
	}
}

// OnEOF ends whatever the socket was doing.
func (e *Engine) OnEOF(sock transport.Socket) {
	id := sock.ID()
	if b, ok := e.sessions[id]; ok {
		delete(e.sessions, id)

		s := b.sess
		var err error
		switch s.kind {
		case kindReceiving:
			err = receiveOutcome(s.recv)
		case kindSending:
			if !s.sendComplete() {
				err = ErrPeerDisconnected
			}
		case kindUnclassified:
			e.logger.Debug("Peer closed before sending a full header",
				zap.Stringer("socket", id))
		}
		e.terminate(sock, s, err)
	}
	sock.Close()
}

// OnError fails the bound transfer with the transport's error.
func (e *Engine) OnError(sock transport.Socket, err error) {
	id := sock.ID()
	if b, ok := e.sessions[id]; ok {
		delete(e.sessions, id)
		e.terminate(sock, b.sess, err)
	}
	sock.Close()
}

// OnDestroying releases a session the other paths did not reach.
func (e *Engine) OnDestroying(sock transport.Socket) {
	id := sock.ID()
	b, ok := e.sessions[id]
	if !ok {
		return
	}
	delete(e.sessions, id)
	e.unbindReceive(b.sess)
	if err := b.sess.release(); err != nil {
		e.logger.Warn("Failed to close file", zap.Error(err))
	}
	e.logger.Debug("Released session on socket teardown",
		zap.String("hash", b.sess.hash.String()),
		zap.Stringer("kind", b.sess.kind),
		zap.Stringer("socket", id))
}

// classify resolves the header of an unclassified stream against the
// registry. It returns the claimed receive session, or nil after rejecting
// the stream.
func (e *Engine) classify(sock transport.Socket, b *binding) *session {
	id := sock.ID()
	hdr := b.sess.header.header()
	b.sess.release()

	rs := e.registry.Claim(hdr.Hash)
	if rs == nil {
		delete(e.sessions, id)
		sock.Close()
		e.stats.Counter("admission_rejected").Inc(1)
		e.logger.Info("Rejected stream for unregistered hash",
			zap.String("hash", hdr.Hash.String()),
			zap.Stringer("socket", id),
			zap.Stringer("remote", sock.RemoteAddr()))
		return nil
	}

	rs.recv.declared = hdr.Size
	rs.started = e.clock.Now()
	b.sess = rs
	e.receiving[hdr.Hash] = struct{}{}
	e.stats.Counter("transfers_accepted").Inc(1)
	e.updatePending()

	e.logger.Info("Accepted stream",
		zap.String("hash", hdr.Hash.String()),
		zap.Uint64("declared_size", hdr.Size),
		zap.Stringer("socket", id),
		zap.Stringer("remote", sock.RemoteAddr()))
	return rs
}

// receive writes p to the destination file in full.
func (e *Engine) receive(sock transport.Socket, s *session, p []byte) {
	if len(p) == 0 {
		return
	}
	n, err := s.recv.file.Write(p)
	s.recv.received += uint64(n)
	e.stats.Counter("bytes_received").Inc(int64(n))
	if err != nil {
		delete(e.sessions, sock.ID())
		e.terminate(sock, s, fmt.Errorf("write destination file: %w", err))
		sock.Close()
	}
}

// pump runs one writable event's worth of the send algorithm.
func (e *Engine) pump(sock transport.Socket, s *session) {
	st := s.send

	if !st.hcur.done() {
		n := sock.Write(st.header[st.hcur.pos:])
		st.hcur.advance(n)
		if !st.hcur.done() {
			if n > 0 {
				e.stats.Counter("short_writes").Inc(1)
			}
			return
		}
	}

	for !st.eof {
		rem := st.body.remaining()
		if rem == 0 {
			st.eof = true
			break
		}
		buf := e.chunk
		if int64(len(buf)) > rem {
			buf = buf[:rem]
		}

		n, err := st.file.ReadAt(buf, st.body.pos)
		if err != nil && err != io.EOF {
			delete(e.sessions, sock.ID())
			e.terminate(sock, s, fmt.Errorf("read source file: %w", err))
			sock.Close()
			return
		}
		if n == 0 {
			// The file shrank after its size went out in the header.
			e.logger.Warn("Source file ended early",
				zap.String("hash", s.hash.String()),
				zap.Int64("offset", st.body.pos),
				zap.Int64("declared_size", st.body.length))
			st.eof = true
			break
		}

		w := sock.Write(buf[:n])
		st.body.advance(w)
		e.stats.Counter("bytes_sent").Inc(int64(w))
		if w == 0 {
			return
		}
		if w < n {
			e.stats.Counter("short_writes").Inc(1)
			return
		}
	}

	// The whole file is with the transport. Close delivers EOF behind it.
	if sock.Buffered() > 0 {
		return
	}
	delete(e.sessions, sock.ID())
	e.terminate(sock, s, nil)
	sock.Close()
}

// terminate releases s and delivers its outcome. The caller must already
// have removed the binding.
func (e *Engine) terminate(sock transport.Socket, s *session, err error) {
	e.unbindReceive(s)
	if rerr := s.release(); rerr != nil {
		e.logger.Warn("Failed to close file",
			zap.String("hash", s.hash.String()),
			zap.Error(rerr))
	}
	if s.kind == kindUnclassified {
		return
	}

	elapsed := e.clock.Now().Sub(s.started)
	fields := []zap.Field{
		zap.String("hash", s.hash.String()),
		zap.Stringer("direction", s.kind),
		zap.Int64("bytes", s.bytes()),
		zap.Duration("duration", elapsed),
		zap.Stringer("socket", sock.ID()),
	}
	if err == nil {
		e.stats.Counter("transfers_succeeded").Inc(1)
		e.stats.Timer("transfer_duration").Record(elapsed)
		e.logger.Info("Transfer finished", fields...)
	} else {
		e.stats.Counter("transfers_failed").Inc(1)
		e.logger.Warn("Transfer failed", append(fields, zap.Error(err))...)
	}
	s.finish(err)
}

func (e *Engine) updatePending() {
	e.stats.Gauge("pending_sessions").Update(float64(e.registry.Len()))
}

func receiveOutcome(st *receiveState) error {
	switch {
	case st.received == st.declared:
		return nil
	case st.received < st.declared:
		return ErrPeerDisconnected
	default:
		return fmt.Errorf("%w: received %d bytes, declared %d",
			ErrSizeMismatch, st.received, st.declared)
	}
}

func (e *Engine) unbindReceive(s *session) {
	if s.kind == kindReceiving {
		delete(e.receiving, s.hash)
	}
}
