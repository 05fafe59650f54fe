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

// Package service runs a transfer engine on its own event loop and exposes it
// to other goroutines.
package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/uber/hashxfer/lib/digest"
	"github.com/uber/hashxfer/lib/eventloop"
	"github.com/uber/hashxfer/lib/ledger"
	"github.com/uber/hashxfer/lib/transfer"
	"github.com/uber/hashxfer/lib/transport"
)

// ErrDigestMismatch is reported when a received file does not hash to the
// registered content hash.
var ErrDigestMismatch = errors.New("received content does not match hash")

// Config defines service configuration.
type Config struct {
	Transfer  transfer.Config  `yaml:"transfer"`
	EventLoop eventloop.Config `yaml:"eventloop"`

	// Verify, when set, rehashes every received file with the named
	// algorithm before reporting success.
	Verify digest.Algorithm `yaml:"verify"`
}

// Service owns an engine and the loop that drives it. Handlers passed to a
// Service run on the loop goroutine, or on a verification goroutine when
// Verify is set, and must not block.
type Service struct {
	config    Config
	transport transport.Transport
	engine    *transfer.Engine
	loop      *eventloop.Loop
	ledger    *ledger.Ledger
	clock     clock.Clock
	stats     tally.Scope
	logger    *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool
	wg      sync.WaitGroup
}

// New creates a new service on top of tr. led may be nil.
func New(
	config Config,
	tr transport.Transport,
	led *ledger.Ledger,
	clk clock.Clock,
	stats tally.Scope,
	logger *zap.Logger) (*Service, error) {

	if config.Verify != "" {
		if _, err := digest.ParseAlgorithm(string(config.Verify)); err != nil {
			return nil, err
		}
	}
	engine := transfer.NewEngine(config.Transfer, tr, clk, stats.SubScope("engine"), logger)
	return &Service{
		config:    config,
		transport: tr,
		engine:    engine,
		loop:      eventloop.New(config.EventLoop, tr, engine, clk, stats, logger),
		ledger:    led,
		clock:     clk,
		stats:     stats,
		logger:    logger,
	}, nil
}

// Start runs the event loop in the background.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil || s.stopped {
		return fmt.Errorf("service already started")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() {
		if err := s.loop.Run(ctx); err != nil {
			s.logger.Error("Event loop failed", zap.Error(err))
		}
	}()
	<-s.loop.Started()

	s.logger.Info("Transfer service started", zap.Stringer("local_addr", s.transport.LocalAddr()))
	return nil
}

// Stop shuts the engine down, stops the loop and closes the transport. Bound
// transfers finish with transfer.ErrShutdown.
func (s *Service) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		if err := s.loop.Do(context.Background(), s.engine.Close); err != nil {
			s.logger.Warn("Close engine", zap.Error(err))
		}
		cancel()
		<-s.loop.Stopped()
	} else {
		s.engine.Close()
	}
	s.wg.Wait()

	if err := s.transport.Close(); err != nil {
		return fmt.Errorf("close transport: %s", err)
	}
	s.logger.Info("Transfer service stopped")
	return nil
}

// LocalAddr returns the transport's listening address.
func (s *Service) LocalAddr() net.Addr {
	return s.transport.LocalAddr()
}

// DestinationPath returns where the file for hash is written.
func (s *Service) DestinationPath(hash transfer.ContentHash) string {
	return s.engine.DestinationPath(hash)
}

// Register admits one future inbound transfer of hash.
func (s *Service) Register(ctx context.Context, hash transfer.ContentHash, h transfer.Handler) error {
	var err error
	if derr := s.loop.Do(ctx, func() {
		if err = s.engine.Register(hash, s.receiveHandler(h)); err != nil {
			return
		}
		s.record(&ledger.Record{
			Hash:      hash.String(),
			Direction: ledger.Receive,
			Status:    ledger.Pending,
			Path:      s.engine.DestinationPath(hash),
			StartedAt: s.clock.Now(),
		})
	}); derr != nil {
		return derr
	}
	return err
}

// Unregister cancels a registration that has not been claimed. It reports
// whether a pending registration was removed.
func (s *Service) Unregister(ctx context.Context, hash transfer.ContentHash) (bool, error) {
	var pending bool
	if err := s.loop.Do(ctx, func() {
		pending = s.engine.Pending(hash)
		s.engine.Unregister(hash)
	}); err != nil {
		return false, err
	}
	if pending {
		s.finishRecord(hash, ledger.Receive, ledger.Cancelled, nil)
	}
	return pending, nil
}

// Pending reports whether hash is registered and not yet claimed.
func (s *Service) Pending(ctx context.Context, hash transfer.ContentHash) (bool, error) {
	var pending bool
	if err := s.loop.Do(ctx, func() { pending = s.engine.Pending(hash) }); err != nil {
		return false, err
	}
	return pending, nil
}

// Send starts pushing the file at path to host:port. h is notified once the
// transfer ends.
func (s *Service) Send(
	ctx context.Context, host string, port int, path string, hash transfer.ContentHash, h transfer.Handler) error {

	peer := net.JoinHostPort(host, strconv.Itoa(port))
	handler := transfer.HandlerFunc(func(hash transfer.ContentHash, err error) {
		s.finishRecord(hash, ledger.Send, statusOf(err), err)
		if h != nil {
			h.OnFinish(hash, err)
		}
	})

	var err error
	if derr := s.loop.Do(ctx, func() {
		// The record must exist before the handler can run.
		s.record(&ledger.Record{
			Hash:      hash.String(),
			Direction: ledger.Send,
			Status:    ledger.Pending,
			Path:      path,
			Peer:      peer,
			StartedAt: s.clock.Now(),
		})
		err = s.engine.Send(host, port, path, hash, handler)
		if err != nil {
			s.finishRecord(hash, ledger.Send, ledger.Failed, err)
		}
	}); derr != nil {
		return derr
	}
	return err
}

// SendAndWait sends the file and waits for the outcome. If ctx ends first
// the transfer keeps running and ctx's error is returned.
func (s *Service) SendAndWait(ctx context.Context, host string, port int, path string, hash transfer.ContentHash) error {
	done := make(chan error, 1)
	h := transfer.HandlerFunc(func(_ transfer.ContentHash, err error) { done <- err })
	if err := s.Send(ctx, host, port, path, hash, h); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Records returns the ledger entries for hash. A zero hash lists all entries.
func (s *Service) Records(hash transfer.ContentHash) ([]*ledger.Record, error) {
	if s.ledger == nil {
		return nil, nil
	}
	return s.ledger.List(hash)
}

// receiveHandler wraps h so that outcomes are verified and recorded first.
func (s *Service) receiveHandler(h transfer.Handler) transfer.Handler {
	finish := func(hash transfer.ContentHash, err error) {
		s.finishRecord(hash, ledger.Receive, statusOf(err), err)
		if h != nil {
			h.OnFinish(hash, err)
		}
	}
	return transfer.HandlerFunc(func(hash transfer.ContentHash, err error) {
		if err != nil || s.config.Verify == "" {
			finish(hash, err)
			return
		}
		path := s.engine.DestinationPath(hash)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			finish(hash, s.verify(hash, path))
		}()
	})
}

func (s *Service) verify(hash transfer.ContentHash, path string) error {
	ok, err := digest.Verify(s.config.Verify, path, hash)
	if err != nil {
		return fmt.Errorf("verify received file: %w", err)
	}
	if !ok {
		s.stats.Counter("digest_mismatches").Inc(1)
		s.logger.Warn("Received file does not match hash",
			zap.String("hash", hash.String()),
			zap.String("path", path),
			zap.String("algorithm", string(s.config.Verify)))
		return ErrDigestMismatch
	}
	return nil
}

func statusOf(err error) ledger.Status {
	switch {
	case err == nil:
		return ledger.Succeeded
	case errors.Is(err, transfer.ErrShutdown):
		return ledger.Cancelled
	default:
		return ledger.Failed
	}
}

func (s *Service) record(r *ledger.Record) {
	if s.ledger == nil {
		return
	}
	if err := s.ledger.Put(r); err != nil {
		s.logger.Error("Failed to record transfer",
			zap.String("hash", r.Hash),
			zap.String("direction", string(r.Direction)),
			zap.Error(err))
	}
}

func (s *Service) finishRecord(hash transfer.ContentHash, dir ledger.Direction, status ledger.Status, err error) {
	if s.ledger == nil {
		return
	}
	r, gerr := s.ledger.Get(hash, dir)
	if gerr != nil {
		s.logger.Error("Failed to load transfer record", zap.String("hash", hash.String()), zap.Error(gerr))
		return
	}
	if r == nil {
		r = &ledger.Record{Hash: hash.String(), Direction: dir, StartedAt: s.clock.Now()}
	}
	r.Status = status
	r.Error = ""
	if err != nil {
		r.Error = err.Error()
	}
	r.FinishedAt = s.clock.Now()
	s.record(r)
}
