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

// Package eventloop drives a transport from a single goroutine. Every
// callback the transport dispatches, and every task submitted with Do, runs
// on that goroutine, so the callbacks need no locking.
package eventloop

import (
	"context"
	"errors"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/uber/hashxfer/lib/transport"
)

// ErrStopped is returned by Do when the loop is not running.
var ErrStopped = errors.New("event loop stopped")

// Config defines event loop configuration.
type Config struct {
	// PollInterval bounds the wait between timeout checks.
	PollInterval time.Duration `yaml:"poll_interval"`
	TaskQueue    int           `yaml:"task_queue"`
}

func (c Config) applyDefaults() Config {
	if c.PollInterval == 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.TaskQueue <= 0 {
		c.TaskQueue = 64
	}
	return c
}

type task struct {
	fn   func()
	done chan struct{}
}

// Loop owns the transport's event dispatch.
type Loop struct {
	config    Config
	transport transport.Transport
	callbacks transport.Callbacks
	clock     clock.Clock
	stats     tally.Scope
	logger    *zap.Logger

	tasks   chan task
	started chan struct{}
	stopped chan struct{}
}

// New creates a new loop. Run must be called to start it.
func New(
	config Config,
	tr transport.Transport,
	cb transport.Callbacks,
	clk clock.Clock,
	stats tally.Scope,
	logger *zap.Logger) *Loop {

	config = config.applyDefaults()
	return &Loop{
		config:    config,
		transport: tr,
		callbacks: cb,
		clock:     clk,
		stats:     stats.SubScope("eventloop"),
		logger:    logger,
		tasks:     make(chan task, config.TaskQueue),
		started:   make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

// Run dispatches transport events until ctx is done. Each iteration waits
// for transport readiness, a submitted task or the poll tick, then drains
// every queued event and runs the transport's timers. Run may only be called
// once.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.stopped)

	ticker := l.clock.Ticker(l.config.PollInterval)
	defer ticker.Stop()
	close(l.started)

	l.logger.Info("Starting event loop",
		zap.Duration("poll_interval", l.config.PollInterval),
		zap.Stringer("local_addr", l.transport.LocalAddr()))

	for {
		select {
		case <-ctx.Done():
		case <-l.transport.Ready():
		case t := <-l.tasks:
			l.runTask(t)
		case <-ticker.C:
		}
		if ctx.Err() != nil {
			l.logger.Info("Stopping event loop")
			return nil
		}

		if n := l.transport.Process(l.callbacks); n > 0 {
			l.stats.Counter("events").Inc(int64(n))
		}
		l.transport.CheckTimeouts(l.callbacks)
	}
}

func (l *Loop) runTask(t task) {
	defer close(t.done)
	t.fn()
	l.stats.Counter("tasks").Inc(1)
}

// Do runs fn on the loop goroutine and waits for it to return.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	t := task{fn: fn, done: make(chan struct{})}
	select {
	case l.tasks <- t:
	case <-l.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-t.done:
		return nil
	case <-l.stopped:
		// The loop may have picked the task up just before exiting.
		select {
		case <-t.done:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Started is closed once Run is dispatching.
func (l *Loop) Started() <-chan struct{} {
	return l.started
}

// Stopped is closed once Run has returned.
func (l *Loop) Stopped() <-chan struct{} {
	return l.stopped
}
