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

// Package retry runs operations with exponential backoff.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"os"
	"strings"
	"time"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"
)

// Config defines retry configuration.
type Config struct {
	MaxRetries        int           `yaml:"max_retries"`
	InitialDelay      time.Duration `yaml:"initial_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`

	// Jitter is the +/- fraction applied to each delay.
	Jitter float64 `yaml:"jitter"`
}

func (c Config) applyDefaults() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialDelay == 0 {
		c.InitialDelay = time.Second
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = 2.0
	}
	return c
}

// Operation is one attempt. attempt starts at 1.
type Operation func(ctx context.Context, attempt int) error

// Result describes a finished Do.
type Result struct {
	Attempts int
	Elapsed  time.Duration
	Err      error
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err}
}

// Retrier retries operations.
type Retrier struct {
	config    Config
	clock     clock.Clock
	logger    *zap.Logger
	retryable func(error) bool
	rand      *rand.Rand
}

// Option configures a Retrier.
type Option func(*Retrier)

// WithClassifier replaces the default retryable-error check.
func WithClassifier(f func(error) bool) Option {
	return func(r *Retrier) { r.retryable = f }
}

// New creates a new Retrier.
func New(config Config, clk clock.Clock, logger *zap.Logger, opts ...Option) *Retrier {
	r := &Retrier{
		config:    config.applyDefaults(),
		clock:     clk,
		logger:    logger,
		retryable: Retryable,
		rand:      rand.New(rand.NewSource(clk.Now().UnixNano())),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Do runs op until it succeeds, fails permanently, runs out of retries or
// ctx is done.
func (r *Retrier) Do(ctx context.Context, name string, op Operation) Result {
	start := r.clock.Now()
	var res Result

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		res.Attempts = attempt + 1
		res.Err = op(ctx, res.Attempts)
		if res.Err == nil {
			if attempt > 0 {
				r.logger.Info("Operation succeeded after retry",
					zap.String("operation", name),
					zap.Int("attempts", res.Attempts))
			}
			break
		}
		if !r.retryable(res.Err) {
			r.logger.Debug("Non-retryable error",
				zap.String("operation", name),
				zap.Error(res.Err))
			break
		}
		if attempt == r.config.MaxRetries {
			r.logger.Warn("Operation failed after all retries",
				zap.String("operation", name),
				zap.Int("attempts", res.Attempts),
				zap.Error(res.Err))
			break
		}

		delay := r.delay(attempt)
		r.logger.Warn("Operation failed, retrying",
			zap.String("operation", name),
			zap.Int("attempt", res.Attempts),
			zap.Int("max_retries", r.config.MaxRetries),
			zap.Duration("delay", delay),
			zap.Error(res.Err))

		select {
		case <-ctx.Done():
			res.Err = ctx.Err()
			res.Elapsed = r.clock.Now().Sub(start)
			return res
		case <-r.clock.After(delay):
		}
	}

	var perm *permanentError
	if errors.As(res.Err, &perm) {
		res.Err = perm.err
	}
	res.Elapsed = r.clock.Now().Sub(start)
	return res
}

// delay returns the backoff before retry number attempt+1.
func (r *Retrier) delay(attempt int) time.Duration {
	d := float64(r.config.InitialDelay) * math.Pow(r.config.BackoffMultiplier, float64(attempt))
	if r.config.Jitter > 0 {
		d += d * r.config.Jitter * (2*r.rand.Float64() - 1)
	}
	if d > float64(r.config.MaxDelay) {
		d = float64(r.config.MaxDelay)
	}
	return time.Duration(d)
}

// Retryable is the default classifier. Network failures and dropped peers
// are retried; local file errors, permanent errors and cancellation are not.
func Retryable(err error) bool {
	var perm *permanentError
	switch {
	case err == nil:
		return false
	case errors.As(err, &perm):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, os.ErrNotExist), errors.Is(err, os.ErrPermission):
		return false
	}

	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"connection refused",
		"connection reset",
		"disconnected from peer",
		"timeout",
		"no recent network activity",
		"network is unreachable",
		"no route to host",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
