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
package api

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimitConfig defines per-client request limits.
type RateLimitConfig struct {
	Enable            bool          `yaml:"enable"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	BurstSize         int           `yaml:"burst_size"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
}

func (c RateLimitConfig) applyDefaults() RateLimitConfig {
	if c.RequestsPerMinute == 0 {
		c.RequestsPerMinute = 600
	}
	if c.BurstSize == 0 {
		c.BurstSize = 20
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 10 * time.Minute
	}
	return c
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per client IP.
type RateLimiter struct {
	config RateLimitConfig
	clock  clock.Clock
	logger *zap.Logger

	mu       sync.Mutex
	limiters map[string]*clientLimiter
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(config RateLimitConfig, clk clock.Clock, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		config:   config.applyDefaults(),
		clock:    clk,
		logger:   logger,
		limiters: make(map[string]*clientLimiter),
	}
}

// Allow reports whether a request from ip may proceed.
func (rl *RateLimiter) Allow(ip string) bool {
	now := rl.clock.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	c, ok := rl.limiters[ip]
	if !ok {
		c = &clientLimiter{
			limiter: rate.NewLimiter(rate.Limit(float64(rl.config.RequestsPerMinute)/60.0), rl.config.BurstSize),
		}
		rl.limiters[ip] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

// Cleanup forgets clients idle for longer than the idle timeout.
func (rl *RateLimiter) Cleanup() int {
	now := rl.clock.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for ip, c := range rl.limiters {
		if now.Sub(c.lastSeen) > rl.config.IdleTimeout {
			delete(rl.limiters, ip)
			removed++
		}
	}
	if removed > 0 {
		rl.logger.Debug("Rate limiter cleanup completed",
			zap.Int("removed", removed),
			zap.Int("active_limiters", len(rl.limiters)))
	}
	return removed
}

// Middleware rejects requests over the limit with 429.
func (rl *RateLimiter) Middleware(next http.HandlerFunc) http.HandlerFunc {
	if !rl.config.Enable {
		return next
	}
	retryAfter := strconv.Itoa(int((time.Minute / time.Duration(rl.config.RequestsPerMinute)).Seconds()) + 1)
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r.RemoteAddr)
		if !rl.Allow(ip) {
			rl.logger.Warn("Rate limit exceeded", zap.String("ip", ip), zap.String("path", r.URL.Path))
			w.Header().Set("Retry-After", retryAfter)
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	}
}

func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
