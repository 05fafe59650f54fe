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
	"fmt"
	"os"
	"path/filepath"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"
)

// Registry holds receive sessions that are waiting for a matching inbound
// stream. It is the only place admission decisions are made. Not safe for
// concurrent use; the engine's loop owns it.
type Registry struct {
	dir     string
	clock   clock.Clock
	logger  *zap.Logger
	pending map[ContentHash]*session
}

// NewRegistry creates a registry that writes destination files into dir.
func NewRegistry(dir string, clk clock.Clock, logger *zap.Logger) *Registry {
	if dir == "" {
		dir = "."
	}
	return &Registry{
		dir:     dir,
		clock:   clk,
		logger:  logger,
		pending: make(map[ContentHash]*session),
	}
}

// Path returns the destination file path for hash.
func (r *Registry) Path(hash ContentHash) string {
	return filepath.Join(r.dir, hash.String())
}

// Register opens the destination file for hash and stores a pending session.
func (r *Registry) Register(hash ContentHash, h Handler) error {
	if _, ok := r.pending[hash]; ok {
		return ErrDuplicateHash
	}

	path := r.Path(hash)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open destination file: %w", err)
	}
	r.pending[hash] = newReceiveSession(hash, path, f, h, r.clock.Now())

	r.logger.Debug("Registered hash",
		zap.String("hash", hash.String()),
		zap.String("path", path))
	return nil
}

// Claim removes the pending session for hash and hands ownership to the
// caller. It returns nil if nothing is pending.
func (r *Registry) Claim(hash ContentHash) *session {
	s, ok := r.pending[hash]
	if !ok {
		return nil
	}
	delete(r.pending, hash)
	return s
}

// Peek reports whether hash is pending.
func (r *Registry) Peek(hash ContentHash) bool {
	_, ok := r.pending[hash]
	return ok
}

// Unregister drops the pending session for hash, if any.
func (r *Registry) Unregister(hash ContentHash) {
	s, ok := r.pending[hash]
	if !ok {
		return
	}
	delete(r.pending, hash)
	if err := s.release(); err != nil {
		r.logger.Warn("Failed to close destination file",
			zap.String("hash", hash.String()),
			zap.Error(err))
	}
	r.logger.Debug("Unregistered hash", zap.String("hash", hash.String()))
}

// Len returns the number of pending sessions.
func (r *Registry) Len() int {
	return len(r.pending)
}

// Close destroys every pending session without notifying its Handler;
// none of them ever saw any transfer activity.
func (r *Registry) Close() {
	for hash, s := range r.pending {
		delete(r.pending, hash)
		if err := s.release(); err != nil {
			r.logger.Warn("Failed to close destination file",
				zap.String("hash", hash.String()),
				zap.Error(err))
		}
	}
}
