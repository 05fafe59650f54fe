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

// Package api serves the HTTP control interface of a transfer service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"

	"github.com/uber/hashxfer/lib/digest"
	"github.com/uber/hashxfer/lib/eventloop"
	"github.com/uber/hashxfer/lib/ledger"
	"github.com/uber/hashxfer/lib/transfer"
)

// Transfers is the transfer service the API drives.
type Transfers interface {
	Register(ctx context.Context, hash transfer.ContentHash, h transfer.Handler) error
	Unregister(ctx context.Context, hash transfer.ContentHash) (bool, error)
	Pending(ctx context.Context, hash transfer.ContentHash) (bool, error)
	DestinationPath(hash transfer.ContentHash) string
	Send(ctx context.Context, host string, port int, path string, hash transfer.ContentHash, h transfer.Handler) error
	Records(hash transfer.ContentHash) ([]*ledger.Record, error)
}

// Config defines the API server configuration.
type Config struct {
	Enable       bool            `yaml:"enable"`
	Host         string          `yaml:"host"`
	Port         int             `yaml:"port"`
	ReadTimeout  time.Duration   `yaml:"read_timeout"`
	WriteTimeout time.Duration   `yaml:"write_timeout"`
	IdleTimeout  time.Duration   `yaml:"idle_timeout"`
	Auth         AuthConfig      `yaml:"auth"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
	Audit        AuditConfig     `yaml:"audit"`
}

func (c Config) applyDefaults() Config {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60 * time.Second
	}
	return c
}

// Server is the HTTP API server.
type Server struct {
	config    Config
	transfers Transfers
	auth      *Authenticator
	limiter   *RateLimiter
	audit     *Auditor
	clock     clock.Clock
	logger    *zap.Logger
	server    *http.Server

	mu       sync.Mutex
	listener net.Listener
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewServer creates a new API server.
func NewServer(config Config, transfers Transfers, clk clock.Clock, logger *zap.Logger) (*Server, error) {
	config = config.applyDefaults()
	logger = logger.With(zap.String("component", "api"))

	auth, err := NewAuthenticator(config.Auth, clk, logger)
	if err != nil {
		return nil, fmt.Errorf("create authenticator: %s", err)
	}
	audit, err := NewAuditor(config.Audit)
	if err != nil {
		return nil, err
	}
	auth.audit = audit
	s := &Server{
		config:    config,
		transfers: transfers,
		auth:      auth,
		limiter:   NewRateLimiter(config.RateLimit, clk, logger),
		audit:     audit,
		clock:     clk,
		logger:    logger,
		done:      make(chan struct{}),
	}
	s.server = &http.Server{
		Addr:         net.JoinHostPort(config.Host, strconv.Itoa(config.Port)),
		Handler:      s.Handler(),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s, nil
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	limit := s.limiter.Middleware
	protect := func(h http.HandlerFunc) http.HandlerFunc { return limit(s.auth.RequireAuth(h)) }

	mux.HandleFunc("GET /health", limit(s.handleHealth))
	mux.HandleFunc("POST /api/v1/auth/token", limit(s.auth.HandleToken))

	mux.HandleFunc("POST /api/v1/hashes/{hash}", protect(s.handleRegister))
	mux.HandleFunc("DELETE /api/v1/hashes/{hash}", protect(s.handleUnregister))
	mux.HandleFunc("GET /api/v1/hashes/{hash}", protect(s.handlePending))
	mux.HandleFunc("POST /api/v1/transfers", protect(s.handleSend))
	mux.HandleFunc("GET /api/v1/transfers/{hash}", protect(s.handleRecords))

	mux.HandleFunc("/", s.handleNotFound)
	return mux
}

// Start starts serving in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listen: %s", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("Starting HTTP API server",
		zap.String("addr", ln.Addr().String()),
		zap.Bool("auth", s.config.Auth.Enable),
		zap.Bool("rate_limit", s.config.RateLimit.Enable))

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	go s.cleanupLoop()
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop stops the server gracefully.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping HTTP API server")
		close(s.done)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if serr := s.server.Shutdown(ctx); serr != nil {
			err = fmt.Errorf("shutdown http server: %s", serr)
		}
		s.wg.Wait()
		s.audit.Sync()
	})
	return err
}

func (s *Server) cleanupLoop() {
	defer s.wg.Done()

	ticker := s.clock.Ticker(s.limiter.config.IdleTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.limiter.Cleanup()
		case <-s.done:
			return
		}
	}
}

// HashResponse describes a registration.
type HashResponse struct {
	Hash    string `json:"hash"`
	Pending bool   `json:"pending"`
	Path    string `json:"path,omitempty"`
}

// SendRequest is the body of a send request. Hash defaults to the digest of
// the file computed with Algorithm.
type SendRequest struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Path      string `json:"path"`
	Hash      string `json:"hash,omitempty"`
	Algorithm string `json:"algorithm,omitempty"`
}

// SendResponse acknowledges a started send.
type SendResponse struct {
	Hash string `json:"hash"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": s.clock.Now().UTC(),
		"service":   "hashxfer",
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	hash, ok := pathHash(w, r)
	if !ok {
		return
	}
	err := s.transfers.Register(r.Context(), hash, nil)
	s.audit.Record(r, "register", resultOf(err), zap.String("hash", hash.String()))
	switch {
	case err == nil:
		s.logger.Info("Registered hash",
			zap.String("hash", hash.String()),
			zap.String("user", UserFromContext(r.Context())))
		writeJSON(w, http.StatusCreated, HashResponse{
			Hash:    hash.String(),
			Pending: true,
			Path:    s.transfers.DestinationPath(hash),
		})
	case errors.Is(err, transfer.ErrDuplicateHash):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.serviceError(w, "register", err)
	}
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	hash, ok := pathHash(w, r)
	if !ok {
		return
	}
	removed, err := s.transfers.Unregister(r.Context(), hash)
	s.audit.Record(r, "unregister", resultOf(err), zap.String("hash", hash.String()), zap.Bool("removed", removed))
	if err != nil {
		s.serviceError(w, "unregister", err)
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "hash is not pending")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	hash, ok := pathHash(w, r)
	if !ok {
		return
	}
	pending, err := s.transfers.Pending(r.Context(), hash)
	if err != nil {
		s.serviceError(w, "pending", err)
		return
	}
	writeJSON(w, http.StatusOK, HashResponse{Hash: hash.String(), Pending: pending})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Host == "" || req.Path == "" || req.Port <= 0 || req.Port > 65535 {
		writeError(w, http.StatusBadRequest, "host, port and path are required")
		return
	}

	var hash transfer.ContentHash
	if req.Hash != "" {
		h, err := transfer.ParseContentHash(req.Hash)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		hash = h
	} else {
		algo, err := digest.ParseAlgorithm(req.Algorithm)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h, err := digest.File(algo, req.Path)
		if err != nil {
			s.sendError(w, err)
			return
		}
		hash = h
	}

	err := s.transfers.Send(r.Context(), req.Host, req.Port, req.Path, hash, nil)
	s.audit.Record(r, "send", resultOf(err),
		zap.String("hash", hash.String()),
		zap.String("path", req.Path),
		zap.String("destination", net.JoinHostPort(req.Host, strconv.Itoa(req.Port))))
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.logger.Info("Started send",
		zap.String("hash", hash.String()),
		zap.String("path", req.Path),
		zap.String("destination", net.JoinHostPort(req.Host, strconv.Itoa(req.Port))),
		zap.String("user", UserFromContext(r.Context())))
	writeJSON(w, http.StatusAccepted, SendResponse{Hash: hash.String()})
}

func (s *Server) sendError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, os.ErrNotExist):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, eventloop.ErrStopped), errors.Is(err, transfer.ErrShutdown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	hash, ok := pathHash(w, r)
	if !ok {
		return
	}
	records, err := s.transfers.Records(hash)
	if err != nil {
		s.serviceError(w, "records", err)
		return
	}
	if len(records) == 0 {
		writeError(w, http.StatusNotFound, "no transfers recorded")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, fmt.Sprintf("%s not found", r.URL.Path))
}

func (s *Server) serviceError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, eventloop.ErrStopped) || errors.Is(err, transfer.ErrShutdown) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.logger.Error("Request failed", zap.String("operation", op), zap.Error(err))
	writeError(w, http.StatusInternalServerError, err.Error())
}

func resultOf(err error) string {
	if err != nil {
		return resultFailure
	}
	return resultSuccess
}

func pathHash(w http.ResponseWriter, r *http.Request) (transfer.ContentHash, bool) {
	hash, err := transfer.ParseContentHash(r.PathValue("hash"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return hash, false
	}
	if hash.IsZero() {
		writeError(w, http.StatusBadRequest, "hash must not be zero")
		return hash, false
	}
	return hash, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
