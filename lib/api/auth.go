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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var errInvalidCredentials = errors.New("invalid credentials")

// UserConfig is one API account. PasswordHash is a bcrypt hash.
type UserConfig struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
}

// AuthConfig defines API authentication configuration.
type AuthConfig struct {
	Enable      bool          `yaml:"enable"`
	JWTSecret   string        `yaml:"jwt_secret"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
	Users       []UserConfig  `yaml:"users"`
}

func (c AuthConfig) applyDefaults() AuthConfig {
	if c.TokenExpiry == 0 {
		c.TokenExpiry = 24 * time.Hour
	}
	return c
}

// TokenClaims are the claims of an API token.
type TokenClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Authenticator issues and checks HS256 bearer tokens.
type Authenticator struct {
	config AuthConfig
	clock  clock.Clock
	logger *zap.Logger
	audit  *Auditor
	users  map[string][]byte
}

// NewAuthenticator creates a new authenticator.
func NewAuthenticator(config AuthConfig, clk clock.Clock, logger *zap.Logger) (*Authenticator, error) {
	config = config.applyDefaults()
	if config.Enable && config.JWTSecret == "" {
		return nil, fmt.Errorf("jwt_secret is required when auth is enabled")
	}
	users := make(map[string][]byte, len(config.Users))
	for _, u := range config.Users {
		if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
			return nil, fmt.Errorf("user %s: invalid password hash: %s", u.Username, err)
		}
		users[u.Username] = []byte(u.PasswordHash)
	}
	return &Authenticator{
		config: config,
		clock:  clk,
		logger: logger,
		audit:  &Auditor{logger: zap.NewNop()},
		users:  users,
	}, nil
}

// Authenticate checks username and password.
func (a *Authenticator) Authenticate(username, password string) error {
	hash, ok := a.users[username]
	if !ok {
		return errInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return errInvalidCredentials
	}
	return nil
}

// GenerateToken signs a token for username.
func (a *Authenticator) GenerateToken(username string) (string, time.Time, error) {
	now := a.clock.Now()
	expires := now.Add(a.config.TokenExpiry)
	claims := TokenClaims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "hashxfer",
			Subject:   username,
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(a.config.JWTSecret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %s", err)
	}
	return token, expires, nil
}

// ValidateToken returns the username a valid token was issued to.
func (a *Authenticator) ValidateToken(tokenString string) (string, error) {
	var claims TokenClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (interface{}, error) {
		return []byte(a.config.JWTSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.clock.Now),
		jwt.WithIssuer("hashxfer"))
	if err != nil {
		return "", fmt.Errorf("parse token: %s", err)
	}
	if _, ok := a.users[claims.Username]; !ok {
		return "", fmt.Errorf("user not found")
	}
	return claims.Username, nil
}

type contextKey string

const userContextKey contextKey = "user"

// UserFromContext returns the authenticated username, if any.
func UserFromContext(ctx context.Context) string {
	u, _ := ctx.Value(userContextKey).(string)
	return u
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return "", false
	}
	return strings.TrimPrefix(h, "Bearer "), true
}

// RequireAuth rejects requests without a valid bearer token. It passes
// everything through when auth is disabled.
func (a *Authenticator) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	if !a.config.Enable {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		user, err := a.ValidateToken(token)
		if err != nil {
			a.logger.Debug("Rejected token", zap.String("path", r.URL.Path), zap.Error(err))
			a.audit.Record(r, "authorize", resultDenied)
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userContextKey, user)))
	}
}

// TokenRequest is the body of a token request.
type TokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// TokenResponse is the body of a token response.
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HandleToken exchanges credentials for a token.
func (a *Authenticator) HandleToken(w http.ResponseWriter, r *http.Request) {
	if !a.config.Enable {
		writeError(w, http.StatusNotFound, "authentication is disabled")
		return
	}
	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}
	if err := a.Authenticate(req.Username, req.Password); err != nil {
		a.audit.Record(r, "login", resultDenied, zap.String("username", req.Username))
		a.logger.Warn("Login failed",
			zap.String("username", req.Username),
			zap.String("ip_address", clientIP(r.RemoteAddr)))
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	token, expires, err := a.GenerateToken(req.Username)
	if err != nil {
		a.logger.Error("Failed to generate token", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	a.audit.Record(r, "login", resultSuccess, zap.String("username", req.Username))
	a.logger.Info("Issued token", zap.String("username", req.Username))
	writeJSON(w, http.StatusOK, TokenResponse{Token: token, ExpiresAt: expires})
}
