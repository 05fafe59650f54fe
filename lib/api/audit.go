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
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/uber/hashxfer/utils/log"
)

// Audit results.
const (
	resultSuccess = "success"
	resultFailure = "failure"
	resultDenied  = "denied"
)

// AuditConfig defines the audit trail of API actions.
type AuditConfig struct {
	Enable bool       `yaml:"enable"`
	Log    log.Config `yaml:"log"`
}

// Auditor writes one JSON entry per state-changing API request.
type Auditor struct {
	logger *zap.Logger
}

// NewAuditor creates a new auditor. A disabled auditor discards entries.
func NewAuditor(config AuditConfig) (*Auditor, error) {
	if !config.Enable {
		return &Auditor{logger: zap.NewNop()}, nil
	}
	lc := config.Log
	lc.Format = "json"
	logger, err := log.New(lc, map[string]interface{}{"stream": "audit"})
	if err != nil {
		return nil, fmt.Errorf("create audit log: %s", err)
	}
	return &Auditor{logger: logger}, nil
}

// Record logs action on behalf of the request's user.
func (a *Auditor) Record(r *http.Request, action, result string, fields ...zap.Field) {
	fs := append([]zap.Field{
		zap.String("action", action),
		zap.String("result", result),
		zap.String("user", UserFromContext(r.Context())),
		zap.String("ip_address", clientIP(r.RemoteAddr)),
		zap.String("user_agent", r.UserAgent()),
		zap.String("path", r.URL.Path),
	}, fields...)
	a.logger.Info("Audit", fs...)
}

// Sync flushes buffered entries.
func (a *Auditor) Sync() error {
	return a.logger.Sync()
}
