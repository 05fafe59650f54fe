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

// Package log builds the process logger.
package log

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// RotationConfig defines log file rotation.
type RotationConfig struct {
	Enable     bool `yaml:"enable"`
	MaxSizeMB  int  `yaml:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups"`
	MaxAgeDays int  `yaml:"max_age_days"`
	Compress   bool `yaml:"compress"`
}

// Config defines logging configuration.
type Config struct {
	Level string `yaml:"level"`

	// Format is "json" or "console".
	Format string `yaml:"format"`

	// Outputs are "stdout", "stderr" or file paths. Defaults to stderr.
	Outputs     []string       `yaml:"outputs"`
	Rotation    RotationConfig `yaml:"rotation"`
	Development bool           `yaml:"development"`
}

func (c Config) applyDefaults() Config {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "json"
	}
	if len(c.Outputs) == 0 {
		c.Outputs = []string{"stderr"}
	}
	if c.Rotation.MaxSizeMB == 0 {
		c.Rotation.MaxSizeMB = 100
	}
	if c.Rotation.MaxBackups == 0 {
		c.Rotation.MaxBackups = 3
	}
	if c.Rotation.MaxAgeDays == 0 {
		c.Rotation.MaxAgeDays = 7
	}
	return c
}

// New creates a logger from config. fields are attached to every entry.
func New(config Config, fields map[string]interface{}) (*zap.Logger, error) {
	config = config.applyDefaults()

	var level zapcore.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(config.Level))); err != nil {
		return nil, fmt.Errorf("parse level: %s", err)
	}

	var encCfg zapcore.EncoderConfig
	if config.Development {
		encCfg = zap.NewDevelopmentEncoderConfig()
	} else {
		encCfg = zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	var encoder zapcore.Encoder
	switch strings.ToLower(config.Format) {
	case "json":
		encoder = zapcore.NewJSONEncoder(encCfg)
	case "console":
		encoder = zapcore.NewConsoleEncoder(encCfg)
	default:
		return nil, fmt.Errorf("unknown log format %q", config.Format)
	}

	var cores []zapcore.Core
	for _, out := range config.Outputs {
		ws, err := openOutput(out, config.Rotation)
		if err != nil {
			return nil, err
		}
		cores = append(cores, zapcore.NewCore(encoder, ws, level))
	}

	opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)}
	if config.Development {
		opts = append(opts, zap.Development())
	}
	if len(fields) > 0 {
		zfs := make([]zap.Field, 0, len(fields))
		for k, v := range fields {
			zfs = append(zfs, zap.Any(k, v))
		}
		opts = append(opts, zap.Fields(zfs...))
	}
	return zap.New(zapcore.NewTee(cores...), opts...), nil
}

func openOutput(out string, rotation RotationConfig) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(out) {
	case "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	}
	if dir := filepath.Dir(out); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create log directory: %s", err)
		}
	}
	if rotation.Enable {
		return zapcore.AddSync(&lumberjack.Logger{
			Filename:   out,
			MaxSize:    rotation.MaxSizeMB,
			MaxBackups: rotation.MaxBackups,
			MaxAge:     rotation.MaxAgeDays,
			Compress:   rotation.Compress,
		}), nil
	}
	f, err := os.OpenFile(out, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %s", err)
	}
	return zapcore.AddSync(f), nil
}
