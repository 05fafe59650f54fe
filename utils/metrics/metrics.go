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

// Package metrics builds the root tally scope.
package metrics

import (
	"fmt"
	"io"
	"time"

	"github.com/uber-go/tally"
	"go.uber.org/zap"
)

// Config defines metrics configuration.
type Config struct {
	// Backend is "log" or "disabled".
	Backend  string            `yaml:"backend"`
	Prefix   string            `yaml:"prefix"`
	Tags     map[string]string `yaml:"tags"`
	Interval time.Duration     `yaml:"interval"`
}

func (c Config) applyDefaults() Config {
	if c.Backend == "" {
		c.Backend = "disabled"
	}
	if c.Prefix == "" {
		c.Prefix = "hashxfer"
	}
	if c.Interval == 0 {
		c.Interval = time.Minute
	}
	return c
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New creates the root scope. The closer flushes and stops reporting.
func New(config Config, logger *zap.Logger) (tally.Scope, io.Closer, error) {
	config = config.applyDefaults()
	switch config.Backend {
	case "disabled":
		return tally.NoopScope, nopCloser{}, nil
	case "log":
		s, closer := tally.NewRootScope(tally.ScopeOptions{
			Prefix:   config.Prefix,
			Tags:     config.Tags,
			Reporter: newLogReporter(logger),
		}, config.Interval)
		return s, closer, nil
	default:
		return nil, nil, fmt.Errorf("unknown metrics backend %q", config.Backend)
	}
}

// logReporter writes every reported value as a debug log entry.
type logReporter struct {
	logger *zap.Logger
}

var _ tally.StatsReporter = (*logReporter)(nil)

func newLogReporter(logger *zap.Logger) *logReporter {
	return &logReporter{logger: logger.With(zap.String("component", "metrics"))}
}

type capabilities struct{}

func (capabilities) Reporting() bool { return true }
func (capabilities) Tagging() bool   { return true }

func (r *logReporter) Capabilities() tally.Capabilities { return capabilities{} }

func (r *logReporter) Flush() {}

func (r *logReporter) ReportCounter(name string, tags map[string]string, value int64) {
	r.logger.Info("Counter", zap.String("name", name), zap.Any("tags", tags), zap.Int64("value", value))
}

func (r *logReporter) ReportGauge(name string, tags map[string]string, value float64) {
	r.logger.Info("Gauge", zap.String("name", name), zap.Any("tags", tags), zap.Float64("value", value))
}

func (r *logReporter) ReportTimer(name string, tags map[string]string, interval time.Duration) {
	r.logger.Info("Timer", zap.String("name", name), zap.Any("tags", tags), zap.Duration("value", interval))
}

func (r *logReporter) ReportHistogramValueSamples(
	name string, tags map[string]string, buckets tally.Buckets,
	bucketLowerBound, bucketUpperBound float64, samples int64) {

	r.logger.Info("Histogram",
		zap.String("name", name),
		zap.Any("tags", tags),
		zap.Float64("lower_bound", bucketLowerBound),
		zap.Float64("upper_bound", bucketUpperBound),
		zap.Int64("samples", samples))
}

func (r *logReporter) ReportHistogramDurationSamples(
	name string, tags map[string]string, buckets tally.Buckets,
	bucketLowerBound, bucketUpperBound time.Duration, samples int64) {

	r.logger.Info("Histogram",
		zap.String("name", name),
		zap.Any("tags", tags),
		zap.Duration("lower_bound", bucketLowerBound),
		zap.Duration("upper_bound", bucketUpperBound),
		zap.Int64("samples", samples))
}
