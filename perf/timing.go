// Package perf provides performance measurement utilities for the fetch
// pipeline.
package perf

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Timer tracks operation timing for performance analysis.
type Timer struct {
	name      string
	startTime time.Time
	logger    logrus.FieldLogger
}

// Start begins timing an operation.
func Start(name string, logger logrus.FieldLogger) *Timer {
	return &Timer{
		name:      name,
		startTime: time.Now(),
		logger:    logger,
	}
}

// Stop ends timing and logs the duration.
func (t *Timer) Stop() time.Duration {
	duration := time.Since(t.startTime)
	if t.logger != nil {
		t.logger.WithFields(logrus.Fields{
			"operation":   t.name,
			"duration_ms": duration.Milliseconds(),
		}).Debug("operation completed")
	}
	return duration
}

// StopWithThreshold logs a warning if duration exceeds threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	duration := time.Since(t.startTime)
	fields := logrus.Fields{
		"operation":   t.name,
		"duration_ms": duration.Milliseconds(),
	}
	if t.logger != nil {
		if duration > threshold {
			t.logger.WithFields(fields).Warn("operation exceeded threshold")
		} else {
			t.logger.WithFields(fields).Debug("operation completed")
		}
	}
	return duration
}

// RunMetrics tracks timing for one source run across its phases.
type RunMetrics struct {
	mu sync.Mutex

	FetchDuration    time.Duration
	DownloadDuration time.Duration
	ProcessDuration  time.Duration
	DBWriteDuration  time.Duration
	TotalDuration    time.Duration

	Batches         int
	ItemsInspected  int
	ItemsDownloaded int
}

// NewRunMetrics creates a new metrics tracker.
func NewRunMetrics() *RunMetrics {
	return &RunMetrics{}
}

// RecordFetch adds one adapter page fetch.
func (m *RunMetrics) RecordFetch(duration time.Duration, items int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FetchDuration += duration
	m.Batches++
	m.ItemsInspected += items
}

// RecordDownload adds one batch of transfers.
func (m *RunMetrics) RecordDownload(duration time.Duration, downloaded int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DownloadDuration += duration
	m.ItemsDownloaded += downloaded
}

// RecordProcess adds one batch of processing work.
func (m *RunMetrics) RecordProcess(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ProcessDuration += duration
}

// RecordDBWrite adds one store write.
func (m *RunMetrics) RecordDBWrite(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DBWriteDuration += duration
}

// Summary returns a formatted summary of the metrics.
func (m *RunMetrics) Summary() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var downloadPercent float64
	if m.TotalDuration > 0 {
		downloadPercent = float64(m.DownloadDuration) / float64(m.TotalDuration) * 100
	}

	return fmt.Sprintf(`
=== Run Performance Metrics ===
Total Duration:     %v

Phase Durations:
  Fetch:            %v (%d batches, %d items)
  Download:         %v (%.1f%% of total, %d files)
  Process:          %v
  DB Writes:        %v
`,
		m.TotalDuration,
		m.FetchDuration, m.Batches, m.ItemsInspected,
		m.DownloadDuration, downloadPercent, m.ItemsDownloaded,
		m.ProcessDuration,
		m.DBWriteDuration,
	)
}

// contextKey is used to store metrics in context.
type contextKey struct{}

// WithMetrics adds metrics to context.
func WithMetrics(ctx context.Context, m *RunMetrics) context.Context {
	return context.WithValue(ctx, contextKey{}, m)
}

// MetricsFromContext retrieves metrics from context.
func MetricsFromContext(ctx context.Context) *RunMetrics {
	m, _ := ctx.Value(contextKey{}).(*RunMetrics)
	return m
}
