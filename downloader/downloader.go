// Package downloader implements bounded-concurrency streaming HTTP
// downloads with a per-transfer slow-speed watchdog.
package downloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrSlowAbort marks a transfer cancelled because its speed stayed below
// the configured minimum for too long.
var ErrSlowAbort = errors.New("download aborted: speed below minimum")

// Config holds downloader configuration.
type Config struct {
	// MaxConcurrent caps parallel transfers in DownloadAll.
	MaxConcurrent int

	// MinSpeedBytesPerSec is the watchdog threshold. Zero disables the
	// watchdog.
	MinSpeedBytesPerSec int64

	// SlowSpeedTimeout is how long a transfer may stay below the
	// threshold before it is aborted.
	SlowSpeedTimeout time.Duration

	// SpeedCheckInterval is the watchdog sampling period.
	SpeedCheckInterval time.Duration

	// RequestTimeout bounds the whole transfer.
	RequestTimeout time.Duration

	// UserAgent is sent with every request.
	UserAgent string
}

// DefaultConfig returns a default downloader configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:       4,
		MinSpeedBytesPerSec: 10 * 1024,
		SlowSpeedTimeout:    30 * time.Second,
		SpeedCheckInterval:  1 * time.Second,
		RequestTimeout:      5 * time.Minute,
		UserAgent:           "fallpaper/1.0",
	}
}

// Downloader fetches image bodies over HTTP.
type Downloader struct {
	cfg    Config
	client *http.Client
	logger logrus.FieldLogger
}

// New creates a downloader. A nil client gets a default one; the request
// timeout is enforced per transfer, not on the client.
func New(cfg Config, client *http.Client, logger logrus.FieldLogger) *Downloader {
	if cfg.SpeedCheckInterval <= 0 {
		cfg.SpeedCheckInterval = 1 * time.Second
	}
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Downloader{
		cfg:    cfg,
		client: client,
		logger: logger.WithField("component", "downloader"),
	}
}

// Result is the outcome of one transfer.
type Result struct {
	URL         string
	Body        []byte
	ContentType string

	// SlowAbort is true when Err is a slow-speed cancellation.
	SlowAbort bool
	Err       error
}

// Download fetches one URL, streaming the body while the watchdog samples
// throughput. It returns rather than panics on every failure mode.
func (d *Downloader) Download(ctx context.Context, url string) Result {
	res := Result{URL: url}

	if d.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.RequestTimeout)
		defer cancel()
	}
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		res.Err = fmt.Errorf("failed to build request: %w", err)
		return res
	}
	req.Header.Set("User-Agent", d.cfg.UserAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		res.Err = d.classify(ctx, fmt.Errorf("request failed: %w", err), &res)
		return res
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		res.Err = fmt.Errorf("download failed: %s", resp.Status)
		return res
	}
	res.ContentType = resp.Header.Get("Content-Type")

	var read atomic.Int64
	watchdogDone := make(chan struct{})
	if d.cfg.MinSpeedBytesPerSec > 0 {
		go d.watchdog(ctx, cancel, &read, watchdogDone)
	} else {
		close(watchdogDone)
	}

	var buf bytes.Buffer
	_, err = io.Copy(&buf, &countingReader{r: resp.Body, n: &read})
	cancel(nil)
	<-watchdogDone

	if err != nil {
		res.Err = d.classify(ctx, fmt.Errorf("transfer failed: %w", err), &res)
		return res
	}
	res.Body = buf.Bytes()
	return res
}

// classify turns a transfer error into its user-visible shape, marking
// slow aborts and naming timeouts.
func (d *Downloader) classify(ctx context.Context, err error, res *Result) error {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, ErrSlowAbort):
		res.SlowAbort = true
		return ErrSlowAbort
	case errors.Is(cause, context.DeadlineExceeded):
		return fmt.Errorf("download timed out: %w", cause)
	default:
		return err
	}
}

// watchdog samples throughput every SpeedCheckInterval. A transfer below
// MinSpeedBytesPerSec continuously for SlowSpeedTimeout is cancelled with
// ErrSlowAbort.
func (d *Downloader) watchdog(ctx context.Context, cancel context.CancelCauseFunc, read *atomic.Int64, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(d.cfg.SpeedCheckInterval)
	defer ticker.Stop()

	var last int64
	var slowSince time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			current := read.Load()
			speed := int64(float64(current-last) / d.cfg.SpeedCheckInterval.Seconds())
			last = current

			if speed >= d.cfg.MinSpeedBytesPerSec {
				slowSince = time.Time{}
				continue
			}
			if slowSince.IsZero() {
				slowSince = now
				continue
			}
			if now.Sub(slowSince) >= d.cfg.SlowSpeedTimeout {
				d.logger.WithFields(logrus.Fields{
					"speed":     speed,
					"min_speed": d.cfg.MinSpeedBytesPerSec,
				}).Warn("aborting slow download")
				cancel(ErrSlowAbort)
				return
			}
		}
	}
}

type countingReader struct {
	r io.Reader
	n *atomic.Int64
}

func (c *countingReader) Read(b []byte) (int, error) {
	n, err := c.r.Read(b)
	if n > 0 {
		c.n.Add(int64(n))
	}
	return n, err
}

// DownloadAll fetches every URL with at most MaxConcurrent transfers in
// flight and returns one Result per URL in input order. It is not
// fail-fast: one failed transfer never cancels the others.
func (d *Downloader) DownloadAll(ctx context.Context, urls []string) []Result {
	results := make([]Result, len(urls))

	var g errgroup.Group
	if d.cfg.MaxConcurrent > 0 {
		g.SetLimit(d.cfg.MaxConcurrent)
	}
	for i, url := range urls {
		i, url := i, url
		g.Go(func() error {
			results[i] = d.Download(ctx, url)
			return nil
		})
	}
	g.Wait()
	return results
}
