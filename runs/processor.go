// Package runs implements the durable run engine: claiming due pending
// runs, executing them, retry with exponential backoff and recovery of
// runs orphaned by a crash or restart.
package runs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fallpaper/fallpaper"
	"github.com/fallpaper/fallpaper/database"
	"github.com/fallpaper/fallpaper/metrics"
	"github.com/fallpaper/fallpaper/runner"
)

// Config holds run processor configuration.
type Config struct {
	// StaleRunTimeout is how long a running row may sit before its lease
	// is considered expired.
	StaleRunTimeout time.Duration

	// MaxPerPoll caps how many due runs one tick claims.
	MaxPerPoll int

	// RetryBackoffBase scales the exponential retry delay.
	RetryBackoffBase time.Duration
}

// DefaultConfig returns a default run processor configuration.
func DefaultConfig() Config {
	return Config{
		StaleRunTimeout:  30 * time.Minute,
		MaxPerPoll:       5,
		RetryBackoffBase: 1 * time.Minute,
	}
}

// Executor executes one claimed run. *runner.Runner is the production
// implementation.
type Executor interface {
	Execute(ctx context.Context, run *fallpaper.Run, sourceID string) (*runner.Result, error)
}

// Processor owns the run lifecycle. One processor per process; claimed
// runs execute sequentially within a tick.
type Processor struct {
	db       *database.DB
	executor Executor
	cfg      Config
	logger   logrus.FieldLogger
	trigger  chan struct{}
}

// New creates a run processor.
func New(db *database.DB, executor Executor, cfg Config, logger logrus.FieldLogger) *Processor {
	if logger == nil {
		logger = logrus.New()
	}
	return &Processor{
		db:       db,
		executor: executor,
		cfg:      cfg,
		logger:   logger.WithField("component", "runs"),
		trigger:  make(chan struct{}, 1),
	}
}

// RecoverOnStartup reaps every persisted running row. A running row at
// process start has no owner by definition; each one retries immediately
// or fails once out of retries.
func (p *Processor) RecoverOnStartup(ctx context.Context) error {
	ctx = database.WithQueryLabel(ctx, "runs.recover_startup")
	orphans, err := p.db.FindAllRunning(ctx)
	if err != nil {
		return fmt.Errorf("failed to find orphaned runs: %w", err)
	}
	for _, run := range orphans {
		p.retryOrFail(ctx, run, "interrupted by server restart", time.Now())
		metrics.RunsRecovered.Inc()
	}
	if len(orphans) > 0 {
		p.logger.WithField("count", len(orphans)).Info("recovered orphaned runs")
	}
	return nil
}

// Tick is one cooperative cycle: reclaim expired leases, then claim and
// execute due pending runs in scheduledAt order.
func (p *Processor) Tick(ctx context.Context) error {
	now := time.Now()
	if err := p.recoverStale(ctx, now); err != nil {
		return err
	}

	ctx = database.WithQueryLabel(ctx, "runs.claim")
	claimed, err := p.db.ClaimPendingRuns(ctx, now, p.cfg.MaxPerPoll)
	if err != nil {
		return fmt.Errorf("failed to claim runs: %w", err)
	}

	for _, run := range claimed {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.executeRun(ctx, run)
	}
	return nil
}

// TriggerProcessing nudges the processor to run a tick outside the poll
// cron, for administrative "run now". Non-blocking; coalesces with a
// pending nudge.
func (p *Processor) TriggerProcessing() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Start services trigger nudges until ctx is cancelled. The recurring poll
// is driven externally by the scheduler's poll cron calling Tick.
func (p *Processor) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.trigger:
				if err := p.Tick(ctx); err != nil && ctx.Err() == nil {
					p.logger.WithError(err).Error("triggered tick failed")
				}
			}
		}
	}()
}

func (p *Processor) recoverStale(ctx context.Context, now time.Time) error {
	ctx = database.WithQueryLabel(ctx, "runs.recover_stale")
	stale, err := p.db.FindStaleRunning(ctx, now.Add(-p.cfg.StaleRunTimeout))
	if err != nil {
		return fmt.Errorf("failed to find stale runs: %w", err)
	}
	for _, run := range stale {
		p.logger.WithFields(logrus.Fields{
			"run_id":     run.ID,
			"started_at": run.StartedAt,
		}).Warn("reclaiming stale run")
		p.retryOrFail(ctx, run, "timed out", p.backoffAt(now, run.RetryCount))
		metrics.RunsRecovered.Inc()
	}
	return nil
}

// executeRun drives one claimed run to a terminal or retried state.
func (p *Processor) executeRun(ctx context.Context, run *fallpaper.Run) {
	logger := p.logger.WithFields(logrus.Fields{
		"run_id": run.ID,
		"name":   run.Name,
	})
	metrics.RunsStarted.Inc()
	metrics.ActiveRuns.Inc()
	defer metrics.ActiveRuns.Dec()

	if err := p.db.UpdateRunProgress(ctx, run.ID, 0, 0, "Starting..."); err != nil {
		logger.WithError(err).Error("failed to write starting progress")
	}

	sourceID := run.SourceID
	if sourceID == "" {
		var input fallpaper.FetchSourceInput
		if err := json.Unmarshal(run.Input, &input); err == nil {
			sourceID = input.SourceID
		}
	}

	// Each run gets its own cancellation scope rooted here.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	res, err := p.executor.Execute(runCtx, run, sourceID)
	switch {
	case err != nil:
		logger.WithError(err).Warn("run errored")
		p.retryOrFail(ctx, run, err.Error(), p.backoffAt(time.Now(), run.RetryCount))

	case !res.Success:
		logger.WithField("error", res.Message).Warn("run failed")
		if err := p.db.FailRun(ctx, run.ID, res.Message, res.Message); err != nil {
			logger.WithError(err).Error("failed to finalize failed run")
		}
		metrics.RunsFailed.Inc()

	default:
		output, merr := res.Output.Marshal()
		if merr != nil {
			output = []byte("{}")
		}
		err := p.db.CompleteRun(ctx, run.ID, output,
			res.Output.ImagesDownloaded, res.Output.ImagesFound, res.Message)
		if err != nil {
			logger.WithError(err).Error("failed to finalize completed run")
			return
		}
		metrics.RunsCompleted.Inc()
		logger.Info("run completed")
	}
}

// retryOrFail applies the retry rule to a running row: reset to pending
// with an advanced scheduledAt while retries remain, terminal failure
// otherwise.
func (p *Processor) retryOrFail(ctx context.Context, run *fallpaper.Run, errMsg string, scheduledAt time.Time) {
	logger := p.logger.WithField("run_id", run.ID)

	if run.RetryCount < run.MaxRetries {
		if err := p.db.RetryRun(ctx, run.ID, scheduledAt, errMsg); err != nil {
			logger.WithError(err).Error("failed to reschedule run")
			return
		}
		metrics.RunsRetried.Inc()
		logger.WithFields(logrus.Fields{
			"retry":        run.RetryCount + 1,
			"scheduled_at": scheduledAt,
		}).Info("run rescheduled")
		return
	}

	if err := p.db.FailRun(ctx, run.ID, errMsg, "Retries exhausted"); err != nil {
		logger.WithError(err).Error("failed to finalize run")
		return
	}
	metrics.RunsFailed.Inc()
	logger.WithField("error", errMsg).Warn("run failed, retries exhausted")
}

// backoffAt computes the next attempt time from the pre-increment retry
// count: now + base * 2^retries. The first retry waits base, then 2x base,
// then 4x base.
func (p *Processor) backoffAt(now time.Time, retryCount int) time.Time {
	delay := p.cfg.RetryBackoffBase * (1 << uint(retryCount))
	return now.Add(delay)
}
