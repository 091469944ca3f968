// Package scheduler turns Schedule rows into cron timers that insert
// pending runs at their fire times.
//
// The scheduler never executes a run itself: each fire re-verifies the
// source and writes one pending Run row; the run processor picks it up on
// its next poll. The live timer set is mirrored in an in-memory registry
// so reads never block reloads.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/fallpaper/fallpaper"
	"github.com/fallpaper/fallpaper/database"
	"github.com/fallpaper/fallpaper/runs"
)

// registrySchema indexes live schedule entries by schedule id and source id.
var registrySchema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		"schedule": {
			Name: "schedule",
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ScheduleID"},
				},
				"source": {
					Name:    "source",
					Indexer: &memdb.StringFieldIndex{Field: "SourceID"},
				},
			},
		},
	},
}

// Entry is one live cron timer mirrored in the registry.
type Entry struct {
	ScheduleID string
	SourceID   string
	SourceName string
	Cron       string
	entryID    cron.EntryID
}

// Scheduler owns the cron timers. One scheduler per process.
type Scheduler struct {
	db     *database.DB
	proc   *runs.Processor
	logger logrus.FieldLogger

	cron     *cron.Cron
	registry *memdb.MemDB
	pollID   cron.EntryID
}

// New creates a scheduler driving the given run processor.
func New(db *database.DB, proc *runs.Processor, logger logrus.FieldLogger) (*Scheduler, error) {
	if logger == nil {
		logger = logrus.New()
	}
	registry, err := memdb.NewMemDB(registrySchema)
	if err != nil {
		return nil, fmt.Errorf("failed to build schedule registry: %w", err)
	}
	return &Scheduler{
		db:       db,
		proc:     proc,
		logger:   logger.WithField("component", "scheduler"),
		cron:     cron.New(),
		registry: registry,
	}, nil
}

// Start recovers orphaned runs, loads every schedule and begins the poll
// cron that ticks the run processor. It returns once the timers are armed.
func (s *Scheduler) Start(ctx context.Context, pollCron string) error {
	if err := s.proc.RecoverOnStartup(ctx); err != nil {
		return err
	}
	if err := s.LoadSchedules(ctx); err != nil {
		return err
	}

	pollID, err := s.cron.AddFunc(pollCron, func() {
		if err := s.proc.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.WithError(err).Error("poll tick failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid poll cron %q: %w", pollCron, err)
	}
	s.pollID = pollID

	s.proc.Start(ctx)
	s.cron.Start()
	s.logger.WithField("poll_cron", pollCron).Info("scheduler started")
	return nil
}

// Stop halts all timers and waits for in-flight fire callbacks.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// LoadSchedules reads all schedules joined with their source in one query
// and arms a timer for each whose source is enabled.
func (s *Scheduler) LoadSchedules(ctx context.Context) error {
	ctx = database.WithQueryLabel(ctx, "scheduler.load")
	rows, err := s.db.ListSchedulesWithSource(ctx)
	if err != nil {
		return err
	}

	txn := s.registry.Txn(true)
	defer txn.Abort()
	if _, err := txn.DeleteAll("schedule", "id_prefix", ""); err != nil {
		return fmt.Errorf("failed to clear schedule registry: %w", err)
	}

	armed := 0
	for _, row := range rows {
		if !row.Source.Enabled {
			continue
		}

		scheduleID, sourceID := row.Schedule.ID, row.Source.ID
		entryID, err := s.cron.AddFunc(row.Schedule.Cron, func() {
			s.fire(scheduleID, sourceID)
		})
		if err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"schedule_id": scheduleID,
				"cron":        row.Schedule.Cron,
			}).Error("skipping schedule with bad cron expression")
			continue
		}

		entry := &Entry{
			ScheduleID: scheduleID,
			SourceID:   sourceID,
			SourceName: row.Source.Name,
			Cron:       row.Schedule.Cron,
			entryID:    entryID,
		}
		if err := txn.Insert("schedule", entry); err != nil {
			s.cron.Remove(entryID)
			return fmt.Errorf("failed to register schedule: %w", err)
		}
		armed++
	}
	txn.Commit()

	s.logger.WithFields(logrus.Fields{
		"schedules": len(rows),
		"armed":     armed,
	}).Info("schedules loaded")
	return nil
}

// ReloadSchedules disarms every schedule timer and re-runs LoadSchedules.
// The admin surface calls this after any schedule or source mutation.
func (s *Scheduler) ReloadSchedules(ctx context.Context) error {
	txn := s.registry.Txn(true)
	it, err := txn.Get("schedule", "id")
	if err != nil {
		txn.Abort()
		return fmt.Errorf("failed to read schedule registry: %w", err)
	}
	for obj := it.Next(); obj != nil; obj = it.Next() {
		s.cron.Remove(obj.(*Entry).entryID)
	}
	if _, err := txn.DeleteAll("schedule", "id_prefix", ""); err != nil {
		txn.Abort()
		return fmt.Errorf("failed to clear schedule registry: %w", err)
	}
	txn.Commit()

	return s.LoadSchedules(ctx)
}

// Entries returns a snapshot of the armed schedules.
func (s *Scheduler) Entries() ([]Entry, error) {
	txn := s.registry.Txn(false)
	it, err := txn.Get("schedule", "id")
	if err != nil {
		return nil, fmt.Errorf("failed to read schedule registry: %w", err)
	}
	var out []Entry
	for obj := it.Next(); obj != nil; obj = it.Next() {
		out = append(out, *obj.(*Entry))
	}
	return out, nil
}

// fire handles one timer firing: re-verify the source is still enabled
// with a fresh read, then insert one pending run. Execution always goes
// through the run processor.
func (s *Scheduler) fire(scheduleID, sourceID string) {
	ctx := database.WithQueryLabel(context.Background(), "scheduler.fire")
	logger := s.logger.WithFields(logrus.Fields{
		"schedule_id": scheduleID,
		"source_id":   sourceID,
	})

	src, err := s.db.GetSource(ctx, sourceID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			logger.Warn("schedule fired for deleted source")
			return
		}
		logger.WithError(err).Error("failed to verify source")
		return
	}
	if !src.Enabled {
		logger.Debug("schedule fired for disabled source, skipping")
		return
	}

	run := &fallpaper.Run{
		SourceID:    sourceID,
		ScheduleID:  scheduleID,
		Name:        fallpaper.RunNameFetchSource,
		ScheduledAt: time.Now(),
	}
	if err := s.db.CreateRun(ctx, run); err != nil {
		logger.WithError(err).Error("failed to insert run")
		return
	}
	logger.WithField("run_id", run.ID).Info("schedule fired, run queued")
}
