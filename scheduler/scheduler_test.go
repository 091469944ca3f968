package scheduler

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/fallpaper/fallpaper"
	"github.com/fallpaper/fallpaper/database"
	"github.com/fallpaper/fallpaper/runner"
	"github.com/fallpaper/fallpaper/runs"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func testDB(t *testing.T) *database.DB {
	t.Helper()
	cfg := database.DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "fallpaper.db")
	db, err := database.New(cfg, quietLogger())
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

type noopExecutor struct{}

func (noopExecutor) Execute(ctx context.Context, run *fallpaper.Run, sourceID string) (*runner.Result, error) {
	return &runner.Result{Success: true}, nil
}

func testScheduler(t *testing.T, db *database.DB) *Scheduler {
	t.Helper()
	proc := runs.New(db, noopExecutor{}, runs.DefaultConfig(), quietLogger())
	s, err := New(db, proc, quietLogger())
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return s
}

func makeSource(t *testing.T, db *database.DB, name string, enabled bool) *fallpaper.Source {
	t.Helper()
	src := &fallpaper.Source{Enabled: enabled, Name: name, Kind: "mock", LookupLimit: 10}
	if err := db.CreateSource(context.Background(), src); err != nil {
		t.Fatalf("create source: %v", err)
	}
	return src
}

func makeSchedule(t *testing.T, db *database.DB, sourceID, expr string) *fallpaper.Schedule {
	t.Helper()
	sch := &fallpaper.Schedule{SourceID: sourceID, Cron: expr}
	if err := db.CreateSchedule(context.Background(), sch); err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	return sch
}

func TestFireInsertsPendingRun(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	s := testScheduler(t, db)
	src := makeSource(t, db, "wallpapers", true)
	sch := makeSchedule(t, db, src.ID, "0 */6 * * *")

	s.fire(sch.ID, src.ID)

	listed, err := db.ListRecentRuns(ctx, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("expected 1 run, got %d", len(listed))
	}
	run := listed[0]
	if run.State != fallpaper.RunPending {
		t.Fatalf("state = %s, want pending", run.State)
	}
	if run.SourceID != src.ID || run.ScheduleID != sch.ID {
		t.Fatalf("run references wrong: %+v", run)
	}
	if run.Name != fallpaper.RunNameFetchSource {
		t.Fatalf("name = %q", run.Name)
	}
}

func TestFireReverifiesSourceEnabled(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	s := testScheduler(t, db)
	src := makeSource(t, db, "wallpapers", true)
	sch := makeSchedule(t, db, src.ID, "@hourly")

	// Source gets disabled between load and fire; the fresh read wins.
	src.Enabled = false
	if err := db.UpdateSource(ctx, src); err != nil {
		t.Fatalf("disable source: %v", err)
	}

	s.fire(sch.ID, src.ID)

	listed, err := db.ListRecentRuns(ctx, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(listed) != 0 {
		t.Fatalf("disabled source must not queue runs, got %d", len(listed))
	}
}

func TestLoadSchedulesSkipsDisabledSources(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	s := testScheduler(t, db)

	active := makeSource(t, db, "active", true)
	disabled := makeSource(t, db, "disabled", false)
	makeSchedule(t, db, active.ID, "0 */6 * * *")
	makeSchedule(t, db, disabled.ID, "0 */6 * * *")

	if err := s.LoadSchedules(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}

	entries, err := s.Entries()
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 armed schedule, got %d", len(entries))
	}
	if entries[0].SourceID != active.ID || entries[0].SourceName != "active" {
		t.Fatalf("wrong entry armed: %+v", entries[0])
	}
}

func TestLoadSchedulesSkipsBadCron(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	s := testScheduler(t, db)
	src := makeSource(t, db, "wallpapers", true)
	makeSchedule(t, db, src.ID, "not a cron expression")
	makeSchedule(t, db, src.ID, "@daily")

	if err := s.LoadSchedules(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	entries, err := s.Entries()
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 1 || entries[0].Cron != "@daily" {
		t.Fatalf("expected only the parseable schedule, got %+v", entries)
	}
}

func TestReloadSchedulesReplacesTimers(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	s := testScheduler(t, db)
	src := makeSource(t, db, "wallpapers", true)
	old := makeSchedule(t, db, src.ID, "0 */6 * * *")

	if err := s.LoadSchedules(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := len(s.cron.Entries()); got != 1 {
		t.Fatalf("expected 1 cron entry, got %d", got)
	}

	if err := db.DeleteSchedule(ctx, old.ID); err != nil {
		t.Fatalf("delete schedule: %v", err)
	}
	replacement := makeSchedule(t, db, src.ID, "@hourly")

	if err := s.ReloadSchedules(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}

	entries, err := s.Entries()
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 1 || entries[0].ScheduleID != replacement.ID {
		t.Fatalf("registry not replaced: %+v", entries)
	}
	// Old timers are disarmed, not leaked.
	if got := len(s.cron.Entries()); got != 1 {
		t.Fatalf("expected 1 cron entry after reload, got %d", got)
	}
}
