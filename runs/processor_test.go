package runs

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fallpaper/fallpaper"
	"github.com/fallpaper/fallpaper/database"
	"github.com/fallpaper/fallpaper/runner"
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

type fakeExecutor struct {
	mu     sync.Mutex
	calls  int
	result *runner.Result
	err    error
}

func (f *fakeExecutor) Execute(ctx context.Context, run *fallpaper.Run, sourceID string) (*runner.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.result, f.err
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testSource(t *testing.T, db *database.DB) *fallpaper.Source {
	t.Helper()
	src := &fallpaper.Source{Enabled: true, Name: "wallpapers", Kind: "mock", LookupLimit: 10}
	if err := db.CreateSource(context.Background(), src); err != nil {
		t.Fatalf("create source: %v", err)
	}
	return src
}

func dueRun(t *testing.T, db *database.DB, sourceID string) *fallpaper.Run {
	t.Helper()
	run := &fallpaper.Run{
		SourceID:    sourceID,
		Name:        fallpaper.RunNameFetchSource,
		ScheduledAt: time.Now().Add(-time.Minute),
	}
	if err := db.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	return run
}

func TestTickCompletesSuccessfulRun(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	src := testSource(t, db)
	run := dueRun(t, db, src.ID)

	exec := &fakeExecutor{result: &runner.Result{
		Success: true,
		Message: "Downloaded 2 of 3 images",
		Output:  fallpaper.RunOutput{ImagesFound: 3, ImagesDownloaded: 2, ImagesSkipped: 1},
	}}
	p := New(db, exec, DefaultConfig(), quietLogger())

	if err := p.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if exec.callCount() != 1 {
		t.Fatalf("executor called %d times", exec.callCount())
	}

	got, err := db.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.State != fallpaper.RunCompleted {
		t.Fatalf("state = %s", got.State)
	}
	if got.ProgressCurrent != 2 || got.ProgressTotal != 3 {
		t.Fatalf("progress = %d/%d", got.ProgressCurrent, got.ProgressTotal)
	}
	var out fallpaper.RunOutput
	if err := out.Unmarshal(got.Output); err != nil || out.ImagesDownloaded != 2 {
		t.Fatalf("output not persisted: %v %+v", err, out)
	}
}

func TestTickRetriesErroredRunWithBackoff(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	src := testSource(t, db)
	run := dueRun(t, db, src.ID)

	exec := &fakeExecutor{err: context.DeadlineExceeded}
	cfg := DefaultConfig()
	cfg.RetryBackoffBase = time.Minute
	p := New(db, exec, cfg, quietLogger())

	before := time.Now()
	if err := p.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	got, err := db.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.State != fallpaper.RunPending {
		t.Fatalf("state = %s, want pending", got.State)
	}
	if got.RetryCount != 1 {
		t.Fatalf("retry count = %d", got.RetryCount)
	}
	// First retry waits base.
	wantAt := before.Add(time.Minute)
	if got.ScheduledAt.Before(wantAt.Add(-5*time.Second)) || got.ScheduledAt.After(wantAt.Add(5*time.Second)) {
		t.Fatalf("scheduled at %v, want about %v", got.ScheduledAt, wantAt)
	}

	// The rescheduled run is not due; another tick must not claim it.
	if err := p.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if exec.callCount() != 1 {
		t.Fatalf("backed-off run claimed early")
	}
}

func TestBackoffDelayDoublesPerRetry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetryBackoffBase = time.Minute
	p := New(testDB(t), &fakeExecutor{}, cfg, quietLogger())

	now := time.Now()
	for retries, want := range map[int]time.Duration{
		0: time.Minute,
		1: 2 * time.Minute,
		2: 4 * time.Minute,
	} {
		if got := p.backoffAt(now, retries).Sub(now); got != want {
			t.Fatalf("backoff after %d retries = %v, want %v", retries, got, want)
		}
	}
}

func TestRetriesExhaustedFail(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	src := testSource(t, db)
	run := dueRun(t, db, src.ID)

	exec := &fakeExecutor{err: context.DeadlineExceeded}
	cfg := DefaultConfig()
	cfg.RetryBackoffBase = time.Millisecond
	p := New(db, exec, cfg, quietLogger())

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if err := p.Tick(ctx); err != nil {
			t.Fatalf("tick: %v", err)
		}
		got, err := db.GetRun(ctx, run.ID)
		if err != nil {
			t.Fatalf("get run: %v", err)
		}
		if got.State == fallpaper.RunFailed {
			if got.RetryCount != got.MaxRetries {
				t.Fatalf("failed with retry count %d of %d", got.RetryCount, got.MaxRetries)
			}
			if exec.callCount() != got.MaxRetries+1 {
				t.Fatalf("executor called %d times", exec.callCount())
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run never reached failed state")
}

func TestDeterministicFailureDoesNotRetry(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	src := testSource(t, db)
	run := dueRun(t, db, src.ID)

	exec := &fakeExecutor{result: &runner.Result{Success: false, Message: "source not found"}}
	p := New(db, exec, DefaultConfig(), quietLogger())

	if err := p.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	got, err := db.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.State != fallpaper.RunFailed {
		t.Fatalf("state = %s, want failed", got.State)
	}
	if got.RetryCount != 0 {
		t.Fatalf("deterministic failure must not retry, count = %d", got.RetryCount)
	}
	if got.Error != "source not found" {
		t.Fatalf("error = %q", got.Error)
	}
}

func TestTickRecoversStaleRuns(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	src := testSource(t, db)
	run := dueRun(t, db, src.ID)

	// Claim far in the past so the lease is expired.
	staleStart := time.Now().Add(-2 * time.Hour)
	if _, err := db.ClaimPendingRuns(ctx, staleStart, 1); err != nil {
		t.Fatalf("claim: %v", err)
	}

	exec := &fakeExecutor{result: &runner.Result{Success: true}}
	p := New(db, exec, DefaultConfig(), quietLogger())

	if err := p.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	got, err := db.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.State != fallpaper.RunPending {
		t.Fatalf("state = %s, want pending after recovery", got.State)
	}
	if got.Error != "timed out" {
		t.Fatalf("error = %q", got.Error)
	}
	// The retried run is backed off into the future, so this tick must
	// not have executed it.
	if exec.callCount() != 0 {
		t.Fatalf("stale run executed in the same tick")
	}
}

func TestRecoverOnStartup(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	src := testSource(t, db)
	run := dueRun(t, db, src.ID)

	if _, err := db.ClaimPendingRuns(ctx, time.Now(), 1); err != nil {
		t.Fatalf("claim: %v", err)
	}

	exec := &fakeExecutor{result: &runner.Result{Success: true}}
	p := New(db, exec, DefaultConfig(), quietLogger())

	if err := p.RecoverOnStartup(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}

	got, err := db.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.State != fallpaper.RunPending {
		t.Fatalf("state = %s, want pending", got.State)
	}
	if got.Error != "interrupted by server restart" {
		t.Fatalf("error = %q", got.Error)
	}
	// Restart recovery schedules immediately, not with backoff.
	if got.ScheduledAt.After(time.Now().Add(time.Second)) {
		t.Fatalf("scheduled at %v, want immediate", got.ScheduledAt)
	}

	// The next tick picks it straight up.
	if err := p.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if exec.callCount() != 1 {
		t.Fatalf("recovered run not executed")
	}
}

func TestTriggerProcessing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db := testDB(t)
	src := testSource(t, db)
	run := dueRun(t, db, src.ID)

	exec := &fakeExecutor{result: &runner.Result{Success: true}}
	p := New(db, exec, DefaultConfig(), quietLogger())
	p.Start(ctx)

	p.TriggerProcessing()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := db.GetRun(ctx, run.ID)
		if err != nil {
			t.Fatalf("get run: %v", err)
		}
		if got.State == fallpaper.RunCompleted {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("triggered run never completed")
}
