package database

import (
	"context"
	"testing"
	"time"

	"github.com/fallpaper/fallpaper"
)

func pendingRun(t *testing.T, db *DB, sourceID string, scheduledAt time.Time) *fallpaper.Run {
	t.Helper()
	r := &fallpaper.Run{
		SourceID:    sourceID,
		Name:        fallpaper.RunNameFetchSource,
		ScheduledAt: scheduledAt,
	}
	if err := db.CreateRun(context.Background(), r); err != nil {
		t.Fatalf("create run: %v", err)
	}
	return r
}

func TestClaimPendingRuns(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	src := testSource(t, db, "wallpapers")
	now := time.Now()

	late := pendingRun(t, db, src.ID, now.Add(-1*time.Minute))
	early := pendingRun(t, db, src.ID, now.Add(-10*time.Minute))
	future := pendingRun(t, db, src.ID, now.Add(1*time.Hour))

	claimed, err := db.ClaimPendingRuns(ctx, now, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("expected 2 claimed runs, got %d", len(claimed))
	}
	// Due runs come back ordered by scheduledAt ascending.
	if claimed[0].ID != early.ID || claimed[1].ID != late.ID {
		t.Fatalf("claim order wrong: got %s, %s", claimed[0].ID, claimed[1].ID)
	}
	for _, r := range claimed {
		if r.State != fallpaper.RunRunning || r.StartedAt == nil {
			t.Fatalf("claimed run %s not running", r.ID)
		}
	}

	// A second claim finds nothing due: the first claim is the serializing
	// point and the future run is not yet due.
	claimed, err = db.ClaimPendingRuns(ctx, now, 10)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("expected no runs on second claim, got %d", len(claimed))
	}

	got, err := db.GetRun(ctx, future.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.State != fallpaper.RunPending {
		t.Fatalf("future run should stay pending, got %s", got.State)
	}
}

func TestClaimBreaksSchedulingTiesByID(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	src := testSource(t, db, "wallpapers")
	scheduledAt := time.Now().Add(-time.Minute)

	// Insert the higher id first so insertion order disagrees with id order.
	for _, id := range []string{"01RUNZZZZZZZZZZZZZZZZZZZZZ", "01RUNAAAAAAAAAAAAAAAAAAAAA"} {
		r := &fallpaper.Run{
			ID:          id,
			SourceID:    src.ID,
			Name:        fallpaper.RunNameFetchSource,
			ScheduledAt: scheduledAt,
		}
		if err := db.CreateRun(ctx, r); err != nil {
			t.Fatalf("create run %s: %v", id, err)
		}
	}

	claimed, err := db.ClaimPendingRuns(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("expected 2 claimed runs, got %d", len(claimed))
	}
	if claimed[0].ID != "01RUNAAAAAAAAAAAAAAAAAAAAA" || claimed[1].ID != "01RUNZZZZZZZZZZZZZZZZZZZZZ" {
		t.Fatalf("tie-break order wrong: got %s, %s", claimed[0].ID, claimed[1].ID)
	}
}

func TestClaimRespectsMax(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	src := testSource(t, db, "wallpapers")
	now := time.Now()

	for i := 0; i < 5; i++ {
		pendingRun(t, db, src.ID, now.Add(-time.Duration(i+1)*time.Minute))
	}

	claimed, err := db.ClaimPendingRuns(ctx, now, 3)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 3 {
		t.Fatalf("expected 3 claimed runs, got %d", len(claimed))
	}
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	src := testSource(t, db, "wallpapers")
	now := time.Now()

	r := pendingRun(t, db, src.ID, now.Add(-time.Minute))
	claimed, err := db.ClaimPendingRuns(ctx, now, 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v (%d)", err, len(claimed))
	}

	if err := db.UpdateRunProgress(ctx, r.ID, 3, 10, "Processing batch 1"); err != nil {
		t.Fatalf("progress: %v", err)
	}

	out := fallpaper.RunOutput{ImagesFound: 10, ImagesDownloaded: 4, ImagesSkipped: 6}
	raw, _ := out.Marshal()
	if err := db.CompleteRun(ctx, r.ID, raw, 4, 10, "Downloaded 4 of 10 images"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, err := db.GetRun(ctx, r.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != fallpaper.RunCompleted || got.CompletedAt == nil {
		t.Fatalf("run not completed: %+v", got)
	}
	var stored fallpaper.RunOutput
	if err := stored.Unmarshal(got.Output); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if stored.ImagesDownloaded != 4 {
		t.Fatalf("output not persisted: %+v", stored)
	}

	// Completing twice is rejected: the run is no longer running.
	if err := db.CompleteRun(ctx, r.ID, raw, 4, 10, "again"); !errorsIsNotFound(err) {
		t.Fatalf("expected ErrNotFound on double complete, got %v", err)
	}
}

func TestRetryRunAdvancesSchedule(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	src := testSource(t, db, "wallpapers")
	now := time.Now()

	r := pendingRun(t, db, src.ID, now.Add(-time.Minute))
	if _, err := db.ClaimPendingRuns(ctx, now, 1); err != nil {
		t.Fatalf("claim: %v", err)
	}

	next := now.Add(30 * time.Second)
	if err := db.RetryRun(ctx, r.ID, next, "upstream unavailable"); err != nil {
		t.Fatalf("retry: %v", err)
	}

	got, err := db.GetRun(ctx, r.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != fallpaper.RunPending {
		t.Fatalf("expected pending after retry, got %s", got.State)
	}
	if got.RetryCount != 1 {
		t.Fatalf("expected retryCount 1, got %d", got.RetryCount)
	}
	if got.StartedAt != nil {
		t.Fatalf("startedAt should reset on retry")
	}
	if got.ScheduledAt.UnixMilli() != next.UnixMilli() {
		t.Fatalf("scheduledAt not advanced: %v != %v", got.ScheduledAt, next)
	}
	if got.Error != "upstream unavailable" {
		t.Fatalf("error not recorded: %q", got.Error)
	}
}

func TestFindStaleRunning(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	src := testSource(t, db, "wallpapers")
	now := time.Now()

	stale := pendingRun(t, db, src.ID, now.Add(-2*time.Hour))
	if _, err := db.ClaimPendingRuns(ctx, now.Add(-1*time.Hour), 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	fresh := pendingRun(t, db, src.ID, now.Add(-time.Minute))
	if _, err := db.ClaimPendingRuns(ctx, now, 1); err != nil {
		t.Fatalf("claim: %v", err)
	}

	found, err := db.FindStaleRunning(ctx, now.Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("find stale: %v", err)
	}
	if len(found) != 1 || found[0].ID != stale.ID {
		t.Fatalf("expected only the stale run, got %d", len(found))
	}

	all, err := db.FindAllRunning(ctx)
	if err != nil {
		t.Fatalf("find all running: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 running rows, got %d", len(all))
	}
	_ = fresh
}

func TestCancelPendingRun(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	src := testSource(t, db, "wallpapers")
	now := time.Now()

	r := pendingRun(t, db, src.ID, now.Add(time.Hour))
	if err := db.CancelPendingRun(ctx, r.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	got, err := db.GetRun(ctx, r.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != fallpaper.RunCancelled || got.CompletedAt == nil {
		t.Fatalf("expected cancelled with completedAt, got %+v", got)
	}
	if got.ProgressMessage != "Cancelled by user" {
		t.Fatalf("unexpected progress message %q", got.ProgressMessage)
	}

	// Cancelling is only allowed from pending.
	running := pendingRun(t, db, src.ID, now.Add(-time.Minute))
	if _, err := db.ClaimPendingRuns(ctx, now, 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := db.CancelPendingRun(ctx, running.ID); !errorsIsNotFound(err) {
		t.Fatalf("expected ErrNotFound cancelling a running run, got %v", err)
	}
}
