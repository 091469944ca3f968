package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fallpaper/fallpaper"
)

const runColumns = `id, source_id, schedule_id, name, state, input, output, error,
       progress_current, progress_total, progress_message, retry_count, max_retries,
       scheduled_at, started_at, completed_at, created_at, updated_at`

func scanRun(row interface{ Scan(...any) error }) (*fallpaper.Run, error) {
	var r fallpaper.Run
	var sourceID, scheduleID sql.NullString
	var state, input, output string
	var scheduledAt, createdAt, updatedAt int64
	var startedAt, completedAt sql.NullInt64

	err := row.Scan(&r.ID, &sourceID, &scheduleID, &r.Name, &state, &input, &output,
		&r.Error, &r.ProgressCurrent, &r.ProgressTotal, &r.ProgressMessage,
		&r.RetryCount, &r.MaxRetries, &scheduledAt, &startedAt, &completedAt,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	r.SourceID = sourceID.String
	r.ScheduleID = scheduleID.String
	r.State = fallpaper.RunState(state)
	r.Input = json.RawMessage(input)
	r.Output = json.RawMessage(output)
	r.ScheduledAt = fromMS(scheduledAt)
	r.StartedAt = fromNullMS(startedAt)
	r.CompletedAt = fromNullMS(completedAt)
	r.CreatedAt = fromMS(createdAt)
	r.UpdatedAt = fromMS(updatedAt)
	return &r, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// CreateRun inserts a run. Missing ID, input and max-retries get defaults.
func (d *DB) CreateRun(ctx context.Context, r *fallpaper.Run) error {
	if r.ID == "" {
		r.ID = fallpaper.NewID()
	}
	if r.State == "" {
		r.State = fallpaper.RunPending
	}
	if r.MaxRetries == 0 {
		r.MaxRetries = fallpaper.DefaultMaxRetries
	}
	if len(r.Input) == 0 {
		r.Input = json.RawMessage("{}")
	}
	if len(r.Output) == 0 {
		r.Output = json.RawMessage("{}")
	}
	now := time.Now()
	if r.ScheduledAt.IsZero() {
		r.ScheduledAt = now
	}
	r.CreatedAt, r.UpdatedAt = now, now

	_, err := d.exec(ctx, `
		INSERT INTO runs (id, source_id, schedule_id, name, state, input, output, error,
		                  progress_current, progress_total, progress_message,
		                  retry_count, max_retries, scheduled_at, started_at, completed_at,
		                  created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, nullStr(r.SourceID), nullStr(r.ScheduleID), r.Name, string(r.State),
		string(r.Input), string(r.Output), r.Error,
		r.ProgressCurrent, r.ProgressTotal, r.ProgressMessage,
		r.RetryCount, r.MaxRetries, ms(r.ScheduledAt),
		msPtr(r.StartedAt), msPtr(r.CompletedAt), ms(now), ms(now))
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// GetRun returns the run with the given id, or ErrNotFound.
func (d *DB) GetRun(ctx context.Context, id string) (*fallpaper.Run, error) {
	row := d.queryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	return r, nil
}

// ListRecentRuns returns the most recently created runs, newest first.
func (d *DB) ListRecentRuns(ctx context.Context, limit int) ([]*fallpaper.Run, error) {
	rows, err := d.query(ctx, `SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*fallpaper.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ClaimPendingRuns atomically takes up to max due pending runs to running,
// setting startedAt = now. This is the serializing point of the run
// lifecycle: each run transitions pending -> running exactly once per claim.
// Claimed runs come back ordered by scheduledAt ascending, id breaking
// ties in creation order.
func (d *DB) ClaimPendingRuns(ctx context.Context, now time.Time, max int) ([]*fallpaper.Run, error) {
	var claimed []*fallpaper.Run

	err := d.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+runColumns+`
			FROM runs
			WHERE state = 'pending' AND scheduled_at <= ?
			ORDER BY scheduled_at ASC, id ASC
			LIMIT ?`, ms(now), max)
		if err != nil {
			return fmt.Errorf("failed to select pending runs: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			r, err := scanRun(rows)
			if err != nil {
				return fmt.Errorf("failed to scan run: %w", err)
			}
			claimed = append(claimed, r)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, r := range claimed {
			res, err := tx.ExecContext(ctx, `
				UPDATE runs
				SET state = 'running', started_at = ?, updated_at = ?
				WHERE id = ? AND state = 'pending'`,
				ms(now), ms(now), r.ID)
			if err != nil {
				return fmt.Errorf("failed to claim run %s: %w", r.ID, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("run %s changed state during claim", r.ID)
			}
			started := now
			r.State = fallpaper.RunRunning
			r.StartedAt = &started
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// FindStaleRunning returns runs stuck in running whose startedAt is at or
// before the threshold. These are expired leases from a crashed or hung
// owner.
func (d *DB) FindStaleRunning(ctx context.Context, threshold time.Time) ([]*fallpaper.Run, error) {
	rows, err := d.query(ctx, `
		SELECT `+runColumns+`
		FROM runs
		WHERE state = 'running' AND started_at IS NOT NULL AND started_at <= ?
		ORDER BY started_at ASC`, ms(threshold))
	if err != nil {
		return nil, fmt.Errorf("failed to find stale runs: %w", err)
	}
	defer rows.Close()

	var runs []*fallpaper.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// FindAllRunning returns every run in state running. Used once at process
// start: a persisted running row implies its owner crashed.
func (d *DB) FindAllRunning(ctx context.Context) ([]*fallpaper.Run, error) {
	rows, err := d.query(ctx, `SELECT `+runColumns+` FROM runs WHERE state = 'running' ORDER BY started_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to find running runs: %w", err)
	}
	defer rows.Close()

	var runs []*fallpaper.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// UpdateRunProgress stores the latest progress triple for a run. The store
// keeps only the last-written values.
func (d *DB) UpdateRunProgress(ctx context.Context, id string, current, total int, message string) error {
	_, err := d.exec(ctx, `
		UPDATE runs
		SET progress_current = ?, progress_total = ?, progress_message = ?, updated_at = ?
		WHERE id = ?`,
		current, total, message, nowMS(), id)
	if err != nil {
		return fmt.Errorf("failed to update run progress: %w", err)
	}
	return nil
}

// CompleteRun finalizes a run as completed with its output and progress.
func (d *DB) CompleteRun(ctx context.Context, id string, output json.RawMessage, current, total int, message string) error {
	now := nowMS()
	res, err := d.exec(ctx, `
		UPDATE runs
		SET state = 'completed', output = ?, progress_current = ?, progress_total = ?,
		    progress_message = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND state = 'running'`,
		string(output), current, total, message, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not running: %w", id, ErrNotFound)
	}
	return nil
}

// FailRun finalizes a run as failed with an error message.
func (d *DB) FailRun(ctx context.Context, id, errMsg, message string) error {
	now := nowMS()
	res, err := d.exec(ctx, `
		UPDATE runs
		SET state = 'failed', error = ?, progress_message = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND state = 'running'`,
		errMsg, message, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to fail run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not running: %w", id, ErrNotFound)
	}
	return nil
}

// RetryRun resets a running run to pending for a later attempt: retryCount
// increments and scheduledAt advances to the given time.
func (d *DB) RetryRun(ctx context.Context, id string, scheduledAt time.Time, errMsg string) error {
	res, err := d.exec(ctx, `
		UPDATE runs
		SET state = 'pending', retry_count = retry_count + 1, scheduled_at = ?,
		    error = ?, started_at = NULL, updated_at = ?
		WHERE id = ? AND state = 'running'`,
		ms(scheduledAt), errMsg, nowMS(), id)
	if err != nil {
		return fmt.Errorf("failed to retry run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not running: %w", id, ErrNotFound)
	}
	return nil
}

// CancelPendingRun transitions a pending run to cancelled. Cancelling is
// only allowed from pending; any other state surfaces ErrNotFound.
func (d *DB) CancelPendingRun(ctx context.Context, id string) error {
	now := nowMS()
	res, err := d.exec(ctx, `
		UPDATE runs
		SET state = 'cancelled', progress_message = 'Cancelled by user',
		    completed_at = ?, updated_at = ?
		WHERE id = ? AND state = 'pending'`,
		now, now, id)
	if err != nil {
		return fmt.Errorf("failed to cancel run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("pending run %s: %w", id, ErrNotFound)
	}
	return nil
}
