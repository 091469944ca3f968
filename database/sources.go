package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fallpaper/fallpaper"
)

const sourceColumns = `id, enabled, name, kind, params, lookup_limit, created_at, updated_at`

func scanSource(row interface{ Scan(...any) error }) (*fallpaper.Source, error) {
	var s fallpaper.Source
	var enabled int
	var params string
	var createdAt, updatedAt int64

	err := row.Scan(&s.ID, &enabled, &s.Name, &s.Kind, &params, &s.LookupLimit,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	s.Enabled = enabled != 0
	s.Params = json.RawMessage(params)
	s.CreatedAt = fromMS(createdAt)
	s.UpdatedAt = fromMS(updatedAt)
	return &s, nil
}

// CreateSource inserts a source. Duplicate names surface as ErrConflict.
func (d *DB) CreateSource(ctx context.Context, src *fallpaper.Source) error {
	if src.ID == "" {
		src.ID = fallpaper.NewID()
	}
	if len(src.Params) == 0 {
		src.Params = json.RawMessage("{}")
	}
	now := time.Now()
	src.CreatedAt, src.UpdatedAt = now, now

	_, err := d.exec(ctx, `
		INSERT INTO sources (id, enabled, name, kind, params, lookup_limit, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		src.ID, b2i(src.Enabled), src.Name, src.Kind, string(src.Params),
		src.LookupLimit, ms(now), ms(now))
	return conflictOr(err, "a source with name %q already exists", src.Name)
}

// GetSource returns the source with the given id, or ErrNotFound.
func (d *DB) GetSource(ctx context.Context, id string) (*fallpaper.Source, error) {
	row := d.queryRow(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = ?`, id)
	src, err := scanSource(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("source %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query source: %w", err)
	}
	return src, nil
}

// ListSources returns all sources ordered by creation.
func (d *DB) ListSources(ctx context.Context) ([]*fallpaper.Source, error) {
	rows, err := d.query(ctx, `SELECT `+sourceColumns+` FROM sources ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	defer rows.Close()

	var sources []*fallpaper.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan source: %w", err)
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// UpdateSource rewrites all mutable fields of a source.
func (d *DB) UpdateSource(ctx context.Context, src *fallpaper.Source) error {
	now := time.Now()
	res, err := d.exec(ctx, `
		UPDATE sources
		SET enabled = ?, name = ?, kind = ?, params = ?, lookup_limit = ?, updated_at = ?
		WHERE id = ?`,
		b2i(src.Enabled), src.Name, src.Kind, string(src.Params),
		src.LookupLimit, ms(now), src.ID)
	if err != nil {
		return conflictOr(err, "a source with name %q already exists", src.Name)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("source %s: %w", src.ID, ErrNotFound)
	}
	src.UpdatedAt = now
	return nil
}

// DeleteSource removes a source; schedules, subscriptions and images
// referencing it cascade per the schema.
func (d *DB) DeleteSource(ctx context.Context, id string) error {
	res, err := d.exec(ctx, `DELETE FROM sources WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete source: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("source %s: %w", id, ErrNotFound)
	}
	return nil
}

// CreateSchedule inserts a cron binding for a source.
func (d *DB) CreateSchedule(ctx context.Context, sch *fallpaper.Schedule) error {
	if sch.ID == "" {
		sch.ID = fallpaper.NewID()
	}
	now := time.Now()
	sch.CreatedAt, sch.UpdatedAt = now, now

	_, err := d.exec(ctx, `
		INSERT INTO schedules (id, source_id, cron, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		sch.ID, sch.SourceID, sch.Cron, ms(now), ms(now))
	if err != nil {
		return fmt.Errorf("failed to create schedule: %w", err)
	}
	return nil
}

// GetSchedule returns the schedule with the given id, or ErrNotFound.
func (d *DB) GetSchedule(ctx context.Context, id string) (*fallpaper.Schedule, error) {
	var sch fallpaper.Schedule
	var createdAt, updatedAt int64
	err := d.queryRow(ctx, `SELECT id, source_id, cron, created_at, updated_at FROM schedules WHERE id = ?`, id).
		Scan(&sch.ID, &sch.SourceID, &sch.Cron, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query schedule: %w", err)
	}
	sch.CreatedAt, sch.UpdatedAt = fromMS(createdAt), fromMS(updatedAt)
	return &sch, nil
}

// UpdateSchedule rewrites the cron expression of a schedule.
func (d *DB) UpdateSchedule(ctx context.Context, sch *fallpaper.Schedule) error {
	now := time.Now()
	res, err := d.exec(ctx, `UPDATE schedules SET cron = ?, updated_at = ? WHERE id = ?`,
		sch.Cron, ms(now), sch.ID)
	if err != nil {
		return fmt.Errorf("failed to update schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("schedule %s: %w", sch.ID, ErrNotFound)
	}
	sch.UpdatedAt = now
	return nil
}

// DeleteSchedule removes a schedule.
func (d *DB) DeleteSchedule(ctx context.Context, id string) error {
	res, err := d.exec(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return nil
}

// ScheduleWithSource pairs a schedule with its source row. The scheduler
// loads these in one query at startup and on reload.
type ScheduleWithSource struct {
	Schedule fallpaper.Schedule
	Source   fallpaper.Source
}

// ListSchedulesWithSource returns every schedule joined with its source.
func (d *DB) ListSchedulesWithSource(ctx context.Context) ([]ScheduleWithSource, error) {
	rows, err := d.query(ctx, `
		SELECT sch.id, sch.source_id, sch.cron, sch.created_at, sch.updated_at,
		       s.id, s.enabled, s.name, s.kind, s.params, s.lookup_limit, s.created_at, s.updated_at
		FROM schedules sch
		JOIN sources s ON s.id = sch.source_id
		ORDER BY sch.id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()

	var out []ScheduleWithSource
	for rows.Next() {
		var row ScheduleWithSource
		var schCreated, schUpdated, srcCreated, srcUpdated int64
		var enabled int
		var params string
		err := rows.Scan(
			&row.Schedule.ID, &row.Schedule.SourceID, &row.Schedule.Cron, &schCreated, &schUpdated,
			&row.Source.ID, &enabled, &row.Source.Name, &row.Source.Kind, &params,
			&row.Source.LookupLimit, &srcCreated, &srcUpdated)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		row.Schedule.CreatedAt, row.Schedule.UpdatedAt = fromMS(schCreated), fromMS(schUpdated)
		row.Source.Enabled = enabled != 0
		row.Source.Params = json.RawMessage(params)
		row.Source.CreatedAt, row.Source.UpdatedAt = fromMS(srcCreated), fromMS(srcUpdated)
		out = append(out, row)
	}
	return out, rows.Err()
}

// UpsertSubscription creates or updates a device/source association.
func (d *DB) UpsertSubscription(ctx context.Context, sub *fallpaper.Subscription) error {
	_, err := d.exec(ctx, `
		INSERT INTO subscriptions (device_id, source_id, enabled)
		VALUES (?, ?, ?)
		ON CONFLICT(device_id, source_id) DO UPDATE SET enabled = excluded.enabled`,
		sub.DeviceID, sub.SourceID, b2i(sub.Enabled))
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

// DeleteSubscription removes a device/source association.
func (d *DB) DeleteSubscription(ctx context.Context, deviceID, sourceID string) error {
	_, err := d.exec(ctx, `DELETE FROM subscriptions WHERE device_id = ? AND source_id = ?`,
		deviceID, sourceID)
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return nil
}

// ListSubscribedDevices returns the enabled devices with an enabled
// subscription to the given source. This is the device set a run filters
// candidates against.
func (d *DB) ListSubscribedDevices(ctx context.Context, sourceID string) ([]*fallpaper.Device, error) {
	rows, err := d.query(ctx, `
		SELECT `+prefixColumns("d", deviceColumns)+`
		FROM subscriptions sub
		JOIN devices d ON d.id = sub.device_id
		WHERE sub.source_id = ? AND sub.enabled = 1 AND d.enabled = 1
		ORDER BY d.id ASC`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscribed devices: %w", err)
	}
	defer rows.Close()

	var devices []*fallpaper.Device
	for rows.Next() {
		dev, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, dev)
	}
	return devices, rows.Err()
}
