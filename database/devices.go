package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fallpaper/fallpaper"
)

const deviceColumns = `id, enabled, name, slug, width, height, aspect_ratio_tolerance,
       min_width, max_width, min_height, max_height, min_filesize, max_filesize,
       nsfw_policy, created_at, updated_at`

func scanDevice(row interface{ Scan(...any) error }) (*fallpaper.Device, error) {
	var d fallpaper.Device
	var enabled, policy int
	var minW, maxW, minH, maxH sql.NullInt64
	var minFS, maxFS sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(&d.ID, &enabled, &d.Name, &d.Slug, &d.Width, &d.Height,
		&d.AspectRatioTolerance, &minW, &maxW, &minH, &maxH, &minFS, &maxFS,
		&policy, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	d.Enabled = enabled != 0
	d.NSFWPolicy = fallpaper.NSFWPolicy(policy)
	d.CreatedAt = fromMS(createdAt)
	d.UpdatedAt = fromMS(updatedAt)

	toIntPtr := func(v sql.NullInt64) *int {
		if !v.Valid {
			return nil
		}
		i := int(v.Int64)
		return &i
	}
	toInt64Ptr := func(v sql.NullInt64) *int64 {
		if !v.Valid {
			return nil
		}
		i := v.Int64
		return &i
	}
	d.MinWidth, d.MaxWidth = toIntPtr(minW), toIntPtr(maxW)
	d.MinHeight, d.MaxHeight = toIntPtr(minH), toIntPtr(maxH)
	d.MinFilesize, d.MaxFilesize = toInt64Ptr(minFS), toInt64Ptr(maxFS)

	return &d, nil
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullInt64(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

// CreateDevice inserts a device. A missing ID is filled in; a duplicate
// slug surfaces as ErrConflict.
func (d *DB) CreateDevice(ctx context.Context, dev *fallpaper.Device) error {
	if dev.ID == "" {
		dev.ID = fallpaper.NewID()
	}
	now := time.Now()
	dev.CreatedAt, dev.UpdatedAt = now, now

	_, err := d.exec(ctx, `
		INSERT INTO devices (id, enabled, name, slug, width, height, aspect_ratio_tolerance,
		                     min_width, max_width, min_height, max_height, min_filesize, max_filesize,
		                     nsfw_policy, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		dev.ID, b2i(dev.Enabled), dev.Name, dev.Slug, dev.Width, dev.Height,
		dev.AspectRatioTolerance,
		nullInt(dev.MinWidth), nullInt(dev.MaxWidth), nullInt(dev.MinHeight), nullInt(dev.MaxHeight),
		nullInt64(dev.MinFilesize), nullInt64(dev.MaxFilesize),
		int(dev.NSFWPolicy), ms(now), ms(now))
	return conflictOr(err, "a device with slug %q already exists", dev.Slug)
}

// GetDevice returns the device with the given id, or ErrNotFound.
func (d *DB) GetDevice(ctx context.Context, id string) (*fallpaper.Device, error) {
	row := d.queryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id)
	dev, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("device %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query device: %w", err)
	}
	return dev, nil
}

// GetDeviceBySlug returns the device with the given slug, or ErrNotFound.
func (d *DB) GetDeviceBySlug(ctx context.Context, slug string) (*fallpaper.Device, error) {
	row := d.queryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE slug = ?`, slug)
	dev, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("device slug %s: %w", slug, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query device by slug: %w", err)
	}
	return dev, nil
}

// ListDevices returns all devices ordered by creation.
func (d *DB) ListDevices(ctx context.Context) ([]*fallpaper.Device, error) {
	rows, err := d.query(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
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

// UpdateDevice rewrites all mutable fields of a device.
func (d *DB) UpdateDevice(ctx context.Context, dev *fallpaper.Device) error {
	now := time.Now()
	res, err := d.exec(ctx, `
		UPDATE devices
		SET enabled = ?, name = ?, slug = ?, width = ?, height = ?,
		    aspect_ratio_tolerance = ?, min_width = ?, max_width = ?,
		    min_height = ?, max_height = ?, min_filesize = ?, max_filesize = ?,
		    nsfw_policy = ?, updated_at = ?
		WHERE id = ?`,
		b2i(dev.Enabled), dev.Name, dev.Slug, dev.Width, dev.Height,
		dev.AspectRatioTolerance,
		nullInt(dev.MinWidth), nullInt(dev.MaxWidth), nullInt(dev.MinHeight), nullInt(dev.MaxHeight),
		nullInt64(dev.MinFilesize), nullInt64(dev.MaxFilesize),
		int(dev.NSFWPolicy), ms(now), dev.ID)
	if err != nil {
		return conflictOr(err, "a device with slug %q already exists", dev.Slug)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("device %s: %w", dev.ID, ErrNotFound)
	}
	dev.UpdatedAt = now
	return nil
}

// DeleteDevice removes a device. Device images keep their rows with a null
// device reference (set-null), subscriptions cascade.
func (d *DB) DeleteDevice(ctx context.Context, id string) error {
	res, err := d.exec(ctx, `DELETE FROM devices WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("device %s: %w", id, ErrNotFound)
	}
	return nil
}
