package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fallpaper/fallpaper"
)

const imageColumns = `id, source_id, website_url, download_url, checksum, width, height,
       aspect_ratio, filesize, format, nsfw, title, author, author_url,
       source_created_at, created_at, updated_at`

func scanImage(row interface{ Scan(...any) error }) (*fallpaper.Image, error) {
	var img fallpaper.Image
	var sourceID sql.NullString
	var nsfw int
	var sourceCreatedAt sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(&img.ID, &sourceID, &img.WebsiteURL, &img.DownloadURL, &img.Checksum,
		&img.Width, &img.Height, &img.AspectRatio, &img.Filesize, &img.Format, &nsfw,
		&img.Title, &img.Author, &img.AuthorURL, &sourceCreatedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	img.SourceID = sourceID.String
	img.NSFW = nsfw != 0
	img.SourceCreatedAt = fromNullMS(sourceCreatedAt)
	img.CreatedAt = fromMS(createdAt)
	img.UpdatedAt = fromMS(updatedAt)
	return &img, nil
}

// CreateImage inserts an image row. A duplicate download URL surfaces as
// ErrConflict; the processor treats that as "already downloaded".
func (d *DB) CreateImage(ctx context.Context, img *fallpaper.Image) error {
	if img.ID == "" {
		img.ID = fallpaper.NewID()
	}
	if img.AspectRatio == 0 && img.Height > 0 {
		img.AspectRatio = float64(img.Width) / float64(img.Height)
	}
	now := time.Now()
	img.CreatedAt, img.UpdatedAt = now, now

	_, err := d.exec(ctx, `
		INSERT INTO images (id, source_id, website_url, download_url, checksum, width, height,
		                    aspect_ratio, filesize, format, nsfw, title, author, author_url,
		                    source_created_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		img.ID, nullStr(img.SourceID), img.WebsiteURL, img.DownloadURL, img.Checksum,
		img.Width, img.Height, img.AspectRatio, img.Filesize, img.Format, b2i(img.NSFW),
		img.Title, img.Author, img.AuthorURL, msPtr(img.SourceCreatedAt), ms(now), ms(now))
	return conflictOr(err, "an image with download URL %q already exists", img.DownloadURL)
}

// GetImage returns the image with the given id, or ErrNotFound.
func (d *DB) GetImage(ctx context.Context, id string) (*fallpaper.Image, error) {
	row := d.queryRow(ctx, `SELECT `+imageColumns+` FROM images WHERE id = ?`, id)
	img, err := scanImage(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("image %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query image: %w", err)
	}
	return img, nil
}

// DeleteImage removes an image row. Device image rows keep their files'
// paths with a null image reference (set-null).
func (d *DB) DeleteImage(ctx context.Context, id string) error {
	res, err := d.exec(ctx, `DELETE FROM images WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete image: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("image %s: %w", id, ErrNotFound)
	}
	return nil
}

// FilterExistingDownloadURLs returns the subset of urls already present in
// the images table. The runner calls this once per batch to prune
// candidates before downloading.
func (d *DB) FilterExistingDownloadURLs(ctx context.Context, urls []string) (map[string]bool, error) {
	existing := make(map[string]bool, len(urls))
	if len(urls) == 0 {
		return existing, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(urls)), ",")
	args := make([]any, len(urls))
	for i, u := range urls {
		args[i] = u
	}

	rows, err := d.query(ctx,
		`SELECT download_url FROM images WHERE download_url IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to filter download urls: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("failed to scan download url: %w", err)
		}
		existing[u] = true
	}
	return existing, rows.Err()
}

// CreateDeviceImage records one materialization of an image onto a device.
// Duplicates of (device, image) surface as ErrConflict.
func (d *DB) CreateDeviceImage(ctx context.Context, di *fallpaper.DeviceImage) error {
	if di.ID == "" {
		di.ID = fallpaper.NewID()
	}
	now := time.Now()
	di.CreatedAt = now

	_, err := d.exec(ctx, `
		INSERT INTO device_images (id, device_id, image_id, local_path, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		di.ID, nullStr(di.DeviceID), nullStr(di.ImageID), di.LocalPath, ms(now))
	return conflictOr(err, "image %s already placed on device %s", di.ImageID, di.DeviceID)
}

// ListDeviceImagesForImage returns all placements of one image.
func (d *DB) ListDeviceImagesForImage(ctx context.Context, imageID string) ([]*fallpaper.DeviceImage, error) {
	return d.listDeviceImages(ctx, `image_id = ?`, imageID)
}

// ListDeviceImagesForDevice returns all placements on one device.
func (d *DB) ListDeviceImagesForDevice(ctx context.Context, deviceID string) ([]*fallpaper.DeviceImage, error) {
	return d.listDeviceImages(ctx, `device_id = ?`, deviceID)
}

func (d *DB) listDeviceImages(ctx context.Context, where string, args ...any) ([]*fallpaper.DeviceImage, error) {
	rows, err := d.query(ctx, `
		SELECT id, device_id, image_id, local_path, created_at
		FROM device_images WHERE `+where+` ORDER BY id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list device images: %w", err)
	}
	defer rows.Close()

	var out []*fallpaper.DeviceImage
	for rows.Next() {
		var di fallpaper.DeviceImage
		var deviceID, imageID sql.NullString
		var createdAt int64
		if err := rows.Scan(&di.ID, &deviceID, &imageID, &di.LocalPath, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan device image: %w", err)
		}
		di.DeviceID = deviceID.String
		di.ImageID = imageID.String
		di.CreatedAt = fromMS(createdAt)
		out = append(out, &di)
	}
	return out, rows.Err()
}

// DeleteDeviceImage removes one placement row.
func (d *DB) DeleteDeviceImage(ctx context.Context, id string) error {
	_, err := d.exec(ctx, `DELETE FROM device_images WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete device image: %w", err)
	}
	return nil
}

// CountImages returns the total number of image rows.
func (d *DB) CountImages(ctx context.Context) (int, error) {
	var n int
	if err := d.queryRow(ctx, `SELECT COUNT(*) FROM images`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count images: %w", err)
	}
	return n, nil
}

// ImagePage is one gallery page with the cursor for the next one.
// An empty NextCursor means the listing is exhausted.
type ImagePage struct {
	Images     []*fallpaper.Image
	NextCursor string
}

// ListImagesPage returns images ordered by (createdAt DESC, id DESC) in
// pages addressed by an opaque cursor of the form "{epochMillis}_{id}".
// Pages over a stable dataset are disjoint and exhaustive: concatenating
// them reconstructs the full ordered listing.
func (d *DB) ListImagesPage(ctx context.Context, cursor string, limit int) (*ImagePage, error) {
	query := `SELECT ` + imageColumns + ` FROM images`
	args := []any{}

	if cursor != "" {
		createdAt, id, err := decodeCursor(cursor)
		if err != nil {
			return nil, err
		}
		query += ` WHERE created_at < ? OR (created_at = ? AND id < ?)`
		args = append(args, createdAt, createdAt, id)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := d.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	defer rows.Close()

	page := &ImagePage{}
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan image: %w", err)
		}
		page.Images = append(page.Images, img)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(page.Images) == limit {
		last := page.Images[len(page.Images)-1]
		page.NextCursor = encodeCursor(ms(last.CreatedAt), last.ID)
	}
	return page, nil
}

// ImagesCreatedBefore returns images older than the cutoff, oldest first.
// Retention is the only deleter of images; it walks this listing.
func (d *DB) ImagesCreatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*fallpaper.Image, error) {
	rows, err := d.query(ctx, `
		SELECT `+imageColumns+` FROM images
		WHERE created_at < ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?`, ms(cutoff), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list old images: %w", err)
	}
	defer rows.Close()

	var images []*fallpaper.Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan image: %w", err)
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

func encodeCursor(createdAtMS int64, id string) string {
	return strconv.FormatInt(createdAtMS, 10) + "_" + id
}

func decodeCursor(cursor string) (createdAtMS int64, id string, err error) {
	ts, id, ok := strings.Cut(cursor, "_")
	if !ok {
		return 0, "", fmt.Errorf("malformed cursor %q", cursor)
	}
	createdAtMS, err = strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("malformed cursor %q: %w", cursor, err)
	}
	return createdAtMS, id, nil
}
