// Package processor turns downloaded image bytes into Image rows and
// per-device files.
//
// For each candidate it sniffs the format, reads the true dimensions,
// hashes the content, re-checks device eligibility against the now-known
// metadata, stages the bytes in the temp directory and fans the file out
// into every eligible device's directory. The database and the filesystem
// stay consistent: after a failure either the Image row and all its files
// exist, or neither does.
package processor

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fallpaper/fallpaper"
	"github.com/fallpaper/fallpaper/database"
	"github.com/fallpaper/fallpaper/downloader"
	"github.com/fallpaper/fallpaper/metrics"
	"github.com/fallpaper/fallpaper/perf"
	"github.com/fallpaper/fallpaper/source"
)

// Config holds processor configuration.
type Config struct {
	// ImageDir is the root of the per-device directories.
	ImageDir string

	// TempDir holds in-progress staging files.
	TempDir string
}

// Processor materializes downloaded images.
type Processor struct {
	db     *database.DB
	dl     *downloader.Downloader
	cfg    Config
	logger logrus.FieldLogger
}

// New creates a processor.
func New(db *database.DB, dl *downloader.Downloader, cfg Config, logger logrus.FieldLogger) *Processor {
	if logger == nil {
		logger = logrus.New()
	}
	return &Processor{
		db:     db,
		dl:     dl,
		cfg:    cfg,
		logger: logger.WithField("component", "processor"),
	}
}

// BatchOutcome aggregates one batch of candidates.
type BatchOutcome struct {
	Downloaded int
	Skipped    int
	Failed     int
	Results    []fallpaper.ImageResult
}

// DownloadAndProcessImages downloads every candidate in parallel and then
// processes the transfers sequentially, so Image rows are inserted in item
// order within the batch. One result per item, in input order.
func (p *Processor) DownloadAndProcessImages(ctx context.Context, sourceID string, items []source.Item, devices []*fallpaper.Device) BatchOutcome {
	urls := make([]string, len(items))
	for i, item := range items {
		urls[i] = item.DownloadURL
	}
	dlStart := time.Now()
	transfers := p.dl.DownloadAll(ctx, urls)
	dlDuration := time.Since(dlStart)

	var bytes int64
	for _, tr := range transfers {
		bytes += int64(len(tr.Body))
	}
	metrics.BytesDownloaded.Add(float64(bytes))

	outcome := BatchOutcome{Results: make([]fallpaper.ImageResult, 0, len(items))}
	for i, item := range items {
		var res fallpaper.ImageResult
		if err := transfers[i].Err; err != nil {
			reason := err.Error()
			if transfers[i].SlowAbort {
				reason = "download too slow"
			}
			res = fallpaper.ImageResult{
				DownloadURL: item.DownloadURL,
				Status:      fallpaper.ImageFailed,
				Reason:      reason,
			}
		} else {
			res = p.ProcessOne(ctx, sourceID, item, transfers[i].Body, transfers[i].ContentType, devices)
		}

		switch res.Status {
		case fallpaper.ImageDownloaded:
			outcome.Downloaded++
		case fallpaper.ImageSkipped:
			outcome.Skipped++
		case fallpaper.ImageFailed:
			outcome.Failed++
		}
		outcome.Results = append(outcome.Results, res)
	}

	if rm := perf.MetricsFromContext(ctx); rm != nil {
		rm.RecordDownload(dlDuration, outcome.Downloaded)
	}
	return outcome
}

// ProcessOne handles one downloaded buffer: format, dimensions, checksum,
// eligibility, staging and fan-out. The Image row is attributed to sourceID.
func (p *Processor) ProcessOne(ctx context.Context, sourceID string, item source.Item, data []byte, contentType string, devices []*fallpaper.Device) fallpaper.ImageResult {
	fail := func(reason string) fallpaper.ImageResult {
		return fallpaper.ImageResult{DownloadURL: item.DownloadURL, Status: fallpaper.ImageFailed, Reason: reason}
	}
	skip := func(reason string) fallpaper.ImageResult {
		return fallpaper.ImageResult{DownloadURL: item.DownloadURL, Status: fallpaper.ImageSkipped, Reason: reason}
	}

	format := DetectFormat(contentType, item.DownloadURL, data)
	if format == "" {
		return fail("unsupported image format")
	}
	width, height, err := DetectDimensions(data)
	if err != nil || width <= 0 || height <= 0 {
		return fail("unreadable image dimensions")
	}

	sum := md5.Sum(data)
	checksum := hex.EncodeToString(sum[:])

	// Upstream metadata may have lacked dimensions; re-filter with the
	// values read from the bytes.
	meta := fallpaper.ImageMeta{
		Width:    width,
		Height:   height,
		Filesize: int64(len(data)),
		NSFW:     item.NSFW,
	}
	eligible := fallpaper.FindEligibleDevices(devices, meta)
	if len(eligible) == 0 {
		return skip(fallpaper.ReasonNoDevices)
	}

	img := &fallpaper.Image{
		ID:              fallpaper.NewID(),
		SourceID:        sourceID,
		WebsiteURL:      item.WebsiteURL,
		DownloadURL:     item.DownloadURL,
		Checksum:        checksum,
		Width:           width,
		Height:          height,
		Filesize:        int64(len(data)),
		Format:          format,
		NSFW:            item.NSFW,
		Title:           item.Title,
		Author:          item.Author,
		AuthorURL:       item.AuthorURL,
		SourceCreatedAt: item.SourceCreatedAt,
	}

	stagePath := filepath.Join(p.cfg.TempDir, img.ID+".part")
	if err := os.MkdirAll(p.cfg.TempDir, 0o755); err != nil {
		return fail(fmt.Sprintf("failed to create temp directory: %v", err))
	}
	if err := os.WriteFile(stagePath, data, 0o644); err != nil {
		return fail(fmt.Sprintf("failed to stage file: %v", err))
	}

	if err := p.db.CreateImage(ctx, img); err != nil {
		os.Remove(stagePath)
		if errors.Is(err, database.ErrConflict) {
			return skip(fallpaper.ReasonAlreadyDownload)
		}
		return fail(fmt.Sprintf("failed to insert image: %v", err))
	}

	if err := p.fanOut(ctx, img, stagePath, eligible); err != nil {
		p.logger.WithError(err).WithField("image_id", img.ID).Warn("fan-out failed, rolling back")
		return fail(err.Error())
	}

	return fallpaper.ImageResult{
		DownloadURL: item.DownloadURL,
		Status:      fallpaper.ImageDownloaded,
		ImageID:     img.ID,
	}
}

// fanOut materializes the staged file into every eligible device directory
// and records one DeviceImage per copy. The staged file is renamed for the
// first device and copied from that path for the rest. On failure it undoes
// the Image row, the DeviceImage rows and the files written so far.
func (p *Processor) fanOut(ctx context.Context, img *fallpaper.Image, stagePath string, devices []*fallpaper.Device) error {
	var files []string
	var placements []string

	undo := func() {
		for _, id := range placements {
			if err := p.db.DeleteDeviceImage(ctx, id); err != nil {
				p.logger.WithError(err).Warn("failed to undo device image row")
			}
		}
		if err := p.db.DeleteImage(ctx, img.ID); err != nil {
			p.logger.WithError(err).Warn("failed to undo image row")
		}
		for _, f := range files {
			os.Remove(f)
		}
		os.Remove(stagePath)
	}

	firstPath := ""
	for _, dev := range devices {
		destDir := filepath.Join(p.cfg.ImageDir, dev.Slug)
		if err := os.MkdirAll(destDir, 0o755); err != nil {
			undo()
			return fmt.Errorf("failed to create device directory: %w", err)
		}
		destPath := filepath.Join(destDir, img.ID+"."+img.Format)

		if firstPath == "" {
			if err := os.Rename(stagePath, destPath); err != nil {
				undo()
				return fmt.Errorf("failed to move staged file: %w", err)
			}
			firstPath = destPath
		} else {
			if err := copyFile(firstPath, destPath); err != nil {
				undo()
				return fmt.Errorf("failed to copy to device directory: %w", err)
			}
		}
		files = append(files, destPath)

		di := &fallpaper.DeviceImage{
			DeviceID:  dev.ID,
			ImageID:   img.ID,
			LocalPath: destPath,
		}
		if err := p.db.CreateDeviceImage(ctx, di); err != nil {
			undo()
			return fmt.Errorf("failed to record device image: %w", err)
		}
		placements = append(placements, di.ID)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

// SweepTemp removes orphaned staging files left behind by a crash. Called
// once at daemon startup.
func (p *Processor) SweepTemp() error {
	entries, err := os.ReadDir(p.cfg.TempDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read temp directory: %w", err)
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".part") {
			continue
		}
		if err := os.Remove(filepath.Join(p.cfg.TempDir, entry.Name())); err != nil {
			p.logger.WithError(err).Warn("failed to remove orphaned staging file")
			continue
		}
		removed++
	}
	if removed > 0 {
		p.logger.WithField("count", removed).Info("swept orphaned staging files")
	}
	return nil
}
