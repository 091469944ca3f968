// Package admin exposes the operations the external management surface
// calls into: entity CRUD with validation, manual runs, pending-run
// cancellation, gallery queries and image retention.
//
// The web layer itself (forms, authentication, HTML) lives outside this
// module; everything here takes and returns plain entities.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/fallpaper/fallpaper"
	"github.com/fallpaper/fallpaper/database"
	"github.com/fallpaper/fallpaper/source"
)

// ErrValidation marks input rejected before touching the store. Detect
// with errors.Is.
var ErrValidation = errors.New("validation failed")

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// ScheduleReloader is notified after any mutation that affects schedules
// or source enablement. *scheduler.Scheduler is the production
// implementation.
type ScheduleReloader interface {
	ReloadSchedules(ctx context.Context) error
}

// RunTrigger nudges the run processor outside its poll cron.
// *runs.Processor is the production implementation.
type RunTrigger interface {
	TriggerProcessing()
}

const (
	defaultPageSize = 50
	maxPageSize     = 200

	retentionBatchSize = 100
)

// Admin is the administrative surface. Reloader and trigger may be nil
// when no scheduler or run processor is attached (one-shot CLI commands).
type Admin struct {
	db       *database.DB
	registry *source.Registry
	reloader ScheduleReloader
	trigger  RunTrigger
	logger   logrus.FieldLogger
}

// New creates the admin surface.
func New(db *database.DB, registry *source.Registry, reloader ScheduleReloader, trigger RunTrigger, logger logrus.FieldLogger) *Admin {
	if logger == nil {
		logger = logrus.New()
	}
	return &Admin{
		db:       db,
		registry: registry,
		reloader: reloader,
		trigger:  trigger,
		logger:   logger.WithField("component", "admin"),
	}
}

func (a *Admin) reloadSchedules(ctx context.Context) {
	if a.reloader == nil {
		return
	}
	if err := a.reloader.ReloadSchedules(ctx); err != nil {
		a.logger.WithError(err).Error("failed to reload schedules")
	}
}

// --- devices ---

// CreateDevice validates and inserts a device. An empty slug is derived
// from the display name.
func (a *Admin) CreateDevice(ctx context.Context, dev *fallpaper.Device) error {
	if dev.Slug == "" {
		dev.Slug = fallpaper.Slugify(dev.Name)
	}
	if err := validateDevice(dev); err != nil {
		return err
	}
	return a.db.CreateDevice(ctx, dev)
}

// UpdateDevice validates and persists device changes.
func (a *Admin) UpdateDevice(ctx context.Context, dev *fallpaper.Device) error {
	if dev.Slug == "" {
		dev.Slug = fallpaper.Slugify(dev.Name)
	}
	if err := validateDevice(dev); err != nil {
		return err
	}
	return a.db.UpdateDevice(ctx, dev)
}

// DeleteDevice removes a device. Its DeviceImage rows keep their files
// with the device reference nulled.
func (a *Admin) DeleteDevice(ctx context.Context, id string) error {
	return a.db.DeleteDevice(ctx, id)
}

// GetDevice returns one device.
func (a *Admin) GetDevice(ctx context.Context, id string) (*fallpaper.Device, error) {
	return a.db.GetDevice(ctx, id)
}

// ListDevices returns all devices.
func (a *Admin) ListDevices(ctx context.Context) ([]*fallpaper.Device, error) {
	return a.db.ListDevices(ctx)
}

func validateDevice(dev *fallpaper.Device) error {
	if dev.Name == "" {
		return validationf("device name is required")
	}
	if dev.Slug == "" {
		return validationf("device slug is required")
	}
	if dev.Width <= 0 || dev.Height <= 0 {
		return validationf("device resolution must be positive")
	}
	if dev.AspectRatioTolerance < 0 {
		return validationf("aspect ratio tolerance must not be negative")
	}
	if err := boundsOrdered("width", dev.MinWidth, dev.MaxWidth); err != nil {
		return err
	}
	if err := boundsOrdered("height", dev.MinHeight, dev.MaxHeight); err != nil {
		return err
	}
	if dev.MinFilesize != nil && dev.MaxFilesize != nil && *dev.MinFilesize > *dev.MaxFilesize {
		return validationf("min filesize exceeds max filesize")
	}
	switch dev.NSFWPolicy {
	case fallpaper.NSFWAcceptAll, fallpaper.NSFWReject, fallpaper.NSFWRequire:
	default:
		return validationf("unknown NSFW policy %d", dev.NSFWPolicy)
	}
	return nil
}

func boundsOrdered(name string, min, max *int) error {
	if min != nil && max != nil && *min > *max {
		return validationf("min %s exceeds max %s", name, name)
	}
	return nil
}

// --- sources ---

// CreateSource validates and inserts a source. The kind must resolve to a
// registered adapter and the params must satisfy that adapter.
func (a *Admin) CreateSource(ctx context.Context, src *fallpaper.Source) error {
	if err := a.validateSource(src); err != nil {
		return err
	}
	return a.db.CreateSource(ctx, src)
}

// UpdateSource validates and persists source changes, then reloads
// schedules since enablement may have flipped.
func (a *Admin) UpdateSource(ctx context.Context, src *fallpaper.Source) error {
	if err := a.validateSource(src); err != nil {
		return err
	}
	if err := a.db.UpdateSource(ctx, src); err != nil {
		return err
	}
	a.reloadSchedules(ctx)
	return nil
}

// DeleteSource removes a source; its schedules cascade away, so timers
// reload too.
func (a *Admin) DeleteSource(ctx context.Context, id string) error {
	if err := a.db.DeleteSource(ctx, id); err != nil {
		return err
	}
	a.reloadSchedules(ctx)
	return nil
}

// GetSource returns one source.
func (a *Admin) GetSource(ctx context.Context, id string) (*fallpaper.Source, error) {
	return a.db.GetSource(ctx, id)
}

// ListSources returns all sources.
func (a *Admin) ListSources(ctx context.Context) ([]*fallpaper.Source, error) {
	return a.db.ListSources(ctx)
}

func (a *Admin) validateSource(src *fallpaper.Source) error {
	if src.Name == "" {
		return validationf("source name is required")
	}
	if src.LookupLimit <= 0 {
		return validationf("lookup limit must be positive")
	}
	adapter, err := a.registry.Get(src.Kind)
	if err != nil {
		return validationf("%v", err)
	}
	if len(src.Params) == 0 {
		src.Params = json.RawMessage("{}")
	}
	if err := adapter.ValidateParams(src.Params); err != nil {
		return validationf("invalid params for kind %q: %v", src.Kind, err)
	}
	return nil
}

// --- schedules ---

// CreateSchedule validates the cron expression, inserts the schedule and
// reloads timers.
func (a *Admin) CreateSchedule(ctx context.Context, sch *fallpaper.Schedule) error {
	if err := validateSchedule(sch); err != nil {
		return err
	}
	if err := a.db.CreateSchedule(ctx, sch); err != nil {
		return err
	}
	a.reloadSchedules(ctx)
	return nil
}

// UpdateSchedule validates, persists and reloads timers.
func (a *Admin) UpdateSchedule(ctx context.Context, sch *fallpaper.Schedule) error {
	if err := validateSchedule(sch); err != nil {
		return err
	}
	if err := a.db.UpdateSchedule(ctx, sch); err != nil {
		return err
	}
	a.reloadSchedules(ctx)
	return nil
}

// DeleteSchedule removes a schedule and reloads timers.
func (a *Admin) DeleteSchedule(ctx context.Context, id string) error {
	if err := a.db.DeleteSchedule(ctx, id); err != nil {
		return err
	}
	a.reloadSchedules(ctx)
	return nil
}

func validateSchedule(sch *fallpaper.Schedule) error {
	if sch.SourceID == "" {
		return validationf("schedule source is required")
	}
	if _, err := cron.ParseStandard(sch.Cron); err != nil {
		return validationf("invalid cron expression %q: %v", sch.Cron, err)
	}
	return nil
}

// --- subscriptions ---

// Subscribe creates or updates a device-source subscription.
func (a *Admin) Subscribe(ctx context.Context, deviceID, sourceID string, enabled bool) error {
	if deviceID == "" || sourceID == "" {
		return validationf("subscription requires a device and a source")
	}
	return a.db.UpsertSubscription(ctx, &fallpaper.Subscription{
		DeviceID: deviceID,
		SourceID: sourceID,
		Enabled:  enabled,
	})
}

// Unsubscribe removes a subscription.
func (a *Admin) Unsubscribe(ctx context.Context, deviceID, sourceID string) error {
	return a.db.DeleteSubscription(ctx, deviceID, sourceID)
}

// --- runs ---

// CreateManualRun inserts a pending fetch run for a source. A disabled
// source is rejected rather than queued. With runNow the run processor is
// nudged immediately instead of waiting for its poll cron.
func (a *Admin) CreateManualRun(ctx context.Context, sourceID string, runNow bool) (*fallpaper.Run, error) {
	src, err := a.db.GetSource(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if !src.Enabled {
		return nil, validationf("source is disabled")
	}

	input, err := json.Marshal(fallpaper.FetchSourceInput{SourceID: sourceID})
	if err != nil {
		return nil, fmt.Errorf("failed to encode run input: %w", err)
	}
	run := &fallpaper.Run{
		SourceID:    sourceID,
		Name:        fallpaper.RunNameFetchSource,
		Input:       input,
		ScheduledAt: time.Now(),
	}
	if err := a.db.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	a.logger.WithFields(logrus.Fields{
		"run_id":    run.ID,
		"source_id": sourceID,
	}).Info("manual run queued")

	if runNow && a.trigger != nil {
		a.trigger.TriggerProcessing()
	}
	return run, nil
}

// CancelRun cancels a pending run. Running runs cannot be cancelled.
func (a *Admin) CancelRun(ctx context.Context, id string) error {
	return a.db.CancelPendingRun(ctx, id)
}

// ListRecentRuns returns the newest runs first.
func (a *Admin) ListRecentRuns(ctx context.Context, limit int) ([]*fallpaper.Run, error) {
	return a.db.ListRecentRuns(ctx, clampLimit(limit))
}

// --- gallery ---

// CountImages returns the gallery total.
func (a *Admin) CountImages(ctx context.Context) (int, error) {
	return a.db.CountImages(ctx)
}

// ListImages pages the gallery newest-first. Pass the previous page's
// NextCursor to continue; an empty cursor starts from the top.
func (a *Admin) ListImages(ctx context.Context, cursor string, limit int) (*database.ImagePage, error) {
	return a.db.ListImagesPage(ctx, cursor, clampLimit(limit))
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	if limit > maxPageSize {
		return maxPageSize
	}
	return limit
}

// --- retention ---

// PruneImagesBefore deletes images created before the cutoff, files
// included. Retention is the only path that deletes images; the pipeline
// never removes what it wrote. Returns the number of images removed.
func (a *Admin) PruneImagesBefore(ctx context.Context, cutoff time.Time) (int, error) {
	ctx = database.WithQueryLabel(ctx, "admin.prune")
	pruned := 0
	for {
		batch, err := a.db.ImagesCreatedBefore(ctx, cutoff, retentionBatchSize)
		if err != nil {
			return pruned, err
		}
		if len(batch) == 0 {
			return pruned, nil
		}
		for _, img := range batch {
			if err := a.pruneImage(ctx, img); err != nil {
				return pruned, err
			}
			pruned++
		}
	}
}

// pruneImage removes one image: files first, then placement rows, then
// the image row. A missing file is not an error; the row is still the
// authoritative index and comes out regardless.
func (a *Admin) pruneImage(ctx context.Context, img *fallpaper.Image) error {
	placements, err := a.db.ListDeviceImagesForImage(ctx, img.ID)
	if err != nil {
		return err
	}
	for _, di := range placements {
		if err := os.Remove(di.LocalPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", di.LocalPath, err)
		}
		if err := a.db.DeleteDeviceImage(ctx, di.ID); err != nil {
			return err
		}
	}
	if err := a.db.DeleteImage(ctx, img.ID); err != nil {
		return err
	}
	a.logger.WithFields(logrus.Fields{
		"image_id": img.ID,
		"files":    len(placements),
	}).Debug("image pruned")
	return nil
}
