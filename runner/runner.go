// Package runner orchestrates one source run: paged adapter fetch,
// dedup against the store, eligibility pruning on upstream metadata,
// parallel download and per-device fan-out.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fallpaper/fallpaper"
	"github.com/fallpaper/fallpaper/database"
	"github.com/fallpaper/fallpaper/metrics"
	"github.com/fallpaper/fallpaper/perf"
	"github.com/fallpaper/fallpaper/processor"
	"github.com/fallpaper/fallpaper/source"
)

// Runner executes "fetch_source" runs.
type Runner struct {
	db       *database.DB
	registry *source.Registry
	proc     *processor.Processor
	logger   logrus.FieldLogger
}

// New creates a runner.
func New(db *database.DB, registry *source.Registry, proc *processor.Processor, logger logrus.FieldLogger) *Runner {
	if logger == nil {
		logger = logrus.New()
	}
	return &Runner{
		db:       db,
		registry: registry,
		proc:     proc,
		logger:   logger.WithField("component", "runner"),
	}
}

// Result is the structured outcome of one run handed back to the run
// processor. Success=false means a deterministic failure that a retry
// cannot fix; transient trouble surfaces as an error from Execute instead.
type Result struct {
	Success bool
	Message string
	Output  fallpaper.RunOutput
}

// Execute runs one fetch for sourceID, writing progress onto the run row
// at batch boundaries. Partial progress stays persisted on error.
func (r *Runner) Execute(ctx context.Context, run *fallpaper.Run, sourceID string) (*Result, error) {
	logger := r.logger.WithFields(logrus.Fields{
		"run_id": run.ID,
		"source": sourceID,
	})
	ctx = database.WithQueryLabel(ctx, "runner.execute")

	rm := perf.NewRunMetrics()
	ctx = perf.WithMetrics(ctx, rm)
	total := perf.Start("run", logger)
	defer func() { rm.TotalDuration = total.Stop() }()

	src, err := r.db.GetSource(ctx, sourceID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return &Result{Success: false, Message: "source not found"}, nil
		}
		return nil, err
	}
	if !src.Enabled {
		logger.Info("source disabled, skipping run")
		return &Result{Success: true, Message: "source is disabled, skipping"}, nil
	}

	devices, err := r.db.ListSubscribedDevices(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		logger.Info("no subscribed devices, skipping run")
		return &Result{Success: true, Message: "no eligible devices subscribed"}, nil
	}

	adapter, err := r.registry.Get(src.Kind)
	if err != nil {
		return &Result{Success: false, Message: err.Error()}, nil
	}
	if err := adapter.ValidateParams(src.Params); err != nil {
		return &Result{Success: false, Message: fmt.Sprintf("invalid source parameters: %v", err)}, nil
	}

	var out fallpaper.RunOutput
	batches := 0
	lastEmit := time.Now()

	emit := func(ctx context.Context, batch source.Batch) error {
		rm.RecordFetch(time.Since(lastEmit), len(batch))
		batches++
		out.ImagesFound += len(batch)

		survivors, err := r.pruneExisting(ctx, batch, &out)
		if err != nil {
			return err
		}
		survivors = r.pruneIneligible(survivors, devices, &out)

		if len(survivors) > 0 {
			procTimer := perf.Start("process_batch", logger)
			outcome := r.proc.DownloadAndProcessImages(ctx, src.ID, survivors, devices)
			rm.RecordProcess(procTimer.Stop())

			out.ImagesDownloaded += outcome.Downloaded
			out.ImagesSkipped += outcome.Skipped
			out.ImagesFailed += outcome.Failed
			out.Images = append(out.Images, outcome.Results...)
		}

		progress := fmt.Sprintf("Processed batch %d (%d downloaded, %d skipped, %d failed)",
			batches, out.ImagesDownloaded, out.ImagesSkipped, out.ImagesFailed)
		if err := r.db.UpdateRunProgress(ctx, run.ID, out.ImagesDownloaded, out.ImagesFound, progress); err != nil {
			return err
		}
		lastEmit = time.Now()
		return nil
	}

	if err := adapter.FetchBatches(ctx, src.Params, src.LookupLimit, emit); err != nil {
		// Partial progress stays persisted; the run processor decides
		// whether to retry.
		return nil, fmt.Errorf("adapter %s: %w", src.Kind, err)
	}

	metrics.ImagesDownloaded.WithLabelValues(src.Kind).Add(float64(out.ImagesDownloaded))
	metrics.ImagesSkipped.WithLabelValues(src.Kind).Add(float64(out.ImagesSkipped))
	metrics.ImagesFailed.WithLabelValues(src.Kind).Add(float64(out.ImagesFailed))

	logger.WithFields(logrus.Fields{
		"found":      out.ImagesFound,
		"downloaded": out.ImagesDownloaded,
		"skipped":    out.ImagesSkipped,
		"failed":     out.ImagesFailed,
	}).Info("run finished")
	logger.Debug(rm.Summary())

	return &Result{
		Success: true,
		Message: fmt.Sprintf("Downloaded %d of %d images", out.ImagesDownloaded, out.ImagesFound),
		Output:  out,
	}, nil
}

// pruneExisting drops batch items whose download URL is already persisted,
// recording each as a skip. One indexed query per batch.
func (r *Runner) pruneExisting(ctx context.Context, batch source.Batch, out *fallpaper.RunOutput) ([]source.Item, error) {
	urls := make([]string, len(batch))
	for i, item := range batch {
		urls[i] = item.DownloadURL
	}
	existing, err := r.db.FilterExistingDownloadURLs(ctx, urls)
	if err != nil {
		return nil, err
	}

	survivors := make([]source.Item, 0, len(batch))
	for _, item := range batch {
		if existing[item.DownloadURL] {
			out.ImagesSkipped++
			out.Images = append(out.Images, fallpaper.ImageResult{
				DownloadURL: item.DownloadURL,
				Status:      fallpaper.ImageSkipped,
				Reason:      fallpaper.ReasonAlreadyDownload,
			})
			continue
		}
		survivors = append(survivors, item)
	}
	return survivors, nil
}

// pruneIneligible drops items no subscribed device could accept based on
// upstream metadata alone, before any bytes are fetched. Items without
// upstream dimensions pass here; the processor re-checks eligibility once
// the true dimensions are read from the bytes.
func (r *Runner) pruneIneligible(items []source.Item, devices []*fallpaper.Device, out *fallpaper.RunOutput) []source.Item {
	survivors := make([]source.Item, 0, len(items))
	for _, item := range items {
		meta := fallpaper.ImageMeta{
			Width:  item.Width,
			Height: item.Height,
			NSFW:   item.NSFW,
		}
		if len(fallpaper.FindEligibleDevices(devices, meta)) == 0 {
			out.ImagesSkipped++
			out.Images = append(out.Images, fallpaper.ImageResult{
				DownloadURL: item.DownloadURL,
				Status:      fallpaper.ImageSkipped,
				Reason:      fallpaper.ReasonNoDevices,
			})
			continue
		}
		survivors = append(survivors, item)
	}
	return survivors
}
