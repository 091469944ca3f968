// Package metrics registers the Prometheus collectors for the run engine
// and the fetch pipeline. Export wiring is up to the embedding process;
// collectors live on the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fallpaper_runs_started_total",
		Help: "Runs claimed and started by the run processor.",
	})
	RunsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fallpaper_runs_completed_total",
		Help: "Runs finished in state completed.",
	})
	RunsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fallpaper_runs_failed_total",
		Help: "Runs finished in state failed.",
	})
	RunsRetried = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fallpaper_runs_retried_total",
		Help: "Runs reset to pending for a retry.",
	})
	RunsRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fallpaper_runs_recovered_total",
		Help: "Stale running rows reclaimed by recovery.",
	})

	ImagesDownloaded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fallpaper_images_downloaded_total",
		Help: "Images persisted, by source kind.",
	}, []string{"kind"})
	ImagesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fallpaper_images_skipped_total",
		Help: "Candidate items skipped, by source kind.",
	}, []string{"kind"})
	ImagesFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fallpaper_images_failed_total",
		Help: "Candidate items failed, by source kind.",
	}, []string{"kind"})

	BytesDownloaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fallpaper_bytes_downloaded_total",
		Help: "Total bytes fetched from upstream content hosts.",
	})

	ActiveRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fallpaper_active_runs",
		Help: "Runs currently executing in this process.",
	})
)
