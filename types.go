// Package fallpaper defines the core data model for the Fallpaper
// media-collection service.
//
// Fallpaper periodically fetches images from upstream sources, filters each
// candidate against the requirements of registered consumer devices, and
// persists matching files into per-device directories. The entities here are
// shared by every subsystem: the SQLite store, the cron scheduler, the run
// processor, and the fetch/filter/download pipeline.
package fallpaper

import (
	"encoding/json"
	"time"
)

// NSFWPolicy controls how a device treats images flagged as NSFW upstream.
type NSFWPolicy int

const (
	// NSFWAcceptAll accepts both SFW and NSFW images.
	NSFWAcceptAll NSFWPolicy = 0
	// NSFWReject rejects images flagged NSFW.
	NSFWReject NSFWPolicy = 1
	// NSFWRequire accepts only images flagged NSFW.
	NSFWRequire NSFWPolicy = 2
)

// Device is a consumer profile. Images are materialized into a per-device
// directory named after Slug when they satisfy the device's constraints.
type Device struct {
	ID      string
	Enabled bool
	Name    string
	Slug    string

	// Native resolution of the device, both positive.
	Width  int
	Height int

	// AspectRatioTolerance is the maximum allowed |deviceRatio - imageRatio|.
	AspectRatioTolerance float64

	// Optional inclusive bounds. Nil means unbounded.
	MinWidth    *int
	MaxWidth    *int
	MinHeight   *int
	MaxHeight   *int
	MinFilesize *int64
	MaxFilesize *int64

	NSFWPolicy NSFWPolicy

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Source is an upstream configuration. Kind selects a registered adapter and
// Params is an opaque object whose shape the adapter defines.
type Source struct {
	ID      string
	Enabled bool
	Name    string
	Kind    string
	Params  json.RawMessage

	// LookupLimit bounds how many upstream items one run inspects.
	LookupLimit int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Schedule binds a cron expression to a source. Each fire inserts one
// pending Run; execution always happens via the run processor.
type Schedule struct {
	ID        string
	SourceID  string
	Cron      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Subscription declares that a device wants images from a source.
// The pair (DeviceID, SourceID) is the composite key.
type Subscription struct {
	DeviceID string
	SourceID string
	Enabled  bool
}

// RunState is the lifecycle state of a Run.
type RunState string

const (
	RunPending   RunState = "pending"
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
	RunCancelled RunState = "cancelled"
)

// RunNameFetchSource is the job kind for scheduled and manual source fetches.
const RunNameFetchSource = "fetch_source"

// DefaultMaxRetries is applied to new runs unless the caller overrides it.
const DefaultMaxRetries = 3

// Run is one execution attempt of a job. Runs are created by the scheduler
// (or manually through the admin surface) and mutated exclusively by the run
// processor and the source runner.
//
// Valid transitions: pending -> running -> {completed|failed}. A pending run
// may be cancelled. On retry a running run resets to pending with an
// advanced ScheduledAt. A persisted "running" row outside an active owner
// process implies a crash and is reclaimed by stale recovery.
type Run struct {
	ID         string
	SourceID   string // optional; empty when the job has no source
	ScheduleID string // optional; informational only
	Name       string
	State      RunState

	Input  json.RawMessage
	Output json.RawMessage
	Error  string

	ProgressCurrent int
	ProgressTotal   int
	ProgressMessage string

	RetryCount int
	MaxRetries int

	ScheduledAt time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Image is the canonical record of a discovered asset. DownloadURL is
// globally unique and is the dedup key across runs.
type Image struct {
	ID          string
	SourceID    string
	WebsiteURL  string
	DownloadURL string

	// Checksum is a hex MD5 of the file content, used for dedup only.
	Checksum string

	Width       int
	Height      int
	AspectRatio float64
	Filesize    int64
	Format      string
	NSFW        bool

	Title           string
	Author          string
	AuthorURL       string
	SourceCreatedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DeviceImage is the materialization of one image onto one device.
// DeviceID and ImageID become empty when the referenced row is deleted
// (set-null semantics); LocalPath remains the authoritative file index.
type DeviceImage struct {
	ID        string
	DeviceID  string
	ImageID   string
	LocalPath string
	CreatedAt time.Time
}

// FetchSourceInput is the JSON input of a "fetch_source" run.
type FetchSourceInput struct {
	SourceID string `json:"source_id"`
}

// ImageResultStatus classifies the outcome of one candidate item in a run.
type ImageResultStatus string

const (
	ImageDownloaded ImageResultStatus = "downloaded"
	ImageSkipped    ImageResultStatus = "skipped"
	ImageFailed     ImageResultStatus = "failed"
)

// ImageResult is the per-item detail stored in a run's output.
type ImageResult struct {
	DownloadURL string            `json:"download_url"`
	Status      ImageResultStatus `json:"status"`
	Reason      string            `json:"reason,omitempty"`
	ImageID     string            `json:"image_id,omitempty"`
}

// RunOutput is the JSON output of a completed "fetch_source" run.
type RunOutput struct {
	ImagesFound      int           `json:"images_found"`
	ImagesDownloaded int           `json:"images_downloaded"`
	ImagesSkipped    int           `json:"images_skipped"`
	ImagesFailed     int           `json:"images_failed"`
	Images           []ImageResult `json:"images,omitempty"`
}

// Marshal encodes the run output for storage in the runs table.
func (o *RunOutput) Marshal() ([]byte, error) {
	return json.Marshal(o)
}

// Unmarshal decodes a stored run output.
func (o *RunOutput) Unmarshal(data []byte) error {
	return json.Unmarshal(data, o)
}
