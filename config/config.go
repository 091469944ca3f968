// Package config loads Fallpaper configuration from three layers: built-in
// defaults, an optional dotenv file, and process environment variables.
// Later layers win per key. The loaded Config is immutable; Reload on a
// Store produces a fresh snapshot and swaps it atomically.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/immutable"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// EnvPrefix is the fixed prefix of every recognized key, in the file and in
// the environment alike.
const EnvPrefix = "FALLPAPER_"

// Config is one immutable configuration snapshot.
type Config struct {
	LogLevel string

	Database  DatabaseConfig
	Scheduler SchedulerConfig
	Runner    RunnerConfig

	// raw holds the merged KEY=value space the snapshot was built from.
	raw *immutable.Map[string, string]
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	Path         string
	QueryLogging bool
	Tracing      bool
}

// SchedulerConfig configures the cron scheduler and the run processor.
type SchedulerConfig struct {
	PollCron              string
	StaleRunTimeout       time.Duration
	MaxPendingRunsPerPoll int
	RetryBackoffBase      time.Duration
}

// RunnerConfig configures the source runner, downloader and processor.
type RunnerConfig struct {
	ImageDir               string
	TempDir                string
	MaxConcurrentDownloads int
	MinSpeedBytesPerSec    int64
	SlowSpeedTimeout       time.Duration
	SpeedCheckInterval     time.Duration
	RequestTimeout         time.Duration
	UserAgent              string
}

// Default returns the built-in defaults, the bottom layer of every load.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Database: DatabaseConfig{
			Path: "/var/lib/fallpaper/fallpaper.db",
		},
		Scheduler: SchedulerConfig{
			PollCron:              "* * * * *",
			StaleRunTimeout:       30 * time.Minute,
			MaxPendingRunsPerPoll: 5,
			RetryBackoffBase:      1 * time.Minute,
		},
		Runner: RunnerConfig{
			ImageDir:               "/var/lib/fallpaper/images",
			TempDir:                "/var/lib/fallpaper/tmp",
			MaxConcurrentDownloads: 4,
			MinSpeedBytesPerSec:    10 * 1024,
			SlowSpeedTimeout:       30 * time.Second,
			SpeedCheckInterval:     1 * time.Second,
			RequestTimeout:         5 * time.Minute,
			UserAgent:              "fallpaper/1.0",
		},
	}
}

// Load builds a Config from defaults, the dotenv file at path (skipped when
// path is empty or the file is absent), and FALLPAPER_-prefixed environment
// variables. The result is validated before it is returned.
func Load(path string) (*Config, error) {
	b := immutable.NewMapBuilder[string, string](nil)

	if path != "" {
		fileVars, err := godotenv.Read(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
		} else {
			for k, v := range fileVars {
				if strings.HasPrefix(k, EnvPrefix) {
					b.Set(k, v)
				}
			}
		}
	}

	// Environment overrides the file, but only with non-empty values.
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, EnvPrefix) || v == "" {
			continue
		}
		b.Set(k, v)
	}

	return build(b.Map())
}

func build(raw *immutable.Map[string, string]) (*Config, error) {
	cfg := Default()
	cfg.raw = raw

	var errs []error
	get := func(key string) (string, bool) {
		return raw.Get(EnvPrefix + key)
	}
	setStr := func(key string, dst *string) {
		if v, ok := get(key); ok {
			*dst = v
		}
	}
	setBool := func(key string, dst *bool) {
		if v, ok := get(key); ok {
			parsed, err := parseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = parsed
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := get(key); ok {
			parsed, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: not an integer: %q", EnvPrefix, key, v))
				return
			}
			*dst = parsed
		}
	}
	setInt64 := func(key string, dst *int64) {
		if v, ok := get(key); ok {
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: not an integer: %q", EnvPrefix, key, v))
				return
			}
			*dst = parsed
		}
	}
	setDur := func(key string, dst *time.Duration) {
		if v, ok := get(key); ok {
			parsed, err := parseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = parsed
		}
	}

	setStr("LOG_LEVEL", &cfg.LogLevel)

	setStr("DATABASE_PATH", &cfg.Database.Path)
	setBool("DATABASE_QUERY_LOGGING", &cfg.Database.QueryLogging)
	setBool("DATABASE_TRACING", &cfg.Database.Tracing)

	setStr("SCHEDULER_POLL_CRON", &cfg.Scheduler.PollCron)
	setDur("SCHEDULER_STALE_RUN_TIMEOUT", &cfg.Scheduler.StaleRunTimeout)
	setInt("SCHEDULER_MAX_PENDING_RUNS_PER_POLL", &cfg.Scheduler.MaxPendingRunsPerPoll)
	setDur("SCHEDULER_RETRY_BACKOFF_BASE", &cfg.Scheduler.RetryBackoffBase)

	setStr("RUNNER_IMAGE_DIR", &cfg.Runner.ImageDir)
	setStr("RUNNER_TEMP_DIR", &cfg.Runner.TempDir)
	setInt("RUNNER_MAX_CONCURRENT_DOWNLOADS", &cfg.Runner.MaxConcurrentDownloads)
	setInt64("RUNNER_MIN_SPEED_BYTES_PER_SEC", &cfg.Runner.MinSpeedBytesPerSec)
	setDur("RUNNER_SLOW_SPEED_TIMEOUT", &cfg.Runner.SlowSpeedTimeout)
	setDur("RUNNER_SPEED_CHECK_INTERVAL", &cfg.Runner.SpeedCheckInterval)
	setDur("RUNNER_REQUEST_TIMEOUT", &cfg.Runner.RequestTimeout)
	setStr("RUNNER_USER_AGENT", &cfg.Runner.UserAgent)

	if len(errs) > 0 {
		return nil, errs[0]
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path must not be empty")
	}
	if _, err := cron.ParseStandard(c.Scheduler.PollCron); err != nil {
		return fmt.Errorf("invalid scheduler poll cron %q: %w", c.Scheduler.PollCron, err)
	}
	if c.Scheduler.StaleRunTimeout <= 0 {
		return fmt.Errorf("stale run timeout must be positive")
	}
	if c.Scheduler.MaxPendingRunsPerPoll <= 0 {
		return fmt.Errorf("max pending runs per poll must be positive")
	}
	if c.Scheduler.RetryBackoffBase <= 0 {
		return fmt.Errorf("retry backoff base must be positive")
	}
	if c.Runner.ImageDir == "" || c.Runner.TempDir == "" {
		return fmt.Errorf("image and temp directories must not be empty")
	}
	if c.Runner.MaxConcurrentDownloads <= 0 {
		return fmt.Errorf("max concurrent downloads must be positive")
	}
	if c.Runner.MinSpeedBytesPerSec < 0 {
		return fmt.Errorf("min speed must not be negative")
	}
	if c.Runner.SlowSpeedTimeout <= 0 || c.Runner.SpeedCheckInterval <= 0 {
		return fmt.Errorf("slow speed timeout and speed check interval must be positive")
	}
	if c.Runner.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}
	return nil
}

// Dump returns the merged raw KEY=value lines, sorted by key. Keys the
// snapshot never saw (pure defaults) do not appear.
func (c *Config) Dump() []string {
	if c.raw == nil {
		return nil
	}
	lines := make([]string, 0, c.raw.Len())
	itr := c.raw.Iterator()
	for !itr.Done() {
		k, v, _ := itr.Next()
		lines = append(lines, k+"="+v)
	}
	sort.Strings(lines)
	return lines
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "true", "1":
		return true, nil
	case "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean: %q", v)
}

// parseDuration accepts Go duration syntax ("30s", "5m") and bare decimal
// integers, which are read as seconds.
func parseDuration(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("not a duration: %q", v)
	}
	return d, nil
}
