// Package main implements the Fallpaper daemon and its management CLI.
//
// The daemon wires the store, the source adapters, the download/process
// pipeline, the run processor and the cron scheduler together and runs
// until signalled. The remaining subcommands are one-shot operations
// against the same database.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fallpaper/fallpaper"
	"github.com/fallpaper/fallpaper/admin"
	"github.com/fallpaper/fallpaper/config"
	"github.com/fallpaper/fallpaper/database"
	"github.com/fallpaper/fallpaper/downloader"
	"github.com/fallpaper/fallpaper/processor"
	"github.com/fallpaper/fallpaper/runner"
	"github.com/fallpaper/fallpaper/runs"
	"github.com/fallpaper/fallpaper/scheduler"
	"github.com/fallpaper/fallpaper/source"
	"github.com/fallpaper/fallpaper/tui"
)

// cliFlags holds flag values shared across subcommands.
type cliFlags struct {
	ConfigPath string
	LogLevel   string

	// Command-specific flags
	SourceID string
	Cursor   string
	Limit    int
	Wait     bool
	Inline   bool
}

var (
	// Global logger
	log = logrus.New()

	// Command flags
	daemonCmd     = flag.NewFlagSet("daemon", flag.ExitOnError)
	runSourceCmd  = flag.NewFlagSet("run-source", flag.ExitOnError)
	listRunsCmd   = flag.NewFlagSet("list-runs", flag.ExitOnError)
	listImagesCmd = flag.NewFlagSet("list-images", flag.ExitOnError)
	monitorCmd    = flag.NewFlagSet("monitor", flag.ExitOnError)
	initConfigCmd = flag.NewFlagSet("init-config", flag.ExitOnError)
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	flags := cliFlags{Limit: 20}

	switch os.Args[1] {
	case "daemon":
		parseCommonFlags(&flags, daemonCmd, os.Args[2:])
		if err := runDaemon(flags); err != nil {
			log.WithError(err).Fatal("daemon failed")
		}
	case "run-source":
		parseRunSourceFlags(&flags, runSourceCmd, os.Args[2:])
		if err := runRunSource(flags); err != nil {
			log.WithError(err).Fatal("failed to run source")
		}
	case "list-runs":
		parseListFlags(&flags, listRunsCmd, os.Args[2:])
		if err := runListRuns(flags); err != nil {
			log.WithError(err).Fatal("failed to list runs")
		}
	case "list-images":
		parseListFlags(&flags, listImagesCmd, os.Args[2:])
		if err := runListImages(flags); err != nil {
			log.WithError(err).Fatal("failed to list images")
		}
	case "monitor":
		parseMonitorFlags(&flags, monitorCmd, os.Args[2:])
		if err := runMonitor(flags); err != nil {
			log.WithError(err).Fatal("monitor failed")
		}
	case "init-config":
		parseCommonFlags(&flags, initConfigCmd, os.Args[2:])
		if err := runInitConfig(flags); err != nil {
			log.WithError(err).Fatal("failed to write config")
		}
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Fallpaper wallpaper collection service")
	fmt.Println()
	fmt.Println("Usage: fallpaper <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  daemon        Run the scheduler and run processor until signalled")
	fmt.Println("  run-source    Queue a manual fetch run for one source")
	fmt.Println("  list-runs     List recent runs")
	fmt.Println("  list-images   Page through collected images")
	fmt.Println("  monitor       Interactive run monitor")
	fmt.Println("  init-config   Print the effective configuration as KEY=value lines")
	fmt.Println()
	fmt.Println("Run 'fallpaper <command> --help' for more information on a command.")
}

func parseCommonFlags(flags *cliFlags, fs *flag.FlagSet, args []string) {
	fs.StringVar(&flags.ConfigPath, "config", "", "Path to the dotenv config file")
	fs.StringVar(&flags.LogLevel, "log-level", "", "Log level override (debug, info, warn, error)")
	fs.Parse(args)
}

func parseRunSourceFlags(flags *cliFlags, fs *flag.FlagSet, args []string) {
	fs.StringVar(&flags.SourceID, "source", "", "Source id (required)")
	fs.BoolVar(&flags.Wait, "wait", true, "Wait for the run to finish")
	fs.StringVar(&flags.ConfigPath, "config", "", "Path to the dotenv config file")
	fs.StringVar(&flags.LogLevel, "log-level", "", "Log level override")
	fs.Parse(args)

	if flags.SourceID == "" {
		fmt.Println("Error: --source is required")
		fs.Usage()
		os.Exit(1)
	}
}

func parseListFlags(flags *cliFlags, fs *flag.FlagSet, args []string) {
	fs.IntVar(&flags.Limit, "limit", 20, "Maximum entries to print")
	fs.StringVar(&flags.Cursor, "cursor", "", "Continue from a previous page's cursor")
	fs.StringVar(&flags.ConfigPath, "config", "", "Path to the dotenv config file")
	fs.StringVar(&flags.LogLevel, "log-level", "", "Log level override")
	fs.Parse(args)
}

func parseMonitorFlags(flags *cliFlags, fs *flag.FlagSet, args []string) {
	fs.BoolVar(&flags.Inline, "inline", false, "Run inline (no alt-screen, for SSH/scripting)")
	fs.StringVar(&flags.ConfigPath, "config", "", "Path to the dotenv config file")
	fs.Parse(args)
}

// loadConfig builds the configuration store and applies the log level.
func loadConfig(flags cliFlags) (*config.Store, *config.Config, error) {
	store, err := config.NewStore(flags.ConfigPath)
	if err != nil {
		return nil, nil, err
	}
	cfg := store.Current()

	level := cfg.LogLevel
	if flags.LogLevel != "" {
		level = flags.LogLevel
	}
	if err := setupLogger(level); err != nil {
		return nil, nil, err
	}
	return store, cfg, nil
}

// setupLogger configures the global logger.
func setupLogger(level string) error {
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	log.SetLevel(lvl)
	return nil
}

func openDatabase(cfg *config.Config) (*database.DB, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	dbCfg := database.DefaultConfig()
	dbCfg.Path = cfg.Database.Path
	dbCfg.QueryLogging = cfg.Database.QueryLogging
	dbCfg.Tracing = cfg.Database.Tracing
	return database.New(dbCfg, log)
}

// newRegistry builds the adapter registry with every built-in kind.
func newRegistry(cfg *config.Config) *source.Registry {
	opts := source.Options{
		UserAgent:  cfg.Runner.UserAgent,
		HTTPClient: &http.Client{Timeout: cfg.Runner.RequestTimeout},
		Logger:     log,
	}
	return source.NewRegistry(
		source.NewRedditAdapter(opts),
		source.NewS3Adapter(opts),
		source.NewGalleryAdapter(opts),
	)
}

// pipeline holds the wired-together processing stack.
type pipeline struct {
	db        *database.DB
	registry  *source.Registry
	processor *processor.Processor
	runner    *runner.Runner
	runs      *runs.Processor
}

// buildPipeline wires the store, adapters, downloader, processor, runner
// and run processor in dependency order.
func buildPipeline(cfg *config.Config) (*pipeline, error) {
	db, err := openDatabase(cfg)
	if err != nil {
		return nil, err
	}

	registry := newRegistry(cfg)

	dl := downloader.New(downloader.Config{
		MaxConcurrent:       cfg.Runner.MaxConcurrentDownloads,
		MinSpeedBytesPerSec: cfg.Runner.MinSpeedBytesPerSec,
		SlowSpeedTimeout:    cfg.Runner.SlowSpeedTimeout,
		SpeedCheckInterval:  cfg.Runner.SpeedCheckInterval,
		RequestTimeout:      cfg.Runner.RequestTimeout,
		UserAgent:           cfg.Runner.UserAgent,
	}, nil, log)

	proc := processor.New(db, dl, processor.Config{
		ImageDir: cfg.Runner.ImageDir,
		TempDir:  cfg.Runner.TempDir,
	}, log)

	run := runner.New(db, registry, proc, log)

	rp := runs.New(db, run, runs.Config{
		StaleRunTimeout:  cfg.Scheduler.StaleRunTimeout,
		MaxPerPoll:       cfg.Scheduler.MaxPendingRunsPerPoll,
		RetryBackoffBase: cfg.Scheduler.RetryBackoffBase,
	}, log)

	return &pipeline{
		db:        db,
		registry:  registry,
		processor: proc,
		runner:    run,
		runs:      rp,
	}, nil
}

// runDaemon starts the full service and blocks until SIGINT or SIGTERM.
func runDaemon(flags cliFlags) error {
	_, cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, err := buildPipeline(cfg)
	if err != nil {
		return err
	}
	defer p.db.Close()

	// Orphaned staging files from a previous crash go first.
	if err := p.processor.SweepTemp(); err != nil {
		log.WithError(err).Warn("failed to sweep temp directory")
	}

	sched, err := scheduler.New(p.db, p.runs, log)
	if err != nil {
		return err
	}
	if err := sched.Start(ctx, cfg.Scheduler.PollCron); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	log.WithFields(logrus.Fields{
		"database":  cfg.Database.Path,
		"image_dir": cfg.Runner.ImageDir,
		"kinds":     p.registry.Kinds(),
	}).Info("daemon started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.WithField("signal", sig).Info("received shutdown signal")

	cancel()
	sched.Stop()
	log.Info("shutdown complete")
	return nil
}

// runRunSource queues a manual run and optionally drives it to completion
// in-process.
func runRunSource(flags cliFlags) error {
	_, cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}

	ctx := context.Background()
	p, err := buildPipeline(cfg)
	if err != nil {
		return err
	}
	defer p.db.Close()

	adm := admin.New(p.db, p.registry, nil, nil, log)
	run, err := adm.CreateManualRun(ctx, flags.SourceID, false)
	if err != nil {
		return err
	}
	fmt.Printf("Run %s queued for source %s\n", run.ID, flags.SourceID)

	if !flags.Wait {
		return nil
	}

	// One-shot: tick until the queued run reaches a terminal state.
	for {
		if err := p.runs.Tick(ctx); err != nil {
			return err
		}
		got, err := p.db.GetRun(ctx, run.ID)
		if err != nil {
			return err
		}
		switch got.State {
		case fallpaper.RunCompleted:
			fmt.Printf("Run completed: %s\n", got.ProgressMessage)
			return nil
		case fallpaper.RunFailed:
			return fmt.Errorf("run failed: %s", got.Error)
		case fallpaper.RunCancelled:
			fmt.Println("Run cancelled")
			return nil
		}
		time.Sleep(time.Second)
	}
}

// runListRuns prints recent runs.
func runListRuns(flags cliFlags) error {
	_, cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}

	ctx := context.Background()
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	listed, err := db.ListRecentRuns(ctx, flags.Limit)
	if err != nil {
		return err
	}

	fmt.Printf("Found %d runs:\n\n", len(listed))
	for _, run := range listed {
		fmt.Printf("Run %s\n", run.ID)
		fmt.Printf("  State:       %s\n", run.State)
		fmt.Printf("  Name:        %s\n", run.Name)
		if run.SourceID != "" {
			fmt.Printf("  Source:      %s\n", run.SourceID)
		}
		if run.ProgressTotal > 0 {
			fmt.Printf("  Progress:    %d/%d %s\n", run.ProgressCurrent, run.ProgressTotal, run.ProgressMessage)
		}
		if run.RetryCount > 0 {
			fmt.Printf("  Retries:     %d of %d\n", run.RetryCount, run.MaxRetries)
		}
		if run.Error != "" {
			fmt.Printf("  Error:       %s\n", run.Error)
		}
		fmt.Printf("  Scheduled:   %s\n", run.ScheduledAt.Format(time.RFC3339))
		if run.CompletedAt != nil {
			fmt.Printf("  Completed:   %s\n", run.CompletedAt.Format(time.RFC3339))
		}
		fmt.Println()
	}
	return nil
}

// runListImages prints one gallery page and the cursor for the next.
func runListImages(flags cliFlags) error {
	_, cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}

	ctx := context.Background()
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	total, err := db.CountImages(ctx)
	if err != nil {
		return err
	}
	page, err := db.ListImagesPage(ctx, flags.Cursor, flags.Limit)
	if err != nil {
		return err
	}

	fmt.Printf("Showing %d of %d images:\n\n", len(page.Images), total)
	for _, img := range page.Images {
		fmt.Printf("Image %s\n", img.ID)
		fmt.Printf("  URL:         %s\n", img.DownloadURL)
		fmt.Printf("  Dimensions:  %dx%d (%s)\n", img.Width, img.Height, img.Format)
		fmt.Printf("  Size:        %d bytes\n", img.Filesize)
		if img.Title != "" {
			fmt.Printf("  Title:       %s\n", img.Title)
		}
		fmt.Printf("  Created:     %s\n", img.CreatedAt.Format(time.RFC3339))
		fmt.Println()
	}
	if page.NextCursor != "" {
		fmt.Printf("Next page: --cursor %s\n", page.NextCursor)
	}
	return nil
}

// runMonitor starts the interactive run monitor.
func runMonitor(flags cliFlags) error {
	store, err := config.NewStore(flags.ConfigPath)
	if err != nil {
		return err
	}
	cfg := store.Current()

	// Suppress log output to avoid mixing with the TUI.
	log.SetOutput(io.Discard)
	stdlog.SetOutput(io.Discard)

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	tuiCfg := tui.DefaultMonitorConfig()
	tuiCfg.Inline = flags.Inline
	return tui.Run(db, tuiCfg)
}

// runInitConfig prints the effective configuration, suitable as a starting
// config file.
func runInitConfig(flags cliFlags) error {
	_, cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	for _, line := range cfg.Dump() {
		fmt.Println(line)
	}
	return nil
}
