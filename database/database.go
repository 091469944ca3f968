// Package database provides the SQLite persistence layer for Fallpaper.
//
// It owns every entity of the data model (devices, sources, schedules,
// subscriptions, runs, images, device images) and exposes typed CRUD plus
// the specialised run-claim and stale-recovery queries used by the run
// processor. All other components borrow rows through this package and must
// not assume in-memory identity.
//
// The database uses WAL mode for concurrent access and keeps referential
// integrity through foreign keys. Uniqueness (device slug, source name,
// image download URL, device/image pairs) is enforced at the schema layer
// and surfaced as ErrConflict.
//
// # Named queries
//
// Callers may attach a label to a context with WithQueryLabel; every
// statement emitted under that context is logged (when query logging is on)
// and wrapped in an otel span (when tracing is on) under that label.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	_ "modernc.org/sqlite" // SQLite driver
)

// Config holds database configuration.
type Config struct {
	// Path to the SQLite database file.
	Path string

	// QueryLogging logs every labelled statement with its duration.
	QueryLogging bool

	// Tracing opens an otel span per labelled statement.
	Tracing bool

	// MaxOpenConns is the maximum number of open connections.
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections.
	MaxIdleConns int

	// ConnMaxLifetime is the maximum lifetime of a connection.
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns a default database configuration.
func DefaultConfig() Config {
	return Config{
		Path:            "/var/lib/fallpaper/fallpaper.db",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 1 * time.Hour,
	}
}

// DB wraps the SQL database with typed entity operations.
type DB struct {
	db     *sql.DB
	path   string
	logger logrus.FieldLogger
	tracer trace.Tracer

	queryLogging bool
	tracing      bool
}

// New opens the database, applies pragmas and runs pending migrations.
// The handle must be opened once per process and shared.
func New(cfg Config, logger logrus.FieldLogger) (*DB, error) {
	if logger == nil {
		logger = logrus.New()
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",   // concurrent reads during writes
		"PRAGMA foreign_keys = ON",    // cascade / set-null semantics
		"PRAGMA synchronous = NORMAL", // balance durability and speed
		"PRAGMA busy_timeout = 5000",  // 5 second timeout for locks
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	d := &DB{
		db:           db,
		path:         cfg.Path,
		logger:       logger.WithField("component", "database"),
		tracer:       otel.Tracer("fallpaper/database"),
		queryLogging: cfg.QueryLogging,
		tracing:      cfg.Tracing,
	}

	if err := d.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return d, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping verifies the database connection is alive.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

type queryLabelKey struct{}

// WithQueryLabel attaches a scope label to the context. Every statement
// emitted under the returned context carries the label in query logs and
// trace spans.
func WithQueryLabel(ctx context.Context, label string) context.Context {
	return context.WithValue(ctx, queryLabelKey{}, label)
}

func queryLabel(ctx context.Context) string {
	if label, ok := ctx.Value(queryLabelKey{}).(string); ok {
		return label
	}
	return "unlabelled"
}

// observe starts per-statement observability. The returned func must be
// called when the statement finishes.
func (d *DB) observe(ctx context.Context) (context.Context, func(err error)) {
	label := queryLabel(ctx)

	var span trace.Span
	if d.tracing {
		ctx, span = d.tracer.Start(ctx, label,
			trace.WithAttributes(attribute.String("db.system", "sqlite")))
	}
	start := time.Now()

	return ctx, func(err error) {
		if span != nil {
			if err != nil {
				span.RecordError(err)
			}
			span.End()
		}
		if d.queryLogging {
			entry := d.logger.WithFields(logrus.Fields{
				"query":       label,
				"duration_ms": time.Since(start).Milliseconds(),
			})
			if err != nil {
				entry.WithError(err).Warn("query failed")
			} else {
				entry.Debug("query executed")
			}
		}
	}
}

func (d *DB) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	ctx, done := d.observe(ctx)
	res, err := d.db.ExecContext(ctx, query, args...)
	done(err)
	return res, err
}

func (d *DB) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	ctx, done := d.observe(ctx)
	rows, err := d.db.QueryContext(ctx, query, args...)
	done(err)
	return rows, err
}

func (d *DB) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	ctx, done := d.observe(ctx)
	row := d.db.QueryRowContext(ctx, query, args...)
	done(nil)
	return row
}

// withTx runs fn inside a transaction, rolling back on error.
func (d *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	ctx, done := d.observe(ctx)
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		done(err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		done(err)
		return err
	}
	err = tx.Commit()
	done(err)
	if err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// prefixColumns qualifies every column in a comma-separated list with a
// table alias, for use in joins.
func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// Timestamps are stored as integer Unix epoch milliseconds; booleans as 0/1.

func ms(t time.Time) int64 {
	return t.UnixMilli()
}

func nowMS() int64 {
	return time.Now().UnixMilli()
}

func msPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMS(v int64) time.Time {
	return time.UnixMilli(v)
}

func fromNullMS(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}
