// Package sqlite persists finished run reports using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nevindra/cascade"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing and row counts. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements cascade.RunStore backed by a local SQLite file. Each
// run is stored as a summary row plus the full report as JSON.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ cascade.RunStore = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: run store opened", "path", dbPath)
	return s
}

// Init creates the runs table.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS runs (
		session_id TEXT PRIMARY KEY,
		event TEXT,
		status TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		entries INTEGER NOT NULL,
		issues INTEGER NOT NULL,
		report TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	return nil
}

// SaveRun stores one finished run, replacing any previous row with the
// same session id.
func (s *Store) SaveRun(ctx context.Context, report *cascade.RunReport) error {
	start := time.Now()
	blob, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT OR REPLACE INTO runs
		(session_id, event, status, started_at, duration_ms, entries, issues, report)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		report.SessionID, report.Event, string(report.Status),
		report.StartedAt.UnixMilli(), report.Duration.Milliseconds(),
		report.Entries, report.IssueCount(), string(blob))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	s.logger.Debug("sqlite: run saved",
		"session", report.SessionID, "bytes", len(blob), "took", time.Since(start))
	return nil
}

// RunSummary is one row of run history without the full report payload.
type RunSummary struct {
	SessionID string
	Event     string
	Status    cascade.RunStatus
	StartedAt time.Time
	Duration  time.Duration
	Entries   int
	Issues    int
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT session_id, event, status,
		started_at, duration_ms, entries, issues
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var r RunSummary
		var startedMs, durMs int64
		if err := rows.Scan(&r.SessionID, &r.Event, &r.Status, &startedMs, &durMs, &r.Entries, &r.Issues); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt = time.UnixMilli(startedMs)
		r.Duration = time.Duration(durMs) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRun loads the full report for one session. Returns sql.ErrNoRows
// when the session is unknown.
func (s *Store) GetRun(ctx context.Context, sessionID string) (*cascade.RunReport, error) {
	var blob string
	err := s.db.QueryRowContext(ctx,
		`SELECT report FROM runs WHERE session_id = ?`, sessionID).Scan(&blob)
	if err != nil {
		return nil, err
	}
	var report cascade.RunReport
	if err := json.Unmarshal([]byte(blob), &report); err != nil {
		return nil, fmt.Errorf("unmarshal report: %w", err)
	}
	return &report, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }
