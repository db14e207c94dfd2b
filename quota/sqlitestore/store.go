// Package sqlitestore persists quota usage records in SQLite so counters
// survive restarts.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/spdeepak/capsulegate/quota"

	// Import modernc.org/sqlite as a blank import to register the driver
	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements quota.Persister on a SQLite database.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the database at path and ensures the schema.
// Use ":memory:" for a throwaway database.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		// every new connection to :memory: is a different database
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}
	if err := s.createSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(context.Background(), pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) createSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS usage_records (
		identity TEXT PRIMARY KEY,
		plan TEXT NOT NULL DEFAULT 'free',
		daily_count INTEGER NOT NULL DEFAULT 0 CHECK (daily_count >= 0),
		window_start TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("failed to create usage_records table: %w", err)
	}
	return nil
}

// Load implements quota.Persister.
func (s *Store) Load(ctx context.Context, identity string) (quota.UsageRecord, bool, error) {
	query := `
		SELECT plan, daily_count, window_start
		FROM usage_records
		WHERE identity = ?
	`

	var plan, windowStart string
	var count int
	err := s.db.QueryRowContext(ctx, query, identity).Scan(&plan, &count, &windowStart)
	if errors.Is(err, sql.ErrNoRows) {
		return quota.UsageRecord{}, false, nil
	}
	if err != nil {
		return quota.UsageRecord{}, false, fmt.Errorf("failed to load usage for %q: %w", identity, err)
	}

	start, err := time.Parse(timeLayout, windowStart)
	if err != nil {
		return quota.UsageRecord{}, false, fmt.Errorf("failed to parse window start for %q: %w", identity, err)
	}

	return quota.UsageRecord{
		Identity:    identity,
		Plan:        quota.Plan(plan),
		DailyCount:  count,
		WindowStart: start,
	}, true, nil
}

// Save implements quota.Persister.
func (s *Store) Save(ctx context.Context, record quota.UsageRecord) error {
	query := `
		INSERT INTO usage_records (identity, plan, daily_count, window_start, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			plan = excluded.plan,
			daily_count = excluded.daily_count,
			window_start = excluded.window_start,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		record.Identity,
		string(record.Plan),
		record.DailyCount,
		record.WindowStart.UTC().Format(timeLayout),
		time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to save usage for %q: %w", record.Identity, err)
	}
	return nil
}

// Count returns the number of stored identities.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM usage_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count usage records: %w", err)
	}
	return n, nil
}

// Prune removes records whose window started before cutoff and returns how
// many were deleted.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM usage_records WHERE window_start < ?`,
		cutoff.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune usage records: %w", err)
	}
	return res.RowsAffected()
}

// RetentionOptions configures StartRetention.
type RetentionOptions struct {
	// Window is the quota window. A record whose window started more than one
	// window ago is expired and would be reset on its next use anyway.
	Window time.Duration
	Every  time.Duration
	Clock  clockwork.Clock
	Logger *slog.Logger
}

// StartRetention prunes expired records every opts.Every until ctx is done.
// A non-positive Every or Window disables it.
func (s *Store) StartRetention(ctx context.Context, opts RetentionOptions) {
	if opts.Every <= 0 || opts.Window <= 0 {
		return
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ticker := opts.Clock.NewTicker(opts.Every)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				s.pruneExpired(ctx, opts)
			}
		}
	}()
}

func (s *Store) pruneExpired(ctx context.Context, opts RetentionOptions) {
	removed, err := s.Prune(ctx, opts.Clock.Now().Add(-opts.Window))
	if err != nil {
		opts.Logger.Error("Failed to prune usage records", slog.Any("error", err))
		return
	}
	if removed == 0 {
		return
	}
	remaining, err := s.Count(ctx)
	if err != nil {
		opts.Logger.Warn("Pruned usage records", slog.Int64("removed", removed), slog.Any("error", err))
		return
	}
	opts.Logger.Info("Pruned usage records", slog.Int64("removed", removed), slog.Int("remaining", remaining))
}
