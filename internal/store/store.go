// Package store is the single persistence layer for setfarm: runs, steps,
// stories, events and medic-check audit rows, backed by an embedded SQLite
// database (modernc.org/sqlite). All mutating
// operations run inside a transaction; the compound operations the claim
// protocol and the engines need (seed, claim, complete, fail, reset,
// resume) live in transactions.go as single atomic units.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the database handle. SetMaxOpenConns(1) makes the
// single-writer property from spec §4.1 explicit rather than relying on
// SQLite's own lock to serialize callers.
type Store struct {
	db *sql.DB
}

// Open creates or attaches to the database at path, running migrations.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.configurePragmas(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
	} {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		task TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'running',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		meta TEXT NOT NULL DEFAULT '{}'
	);

	CREATE TABLE IF NOT EXISTS steps (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES runs(id),
		step_index INTEGER NOT NULL,
		step_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT 'single',
		status TEXT NOT NULL DEFAULT 'waiting',
		retry_count INTEGER NOT NULL DEFAULT 0,
		abandoned_count INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		input TEXT NOT NULL DEFAULT '',
		output TEXT NOT NULL DEFAULT '',
		output_values TEXT NOT NULL DEFAULT '{}',
		loop_source_step TEXT NOT NULL DEFAULT '',
		loop_workers INTEGER NOT NULL DEFAULT 0,
		loop_verify_step TEXT NOT NULL DEFAULT '',
		loop_verify_each INTEGER NOT NULL DEFAULT 0,
		current_story_id TEXT NOT NULL DEFAULT '',
		UNIQUE(run_id, step_index)
	);

	CREATE TABLE IF NOT EXISTS stories (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES runs(id),
		step_id TEXT NOT NULL REFERENCES steps(id),
		story_id TEXT NOT NULL,
		story_index INTEGER NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		input TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		output TEXT NOT NULL DEFAULT '',
		output_values TEXT NOT NULL DEFAULT '{}',
		retry_count INTEGER NOT NULL DEFAULT 0,
		abandoned_count INTEGER NOT NULL DEFAULT 0,
		pending_verify INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		event_kind TEXT NOT NULL,
		run_id TEXT NOT NULL,
		step_id TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS medic_checks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		checked_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		issues_found INTEGER NOT NULL DEFAULT 0,
		actions_taken INTEGER NOT NULL DEFAULT 0,
		summary TEXT NOT NULL DEFAULT '',
		findings_json TEXT NOT NULL DEFAULT '[]'
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_steps_run ON steps(run_id, step_index);
	CREATE INDEX IF NOT EXISTS idx_steps_claimable ON steps(agent_id, status);
	CREATE INDEX IF NOT EXISTS idx_steps_running ON steps(status) WHERE status = 'running';
	CREATE INDEX IF NOT EXISTS idx_stories_step ON stories(step_id, story_index);
	CREATE INDEX IF NOT EXISTS idx_stories_claimable ON stories(status);
	CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, id);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if err := s.pruneMedicChecks(ctx); err != nil {
		return err
	}
	return nil
}

// pruneMedicChecks enforces the "bounded retention (last 500)" rule from
// spec §3 at startup and after every RecordMedicCheck, so a long-lived
// deployment's audit table doesn't grow unbounded.
func (s *Store) pruneMedicChecks(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM medic_checks WHERE id NOT IN (
			SELECT id FROM medic_checks ORDER BY id DESC LIMIT 500
		);
	`)
	return err
}

// retryOnBusy retries f while SQLite reports the database is busy or
// locked, with bounded exponential backoff and jitter: short transactions
// can still collide under concurrent CLI invocations against one file.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 25 * time.Millisecond
	const maxDelay = 400 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay/2) + 1))
		delay = delay - delay/4 + jitter

		slog.Debug("sqlite busy, retrying", "attempt", attempt, "delay", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database table is locked")
}

// withTx runs f inside a transaction, retrying on busy, committing on nil
// error and rolling back otherwise.
func (s *Store) withTx(ctx context.Context, f func(tx *sql.Tx) error) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback()

		if err := f(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}
