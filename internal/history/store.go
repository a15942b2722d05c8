// Package history persists terminal run summaries to a local SQLite file.
// Only terminal outcomes are recorded, never the animation timeline.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/specnet-ai/specviz/internal/model"
)

// ErrClosed is returned by store operations after Close.
var ErrClosed = errors.New("history: store is closed")

const defaultRecentLimit = 20

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id                      TEXT PRIMARY KEY,
	prompt                  TEXT NOT NULL,
	mode                    TEXT NOT NULL,
	status                  TEXT NOT NULL,
	request_id              TEXT NOT NULL DEFAULT '',
	generated_text          TEXT NOT NULL DEFAULT '',
	total_tokens            INTEGER NOT NULL DEFAULT 0,
	drafted                 INTEGER NOT NULL DEFAULT 0,
	accepted                INTEGER NOT NULL DEFAULT 0,
	rejected                INTEGER NOT NULL DEFAULT 0,
	corrected               INTEGER NOT NULL DEFAULT 0,
	acceptance_rate_percent REAL NOT NULL DEFAULT 0,
	time_saved_ms           REAL NOT NULL DEFAULT 0,
	cost_saved_usd          REAL NOT NULL DEFAULT 0,
	duration_ms             INTEGER NOT NULL DEFAULT 0,
	speculation_rounds      INTEGER NOT NULL DEFAULT 0,
	started_at              INTEGER NOT NULL,
	finished_at             INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_finished_at ON runs(finished_at DESC);
`

// Store is the SQLite-backed run summary store. Safe for concurrent use.
type Store struct {
	db     *sql.DB
	closed atomic.Bool
}

// Open opens (or creates) the store at the given path and ensures the
// schema exists.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open database: %w", err)
	}

	// SQLite in WAL mode allows concurrent reads but a single writer.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// SaveRun records one terminal run summary. Saving an id again overwrites
// the previous row, so a retried flush of a partially written batch is
// harmless.
func (s *Store) SaveRun(ctx context.Context, run model.RunSummary) error {
	if s.closed.Load() {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs (
			id, prompt, mode, status, request_id, generated_text,
			total_tokens, drafted, accepted, rejected, corrected,
			acceptance_rate_percent, time_saved_ms, cost_saved_usd,
			duration_ms, speculation_rounds, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID.String(), run.Prompt, string(run.Mode), string(run.Status),
		run.RequestID, run.GeneratedText,
		run.TotalTokens, run.Counts.Drafted, run.Counts.Accepted,
		run.Counts.Rejected, run.Counts.Corrected,
		run.AcceptanceRatePercent, run.TimeSavedMs, run.CostSavedUsd,
		run.DurationMs, run.SpeculationRounds,
		run.StartedAt.UnixMilli(), run.FinishedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("history: save run: %w", err)
	}
	return nil
}

// RecentRuns returns the most recently finished runs, newest first. A
// non-positive limit falls back to the default of 20.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]model.RunSummary, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = defaultRecentLimit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, prompt, mode, status, request_id, generated_text,
			total_tokens, drafted, accepted, rejected, corrected,
			acceptance_rate_percent, time_saved_ms, cost_saved_usd,
			duration_ms, speculation_rounds, started_at, finished_at
		 FROM runs ORDER BY finished_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query recent runs: %w", err)
	}
	defer rows.Close()

	runs := make([]model.RunSummary, 0, limit)
	for rows.Next() {
		var (
			run                   model.RunSummary
			id                    string
			startedAt, finishedAt int64
		)
		if err := rows.Scan(
			&id, &run.Prompt, &run.Mode, &run.Status,
			&run.RequestID, &run.GeneratedText,
			&run.TotalTokens, &run.Counts.Drafted, &run.Counts.Accepted,
			&run.Counts.Rejected, &run.Counts.Corrected,
			&run.AcceptanceRatePercent, &run.TimeSavedMs, &run.CostSavedUsd,
			&run.DurationMs, &run.SpeculationRounds,
			&startedAt, &finishedAt,
		); err != nil {
			return nil, fmt.Errorf("history: scan run: %w", err)
		}
		run.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("history: parse run id %q: %w", id, err)
		}
		run.StartedAt = time.UnixMilli(startedAt).UTC()
		run.FinishedAt = time.UnixMilli(finishedAt).UTC()
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterate runs: %w", err)
	}
	return runs, nil
}

// Close shuts down the store. Later operations return ErrClosed.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
