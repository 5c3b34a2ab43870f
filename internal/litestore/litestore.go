// Package litestore implements the store contract on an embedded SQLite
// database. It backs local development and single-node deployments where
// running Postgres is overkill; the SQL mirrors the Postgres layer so the
// two stay behaviorally interchangeable.
package litestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/gougi-ai/gougi/internal/model"
	"github.com/gougi-ai/gougi/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS queries (
    id TEXT PRIMARY KEY,
    caller_id TEXT NOT NULL,
    question TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'processing'
        CHECK (status IN ('processing', 'completed', 'failed')),
    providers TEXT NOT NULL DEFAULT '[]',
    rounds INTEGER NOT NULL DEFAULT 1,
    consensus TEXT,
    fail_reason TEXT,
    created_at TEXT NOT NULL,
    completed_at TEXT,
    elapsed_ms INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_queries_caller_created
    ON queries (caller_id, created_at DESC);

CREATE TABLE IF NOT EXISTS provider_results (
    query_id TEXT NOT NULL REFERENCES queries(id) ON DELETE CASCADE,
    ordinal INTEGER NOT NULL,
    provider TEXT NOT NULL,
    response TEXT NOT NULL,
    confidence REAL NOT NULL,
    reasoning TEXT NOT NULL DEFAULT '[]',
    latency_ms INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (query_id, ordinal)
);

CREATE TABLE IF NOT EXISTS usage_counters (
    caller_id TEXT NOT NULL,
    day TEXT NOT NULL,
    count INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (caller_id, day)
);
`

// DB is a SQLite-backed store. A single write connection keeps SQLite's
// locking model out of the picture.
type DB struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if necessary) the SQLite database at path and
// applies the schema. Use ":memory:" for an ephemeral store in tests.
func Open(ctx context.Context, path string, logger *slog.Logger) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("litestore: open %s: %w", path, err)
	}
	// SQLite allows one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent workers.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("litestore: %s: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("litestore: apply schema: %w", err)
	}

	return &DB{db: db, logger: logger}, nil
}

// CreateQuery inserts a new query in the processing state.
func (s *DB) CreateQuery(ctx context.Context, q model.Query) error {
	providers, err := json.Marshal(q.Providers)
	if err != nil {
		return fmt.Errorf("litestore: encode providers: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO queries (id, caller_id, question, status, providers, rounds, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		q.ID.String(), q.CallerID, q.Question, string(q.Status), string(providers),
		q.Rounds, q.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("litestore: create query: %w", err)
	}
	return nil
}

// GetQuery retrieves a query with its provider results.
func (s *DB) GetQuery(ctx context.Context, id uuid.UUID) (model.Query, error) {
	var q model.Query
	var rawID, status, providersJSON, createdAt string
	var consensusJSON, failReason, completedAt sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, caller_id, question, status, providers, rounds, consensus,
		 fail_reason, created_at, completed_at, elapsed_ms
		 FROM queries WHERE id = ?`, id.String(),
	).Scan(
		&rawID, &q.CallerID, &q.Question, &status, &providersJSON, &q.Rounds,
		&consensusJSON, &failReason, &createdAt, &completedAt, &q.ElapsedMs,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Query{}, store.ErrNotFound
		}
		return model.Query{}, fmt.Errorf("litestore: get query: %w", err)
	}

	q.ID, err = uuid.Parse(rawID)
	if err != nil {
		return model.Query{}, fmt.Errorf("litestore: parse query id: %w", err)
	}
	q.Status = model.QueryStatus(status)
	if err := json.Unmarshal([]byte(providersJSON), &q.Providers); err != nil {
		return model.Query{}, fmt.Errorf("litestore: decode providers: %w", err)
	}
	if consensusJSON.Valid && consensusJSON.String != "" {
		var c model.Consensus
		if err := json.Unmarshal([]byte(consensusJSON.String), &c); err != nil {
			return model.Query{}, fmt.Errorf("litestore: decode consensus: %w", err)
		}
		q.Consensus = &c
	}
	if failReason.Valid {
		q.FailReason = &failReason.String
	}
	q.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return model.Query{}, fmt.Errorf("litestore: parse created_at: %w", err)
	}
	if completedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, completedAt.String)
		if err != nil {
			return model.Query{}, fmt.Errorf("litestore: parse completed_at: %w", err)
		}
		q.CompletedAt = &t
	}

	results, err := s.listResults(ctx, id)
	if err != nil {
		return model.Query{}, err
	}
	q.Results = results
	return q, nil
}

func (s *DB) listResults(ctx context.Context, queryID uuid.UUID) ([]model.ProviderResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider, response, confidence, reasoning, latency_ms
		 FROM provider_results WHERE query_id = ? ORDER BY ordinal`, queryID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("litestore: list results: %w", err)
	}
	defer rows.Close()

	var out []model.ProviderResult
	for rows.Next() {
		var r model.ProviderResult
		var reasoningJSON string
		if err := rows.Scan(&r.Provider, &r.Response, &r.Confidence, &reasoningJSON, &r.LatencyMs); err != nil {
			return nil, fmt.Errorf("litestore: scan result: %w", err)
		}
		if err := json.Unmarshal([]byte(reasoningJSON), &r.Reasoning); err != nil {
			return nil, fmt.Errorf("litestore: decode reasoning: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// FinalizeQuery records results and consensus and moves the query to
// completed in one transaction, guarded on the processing status.
func (s *DB) FinalizeQuery(ctx context.Context, id uuid.UUID, results []model.ProviderResult, c model.Consensus, elapsed time.Duration) error {
	consensusJSON, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("litestore: encode consensus: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("litestore: begin finalize: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := tx.ExecContext(ctx,
		`UPDATE queries SET status = ?, consensus = ?, completed_at = ?, elapsed_ms = ?
		 WHERE id = ? AND status = 'processing'`,
		string(model.QueryStatusCompleted), string(consensusJSON), now, elapsed.Milliseconds(), id.String(),
	)
	if err != nil {
		return fmt.Errorf("litestore: finalize query: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("litestore: finalize query: %w", err)
	}
	if affected == 0 {
		return s.terminalOrNotFound(ctx, id)
	}

	for i, r := range results {
		reasoning, err := json.Marshal(r.Reasoning)
		if err != nil {
			return fmt.Errorf("litestore: encode reasoning: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO provider_results (query_id, ordinal, provider, response, confidence, reasoning, latency_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id.String(), i, r.Provider, r.Response, r.Confidence, string(reasoning), r.LatencyMs,
		); err != nil {
			return fmt.Errorf("litestore: insert result: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("litestore: commit finalize: %w", err)
	}
	return nil
}

// FailQuery moves a processing query to failed with a reason.
func (s *DB) FailQuery(ctx context.Context, id uuid.UUID, reason string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`UPDATE queries SET status = ?, fail_reason = ?, completed_at = ?
		 WHERE id = ? AND status = 'processing'`,
		string(model.QueryStatusFailed), reason, now, id.String(),
	)
	if err != nil {
		return fmt.Errorf("litestore: fail query: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("litestore: fail query: %w", err)
	}
	if affected == 0 {
		return s.terminalOrNotFound(ctx, id)
	}
	return nil
}

func (s *DB) terminalOrNotFound(ctx context.Context, id uuid.UUID) error {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM queries WHERE id = ?`, id.String(),
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("litestore: check query: %w", err)
	}
	return store.ErrTerminal
}

// AdmitUsage increments the caller's daily counter only while it is below
// the limit. The conditional upsert runs as a single statement, so
// concurrent admits cannot exceed the ceiling.
func (s *DB) AdmitUsage(ctx context.Context, callerID, day string, limit int) (int, bool, error) {
	var count int

	if limit <= 0 {
		err := s.db.QueryRowContext(ctx,
			`INSERT INTO usage_counters (caller_id, day, count)
			 VALUES (?, ?, 1)
			 ON CONFLICT (caller_id, day) DO UPDATE SET count = count + 1
			 RETURNING count`,
			callerID, day,
		).Scan(&count)
		if err != nil {
			return 0, false, fmt.Errorf("litestore: admit usage: %w", err)
		}
		return count, true, nil
	}

	err := s.db.QueryRowContext(ctx,
		`INSERT INTO usage_counters (caller_id, day, count)
		 VALUES (?, ?, 1)
		 ON CONFLICT (caller_id, day) DO UPDATE SET count = count + 1
		 WHERE count < ?
		 RETURNING count`,
		callerID, day, limit,
	).Scan(&count)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			usage, gerr := s.GetUsage(ctx, callerID, day)
			if gerr != nil {
				return 0, false, gerr
			}
			return usage.Count, false, nil
		}
		return 0, false, fmt.Errorf("litestore: admit usage: %w", err)
	}
	return count, true, nil
}

// ReleaseUsage decrements the caller's daily counter by one, never below
// zero. Compensates an admission whose submission failed before a query
// was created.
func (s *DB) ReleaseUsage(ctx context.Context, callerID, day string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE usage_counters SET count = count - 1
		 WHERE caller_id = ? AND day = ? AND count > 0`,
		callerID, day,
	)
	if err != nil {
		return fmt.Errorf("litestore: release usage: %w", err)
	}
	return nil
}

// GetUsage returns the counter for (caller, day). A missing row reads as zero.
func (s *DB) GetUsage(ctx context.Context, callerID, day string) (model.UsageCounter, error) {
	var usage model.UsageCounter
	err := s.db.QueryRowContext(ctx,
		`SELECT caller_id, day, count FROM usage_counters WHERE caller_id = ? AND day = ?`,
		callerID, day,
	).Scan(&usage.CallerID, &usage.Day, &usage.Count)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.UsageCounter{CallerID: callerID, Day: day, Count: 0}, nil
		}
		return model.UsageCounter{}, fmt.Errorf("litestore: get usage: %w", err)
	}
	return usage, nil
}

// Ping checks that the database file is reachable.
func (s *DB) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close shuts down the database.
func (s *DB) Close(ctx context.Context) error {
	return s.db.Close()
}
