package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/gougi-ai/gougi/internal/model"
	"github.com/gougi-ai/gougi/internal/store"
)

// CreateQuery inserts a new query in the processing state.
func (db *DB) CreateQuery(ctx context.Context, q model.Query) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO queries (id, caller_id, question, status, providers, rounds, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		q.ID, q.CallerID, q.Question, string(q.Status), q.Providers, q.Rounds, q.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create query: %w", err)
	}
	return nil
}

// GetQuery retrieves a query with its provider results.
func (db *DB) GetQuery(ctx context.Context, id uuid.UUID) (model.Query, error) {
	var q model.Query
	var status string
	var consensusJSON []byte
	err := db.pool.QueryRow(ctx,
		`SELECT id, caller_id, question, status, providers, rounds, consensus,
		 fail_reason, created_at, completed_at, elapsed_ms
		 FROM queries WHERE id = $1`, id,
	).Scan(
		&q.ID, &q.CallerID, &q.Question, &status, &q.Providers, &q.Rounds,
		&consensusJSON, &q.FailReason, &q.CreatedAt, &q.CompletedAt, &q.ElapsedMs,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Query{}, store.ErrNotFound
		}
		return model.Query{}, fmt.Errorf("storage: get query: %w", err)
	}
	q.Status = model.QueryStatus(status)

	if len(consensusJSON) > 0 {
		var c model.Consensus
		if err := json.Unmarshal(consensusJSON, &c); err != nil {
			return model.Query{}, fmt.Errorf("storage: decode consensus: %w", err)
		}
		q.Consensus = &c
	}

	results, err := db.listResults(ctx, id)
	if err != nil {
		return model.Query{}, err
	}
	q.Results = results
	return q, nil
}

func (db *DB) listResults(ctx context.Context, queryID uuid.UUID) ([]model.ProviderResult, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT provider, response, confidence, reasoning, latency_ms
		 FROM provider_results WHERE query_id = $1 ORDER BY ordinal`, queryID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list results: %w", err)
	}
	defer rows.Close()

	var out []model.ProviderResult
	for rows.Next() {
		var r model.ProviderResult
		if err := rows.Scan(&r.Provider, &r.Response, &r.Confidence, &r.Reasoning, &r.LatencyMs); err != nil {
			return nil, fmt.Errorf("storage: scan result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// FinalizeQuery records the results and consensus and moves the query to
// completed, all in one transaction. The status guard makes the
// transition monotonic: a terminal query is never rewritten.
func (db *DB) FinalizeQuery(ctx context.Context, id uuid.UUID, results []model.ProviderResult, c model.Consensus, elapsed time.Duration) error {
	consensusJSON, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("storage: encode consensus: %w", err)
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin finalize: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx,
		`UPDATE queries SET status = $1, consensus = $2, completed_at = $3, elapsed_ms = $4
		 WHERE id = $5 AND status = 'processing'`,
		string(model.QueryStatusCompleted), consensusJSON, now, elapsed.Milliseconds(), id,
	)
	if err != nil {
		return fmt.Errorf("storage: finalize query: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return db.terminalOrNotFound(ctx, id)
	}

	for i, r := range results {
		if _, err := tx.Exec(ctx,
			`INSERT INTO provider_results (query_id, ordinal, provider, response, confidence, reasoning, latency_ms)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			id, i, r.Provider, r.Response, r.Confidence, r.Reasoning, r.LatencyMs,
		); err != nil {
			return fmt.Errorf("storage: insert result: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit finalize: %w", err)
	}
	return nil
}

// FailQuery moves a processing query to failed with a reason.
func (db *DB) FailQuery(ctx context.Context, id uuid.UUID, reason string) error {
	now := time.Now().UTC()
	tag, err := db.pool.Exec(ctx,
		`UPDATE queries SET status = $1, fail_reason = $2, completed_at = $3
		 WHERE id = $4 AND status = 'processing'`,
		string(model.QueryStatusFailed), reason, now, id,
	)
	if err != nil {
		return fmt.Errorf("storage: fail query: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return db.terminalOrNotFound(ctx, id)
	}
	return nil
}

// terminalOrNotFound disambiguates a zero-row status-guarded update.
func (db *DB) terminalOrNotFound(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM queries WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("storage: check query: %w", err)
	}
	if !exists {
		return store.ErrNotFound
	}
	return store.ErrTerminal
}
