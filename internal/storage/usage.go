package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/gougi-ai/gougi/internal/model"
)

// AdmitUsage performs the atomic increment-with-ceiling for one caller's
// daily counter. The check and the increment execute as a single
// conditional upsert, so two concurrent admits for the last remaining
// slot can never both succeed.
func (db *DB) AdmitUsage(ctx context.Context, callerID, day string, limit int) (int, bool, error) {
	var count int

	if limit <= 0 {
		// Unlimited plan: unconditional upsert.
		err := db.pool.QueryRow(ctx,
			`INSERT INTO usage_counters (caller_id, day, count)
			 VALUES ($1, $2, 1)
			 ON CONFLICT (caller_id, day) DO UPDATE SET count = usage_counters.count + 1
			 RETURNING count`,
			callerID, day,
		).Scan(&count)
		if err != nil {
			return 0, false, fmt.Errorf("storage: admit usage: %w", err)
		}
		return count, true, nil
	}

	// The DO UPDATE only fires while count < limit; at the ceiling the
	// statement touches no row and returns nothing.
	err := db.pool.QueryRow(ctx,
		`INSERT INTO usage_counters (caller_id, day, count)
		 VALUES ($1, $2, 1)
		 ON CONFLICT (caller_id, day) DO UPDATE SET count = usage_counters.count + 1
		 WHERE usage_counters.count < $3
		 RETURNING count`,
		callerID, day, limit,
	).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			usage, gerr := db.GetUsage(ctx, callerID, day)
			if gerr != nil {
				return 0, false, gerr
			}
			return usage.Count, false, nil
		}
		return 0, false, fmt.Errorf("storage: admit usage: %w", err)
	}
	return count, true, nil
}

// ReleaseUsage decrements the caller's daily counter by one, never below
// zero. Compensates an admission whose submission failed before a query
// was created.
func (db *DB) ReleaseUsage(ctx context.Context, callerID, day string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE usage_counters SET count = count - 1
		 WHERE caller_id = $1 AND day = $2 AND count > 0`,
		callerID, day,
	)
	if err != nil {
		return fmt.Errorf("storage: release usage: %w", err)
	}
	return nil
}

// GetUsage returns the counter for (caller, day). A missing row reads as zero.
func (db *DB) GetUsage(ctx context.Context, callerID, day string) (model.UsageCounter, error) {
	var usage model.UsageCounter
	err := db.pool.QueryRow(ctx,
		`SELECT caller_id, day, count FROM usage_counters WHERE caller_id = $1 AND day = $2`,
		callerID, day,
	).Scan(&usage.CallerID, &usage.Day, &usage.Count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.UsageCounter{CallerID: callerID, Day: day, Count: 0}, nil
		}
		return model.UsageCounter{}, fmt.Errorf("storage: get usage: %w", err)
	}
	return usage, nil
}
