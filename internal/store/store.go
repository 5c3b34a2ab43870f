// Package store defines the persistence contract shared by the Postgres
// and sqlite backends: the query lifecycle state machine and the atomic
// per-caller daily usage counters.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/gougi-ai/gougi/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrTerminal is returned when a finalize or fail targets a query that
// already reached a terminal state. Terminal states never regress.
var ErrTerminal = errors.New("store: query already finalized")

// Day formats a time as the canonical UTC calendar date used for usage
// counters. All callers share this boundary regardless of timezone.
func Day(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Store owns Query rows for their full lifetime and UsageCounter rows.
//
// Lifecycle invariants every implementation must uphold:
//   - CreateQuery writes status=processing with nil consensus.
//   - FinalizeQuery and FailQuery only succeed against status=processing;
//     against a terminal row they return ErrTerminal.
//   - Readers observe either the pre-finalize or the fully finalized
//     state, never a partially written consensus.
//   - AdmitUsage is a single atomic check-and-increment: concurrent
//     admits for one caller never over-admit past the limit.
type Store interface {
	// CreateQuery persists a new query in the processing state.
	CreateQuery(ctx context.Context, q model.Query) error

	// GetQuery returns a query with its provider results and consensus.
	// Returns ErrNotFound for unknown IDs.
	GetQuery(ctx context.Context, id uuid.UUID) (model.Query, error)

	// FinalizeQuery atomically records the provider results and consensus
	// and moves the query to completed.
	FinalizeQuery(ctx context.Context, id uuid.UUID, results []model.ProviderResult, c model.Consensus, elapsed time.Duration) error

	// FailQuery moves the query to failed with a reason.
	FailQuery(ctx context.Context, id uuid.UUID, reason string) error

	// AdmitUsage performs the atomic increment-with-ceiling for one
	// caller's counter on the given day. limit 0 means unlimited.
	// Returns the counter value after the call and whether the
	// submission was admitted; on rejection the counter is unchanged.
	AdmitUsage(ctx context.Context, callerID, day string, limit int) (count int, admitted bool, err error)

	// ReleaseUsage returns one previously admitted unit to the caller's
	// counter, compensating a submission that failed after admission.
	// The counter never drops below zero; releasing against a missing
	// row is a no-op.
	ReleaseUsage(ctx context.Context, callerID, day string) error

	// GetUsage returns the counter for (caller, day); a missing row reads
	// as zero, not ErrNotFound.
	GetUsage(ctx context.Context, callerID, day string) (model.UsageCounter, error)

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close releases connections.
	Close(ctx context.Context) error
}
