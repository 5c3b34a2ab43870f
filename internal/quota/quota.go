// Package quota enforces per-caller daily query limits by plan tier.
// The counter lives in the store; admission is a single atomic
// check-and-increment so concurrent submissions never overshoot.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gougi-ai/gougi/internal/model"
	"github.com/gougi-ai/gougi/internal/store"
)

// ErrExceeded is returned when a caller's daily query quota is exhausted.
var ErrExceeded = errors.New("daily query quota exceeded")

// Plan defines the limits of one subscription tier.
type Plan struct {
	Name       string
	DailyLimit int // 0 = unlimited.
}

// DefaultPlans is the built-in tier table.
var DefaultPlans = map[string]Plan{
	"free":       {Name: "Free", DailyLimit: 10},
	"pro":        {Name: "Pro", DailyLimit: 500},
	"enterprise": {Name: "Enterprise", DailyLimit: 0},
}

// Tracker admits or rejects queries against the daily counter.
type Tracker struct {
	store  store.Store
	plans  map[string]Plan
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Tracker. A nil plans map falls back to DefaultPlans.
func New(st store.Store, plans map[string]Plan, logger *slog.Logger) *Tracker {
	if plans == nil {
		plans = DefaultPlans
	}
	return &Tracker{
		store:  st,
		plans:  plans,
		logger: logger,
		now:    time.Now,
	}
}

// Plan resolves a plan name. Unknown names resolve to the free tier, so
// a stale token never grants unlimited access.
func (t *Tracker) Plan(name string) Plan {
	if p, ok := t.plans[name]; ok {
		return p
	}
	return t.plans["free"]
}

// Admit consumes one unit of the caller's daily quota. On success the
// returned count is the caller's usage so far today, including this
// query. At the ceiling it returns ErrExceeded and the counter stays put.
func (t *Tracker) Admit(ctx context.Context, callerID, planName string) (int, error) {
	plan := t.Plan(planName)
	day := store.Day(t.now())

	count, admitted, err := t.store.AdmitUsage(ctx, callerID, day, plan.DailyLimit)
	if err != nil {
		return 0, fmt.Errorf("quota: admit %s: %w", callerID, err)
	}
	if !admitted {
		t.logger.Info("quota exceeded",
			"caller_id", callerID,
			"plan", plan.Name,
			"count", count,
			"limit", plan.DailyLimit,
		)
		return count, ErrExceeded
	}
	return count, nil
}

// Release returns one admitted unit, compensating a submission that
// failed after quota was consumed but before a query existed.
func (t *Tracker) Release(ctx context.Context, callerID string) error {
	if err := t.store.ReleaseUsage(ctx, callerID, store.Day(t.now())); err != nil {
		return fmt.Errorf("quota: release %s: %w", callerID, err)
	}
	return nil
}

// Usage reports the caller's counter for the current UTC day.
func (t *Tracker) Usage(ctx context.Context, callerID string) (model.UsageCounter, error) {
	return t.store.GetUsage(ctx, callerID, store.Day(t.now()))
}

// Limit returns the daily ceiling for a plan name (0 = unlimited).
func (t *Tracker) Limit(planName string) int {
	return t.Plan(planName).DailyLimit
}
