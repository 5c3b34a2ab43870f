// Package orchestrator fans a question out to a set of provider adapters
// concurrently and gathers every result behind a single barrier.
//
// Individual provider failures never fail an orchestration: adapters
// absorb their own errors into sentinel results, so the gather step always
// sees exactly one result per requested provider. The orchestration as a
// whole fails only when the provider set is empty or the context is
// already dead before dispatch.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/gougi-ai/gougi/internal/model"
	"github.com/gougi-ai/gougi/internal/provider"
	"github.com/gougi-ai/gougi/internal/telemetry"
)

// ErrNoProviders is returned when Run is called with an empty adapter set.
var ErrNoProviders = errors.New("orchestrator: no providers specified")

// Result is the gathered output of one orchestration.
type Result struct {
	Results []model.ProviderResult
	Elapsed time.Duration // wall clock from dispatch to last result
}

// Orchestrator coordinates concurrent provider calls.
type Orchestrator struct {
	logger *slog.Logger

	// gatherTimeout bounds a whole fan-out. Zero means no bound beyond
	// the per-adapter timeouts. When it fires, results that already
	// arrived are kept and late ones are discarded as timeout sentinels.
	gatherTimeout time.Duration
}

// New creates an Orchestrator. gatherTimeout of 0 disables the
// orchestration-level deadline.
func New(gatherTimeout time.Duration, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{logger: logger, gatherTimeout: gatherTimeout}
}

// Run dispatches one concurrent call per adapter per round and blocks
// until every call has produced a result. The returned slice holds
// exactly rounds*len(adapters) entries, ordered by round then by adapter
// position. Rounds beyond the first are repeated independent fan-outs
// feeding the same aggregation step.
func (o *Orchestrator) Run(ctx context.Context, question string, adapters []provider.Adapter, rounds int) (Result, error) {
	if len(adapters) == 0 {
		return Result{}, ErrNoProviders
	}
	if rounds < 1 {
		rounds = 1
	}
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("orchestrator: cannot dispatch: %w", err)
	}

	if o.gatherTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.gatherTimeout)
		defer cancel()
	}

	start := time.Now()
	results := make([]model.ProviderResult, rounds*len(adapters))

	g, gctx := errgroup.WithContext(ctx)
	for round := 0; round < rounds; round++ {
		for i, a := range adapters {
			idx := round*len(adapters) + i
			adapter := a
			g.Go(func() error {
				// Adapters never return errors; the nil return keeps the
				// group from cancelling siblings.
				results[idx] = adapter.Answer(gctx, question)
				return nil
			})
		}
	}
	_ = g.Wait() // barrier: every slot is filled once this returns

	elapsed := time.Since(start)
	o.record(ctx, results, elapsed)

	o.logger.Info("orchestration gathered",
		"providers", len(adapters),
		"rounds", rounds,
		"failed", countFailed(results),
		"elapsed_ms", elapsed.Milliseconds(),
	)
	return Result{Results: results, Elapsed: elapsed}, nil
}

func countFailed(results []model.ProviderResult) int {
	n := 0
	for _, r := range results {
		if r.Failed() {
			n++
		}
	}
	return n
}

// record emits fan-out metrics (best-effort, instruments lazily created).
func (o *Orchestrator) record(ctx context.Context, results []model.ProviderResult, elapsed time.Duration) {
	meter := telemetry.Meter("gougi/orchestrator")
	attrs := []attribute.KeyValue{
		attribute.Int("gougi.providers", len(results)),
		attribute.Int("gougi.failed", countFailed(results)),
	}
	if counter, err := meter.Int64Counter("gougi.orchestrator.runs"); err == nil {
		counter.Add(ctx, 1, otelmetric.WithAttributes(attrs...))
	}
	if hist, err := meter.Float64Histogram("gougi.orchestrator.gather_duration",
		otelmetric.WithUnit("ms")); err == nil {
		hist.Record(ctx, float64(elapsed.Milliseconds()), otelmetric.WithAttributes(attrs...))
	}
}
