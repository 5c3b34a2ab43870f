// Package engine runs the asynchronous query pipeline: admit against
// quota, persist, enqueue, fan out to providers, aggregate, finalize,
// notify. A fixed pool of workers drains the queue so a burst of
// submissions cannot spawn unbounded provider fan-outs.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/gougi-ai/gougi/internal/consensus"
	"github.com/gougi-ai/gougi/internal/model"
	"github.com/gougi-ai/gougi/internal/notify"
	"github.com/gougi-ai/gougi/internal/orchestrator"
	"github.com/gougi-ai/gougi/internal/provider"
	"github.com/gougi-ai/gougi/internal/quota"
	"github.com/gougi-ai/gougi/internal/store"
	"github.com/gougi-ai/gougi/internal/telemetry"
)

// ErrQueueFull is returned by Submit when the worker queue is saturated.
// The query is recorded as failed before the error is surfaced.
var ErrQueueFull = errors.New("engine: worker queue full")

// ErrInvalidRequest wraps submission errors the caller can correct:
// malformed questions, bad round counts, unknown provider names.
var ErrInvalidRequest = errors.New("engine: invalid request")

// RemoteNotifier publishes terminal events to peers, typically over
// Postgres NOTIFY. Nil disables cross-instance delivery.
type RemoteNotifier interface {
	Notify(ctx context.Context, channel, payload string) error
}

// Config sizes the worker pool.
type Config struct {
	Workers    int
	QueueDepth int

	// RemoteChannel is the NOTIFY channel for cross-instance events.
	// Only used when a RemoteNotifier is wired.
	RemoteChannel string
}

// Engine owns the query lifecycle from submission to terminal event.
type Engine struct {
	store   store.Store
	reg     *provider.Registry
	orch    *orchestrator.Orchestrator
	agg     *consensus.Engine
	quota   *quota.Tracker
	broker  *notify.Broker
	remote  RemoteNotifier
	channel string
	logger  *slog.Logger

	queue     chan model.Query
	workers   int
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New assembles an Engine. Call Start before submitting.
func New(
	st store.Store,
	reg *provider.Registry,
	orch *orchestrator.Orchestrator,
	agg *consensus.Engine,
	tracker *quota.Tracker,
	broker *notify.Broker,
	remote RemoteNotifier,
	cfg Config,
	logger *slog.Logger,
) *Engine {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = 1
	}
	return &Engine{
		store:   st,
		reg:     reg,
		orch:    orch,
		agg:     agg,
		quota:   tracker,
		broker:  broker,
		remote:  remote,
		channel: cfg.RemoteChannel,
		logger:  logger,
		queue:   make(chan model.Query, cfg.QueueDepth),
		workers: cfg.Workers,
	}
}

// Start launches the worker pool. Workers keep processing queued queries
// until Drain closes the queue; in-flight fan-outs are bounded by the
// orchestrator's gather timeout, not by ctx.
func (e *Engine) Start(ctx context.Context) {
	base := context.WithoutCancel(ctx)
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for q := range e.queue {
				e.process(base, q)
			}
		}()
	}
	e.logger.Info("engine started", "workers", e.workers, "queue_depth", cap(e.queue))
}

// Drain stops accepting work and waits for queued and in-flight queries
// to finish, up to ctx's deadline.
func (e *Engine) Drain(ctx context.Context) error {
	e.closeOnce.Do(func() { close(e.queue) })

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine: drain: %w", ctx.Err())
	}
}

// Submit validates the request, consumes quota, persists the query in
// the processing state, and enqueues it for the worker pool. The
// returned remaining count is -1 for unlimited plans.
//
// Quota exhaustion surfaces as quota.ErrExceeded; validation problems
// surface as plain errors before any state is written.
func (e *Engine) Submit(ctx context.Context, callerID, plan string, req *model.SubmitRequest) (model.Query, int, error) {
	if err := req.Validate(); err != nil {
		return model.Query{}, 0, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	adapters, err := e.reg.Select(req.Providers)
	if err != nil {
		return model.Query{}, 0, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	names := make([]string, len(adapters))
	for i, a := range adapters {
		names[i] = a.Name()
	}

	count, err := e.quota.Admit(ctx, callerID, plan)
	if err != nil {
		return model.Query{}, 0, err
	}
	remaining := -1
	if limit := e.quota.Limit(plan); limit > 0 {
		remaining = limit - count
	}

	q := model.Query{
		ID:        uuid.New(),
		CallerID:  callerID,
		Question:  req.Question,
		Status:    model.QueryStatusProcessing,
		Providers: names,
		Rounds:    req.Rounds,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.CreateQuery(ctx, q); err != nil {
		// The admitted unit must not stay burned when no query exists.
		if rerr := e.quota.Release(ctx, callerID); rerr != nil {
			e.logger.Error("release quota after create failure", "caller_id", callerID, "error", rerr)
		}
		return model.Query{}, 0, err
	}

	select {
	case e.queue <- q:
	default:
		reason := "worker queue full"
		if ferr := e.store.FailQuery(ctx, q.ID, reason); ferr != nil {
			e.logger.Error("fail query on full queue", "query_id", q.ID, "error", ferr)
		}
		e.publish(ctx, model.LifecycleEvent{QueryID: q.ID, Kind: model.EventFailed, Reason: reason})
		return model.Query{}, 0, ErrQueueFull
	}

	e.logger.Info("query submitted",
		"query_id", q.ID,
		"caller_id", callerID,
		"providers", names,
		"rounds", q.Rounds,
	)
	return q, remaining, nil
}

// Providers lists the configured provider names in registration order.
func (e *Engine) Providers() []string {
	return e.reg.Names()
}

// Usage reports the caller's quota consumption for the current day.
func (e *Engine) Usage(ctx context.Context, callerID string) (model.UsageCounter, error) {
	return e.quota.Usage(ctx, callerID)
}

// Get returns a stored query.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (model.Query, error) {
	return e.store.GetQuery(ctx, id)
}

// Subscribe registers for a query's terminal event.
func (e *Engine) Subscribe(id uuid.UUID) (<-chan model.LifecycleEvent, func()) {
	return e.broker.Subscribe(id)
}

// process runs one query to its terminal state.
func (e *Engine) process(ctx context.Context, q model.Query) {
	adapters, err := e.reg.Select(q.Providers)
	if err != nil {
		// Providers were validated at submit; losing one mid-flight means
		// the registry changed under us, which it never does today.
		e.fail(ctx, q.ID, fmt.Sprintf("provider selection: %v", err))
		return
	}

	res, err := e.orch.Run(ctx, q.Question, adapters, q.Rounds)
	if err != nil {
		e.fail(ctx, q.ID, fmt.Sprintf("orchestration: %v", err))
		return
	}

	cons := e.agg.Summarize(res.Results)
	if err := e.store.FinalizeQuery(ctx, q.ID, res.Results, cons, res.Elapsed); err != nil {
		if errors.Is(err, store.ErrTerminal) {
			e.logger.Warn("query already terminal, dropping results", "query_id", q.ID)
			return
		}
		e.logger.Error("finalize query", "query_id", q.ID, "error", err)
		e.fail(ctx, q.ID, "finalize failed")
		return
	}

	e.recordOutcome(ctx, "completed")
	e.logger.Info("query completed",
		"query_id", q.ID,
		"confidence", cons.Confidence,
		"elapsed_ms", res.Elapsed.Milliseconds(),
	)
	e.publish(ctx, model.LifecycleEvent{QueryID: q.ID, Kind: model.EventCompleted, Consensus: &cons})
}

// fail moves a query to failed and emits its terminal event.
func (e *Engine) fail(ctx context.Context, id uuid.UUID, reason string) {
	if err := e.store.FailQuery(ctx, id, reason); err != nil {
		if errors.Is(err, store.ErrTerminal) {
			return
		}
		e.logger.Error("fail query", "query_id", id, "error", err)
	}
	e.recordOutcome(ctx, "failed")
	e.logger.Warn("query failed", "query_id", id, "reason", reason)
	e.publish(ctx, model.LifecycleEvent{QueryID: id, Kind: model.EventFailed, Reason: reason})
}

// publish delivers a terminal event locally and, when wired, to peers.
// The broker deduplicates, so the NOTIFY echo of our own publish is
// harmless.
func (e *Engine) publish(ctx context.Context, ev model.LifecycleEvent) {
	e.broker.Publish(ev)

	if e.remote == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		e.logger.Error("encode lifecycle event", "query_id", ev.QueryID, "error", err)
		return
	}
	if err := e.remote.Notify(ctx, e.channel, string(payload)); err != nil {
		e.logger.Warn("remote notify", "query_id", ev.QueryID, "error", err)
	}
}

func (e *Engine) recordOutcome(ctx context.Context, status string) {
	meter := telemetry.Meter("gougi/engine")
	if counter, err := meter.Int64Counter("gougi.engine.queries"); err == nil {
		counter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("gougi.status", status)))
	}
}
