// Package gougi is the public API for embedding the Gougi consensus server.
//
// Enterprise and plugin consumers import this package to construct and extend
// the server without forking it:
//
//	app, err := gougi.New(
//	    gougi.WithVersion(version),
//	    gougi.WithLogger(logger),
//	    gougi.WithProvider(myInHouseModel{}),
//	    gougi.WithEventHook(myAuditHook{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: gougi (root) imports
// internal/*, but internal/* never imports gougi (root). Public types
// (Query, Consensus, etc.) are standalone structs with no internal imports;
// conversion helpers live here because this is the only file that sees both
// sides of the boundary.
package gougi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/gougi-ai/gougi/api"
	"github.com/gougi-ai/gougi/internal/auth"
	"github.com/gougi-ai/gougi/internal/config"
	"github.com/gougi-ai/gougi/internal/consensus"
	"github.com/gougi-ai/gougi/internal/engine"
	"github.com/gougi-ai/gougi/internal/litestore"
	"github.com/gougi-ai/gougi/internal/mcp"
	"github.com/gougi-ai/gougi/internal/model"
	"github.com/gougi-ai/gougi/internal/notify"
	"github.com/gougi-ai/gougi/internal/orchestrator"
	"github.com/gougi-ai/gougi/internal/provider"
	"github.com/gougi-ai/gougi/internal/quota"
	"github.com/gougi-ai/gougi/internal/ratelimit"
	"github.com/gougi-ai/gougi/internal/server"
	"github.com/gougi-ai/gougi/internal/storage"
	"github.com/gougi-ai/gougi/internal/store"
	"github.com/gougi-ai/gougi/internal/telemetry"
	"github.com/gougi-ai/gougi/migrations"
)

// App is the Gougi server lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	st           store.Store
	db           *storage.DB // nil when running on the sqlite store
	srv          *server.Server
	eng          *engine.Engine
	broker       *notify.Broker
	limiter      ratelimit.Limiter
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the Gougi server. It opens the store, runs migrations,
// wires all subsystems, and returns a ready-to-run App. It does NOT start
// any goroutines or accept HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if o.sqlitePath != "" {
		cfg.SQLitePath = o.sqlitePath
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("gougi starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	app := &App{
		cfg:          cfg,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}
	fail := func(err error) (*App, error) {
		app.closeStores()
		_ = otelShutdown(context.Background())
		return nil, err
	}

	// Open the query store.
	if cfg.DatabaseURL != "" {
		db, err := storage.New(context.Background(), cfg.DatabaseURL, cfg.NotifyURL, logger)
		if err != nil {
			return fail(fmt.Errorf("storage: %w", err))
		}
		app.db = db
		app.st = db

		if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
			return fail(fmt.Errorf("migrations: %w", err))
		}
		for i, extraFS := range o.extraMigrations {
			if err := db.RunMigrations(context.Background(), extraFS); err != nil {
				return fail(fmt.Errorf("extra migrations[%d]: %w", i, err))
			}
		}
	} else {
		lite, err := litestore.Open(context.Background(), cfg.SQLitePath, logger)
		if err != nil {
			return fail(fmt.Errorf("litestore: %w", err))
		}
		app.st = lite
		logger.Info("using embedded sqlite store", "path", cfg.SQLitePath)
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fail(fmt.Errorf("auth: %w", err))
	}

	keyring := auth.NewKeyring()
	if cfg.AdminAPIKey != "" {
		if err := keyring.Add("admin", "enterprise", cfg.AdminAPIKey); err != nil {
			return fail(fmt.Errorf("keyring: %w", err))
		}
	}
	if cfg.APIKeys != "" {
		if err := keyring.AddFromSpec(cfg.APIKeys); err != nil {
			return fail(fmt.Errorf("keyring: %w", err))
		}
	}

	// Provider panel: built-ins from config plus registered externals.
	adapters := builtinAdapters(cfg, logger)
	for _, p := range o.providers {
		adapters = append(adapters, &providerAdapter{p: p})
	}
	if len(adapters) == 0 {
		return fail(errors.New("no providers configured: set OPENAI_API_KEY, ANTHROPIC_API_KEY, GOUGI_OLLAMA_ENABLED, or register one with WithProvider"))
	}
	reg := provider.NewRegistry(adapters...)
	logger.Info("providers configured", "providers", reg.Names())

	// Plan tiers with option overrides.
	plans := make(map[string]quota.Plan, len(quota.DefaultPlans))
	for name, p := range quota.DefaultPlans {
		plans[name] = p
	}
	for name, limit := range o.planOverrides {
		plans[name] = quota.Plan{Name: name, DailyLimit: limit}
	}
	tracker := quota.New(app.st, plans, logger)

	broker := notify.NewBroker(logger)
	for _, h := range o.eventHooks {
		hook := h
		broker.AddHook(func(ev model.LifecycleEvent) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			pub := toPublicEvent(ev)
			var err error
			if ev.Kind == model.EventCompleted {
				err = hook.OnQueryCompleted(ctx, pub)
			} else {
				err = hook.OnQueryFailed(ctx, pub)
			}
			if err != nil {
				logger.Warn("event hook failed", "query_id", ev.QueryID, "kind", ev.Kind, "error", err)
			}
		})
	}
	app.broker = broker

	var remote engine.RemoteNotifier
	if app.db != nil && app.db.HasNotifyConn() {
		remote = app.db
	}

	app.eng = engine.New(app.st, reg, orchestrator.New(cfg.GatherTimeout, logger), consensus.New(nil), tracker, broker, remote, engine.Config{
		Workers:       cfg.Workers,
		QueueDepth:    cfg.QueueDepth,
		RemoteChannel: storage.ChannelQueries,
	}, logger)

	mcpSrv := mcp.New(app.eng, "mcp", "enterprise", logger)

	app.limiter = &ratelimit.NoopLimiter{}
	if cfg.RateLimitEnabled {
		mem := ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		mem.SetClassRate(ratelimit.ClassQuery, cfg.RateLimitRPS*2, cfg.RateLimitBurst*2)
		app.limiter = mem
	}

	app.srv = server.New(server.ServerConfig{
		Engine:              app.eng,
		Tracker:             tracker,
		Keyring:             keyring,
		JWTMgr:              jwtMgr,
		Store:               app.st,
		Logger:              logger,
		Limiter:             app.limiter,
		MCPServer:           mcpSrv.MCPServer(),
		OpenAPISpec:         api.OpenAPISpec,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	return app, nil
}

// Run starts the worker pool and the HTTP server, then blocks until ctx
// is cancelled or the server fails. On return all subsystems have been
// shut down.
func (a *App) Run(ctx context.Context) error {
	defer func() { _ = a.otelShutdown(context.Background()) }()
	defer a.closeStores()
	defer a.limiter.Close()

	if a.db != nil && a.db.HasNotifyConn() {
		go a.broker.Bridge(ctx, a.db, storage.ChannelQueries)
	}
	a.eng.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	a.logger.Info("gougi shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), a.cfg.DrainTimeout)
	if err := a.eng.Drain(drainCtx); err != nil {
		a.logger.Error("engine drain error", "error", err)
	}
	drainCancel()

	a.logger.Info("gougi stopped")
	return nil
}

// Handler returns the root HTTP handler, for mounting the server inside a
// larger application instead of calling Run.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Version returns the configured version string.
func (a *App) Version() string { return a.version }

// GetQuery reads a stored query, for hook implementations that need the
// full record behind a LifecycleEvent.
func (a *App) GetQuery(ctx context.Context, id uuid.UUID) (Query, error) {
	q, err := a.st.GetQuery(ctx, id)
	if err != nil {
		return Query{}, err
	}
	return toPublicQuery(q), nil
}

func (a *App) closeStores() {
	if a.st != nil {
		_ = a.st.Close(context.Background())
	}
}

// builtinAdapters assembles the config-driven provider set. OpenAI and
// Anthropic join when their API keys are set; Ollama when enabled.
func builtinAdapters(cfg config.Config, logger *slog.Logger) []provider.Adapter {
	var adapters []provider.Adapter
	if cfg.OpenAIAPIKey != "" {
		adapters = append(adapters, provider.NewOpenAIAdapter(
			cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.ProviderTimeout, logger))
	}
	if cfg.AnthropicAPIKey != "" {
		adapters = append(adapters, provider.NewAnthropicAdapter(
			"", cfg.AnthropicAPIKey, cfg.AnthropicModel, cfg.ProviderTimeout, logger))
	}
	if cfg.OllamaEnabled {
		adapters = append(adapters, provider.NewOllamaAdapter(
			cfg.OllamaURL, cfg.OllamaModel, cfg.ProviderTimeout, logger))
	}
	return adapters
}

// providerAdapter bridges a public Provider into the internal adapter
// contract: errors and out-of-range confidences become the failure
// sentinel instead of crossing the boundary.
type providerAdapter struct {
	p Provider
}

func (a *providerAdapter) Name() string { return a.p.Name() }

func (a *providerAdapter) Answer(ctx context.Context, question string) model.ProviderResult {
	start := time.Now()
	ans, err := a.p.Answer(ctx, question)
	latency := time.Since(start)

	if err != nil || ans.Confidence <= 0 || ans.Confidence > 1 {
		return model.ProviderResult{
			Provider:   a.p.Name(),
			Response:   "provider call failed",
			Confidence: 0,
			Reasoning:  []string{"error:external"},
			LatencyMs:  latency.Milliseconds(),
		}
	}
	return model.ProviderResult{
		Provider:   a.p.Name(),
		Response:   ans.Response,
		Confidence: ans.Confidence,
		Reasoning:  ans.Reasoning,
		LatencyMs:  latency.Milliseconds(),
	}
}

// toPublicQuery converts an internal query for external consumers.
func toPublicQuery(q model.Query) Query {
	out := Query{
		ID:          q.ID,
		CallerID:    q.CallerID,
		Question:    q.Question,
		Status:      QueryStatus(q.Status),
		Providers:   q.Providers,
		Rounds:      q.Rounds,
		FailReason:  q.FailReason,
		CreatedAt:   q.CreatedAt,
		CompletedAt: q.CompletedAt,
		ElapsedMs:   q.ElapsedMs,
	}
	for _, r := range q.Results {
		out.Results = append(out.Results, ProviderResult{
			Provider:   r.Provider,
			Response:   r.Response,
			Confidence: r.Confidence,
			Reasoning:  r.Reasoning,
			LatencyMs:  r.LatencyMs,
		})
	}
	if q.Consensus != nil {
		out.Consensus = &Consensus{
			Summary:     q.Consensus.Summary,
			Confidence:  q.Consensus.Confidence,
			Convergence: q.Consensus.Convergence,
			Divergence:  q.Consensus.Divergence,
		}
	}
	return out
}

// toPublicEvent converts an internal lifecycle event for hook consumers.
func toPublicEvent(ev model.LifecycleEvent) LifecycleEvent {
	out := LifecycleEvent{
		QueryID: ev.QueryID,
		Kind:    EventKind(ev.Kind),
		Reason:  ev.Reason,
	}
	if ev.Consensus != nil {
		out.Consensus = &Consensus{
			Summary:     ev.Consensus.Summary,
			Confidence:  ev.Consensus.Confidence,
			Convergence: ev.Consensus.Convergence,
			Divergence:  ev.Consensus.Divergence,
		}
	}
	return out
}
