package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/gougi-ai/gougi/api"
	"github.com/gougi-ai/gougi/internal/auth"
	"github.com/gougi-ai/gougi/internal/config"
	"github.com/gougi-ai/gougi/internal/consensus"
	"github.com/gougi-ai/gougi/internal/engine"
	"github.com/gougi-ai/gougi/internal/litestore"
	"github.com/gougi-ai/gougi/internal/mcp"
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

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("GOUGI_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("gougi starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Open the query store. Postgres when DATABASE_URL is set, otherwise the
	// embedded sqlite store for single-node deployments.
	var (
		st store.Store
		db *storage.DB
	)
	if cfg.DatabaseURL != "" {
		db, err = storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		defer db.Close(ctx)

		// RunMigrations tracks applied files in schema_migrations and skips
		// duplicates, so errors here indicate real failures.
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		st = db
	} else {
		lite, err := litestore.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return fmt.Errorf("litestore: %w", err)
		}
		defer lite.Close(ctx)
		st = lite
		slog.Info("using embedded sqlite store", "path", cfg.SQLitePath)
	}

	// Create JWT manager.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	// Caller credentials: admin bootstrap key plus GOUGI_API_KEYS entries.
	keyring := auth.NewKeyring()
	if cfg.AdminAPIKey != "" {
		if err := keyring.Add("admin", "enterprise", cfg.AdminAPIKey); err != nil {
			return fmt.Errorf("keyring: %w", err)
		}
	}
	if cfg.APIKeys != "" {
		if err := keyring.AddFromSpec(cfg.APIKeys); err != nil {
			return fmt.Errorf("keyring: %w", err)
		}
	}
	if keyring.Len() == 0 {
		slog.Warn("no API keys configured; token issuance will reject every caller")
	}

	// Assemble the provider panel from whichever credentials are present.
	reg, err := newProviderRegistry(cfg, logger)
	if err != nil {
		return err
	}
	slog.Info("providers configured", "providers", reg.Names())

	tracker := quota.New(st, nil, logger)
	orch := orchestrator.New(cfg.GatherTimeout, logger)
	agg := consensus.New(nil)

	// Terminal event delivery. With Postgres LISTEN/NOTIFY available the
	// broker bridges events across instances; the engine also publishes
	// its own events to the channel so peers see them.
	broker := notify.NewBroker(logger)
	var remote engine.RemoteNotifier
	if db != nil && db.HasNotifyConn() {
		go broker.Bridge(ctx, db, storage.ChannelQueries)
		remote = db
		slog.Info("cross-instance event bridge started", "channel", storage.ChannelQueries)
	}

	eng := engine.New(st, reg, orch, agg, tracker, broker, remote, engine.Config{
		Workers:       cfg.Workers,
		QueueDepth:    cfg.QueueDepth,
		RemoteChannel: storage.ChannelQueries,
	}, logger)
	eng.Start(ctx)

	// MCP server; MCP traffic is attributed to a dedicated enterprise caller.
	mcpSrv := mcp.New(eng, "mcp", "enterprise", logger)

	// Burst rate limiter (the daily quota is enforced inside the engine).
	var limiter ratelimit.Limiter = &ratelimit.NoopLimiter{}
	if cfg.RateLimitEnabled {
		mem := ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		// Reads get double the submit allowance.
		mem.SetClassRate(ratelimit.ClassQuery, cfg.RateLimitRPS*2, cfg.RateLimitBurst*2)
		limiter = mem
		slog.Info("rate limiting enabled", "rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	}
	defer limiter.Close()

	srv := server.New(server.ServerConfig{
		Engine:              eng,
		Tracker:             tracker,
		Keyring:             keyring,
		JWTMgr:              jwtMgr,
		Store:               st,
		Logger:              logger,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		OpenAPISpec:         api.OpenAPISpec,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Start HTTP server in background.
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown, each phase under its own timeout: (1) stop
	// accepting new HTTP requests and drain in-flight, (2) drain the engine
	// so queued queries reach a terminal state, (3) close the store.
	slog.Info("gougi shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	if err := eng.Drain(drainCtx); err != nil {
		slog.Error("engine drain error", "error", err)
	}
	drainCancel()

	slog.Info("gougi stopped")
	return nil
}

// newProviderRegistry builds the provider panel from configuration. OpenAI
// and Anthropic join when their API keys are set; Ollama joins when
// OLLAMA_URL is set. At least one provider must be configured.
func newProviderRegistry(cfg config.Config, logger *slog.Logger) (*provider.Registry, error) {
	var adapters []provider.Adapter

	if cfg.OpenAIAPIKey != "" {
		adapters = append(adapters, provider.NewOpenAIAdapter(
			cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.ProviderTimeout, logger))
		logger.Info("provider enabled", "provider", "openai", "model", cfg.OpenAIModel)
	}
	if cfg.AnthropicAPIKey != "" {
		adapters = append(adapters, provider.NewAnthropicAdapter(
			"", cfg.AnthropicAPIKey, cfg.AnthropicModel, cfg.ProviderTimeout, logger))
		logger.Info("provider enabled", "provider", "anthropic", "model", cfg.AnthropicModel)
	}
	if cfg.OllamaEnabled {
		adapters = append(adapters, provider.NewOllamaAdapter(
			cfg.OllamaURL, cfg.OllamaModel, cfg.ProviderTimeout, logger))
		logger.Info("provider enabled", "provider", "ollama", "model", cfg.OllamaModel)
	}

	if len(adapters) == 0 {
		return nil, fmt.Errorf("no providers configured: set OPENAI_API_KEY, ANTHROPIC_API_KEY, or GOUGI_OLLAMA_ENABLED")
	}
	return provider.NewRegistry(adapters...), nil
}
