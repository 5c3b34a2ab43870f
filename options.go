package gougi

import (
	"io/fs"
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port            int
	databaseURL     string
	notifyURL       string
	sqlitePath      string
	logger          *slog.Logger
	version         string
	providers       []Provider
	eventHooks      []EventHook
	planOverrides   map[string]int
	extraMigrations []fs.FS
}

// WithPort overrides the TCP port from config (GOUGI_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config
// (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN/NOTIFY
// (NOTIFY_URL env var). Set this when using a connection pooler
// (e.g. PgBouncer) for queries; LISTEN/NOTIFY needs a direct connection.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithSQLitePath overrides the embedded sqlite store path used when no
// DATABASE_URL is configured (GOUGI_SQLITE_PATH env var).
func WithSQLitePath(path string) Option {
	return func(o *resolvedOptions) { o.sqlitePath = path }
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported by /health.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithProvider registers a custom reasoning provider alongside the
// built-in adapters. May be given multiple times.
func WithProvider(p Provider) Option {
	return func(o *resolvedOptions) { o.providers = append(o.providers, p) }
}

// WithEventHook registers a hook for terminal query events.
// May be given multiple times.
func WithEventHook(h EventHook) Option {
	return func(o *resolvedOptions) { o.eventHooks = append(o.eventHooks, h) }
}

// WithPlanLimit overrides the daily query limit for a plan tier.
// A limit of 0 means unlimited. Unnamed tiers keep their defaults.
func WithPlanLimit(plan string, dailyLimit int) Option {
	return func(o *resolvedOptions) {
		if o.planOverrides == nil {
			o.planOverrides = make(map[string]int)
		}
		o.planOverrides[plan] = dailyLimit
	}
}

// WithExtraMigrations appends migration filesystems applied after the
// built-in migrations. Only used with the Postgres store.
func WithExtraMigrations(migrationsFS fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, migrationsFS) }
}
