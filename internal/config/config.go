// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Database settings. When DatabaseURL is empty the server falls back
	// to the embedded sqlite store at SQLitePath (single-node dev mode).
	DatabaseURL string // PgBouncer or direct Postgres URL for queries.
	NotifyURL   string // Direct Postgres URL for LISTEN/NOTIFY.
	SQLitePath  string

	// JWT settings.
	JWTPrivateKeyPath string // Path to Ed25519 private key PEM file.
	JWTPublicKeyPath  string // Path to Ed25519 public key PEM file.
	JWTExpiration     time.Duration

	// Admin bootstrap.
	AdminAPIKey string

	// Caller credentials, comma-separated "caller_id:plan:api_key" entries.
	APIKeys string

	// Provider settings.
	OpenAIAPIKey    string
	OpenAIModel     string
	OpenAIBaseURL   string
	AnthropicAPIKey string
	AnthropicModel  string
	OllamaEnabled   bool
	OllamaURL       string
	OllamaModel     string
	ProviderTimeout time.Duration // per-adapter call bound
	GatherTimeout   time.Duration // optional whole-fan-out bound, 0 = none

	// Engine settings.
	Workers      int
	QueueDepth   int
	DrainTimeout time.Duration

	// Rate limit settings (burst limiting; daily quota is separate).
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                envInt("GOUGI_PORT", 8080),
		ReadTimeout:         envDuration("GOUGI_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        envDuration("GOUGI_WRITE_TIMEOUT", 30*time.Second),
		DatabaseURL:         envStr("DATABASE_URL", ""),
		NotifyURL:           envStr("NOTIFY_URL", ""),
		SQLitePath:          envStr("GOUGI_SQLITE_PATH", "gougi.db"),
		JWTPrivateKeyPath:   envStr("GOUGI_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:    envStr("GOUGI_JWT_PUBLIC_KEY", ""),
		JWTExpiration:       envDuration("GOUGI_JWT_EXPIRATION", 24*time.Hour),
		AdminAPIKey:         envStr("GOUGI_ADMIN_API_KEY", ""),
		APIKeys:             envStr("GOUGI_API_KEYS", ""),
		OpenAIAPIKey:        envStr("OPENAI_API_KEY", ""),
		OpenAIModel:         envStr("GOUGI_OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL:       envStr("GOUGI_OPENAI_BASE_URL", "https://api.openai.com"),
		AnthropicAPIKey:     envStr("ANTHROPIC_API_KEY", ""),
		AnthropicModel:      envStr("GOUGI_ANTHROPIC_MODEL", "claude-sonnet-4-5"),
		OllamaEnabled:       envBool("GOUGI_OLLAMA_ENABLED", false),
		OllamaURL:           envStr("OLLAMA_URL", "http://localhost:11434"),
		OllamaModel:         envStr("OLLAMA_MODEL", "llama3.1"),
		ProviderTimeout:     envDuration("GOUGI_PROVIDER_TIMEOUT", 30*time.Second),
		GatherTimeout:       envDuration("GOUGI_GATHER_TIMEOUT", 2*time.Minute),
		Workers:             envInt("GOUGI_WORKERS", 4),
		QueueDepth:          envInt("GOUGI_QUEUE_DEPTH", 256),
		DrainTimeout:        envDuration("GOUGI_DRAIN_TIMEOUT", 10*time.Second),
		RateLimitEnabled:    envBool("GOUGI_RATE_LIMIT_ENABLED", true),
		RateLimitRPS:        envFloat("GOUGI_RATE_LIMIT_RPS", 5),
		RateLimitBurst:      envInt("GOUGI_RATE_LIMIT_BURST", 10),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:        envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "gougi"),
		LogLevel:            envStr("GOUGI_LOG_LEVEL", "info"),
		MaxRequestBodyBytes: int64(envInt("GOUGI_MAX_REQUEST_BODY_BYTES", 1*1024*1024)),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and sane.
func (c Config) Validate() error {
	if c.DatabaseURL == "" && c.SQLitePath == "" {
		return fmt.Errorf("config: either DATABASE_URL or GOUGI_SQLITE_PATH is required")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("config: GOUGI_WORKERS must be positive")
	}
	if c.QueueDepth <= 0 {
		return fmt.Errorf("config: GOUGI_QUEUE_DEPTH must be positive")
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("config: GOUGI_PROVIDER_TIMEOUT must be positive")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: GOUGI_MAX_REQUEST_BODY_BYTES must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
