package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Stream transport modes accepted by STREAM_MODE.
const (
	StreamModeAuto     = "auto"
	StreamModeActor    = "actor"
	StreamModeDirect   = "direct"
	StreamModeBlocking = "blocking"
)

// Ledger backends accepted by LEDGER_BACKEND.
const (
	LedgerMemory   = "memory"
	LedgerSQLite   = "sqlite"
	LedgerPostgres = "postgres"
	LedgerRedis    = "redis"
)

// Config contains all runtime settings for the streaming session service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	LogLevel  string
	LogFormat string

	ChatBackendURL string
	StreamPath     string
	ChatPath       string
	DefaultDomain  string
	StreamMode     string

	InactivityTimeout  time.Duration
	MaxReconnects      int
	MaxTotalReconnects int
	ReconnectDelay     time.Duration

	FallbackChunkSize  int
	FallbackChunkDelay time.Duration

	LedgerBackend      string
	SQLitePath         string
	DatabaseURL        string
	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	RedisPrefix        string
	SessionRetention   time.Duration
	SweepInterval      time.Duration
	MaxSessionsPerUser int
}

// StreamURL is the SSE endpoint of the chat backend.
func (c Config) StreamURL() string {
	return strings.TrimRight(c.ChatBackendURL, "/") + c.StreamPath
}

// ChatURL is the non-streaming endpoint of the chat backend.
func (c Config) ChatURL() string {
	return strings.TrimRight(c.ChatBackendURL, "/") + c.ChatPath
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "coachstream"),
		AllowAnyOrigin:   false,
		LogLevel:         strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		LogFormat:        strings.ToLower(envOrDefault("LOG_FORMAT", "auto")),
		ChatBackendURL:   envOrDefault("CHAT_BACKEND_URL", "http://localhost:8001"),
		StreamPath:       envOrDefault("CHAT_STREAM_PATH", "/api/v1/chat/stream"),
		ChatPath:         envOrDefault("CHAT_BLOCKING_PATH", "/v1/chat"),
		// Requests without an explicit domain are treated as fitness coaching.
		DefaultDomain: envOrDefault("CHAT_DEFAULT_DOMAIN", "fitness"),
		StreamMode:    strings.ToLower(envOrDefault("STREAM_MODE", StreamModeAuto)),

		InactivityTimeout:  60 * time.Second,
		MaxReconnects:      3,
		MaxTotalReconnects: 10,
		ReconnectDelay:     2 * time.Second,
		FallbackChunkSize:  50,
		FallbackChunkDelay: 50 * time.Millisecond,

		LedgerBackend:      strings.ToLower(envOrDefault("LEDGER_BACKEND", LedgerSQLite)),
		SQLitePath:         envOrDefault("LEDGER_SQLITE_PATH", "data/coachstream.db"),
		DatabaseURL:        stringsTrimSpace("DATABASE_URL"),
		RedisAddr:          envOrDefault("REDIS_ADDR", "localhost:6379"),
		RedisPassword:      stringsTrimSpace("REDIS_PASSWORD"),
		RedisPrefix:        envOrDefault("REDIS_PREFIX", "coachstream:ledger:"),
		SessionRetention:   30 * time.Minute,
		SweepInterval:      time.Minute,
		MaxSessionsPerUser: 50,
		ShutdownTimeout:    15 * time.Second,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.InactivityTimeout, err = durationFromEnv("STREAM_INACTIVITY_TIMEOUT", cfg.InactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxReconnects, err = intFromEnv("STREAM_MAX_RECONNECTS", cfg.MaxReconnects)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxTotalReconnects, err = intFromEnv("STREAM_MAX_TOTAL_RECONNECTS", cfg.MaxTotalReconnects)
	if err != nil {
		return Config{}, err
	}
	cfg.ReconnectDelay, err = durationFromEnv("STREAM_RECONNECT_DELAY", cfg.ReconnectDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.FallbackChunkSize, err = intFromEnv("FALLBACK_CHUNK_SIZE", cfg.FallbackChunkSize)
	if err != nil {
		return Config{}, err
	}
	cfg.FallbackChunkDelay, err = durationFromEnv("FALLBACK_CHUNK_DELAY", cfg.FallbackChunkDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.RedisDB, err = intFromEnv("REDIS_DB", cfg.RedisDB)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionRetention, err = durationFromEnv("LEDGER_RETENTION", cfg.SessionRetention)
	if err != nil {
		return Config{}, err
	}
	cfg.SweepInterval, err = durationFromEnv("LEDGER_SWEEP_INTERVAL", cfg.SweepInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxSessionsPerUser, err = intFromEnv("LEDGER_MAX_SESSIONS_PER_USER", cfg.MaxSessionsPerUser)
	if err != nil {
		return Config{}, err
	}

	switch cfg.StreamMode {
	case StreamModeAuto, StreamModeActor, StreamModeDirect, StreamModeBlocking:
	default:
		return Config{}, fmt.Errorf("STREAM_MODE must be one of auto, actor, direct, blocking")
	}
	switch cfg.LedgerBackend {
	case LedgerMemory, LedgerSQLite, LedgerRedis:
	case LedgerPostgres:
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL is required when LEDGER_BACKEND=postgres")
		}
	default:
		return Config{}, fmt.Errorf("LEDGER_BACKEND must be one of memory, sqlite, postgres, redis")
	}
	if cfg.InactivityTimeout < time.Second {
		return Config{}, fmt.Errorf("STREAM_INACTIVITY_TIMEOUT must be at least 1s")
	}
	if cfg.MaxReconnects < 0 {
		return Config{}, fmt.Errorf("STREAM_MAX_RECONNECTS must be >= 0")
	}
	if cfg.MaxTotalReconnects < 0 {
		return Config{}, fmt.Errorf("STREAM_MAX_TOTAL_RECONNECTS must be >= 0")
	}
	if cfg.ReconnectDelay < 0 {
		return Config{}, fmt.Errorf("STREAM_RECONNECT_DELAY must be >= 0")
	}
	if cfg.FallbackChunkSize <= 0 {
		return Config{}, fmt.Errorf("FALLBACK_CHUNK_SIZE must be positive")
	}
	if cfg.SessionRetention <= 0 {
		return Config{}, fmt.Errorf("LEDGER_RETENTION must be positive")
	}
	if cfg.SweepInterval < time.Second {
		return Config{}, fmt.Errorf("LEDGER_SWEEP_INTERVAL must be at least 1s")
	}
	if cfg.MaxSessionsPerUser <= 0 {
		return Config{}, fmt.Errorf("LEDGER_MAX_SESSIONS_PER_USER must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
