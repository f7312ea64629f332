package ledger

import (
	"context"
	"fmt"
	"strings"
)

// StoreConfig selects and configures a ledger backend.
type StoreConfig struct {
	Backend     string
	SQLitePath  string
	DatabaseURL string
	Redis       RedisConfig
}

// NewStore creates the configured backend. An empty backend means memory.
func NewStore(ctx context.Context, cfg StoreConfig) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(ctx, cfg.SQLitePath)
	case "postgres":
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return nil, fmt.Errorf("postgres ledger requires a database url")
		}
		return NewPostgresStore(ctx, cfg.DatabaseURL)
	case "redis":
		return NewRedisStore(ctx, cfg.Redis)
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Backend)
	}
}
