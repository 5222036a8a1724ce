package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Type names a state backend.
type Type string

const (
	TypeMemory   Type = "memory"
	TypeSQLite   Type = "sqlite"
	TypePostgres Type = "postgres"
	TypeRedis    Type = "redis"
)

// RedisConfig configures RedisBackend.
type RedisConfig struct {
	Addr     string `yaml:"addr" toml:"addr" json:"addr"`
	Password string `yaml:"password" toml:"password" json:"password"`
	DB       int    `yaml:"db" toml:"db" json:"db"`
	Prefix   string `yaml:"prefix" toml:"prefix" json:"prefix"`
}

// Config selects and configures a state backend.
type Config struct {
	Type Type `yaml:"type" toml:"type" json:"type"`
	// DSN is the data source of the SQL backends. For sqlite it may be a
	// plain file path.
	DSN   string      `yaml:"dsn" toml:"dsn" json:"dsn"`
	Redis RedisConfig `yaml:"redis" toml:"redis" json:"redis"`
}

// Open builds the backend described by cfg. An empty type selects sqlite
// with data/state.db.
func Open(ctx context.Context, cfg Config) (Backend, error) {
	switch cfg.Type {
	case TypeMemory:
		return NewMemoryBackend(), nil
	case "", TypeSQLite:
		dsn := cfg.DSN
		if dsn == "" {
			dsn = filepath.Join("data", "state.db")
		}
		if dir := filepath.Dir(dsn); dir != "." && !isURI(dsn) {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("storage: create %s: %w", dir, err)
			}
		}
		return OpenSQL(ctx, DialectSQLite, dsn)
	case TypePostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("storage: postgres requires a dsn")
		}
		return OpenSQL(ctx, DialectPostgres, cfg.DSN)
	case TypeRedis:
		addr := cfg.Redis.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		prefix := cfg.Redis.Prefix
		if prefix == "" {
			prefix = "gear:"
		}
		b := NewRedisBackend(addr, cfg.Redis.Password, cfg.Redis.DB, prefix)
		if err := b.Ping(ctx); err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("storage: redis %s: %w", addr, err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("storage: unsupported type %q", cfg.Type)
	}
}

func isURI(dsn string) bool {
	return len(dsn) >= 5 && dsn[:5] == "file:"
}
