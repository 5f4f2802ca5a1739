package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/example/carpool/internal/logging"
)

// Backends understood by Open.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Options selects and configures a backend.
type Options struct {
	Backend       string
	RedisAddr     string
	RedisPassword string
	RedisPrefix   string
	PGDSN         string
	Migrate       bool
}

// Open connects the configured backend. Postgres schema migrations run only
// when Migrate is set.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (Store, error) {
	logger = logging.OrDefault(logger)
	switch opts.Backend {
	case BackendMemory, "":
		logger.Info("store_selected", "backend", BackendMemory)
		return NewMemoryStore(), nil
	case BackendRedis:
		s, err := NewRedisStore(ctx, RedisOptions{Addr: opts.RedisAddr, Password: opts.RedisPassword, Prefix: opts.RedisPrefix}, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("store_selected", "backend", BackendRedis, "addr", opts.RedisAddr)
		return s, nil
	case BackendPostgres:
		s, err := NewPostgresStore(ctx, opts.PGDSN, logger)
		if err != nil {
			return nil, err
		}
		if opts.Migrate {
			if err := s.Migrate(ctx); err != nil {
				_ = s.Close()
				return nil, err
			}
		}
		logger.Info("store_selected", "backend", BackendPostgres)
		return s, nil
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", opts.Backend)
	}
}
