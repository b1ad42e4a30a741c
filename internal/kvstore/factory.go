package kvstore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/switchyard-chat/switchyard/internal/config"
)

// Open creates the configured backend and loads its contents.
func Open(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (*Store, error) {
	var (
		backend Backend
		err     error
	)
	switch cfg.Driver {
	case "postgres":
		backend, err = NewPostgres(cfg.DSN, PoolOptions{
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime.Duration,
		})
	case "sqlite", "":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = ":memory:"
		}
		backend, err = NewSQLite(dsn, cfg.MaxOpenConns)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	s := New(backend, logger)
	if err := s.Load(ctx); err != nil {
		_ = backend.Close()
		return nil, err
	}
	return s, nil
}
