// Package platform opens the process-level resources the binaries share:
// the queue store, the tracer provider and the metrics listener.
package platform

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/triggerq/internal/config"
	"github.com/SirClappington/triggerq/internal/queue"
	"github.com/SirClappington/triggerq/internal/storage"
)

// OpenStore connects the configured queue backend. The returned func
// releases it.
func OpenStore(ctx context.Context, cfg config.Config, log *zap.Logger) (queue.Store, func() error, error) {
	switch cfg.QueueBackend {
	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, errors.Wrap(err, "postgres pool")
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, errors.Wrap(err, "ping postgres")
		}
		log.Info("queue store connected", zap.String("backend", cfg.QueueBackend))
		return storage.New(pool), func() error { pool.Close(); return nil }, nil

	default:
		profile, err := cfg.Profile()
		if err != nil {
			return nil, nil, err
		}
		rdb, err := queue.Dial(ctx, profile)
		if err != nil {
			return nil, nil, err
		}
		log.Info("queue store connected",
			zap.String("backend", cfg.QueueBackend),
			zap.Stringer("profile", profile))
		return queue.NewRedisQ(rdb, profile), rdb.Close, nil
	}
}
