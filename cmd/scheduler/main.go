// Command scheduler runs queue maintenance for deployments that disable it
// inside the workers (MAINTENANCE_INTERVAL_MS=0). Replicas elect a leader
// through the store.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/triggerq/internal/config"
	"github.com/SirClappington/triggerq/internal/logging"
	"github.com/SirClappington/triggerq/internal/platform"
	"github.com/SirClappington/triggerq/internal/scheduler"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "scheduler:", err)
		os.Exit(1)
	}
}

func run() (err error) {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	store, closeStore, err := platform.OpenStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, closeStore()) }()

	st, ok := store.(scheduler.Store)
	if !ok {
		return errors.Errorf("backend %s cannot hold a leader lock", cfg.QueueBackend)
	}

	interval := scheduler.DefaultInterval
	if pc := cfg.PoolConfig(); pc.MaintenanceInterval > 0 {
		interval = pc.MaintenanceInterval
	}
	s := scheduler.New(st, log, scheduler.Config{
		Interval:        interval,
		MaxStalledCount: cfg.MaxStalledCount,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Run(gctx) })
	g.Go(func() error { return platform.ServeMetrics(gctx, cfg.MetricsAddr, log) })
	return g.Wait()
}
