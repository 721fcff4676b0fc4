// Command worker claims trigger jobs and forwards each one to the trigger
// endpoint, up to WORKER_CONCURRENCY at a time.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	// Sets GOMEMLIMIT from the container's cgroup limit.
	_ "github.com/KimMachineGun/automemlimit"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/triggerq/internal/config"
	"github.com/SirClappington/triggerq/internal/logging"
	"github.com/SirClappington/triggerq/internal/platform"
	"github.com/SirClappington/triggerq/internal/queue"
	"github.com/SirClappington/triggerq/internal/trigger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "worker:", err)
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

	if cfg.TriggerEndpointURL == "" {
		return &queue.ConfigurationError{Field: "TRIGGER_ENDPOINT_URL", Err: errors.New("required by the worker")}
	}
	fwd, err := trigger.NewForwarder(cfg.TriggerEndpointURL, &http.Client{Timeout: trigger.DefaultTimeout})
	if err != nil {
		return &queue.ConfigurationError{Field: "TRIGGER_ENDPOINT_URL", Err: err}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tp, err := platform.Tracing("triggerq-worker", cfg.TraceExporter)
	if err != nil {
		return err
	}
	store, closeStore, err := platform.OpenStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
		defer cancel()
		err = multierr.Combine(err, platform.ShutdownTracing(shutdownCtx, tp), closeStore())
	}()

	pool := queue.NewPool(store, fwd, log, tp.Tracer("triggerq/worker"), cfg.PoolConfig())
	log.Info("worker starting",
		zap.String("worker_id", pool.WorkerID()),
		zap.String("backend", cfg.QueueBackend),
		zap.String("endpoint", cfg.TriggerEndpointURL))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return platform.ServeMetrics(gctx, cfg.MetricsAddr, log) })
	return g.Wait()
}
