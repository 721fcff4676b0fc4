// Package scheduler runs queue maintenance out of process. Several replicas
// may run; a store lock elects the one that recovers stalled jobs and
// promotes delayed ones on each tick.
package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SirClappington/triggerq/internal/queue"
)

const DefaultInterval = 15 * time.Second

// Store is what the scheduler needs from a queue backend.
type Store interface {
	queue.Store
	queue.Locker
}

type Config struct {
	Interval        time.Duration
	MaxStalledCount int
}

type Scheduler struct {
	store    Store
	log      *zap.Logger
	interval time.Duration
	stalled  int
	token    string
	leading  atomic.Bool
}

func New(store Store, log *zap.Logger, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxStalledCount <= 0 {
		cfg.MaxStalledCount = queue.DefaultMaxStalledCount
	}
	token := uuid.NewString()
	return &Scheduler{
		store:    store,
		log:      log.Named("scheduler").With(zap.String("instance", token)),
		interval: cfg.Interval,
		stalled:  cfg.MaxStalledCount,
		token:    token,
	}
}

// Leading reports whether the last tick held the maintenance lock.
func (s *Scheduler) Leading() bool { return s.leading.Load() }

// Run ticks until ctx is done, then gives up leadership.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler started", zap.Duration("interval", s.interval))
	tick := time.NewTicker(s.interval)
	defer tick.Stop()

	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("maintenance tick", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.store.ReleaseLock(releaseCtx, queue.MaintenanceLock, s.token); err != nil {
				s.log.Warn("release leadership", zap.Error(err))
			}
			s.leading.Store(false)
			s.log.Info("scheduler stopped")
			return nil
		case <-tick.C:
		}
	}
}

// Tick runs one maintenance pass if this instance leads. The lock outlives
// three intervals so a single slow tick does not hand leadership over.
func (s *Scheduler) Tick(ctx context.Context) (bool, error) {
	ok, err := s.store.AcquireLock(ctx, queue.MaintenanceLock, s.token, 3*s.interval)
	if err != nil {
		return false, err
	}
	if s.leading.Swap(ok) != ok {
		s.log.Info("leadership changed", zap.Bool("leading", ok))
	}
	if !ok {
		return false, nil
	}

	stats, err := s.store.Recover(ctx, queue.TriggerQueue, s.stalled)
	if err != nil {
		return true, err
	}
	queue.RecordRecovery(queue.TriggerQueue, stats)
	if stats.Stalled+stats.Failed+stats.Promoted > 0 {
		s.log.Info("queue maintenance",
			zap.Int("stalled", stats.Stalled),
			zap.Int("stalled_failed", stats.Failed),
			zap.Int("promoted", stats.Promoted))
	}
	return true, nil
}
