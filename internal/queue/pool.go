package queue

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/SirClappington/triggerq/internal/domain"
	"github.com/SirClappington/triggerq/internal/jobscope"
	"github.com/SirClappington/triggerq/internal/metrics"
)

const (
	DefaultConcurrency         = 200
	DefaultLeaseDuration       = 90000 * time.Millisecond
	DefaultClaimBlock          = 5 * time.Second
	DefaultMaintenanceInterval = 15 * time.Second
	DefaultMaxStalledCount     = 1

	claimBackoffBase = 100 * time.Millisecond
	claimBackoffMax  = 10 * time.Second
	reportAttempts   = 3
)

// MaintenanceLock names the store lock held by whichever process runs
// recovery for the trigger queue, a worker pool or the scheduler.
const MaintenanceLock = TriggerQueue + ":maintenance"

// Handler runs one trigger. It is invoked once per claimed job.
type Handler interface {
	Execute(ctx context.Context, cmd domain.TriggerCommand) error
}

type HandlerFunc func(ctx context.Context, cmd domain.TriggerCommand) error

func (f HandlerFunc) Execute(ctx context.Context, cmd domain.TriggerCommand) error { return f(ctx, cmd) }

type PoolConfig struct {
	Concurrency   int
	LeaseDuration time.Duration
	ClaimBlock    time.Duration
	// MaintenanceInterval < 0 disables in-process recovery; run the
	// scheduler binary instead.
	MaintenanceInterval time.Duration
	MaxStalledCount     int
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = DefaultLeaseDuration
	}
	if c.ClaimBlock <= 0 {
		c.ClaimBlock = DefaultClaimBlock
	}
	if c.MaintenanceInterval == 0 {
		c.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if c.MaxStalledCount <= 0 {
		c.MaxStalledCount = DefaultMaxStalledCount
	}
	return c
}

// Pool claims jobs from the trigger queue and runs up to Concurrency of them
// at once. Each claimed job holds a lease; its outcome is reported with the
// lease token so a report for a lease that has since expired is rejected by
// the store and ignored here.
type Pool struct {
	store    Store
	handler  Handler
	log      *zap.Logger
	scope    jobscope.Runner
	cfg      PoolConfig
	workerID string
	sem      *semaphore.Weighted
	now      func() time.Time

	mu     sync.Mutex
	leases map[string]domain.Lease // by token
	wg     sync.WaitGroup
}

type PoolOption func(*Pool)

// WithScopeHook installs a hook that runs inside every job scope before
// the handler.
func WithScopeHook(fn func(ctx context.Context, job domain.Job) (context.Context, error)) PoolOption {
	return func(p *Pool) { p.scope.OnOpen = fn }
}

func WithClock(now func() time.Time) PoolOption {
	return func(p *Pool) { p.now = now }
}

func NewPool(store Store, handler Handler, log *zap.Logger, tracer trace.Tracer, cfg PoolConfig, opts ...PoolOption) *Pool {
	cfg = cfg.withDefaults()
	workerID := uuid.NewString()
	p := &Pool{
		store:    store,
		handler:  handler,
		log:      log.Named("pool").With(zap.String("worker_id", workerID), zap.String("queue", TriggerQueue)),
		cfg:      cfg,
		workerID: workerID,
		sem:      semaphore.NewWeighted(int64(cfg.Concurrency)),
		now:      time.Now,
		leases:   make(map[string]domain.Lease),
		scope: jobscope.Runner{
			Logger: log,
			Tracer: tracer,
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Pool) WorkerID() string { return p.workerID }

// InFlight is the number of leases this pool currently holds.
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.leases)
}

// Leases returns a snapshot of the leases currently held.
func (p *Pool) Leases() []domain.Lease {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.Lease, 0, len(p.leases))
	for _, l := range p.leases {
		out = append(out, l)
	}
	return out
}

// Run claims and executes jobs until ctx is cancelled. It then stops
// claiming, lets in-flight jobs finish and report, and returns.
func (p *Pool) Run(ctx context.Context) error {
	p.log.Info("worker pool started",
		zap.Int("concurrency", p.cfg.Concurrency),
		zap.Duration("lease", p.cfg.LeaseDuration))

	var bg sync.WaitGroup
	if p.cfg.MaintenanceInterval > 0 {
		bg.Add(1)
		go func() {
			defer bg.Done()
			p.runMaintenance(ctx)
		}()
	}

	failures := 0
	for {
		// A slot is taken before claiming so claimed jobs never exceed the ceiling.
		if err := p.sem.Acquire(ctx, 1); err != nil {
			break
		}
		job, lease, err := p.claim(ctx)
		if err != nil {
			p.sem.Release(1)
			if ctx.Err() != nil {
				break
			}
			failures++
			metrics.ClaimErrorsTotal.WithLabelValues(TriggerQueue).Inc()
			wait := backoff(failures)
			p.log.Warn("claim failed", zap.Error(err), zap.Int("consecutive", failures), zap.Duration("retry_in", wait))
			if !sleep(ctx, wait) {
				break
			}
			continue
		}
		failures = 0
		if job == nil {
			p.sem.Release(1)
			continue
		}

		p.track(lease)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer p.sem.Release(1)
			defer p.untrack(lease)
			// in-flight jobs outlive the shutdown signal
			p.process(context.WithoutCancel(ctx), *job, lease)
		}()
	}

	p.log.Info("worker pool draining", zap.Int("in_flight", p.InFlight()))
	p.wg.Wait()
	bg.Wait()
	p.releaseMaintenance()
	p.log.Info("worker pool stopped")
	return nil
}

func (p *Pool) claim(ctx context.Context) (*domain.Job, domain.Lease, error) {
	token := uuid.NewString()
	claimedAt := p.now()
	job, err := p.store.Claim(ctx, TriggerQueue, token, p.cfg.LeaseDuration, p.cfg.ClaimBlock)
	if err != nil {
		return nil, domain.Lease{}, &ClaimError{Queue: TriggerQueue, Err: err}
	}
	if job == nil {
		return nil, domain.Lease{}, nil
	}
	return job, domain.Lease{
		JobID:     job.ID,
		Token:     token,
		ClaimedAt: claimedAt,
		ExpiresAt: claimedAt.Add(p.cfg.LeaseDuration),
	}, nil
}

func (p *Pool) track(l domain.Lease) {
	p.mu.Lock()
	p.leases[l.Token] = l
	n := len(p.leases)
	p.mu.Unlock()
	metrics.JobsInFlight.WithLabelValues(TriggerQueue).Set(float64(n))
}

func (p *Pool) untrack(l domain.Lease) {
	p.mu.Lock()
	delete(p.leases, l.Token)
	n := len(p.leases)
	p.mu.Unlock()
	metrics.JobsInFlight.WithLabelValues(TriggerQueue).Set(float64(n))
}

func (p *Pool) process(ctx context.Context, job domain.Job, lease domain.Lease) {
	start := p.now()
	err := p.execute(ctx, job)

	outcome := "succeeded"
	if err != nil {
		outcome = "failed"
	}
	metrics.JobsProcessedTotal.WithLabelValues(TriggerQueue, outcome).Inc()
	metrics.JobDurationSeconds.WithLabelValues(TriggerQueue, outcome).Observe(p.now().Sub(start).Seconds())

	p.report(ctx, job, lease, err)
}

// execute runs the handler inside the job's scope and classifies the result.
func (p *Pool) execute(ctx context.Context, job domain.Job) error {
	err := p.scope.Run(ctx, job, func(ctx context.Context) error {
		var cmd domain.TriggerCommand
		if err := json.Unmarshal(job.Payload, &cmd); err != nil {
			return errors.Wrap(err, "decode trigger command")
		}
		return p.handler.Execute(ctx, cmd)
	})
	if err == nil {
		return nil
	}
	var setupErr *jobscope.SetupError
	if errors.As(err, &setupErr) {
		return &ScopeSetupError{JobID: job.ID, Err: setupErr.Err}
	}
	return &HandlerError{JobID: job.ID, Err: err}
}

func (p *Pool) report(ctx context.Context, job domain.Job, lease domain.Lease, execErr error) {
	log := p.log.With(zap.String("job_id", job.ID), zap.Int("attempt", job.AttemptsStarted))
	if lease.Expired(p.now()) {
		log.Warn("lease window elapsed before outcome was known", zap.Time("lease_expired_at", lease.ExpiresAt))
	}

	for attempt := 1; ; attempt++ {
		var err error
		var status domain.Status
		if execErr == nil {
			err = p.store.Complete(ctx, TriggerQueue, job.ID, lease.Token)
		} else {
			status, err = p.store.Fail(ctx, TriggerQueue, job.ID, lease.Token, execErr.Error())
		}

		switch {
		case err == nil && execErr == nil:
			log.Debug("job succeeded")
			return
		case err == nil:
			fields := []zap.Field{zap.Error(execErr), zap.String("status", string(status))}
			var pe *jobscope.PanicError
			if errors.As(execErr, &pe) {
				fields = append(fields, zap.ByteString("stack", pe.Stack))
			}
			log.Warn("job failed", fields...)
			return
		case errors.Is(err, ErrLeaseLost):
			// Another worker may own the job now; our outcome is not authoritative.
			metrics.LeaseLostTotal.WithLabelValues(TriggerQueue).Inc()
			log.Warn("late outcome ignored, lease no longer held",
				zap.Bool("handler_succeeded", execErr == nil), zap.NamedError("handler_error", execErr))
			return
		case attempt >= reportAttempts:
			log.Error("report outcome gave up; lease expiry will resurface the job",
				zap.Error(err), zap.NamedError("handler_error", execErr))
			return
		default:
			log.Warn("report outcome failed, retrying", zap.Error(err), zap.Int("attempt", attempt))
			sleep(ctx, backoff(attempt))
		}
	}
}

func (p *Pool) runMaintenance(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.maintain(ctx)
		}
	}
}

// maintain runs one recovery pass. When the store can lock, only the holder
// of MaintenanceLock recovers, so concurrent two-phase passes never overlap.
func (p *Pool) maintain(ctx context.Context) {
	if locker, ok := p.store.(Locker); ok {
		held, err := locker.AcquireLock(ctx, MaintenanceLock, p.workerID, 3*p.cfg.MaintenanceInterval)
		if err != nil {
			if ctx.Err() == nil {
				p.log.Error("acquire maintenance lock", zap.Error(err))
			}
			return
		}
		if !held {
			return
		}
	}
	stats, err := p.store.Recover(ctx, TriggerQueue, p.cfg.MaxStalledCount)
	if err != nil {
		if ctx.Err() == nil {
			p.log.Error("queue maintenance", zap.Error(err))
		}
		return
	}
	RecordRecovery(TriggerQueue, stats)
	if stats.Stalled+stats.Failed+stats.Promoted > 0 {
		p.log.Info("queue maintenance",
			zap.Int("stalled", stats.Stalled),
			zap.Int("stalled_failed", stats.Failed),
			zap.Int("promoted", stats.Promoted))
	}
}

func (p *Pool) releaseMaintenance() {
	locker, ok := p.store.(Locker)
	if !ok || p.cfg.MaintenanceInterval <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := locker.ReleaseLock(ctx, MaintenanceLock, p.workerID); err != nil {
		p.log.Warn("release maintenance lock", zap.Error(err))
	}
}

// RecordRecovery exports a maintenance pass to the metrics registry.
func RecordRecovery(queue string, s RecoverStats) {
	metrics.RecoveredJobsTotal.WithLabelValues(queue, "stalled").Add(float64(s.Stalled))
	metrics.RecoveredJobsTotal.WithLabelValues(queue, "failed").Add(float64(s.Failed))
	metrics.RecoveredJobsTotal.WithLabelValues(queue, "promoted").Add(float64(s.Promoted))
}

func backoff(attempt int) time.Duration {
	d := float64(claimBackoffBase) * math.Pow(2, float64(attempt-1))
	if d > float64(claimBackoffMax) {
		d = float64(claimBackoffMax)
	}
	jitter := 0.5 + rand.Float64() //nolint:gosec // jitter only
	return time.Duration(d * jitter)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
