package storage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/SirClappington/triggerq/internal/domain"
	"github.com/SirClappington/triggerq/internal/queue"
	"github.com/SirClappington/triggerq/internal/storage"
)

// newStore starts a Postgres container, applies migrations and returns a
// store on a fresh pool. The container is terminated via t.Cleanup.
func newStore(t *testing.T) *storage.Store {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test")
	}
	ctx := context.Background()

	pgCtr, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("triggerq_test"),
		tcpostgres.WithUsername("triggerq"),
		tcpostgres.WithPassword("testpassword"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := pgCtr.Terminate(ctx); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	connStr, err := pgCtr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	connCfg, err := pgx.ParseConfig(connStr)
	require.NoError(t, err)
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck
	require.NoError(t, storage.Migrate(db, "../../migrations"))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return storage.New(pool)
}

func TestStore_Lifecycle(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()

	t.Run("complete removes", func(t *testing.T) {
		added, err := s.Add(ctx, queue.TriggerQueue, []byte(`{"template":"t1"}`), domain.DefaultJobOptions())
		require.NoError(t, err)

		job, err := s.Claim(ctx, queue.TriggerQueue, "tok", time.Minute, time.Second)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, added.ID, job.ID)
		assert.Equal(t, domain.Active, job.Status)
		assert.Equal(t, 1, job.AttemptsStarted)
		assert.JSONEq(t, `{"template":"t1"}`, string(job.Payload))

		assert.ErrorIs(t, s.Complete(ctx, queue.TriggerQueue, job.ID, "other"), queue.ErrLeaseLost)
		require.NoError(t, s.Complete(ctx, queue.TriggerQueue, job.ID, "tok"))
		_, err = s.Get(ctx, queue.TriggerQueue, job.ID)
		assert.ErrorIs(t, err, queue.ErrJobNotFound)
	})

	t.Run("empty claim times out", func(t *testing.T) {
		start := time.Now()
		job, err := s.Claim(ctx, queue.TriggerQueue, "tok", time.Minute, 250*time.Millisecond)
		require.NoError(t, err)
		assert.Nil(t, job)
		assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond)
	})

	t.Run("fail retains job", func(t *testing.T) {
		added, err := s.Add(ctx, queue.TriggerQueue, []byte(`{}`), domain.DefaultJobOptions())
		require.NoError(t, err)
		job, err := s.Claim(ctx, queue.TriggerQueue, "tok", time.Minute, time.Second)
		require.NoError(t, err)

		status, err := s.Fail(ctx, queue.TriggerQueue, job.ID, "tok", "NetworkError")
		require.NoError(t, err)
		assert.Equal(t, domain.Failed, status)

		stored, err := s.Get(ctx, queue.TriggerQueue, added.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.Failed, stored.Status)
		assert.Equal(t, "NetworkError", stored.FailedReason)
		assert.Empty(t, stored.LeaseToken)
		assert.Equal(t, 1, stored.AttemptsMade)
	})

	t.Run("expired lease is recovered and late report rejected", func(t *testing.T) {
		_, err := s.Add(ctx, queue.TriggerQueue, []byte(`{}`), domain.DefaultJobOptions())
		require.NoError(t, err)
		first, err := s.Claim(ctx, queue.TriggerQueue, "first", 50*time.Millisecond, time.Second)
		require.NoError(t, err)

		time.Sleep(100 * time.Millisecond)
		st, err := s.Recover(ctx, queue.TriggerQueue, 1)
		require.NoError(t, err)
		assert.Equal(t, 1, st.Stalled)

		second, err := s.Claim(ctx, queue.TriggerQueue, "second", time.Minute, time.Second)
		require.NoError(t, err)
		require.NotNil(t, second)
		assert.Equal(t, first.ID, second.ID)

		assert.ErrorIs(t, s.Complete(ctx, queue.TriggerQueue, first.ID, "first"), queue.ErrLeaseLost)
		require.NoError(t, s.Complete(ctx, queue.TriggerQueue, second.ID, "second"))
	})

	t.Run("delayed retry is promoted", func(t *testing.T) {
		opts := domain.JobOptions{RemoveOnComplete: true, Attempts: 2, BackoffType: domain.BackoffFixed, Backoff: 50 * time.Millisecond}
		_, err := s.Add(ctx, queue.TriggerQueue, []byte(`{}`), opts)
		require.NoError(t, err)
		job, err := s.Claim(ctx, queue.TriggerQueue, "tok", time.Minute, time.Second)
		require.NoError(t, err)

		status, err := s.Fail(ctx, queue.TriggerQueue, job.ID, "tok", "boom")
		require.NoError(t, err)
		assert.Equal(t, domain.Delayed, status)

		require.Eventually(t, func() bool {
			st, err := s.Recover(ctx, queue.TriggerQueue, 1)
			return err == nil && st.Promoted == 1
		}, 2*time.Second, 20*time.Millisecond)

		again, err := s.Claim(ctx, queue.TriggerQueue, "tok2", time.Minute, time.Second)
		require.NoError(t, err)
		require.NotNil(t, again)
		assert.Equal(t, job.ID, again.ID)
		assert.Equal(t, 2, again.AttemptsStarted)
		require.NoError(t, s.Complete(ctx, queue.TriggerQueue, again.ID, "tok2"))
	})

	t.Run("counts", func(t *testing.T) {
		c, err := s.Counts(ctx, queue.TriggerQueue)
		require.NoError(t, err)
		assert.EqualValues(t, 1, c.Failed)
		assert.Zero(t, c.Active)
		assert.Zero(t, c.Waiting)
	})
}

func TestStore_DrivesPool(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	done := make(chan string, 1)

	pool := queue.NewPool(s, queue.HandlerFunc(func(_ context.Context, cmd domain.TriggerCommand) error {
		done <- cmd.Template
		return nil
	}), zap.NewNop(), noop.NewTracerProvider().Tracer("storage_test"), queue.PoolConfig{Concurrency: 2, ClaimBlock: 200 * time.Millisecond, MaintenanceInterval: -1})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = pool.Run(ctx)
	}()

	h, err := queue.NewProducer(s, zap.NewNop()).Enqueue(ctx, domain.TriggerCommand{Template: "welcome"})
	require.NoError(t, err)

	select {
	case tmpl := <-done:
		assert.Equal(t, "welcome", tmpl)
	case <-time.After(5 * time.Second):
		t.Fatal("job not executed")
	}
	require.Eventually(t, func() bool {
		_, err := s.Get(context.Background(), queue.TriggerQueue, h.ID)
		return errors.Is(err, queue.ErrJobNotFound)
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	<-stopped
}

func TestStore_Lock(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()

	ok, err := s.AcquireLock(ctx, "maint", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AcquireLock(ctx, "maint", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.AcquireLock(ctx, "maint", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "holder renews")

	require.NoError(t, s.ReleaseLock(ctx, "maint", "a"))
	ok, err = s.AcquireLock(ctx, "maint", "b", 50*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)

	time.Sleep(100 * time.Millisecond)
	ok, err = s.AcquireLock(ctx, "maint", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lock is taken over")
}
