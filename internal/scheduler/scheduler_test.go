package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SirClappington/triggerq/internal/domain"
	"github.com/SirClappington/triggerq/internal/queue"
	"github.com/SirClappington/triggerq/internal/queue/queuetest"
	"github.com/SirClappington/triggerq/internal/scheduler"
)

func TestTick_OnlyLeaderRecovers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := queuetest.New()
	a := scheduler.New(st, zap.NewNop(), scheduler.Config{Interval: time.Hour})
	b := scheduler.New(st, zap.NewNop(), scheduler.Config{Interval: time.Hour})

	led, err := a.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, led)

	led, err = b.Tick(ctx)
	require.NoError(t, err)
	assert.False(t, led)

	led, err = a.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, led, "leader keeps its lock across ticks")
}

func TestTick_RecoversExpiredLease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := queuetest.New()
	job, err := st.Add(ctx, queue.TriggerQueue, []byte(`{}`), domain.DefaultJobOptions())
	require.NoError(t, err)
	_, err = st.Claim(ctx, queue.TriggerQueue, "tok", time.Millisecond, time.Second)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	s := scheduler.New(st, zap.NewNop(), scheduler.Config{Interval: time.Hour, MaxStalledCount: 1})
	_, err = s.Tick(ctx)
	require.NoError(t, err)

	got, err := st.Get(ctx, queue.TriggerQueue, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Waiting, got.Status)
	assert.Equal(t, 1, got.StalledCount)
}

func TestRun_ReleasesLeadershipOnStop(t *testing.T) {
	t.Parallel()
	st := queuetest.New()
	a := scheduler.New(st, zap.NewNop(), scheduler.Config{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, a.Leading, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.False(t, a.Leading())

	b := scheduler.New(st, zap.NewNop(), scheduler.Config{Interval: time.Hour})
	led, err := b.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, led)
}
