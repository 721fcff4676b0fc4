package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/SirClappington/triggerq/internal/domain"
	"github.com/SirClappington/triggerq/internal/queue"
)

// newRedisQ starts a Redis container and returns a store rooted under a
// fresh key prefix.
func newRedisQ(t *testing.T) *queue.RedisQ {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test")
	}
	ctx := context.Background()

	ctr, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("start redis container: %v", err)
	}
	t.Cleanup(func() {
		if err := ctr.Terminate(ctx); err != nil {
			t.Logf("terminate redis container: %v", err)
		}
	})

	host, err := ctr.Host(ctx)
	require.NoError(t, err)
	port, err := ctr.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)

	profile, err := queue.NewProfile(queue.ProfileOptions{
		Host:      host,
		Port:      port.Int(),
		KeyPrefix: "test-" + uuid.NewString()[:8] + ":",
	})
	require.NoError(t, err)

	rdb, err := queue.Dial(ctx, profile)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })
	return queue.NewRedisQ(rdb, profile)
}

func TestRedisQ_ClaimCompleteRemoves(t *testing.T) {
	t.Parallel()
	q := newRedisQ(t)
	ctx := context.Background()

	added, err := q.Add(ctx, queue.TriggerQueue, []byte(`{"template":"t1"}`), domain.DefaultJobOptions())
	require.NoError(t, err)

	job, err := q.Claim(ctx, queue.TriggerQueue, "tok-1", time.Minute, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, added.ID, job.ID)
	assert.Equal(t, domain.Active, job.Status)
	assert.Equal(t, "tok-1", job.LeaseToken)
	assert.Equal(t, 1, job.AttemptsStarted)
	assert.JSONEq(t, `{"template":"t1"}`, string(job.Payload))

	assert.ErrorIs(t, q.Complete(ctx, queue.TriggerQueue, job.ID, "someone-else"), queue.ErrLeaseLost)
	require.NoError(t, q.Complete(ctx, queue.TriggerQueue, job.ID, "tok-1"))

	_, err = q.Get(ctx, queue.TriggerQueue, job.ID)
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
	counts, err := q.Counts(ctx, queue.TriggerQueue)
	require.NoError(t, err)
	assert.Equal(t, queue.Counts{}, counts)
}

func TestRedisQ_ClaimEmptyTimesOut(t *testing.T) {
	t.Parallel()
	q := newRedisQ(t)

	job, err := q.Claim(context.Background(), queue.TriggerQueue, "tok", time.Minute, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestRedisQ_FailRetainsAndRetries(t *testing.T) {
	t.Parallel()
	q := newRedisQ(t)
	ctx := context.Background()

	opts := domain.DefaultJobOptions()
	opts.Attempts = 2
	_, err := q.Add(ctx, queue.TriggerQueue, []byte(`{}`), opts)
	require.NoError(t, err)

	job, err := q.Claim(ctx, queue.TriggerQueue, "a", time.Minute, time.Second)
	require.NoError(t, err)
	status, err := q.Fail(ctx, queue.TriggerQueue, job.ID, "a", "NetworkError")
	require.NoError(t, err)
	assert.Equal(t, domain.Waiting, status)

	job, err = q.Claim(ctx, queue.TriggerQueue, "b", time.Minute, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 2, job.AttemptsStarted)

	status, err = q.Fail(ctx, queue.TriggerQueue, job.ID, "b", "NetworkError")
	require.NoError(t, err)
	assert.Equal(t, domain.Failed, status)

	stored, err := q.Get(ctx, queue.TriggerQueue, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Failed, stored.Status)
	assert.Equal(t, "NetworkError", stored.FailedReason)
	assert.Empty(t, stored.LeaseToken)

	counts, err := q.Counts(ctx, queue.TriggerQueue)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts.Failed)
	assert.Zero(t, counts.Active)
}

func TestRedisQ_DelayedRetryIsPromoted(t *testing.T) {
	t.Parallel()
	q := newRedisQ(t)
	ctx := context.Background()

	opts := domain.JobOptions{RemoveOnComplete: true, Attempts: 2, BackoffType: domain.BackoffFixed, Backoff: 50 * time.Millisecond}
	_, err := q.Add(ctx, queue.TriggerQueue, []byte(`{}`), opts)
	require.NoError(t, err)
	job, err := q.Claim(ctx, queue.TriggerQueue, "a", time.Minute, time.Second)
	require.NoError(t, err)

	status, err := q.Fail(ctx, queue.TriggerQueue, job.ID, "a", "boom")
	require.NoError(t, err)
	assert.Equal(t, domain.Delayed, status)

	require.Eventually(t, func() bool {
		st, err := q.Recover(ctx, queue.TriggerQueue, 1)
		return err == nil && st.Promoted == 1
	}, 2*time.Second, 20*time.Millisecond)

	counts, err := q.Counts(ctx, queue.TriggerQueue)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts.Waiting)
}

func TestRedisQ_ExpiredLeaseIsRecoveredAndLateReportRejected(t *testing.T) {
	t.Parallel()
	q := newRedisQ(t)
	ctx := context.Background()

	_, err := q.Add(ctx, queue.TriggerQueue, []byte(`{}`), domain.DefaultJobOptions())
	require.NoError(t, err)
	first, err := q.Claim(ctx, queue.TriggerQueue, "first", 50*time.Millisecond, time.Second)
	require.NoError(t, err)

	// First pass only marks; the job still holds its lease.
	st, err := q.Recover(ctx, queue.TriggerQueue, 1)
	require.NoError(t, err)
	assert.Zero(t, st.Stalled)

	time.Sleep(100 * time.Millisecond)
	st, err = q.Recover(ctx, queue.TriggerQueue, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Stalled)

	second, err := q.Claim(ctx, queue.TriggerQueue, "second", time.Minute, time.Second)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, second.StalledCount)

	assert.ErrorIs(t, q.Complete(ctx, queue.TriggerQueue, first.ID, "first"), queue.ErrLeaseLost)
	_, err = q.Fail(ctx, queue.TriggerQueue, first.ID, "first", "late")
	assert.ErrorIs(t, err, queue.ErrLeaseLost)
	require.NoError(t, q.Complete(ctx, queue.TriggerQueue, second.ID, "second"))
}

func TestRedisQ_StalledPastLimitFails(t *testing.T) {
	t.Parallel()
	q := newRedisQ(t)
	ctx := context.Background()

	added, err := q.Add(ctx, queue.TriggerQueue, []byte(`{}`), domain.DefaultJobOptions())
	require.NoError(t, err)
	_, err = q.Claim(ctx, queue.TriggerQueue, "first", 20*time.Millisecond, time.Second)
	require.NoError(t, err)

	_, err = q.Recover(ctx, queue.TriggerQueue, 0)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	st, err := q.Recover(ctx, queue.TriggerQueue, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Failed)

	job, err := q.Get(ctx, queue.TriggerQueue, added.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Failed, job.Status)
}

func TestRedisQ_Lock(t *testing.T) {
	t.Parallel()
	q := newRedisQ(t)
	ctx := context.Background()

	ok, err := q.AcquireLock(ctx, "maint", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.AcquireLock(ctx, "maint", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = q.AcquireLock(ctx, "maint", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "holder renews")

	require.NoError(t, q.ReleaseLock(ctx, "maint", "b"))
	ok, err = q.AcquireLock(ctx, "maint", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "release by non-holder is a no-op")

	require.NoError(t, q.ReleaseLock(ctx, "maint", "a"))
	ok, err = q.AcquireLock(ctx, "maint", "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
