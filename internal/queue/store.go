package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/SirClappington/triggerq/internal/domain"
)

// TriggerQueue is the one queue both the producer and the pool talk to.
// Changing it on one side only strands every job.
const TriggerQueue = "trigger-handler"

// Store is the durable queue. Lease exclusivity, retry, delay and removal
// are its job; the pool only claims and reports.
type Store interface {
	// Add appends a new job and returns it with its store-assigned ID.
	Add(ctx context.Context, queue string, payload json.RawMessage, opts domain.JobOptions) (domain.Job, error)

	// Claim waits up to block for a job and leases it under token for the
	// given duration. Returns (nil, nil) when nothing became available.
	Claim(ctx context.Context, queue, token string, lease, block time.Duration) (*domain.Job, error)

	// Complete finalizes a job. ErrLeaseLost when token no longer holds it.
	Complete(ctx context.Context, queue, jobID, token string) error

	// Fail reports a failed attempt and returns where the store put the job
	// (waiting/delayed for a retry, failed when attempts are exhausted).
	// ErrLeaseLost when token no longer holds it.
	Fail(ctx context.Context, queue, jobID, token, reason string) (domain.Status, error)

	// Recover returns abandoned leases to the wait list and promotes due
	// delayed jobs.
	Recover(ctx context.Context, queue string, maxStalled int) (RecoverStats, error)

	Get(ctx context.Context, queue, jobID string) (domain.Job, error)
	Counts(ctx context.Context, queue string) (Counts, error)
	Ping(ctx context.Context) error
}

type RecoverStats struct {
	Stalled  int
	Failed   int
	Promoted int
}

type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Failed    int64 `json:"failed"`
	Completed int64 `json:"completed"`
}

// Locker is a named, expiring mutual-exclusion lock held in the store. It
// elects the one scheduler that runs maintenance.
type Locker interface {
	// AcquireLock takes name for token, or extends it if token already
	// holds it. Reports whether token holds the lock afterwards.
	AcquireLock(ctx context.Context, name, token string, ttl time.Duration) (bool, error)
	// ReleaseLock drops name if token holds it.
	ReleaseLock(ctx context.Context, name, token string) error
}
