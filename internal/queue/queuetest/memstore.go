// Package queuetest provides an in-memory queue.Store with the same lease
// semantics as the Redis store, for tests.
package queuetest

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SirClappington/triggerq/internal/domain"
	"github.com/SirClappington/triggerq/internal/queue"
)

// Event records a terminal or rejected report against the store.
type Event struct {
	JobID string
	Kind  string // completed | failed | retried | rejected
}

type entry struct {
	job       domain.Job
	token     string
	lockUntil time.Time
	readyAt   time.Time
}

type Store struct {
	mu      sync.Mutex
	now     func() time.Time
	jobs    map[string]*entry
	wait    []string
	active  map[string]struct{}
	delayed map[string]struct{}
	failed  map[string]struct{}
	done    map[string]struct{}
	events  []Event
	notify  chan struct{}

	locks map[string]lock

	claimErrs []error
	addErr    error
}

type lock struct {
	token string
	until time.Time
}

func New() *Store {
	return &Store{
		now:     time.Now,
		jobs:    make(map[string]*entry),
		active:  make(map[string]struct{}),
		delayed: make(map[string]struct{}),
		failed:  make(map[string]struct{}),
		done:    make(map[string]struct{}),
		notify:  make(chan struct{}),
		locks:   make(map[string]lock),
	}
}

// FailNextClaims makes the next claims return errs in order.
func (s *Store) FailNextClaims(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claimErrs = append(s.claimErrs, errs...)
}

// FailAdds makes every Add return err until called with nil.
func (s *Store) FailAdds(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addErr = err
}

func (s *Store) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func (s *Store) EventsFor(jobID string) []Event {
	var out []Event
	for _, e := range s.Events() {
		if e.JobID == jobID {
			out = append(out, e)
		}
	}
	return out
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Add(_ context.Context, q string, payload json.RawMessage, opts domain.JobOptions) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addErr != nil {
		return domain.Job{}, s.addErr
	}
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	job := domain.Job{
		ID:        uuid.NewString(),
		Queue:     q,
		Payload:   append(json.RawMessage(nil), payload...),
		Options:   opts,
		Status:    domain.Waiting,
		CreatedAt: s.now(),
	}
	s.jobs[job.ID] = &entry{job: job}
	s.wait = append(s.wait, job.ID)
	s.wake()
	return job, nil
}

func (s *Store) wake() {
	close(s.notify)
	s.notify = make(chan struct{})
}

func (s *Store) Claim(ctx context.Context, _ string, token string, lease, block time.Duration) (*domain.Job, error) {
	timer := time.NewTimer(block)
	defer timer.Stop()
	for {
		s.mu.Lock()
		if len(s.claimErrs) > 0 {
			err := s.claimErrs[0]
			s.claimErrs = s.claimErrs[1:]
			s.mu.Unlock()
			return nil, err
		}
		if len(s.wait) > 0 {
			id := s.wait[0]
			s.wait = s.wait[1:]
			e := s.jobs[id]
			now := s.now()
			e.token = token
			e.lockUntil = now.Add(lease)
			e.job.Status = domain.Active
			e.job.AttemptsStarted++
			e.job.LeaseToken = token
			e.job.LeaseExpiresAt = e.lockUntil
			s.active[id] = struct{}{}
			job := e.job
			s.mu.Unlock()
			return &job, nil
		}
		notify := s.notify
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-notify:
		}
	}
}

// holds reports whether token holds a live lease on id. Caller holds mu.
func (s *Store) holds(id, token string) (*entry, bool) {
	e, ok := s.jobs[id]
	if !ok || e.token == "" || e.token != token || !s.now().Before(e.lockUntil) {
		return nil, false
	}
	return e, true
}

func (s *Store) release(e *entry) {
	delete(s.active, e.job.ID)
	e.token = ""
	e.lockUntil = time.Time{}
	e.job.LeaseToken = ""
	e.job.LeaseExpiresAt = time.Time{}
}

func (s *Store) Complete(_ context.Context, _ string, jobID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.holds(jobID, token)
	if !ok {
		s.events = append(s.events, Event{JobID: jobID, Kind: "rejected"})
		return queue.ErrLeaseLost
	}
	s.release(e)
	s.events = append(s.events, Event{JobID: jobID, Kind: "completed"})
	if e.job.Options.RemoveOnComplete {
		delete(s.jobs, jobID)
		return nil
	}
	e.job.Status = domain.Completed
	e.job.FinishedAt = s.now()
	s.done[jobID] = struct{}{}
	return nil
}

func (s *Store) Fail(_ context.Context, _ string, jobID, token, reason string) (domain.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.holds(jobID, token)
	if !ok {
		s.events = append(s.events, Event{JobID: jobID, Kind: "rejected"})
		return "", queue.ErrLeaseLost
	}
	s.release(e)
	e.job.AttemptsMade++
	e.job.FailedReason = reason
	if e.job.AttemptsMade < e.job.Options.Attempts {
		delay := e.job.Options.Backoff
		if e.job.Options.BackoffType == domain.BackoffExponential {
			delay *= time.Duration(1 << (e.job.AttemptsMade - 1))
		}
		s.events = append(s.events, Event{JobID: jobID, Kind: "retried"})
		if delay > 0 {
			e.job.Status = domain.Delayed
			e.readyAt = s.now().Add(delay)
			s.delayed[jobID] = struct{}{}
			return domain.Delayed, nil
		}
		e.job.Status = domain.Waiting
		s.wait = append(s.wait, jobID)
		s.wake()
		return domain.Waiting, nil
	}
	e.job.Status = domain.Failed
	e.job.FinishedAt = s.now()
	s.failed[jobID] = struct{}{}
	s.events = append(s.events, Event{JobID: jobID, Kind: "failed"})
	return domain.Failed, nil
}

// Recover is single-phase here: claims are atomic under the mutex, so an
// active job without a live lease is always abandoned.
func (s *Store) Recover(_ context.Context, _ string, maxStalled int) (queue.RecoverStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st queue.RecoverStats
	now := s.now()
	for _, id := range sortedKeys(s.active) {
		e := s.jobs[id]
		if now.Before(e.lockUntil) {
			continue
		}
		s.release(e)
		e.job.StalledCount++
		if e.job.StalledCount > maxStalled {
			e.job.Status = domain.Failed
			e.job.FailedReason = "job stalled more than allowable limit"
			e.job.FinishedAt = now
			s.failed[id] = struct{}{}
			st.Failed++
			continue
		}
		e.job.Status = domain.Waiting
		s.wait = append([]string{id}, s.wait...)
		st.Stalled++
	}
	for _, id := range sortedKeys(s.delayed) {
		e := s.jobs[id]
		if now.Before(e.readyAt) {
			continue
		}
		delete(s.delayed, id)
		e.job.Status = domain.Waiting
		s.wait = append(s.wait, id)
		st.Promoted++
	}
	if st.Stalled+st.Promoted > 0 {
		s.wake()
	}
	return st, nil
}

func (s *Store) Get(_ context.Context, _ string, jobID string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[jobID]
	if !ok {
		return domain.Job{}, queue.ErrJobNotFound
	}
	return e.job, nil
}

func (s *Store) Counts(context.Context, string) (queue.Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return queue.Counts{
		Waiting:   int64(len(s.wait)),
		Active:    int64(len(s.active)),
		Delayed:   int64(len(s.delayed)),
		Failed:    int64(len(s.failed)),
		Completed: int64(len(s.done)),
	}, nil
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s *Store) AcquireLock(_ context.Context, name, token string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if l, ok := s.locks[name]; ok && l.token != token && now.Before(l.until) {
		return false, nil
	}
	s.locks[name] = lock{token: token, until: now.Add(ttl)}
	return true, nil
}

func (s *Store) ReleaseLock(_ context.Context, name, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[name]; ok && l.token == token {
		delete(s.locks, name)
	}
	return nil
}
