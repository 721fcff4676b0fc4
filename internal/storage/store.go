// Package storage is the Postgres-backed queue store. Rows in trigger_jobs
// carry the lease token and expiry; claims take the oldest waiting row with
// FOR UPDATE SKIP LOCKED.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/pressly/goose"

	"github.com/SirClappington/triggerq/internal/domain"
	"github.com/SirClappington/triggerq/internal/queue"
)

const (
	pollInterval = 100 * time.Millisecond
	stalledLimit = "job stalled more than allowable limit"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var jobColumns = []string{
	"id", "queue", "payload", "status", "attempts_made", "attempts_started", "stalled_count",
	"max_attempts", "backoff_type", "backoff_ms", "remove_on_complete", "failed_reason",
	"lease_token", "lease_expires_at", "created_at", "finished_at",
}

type Store struct{ db *pgxpool.Pool }

var (
	_ queue.Store  = (*Store)(nil)
	_ queue.Locker = (*Store)(nil)
)

func New(db *pgxpool.Pool) *Store { return &Store{db} }

// Migrate applies the SQL migrations in dir.
func Migrate(db *sql.DB, dir string) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return errors.Wrap(err, "goose dialect")
	}
	return errors.Wrap(goose.Up(db, dir), "migrate up")
}

func (s *Store) Ping(ctx context.Context) error { return s.db.Ping(ctx) }

func (s *Store) Add(ctx context.Context, q string, payload json.RawMessage, opts domain.JobOptions) (domain.Job, error) {
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	id := uuid.NewString()
	var created time.Time
	err := s.db.QueryRow(ctx, `insert into trigger_jobs(
id, queue, payload, status, max_attempts, backoff_type, backoff_ms, remove_on_complete
) values ($1,$2,$3,'waiting',$4,$5,$6,$7)
returning created_at`,
		id, q, string(payload), opts.Attempts, string(opts.BackoffType), opts.Backoff.Milliseconds(), opts.RemoveOnComplete,
	).Scan(&created)
	if err != nil {
		return domain.Job{}, errors.Wrap(err, "insert job")
	}
	return domain.Job{
		ID:        id,
		Queue:     q,
		Payload:   payload,
		Options:   opts,
		Status:    domain.Waiting,
		CreatedAt: created,
	}, nil
}

// Claim polls until a waiting row can be leased or block elapses.
func (s *Store) Claim(ctx context.Context, q, token string, lease, block time.Duration) (*domain.Job, error) {
	deadline := time.Now().Add(block)
	for {
		job, err := s.claimOnce(ctx, q, token, lease)
		if err != nil || job != nil {
			return job, err
		}
		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, nil
		}
		if wait > pollInterval {
			wait = pollInterval
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

func (s *Store) claimOnce(ctx context.Context, q, token string, lease time.Duration) (*domain.Job, error) {
	rows, err := s.db.Query(ctx, `update trigger_jobs
   set status = 'active',
       lease_token = $2,
       lease_expires_at = now() + $3::bigint * interval '1 millisecond',
       attempts_started = attempts_started + 1
 where id = (
       select id from trigger_jobs
        where queue = $1 and status = 'waiting' and run_at <= now()
        order by run_at, created_at
        limit 1
          for update skip locked)
returning `+strings.Join(jobColumns, ", "), q, token, lease.Milliseconds())
	if err != nil {
		return nil, errors.Wrap(err, "claim job")
	}
	job, err := pgx.CollectExactlyOneRow(rows, scanJob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "claim job")
	}
	return &job, nil
}

// lockLease selects the row for update if token still holds a live lease.
func lockLease(ctx context.Context, tx pgx.Tx, q, jobID, token string, dest ...any) error {
	err := tx.QueryRow(ctx, `select remove_on_complete, attempts_made, max_attempts, backoff_type, backoff_ms
  from trigger_jobs
 where id = $1 and queue = $2 and status = 'active'
   and lease_token = $3 and lease_expires_at > now()
   for update`, jobID, q, token).Scan(dest...)
	if errors.Is(err, pgx.ErrNoRows) {
		return queue.ErrLeaseLost
	}
	return err
}

func (s *Store) Complete(ctx context.Context, q, jobID, token string) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		var (
			remove       bool
			made, limit  int
			backoffType  string
			backoffMilli int64
		)
		if err := lockLease(ctx, tx, q, jobID, token, &remove, &made, &limit, &backoffType, &backoffMilli); err != nil {
			return err
		}
		if remove {
			_, err := tx.Exec(ctx, `delete from trigger_jobs where id = $1`, jobID)
			return errors.Wrap(err, "remove completed job")
		}
		_, err := tx.Exec(ctx, `update trigger_jobs
   set status = 'completed', finished_at = now(), lease_token = null, lease_expires_at = null
 where id = $1`, jobID)
		return errors.Wrap(err, "complete job")
	})
}

func (s *Store) Fail(ctx context.Context, q, jobID, token, reason string) (domain.Status, error) {
	var status domain.Status
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		var (
			remove       bool
			made, limit  int
			backoffType  string
			backoffMilli int64
		)
		if err := lockLease(ctx, tx, q, jobID, token, &remove, &made, &limit, &backoffType, &backoffMilli); err != nil {
			return err
		}
		made++
		delay := time.Duration(backoffMilli) * time.Millisecond
		if domain.BackoffType(backoffType) == domain.BackoffExponential {
			delay *= time.Duration(1 << (made - 1))
		}
		switch {
		case made >= limit:
			status = domain.Failed
		case delay > 0:
			status = domain.Delayed
		default:
			status = domain.Waiting
		}
		_, err := tx.Exec(ctx, `update trigger_jobs
   set status = $2,
       attempts_made = $3,
       failed_reason = $4,
       lease_token = null,
       lease_expires_at = null,
       run_at = now() + $5::bigint * interval '1 millisecond',
       finished_at = case when $2::text = 'failed' then now() else null end
 where id = $1`, jobID, string(status), made, reason, delay.Milliseconds())
		return errors.Wrap(err, "fail job")
	})
	if err != nil {
		return "", err
	}
	return status, nil
}

// Recover is single-phase: a claim sets the lease in the same statement that
// marks the row active, so every expired active row is abandoned.
func (s *Store) Recover(ctx context.Context, q string, maxStalled int) (queue.RecoverStats, error) {
	var st queue.RecoverStats
	rows, err := s.db.Query(ctx, `update trigger_jobs
   set stalled_count = stalled_count + 1,
       lease_token = null,
       lease_expires_at = null,
       run_at = now(),
       status = case when stalled_count + 1 > $2 then 'failed' else 'waiting' end,
       failed_reason = case when stalled_count + 1 > $2 then $3 else failed_reason end,
       finished_at = case when stalled_count + 1 > $2 then now() else finished_at end
 where queue = $1 and status = 'active' and lease_expires_at <= now()
returning status`, q, maxStalled, stalledLimit)
	if err != nil {
		return st, errors.Wrap(err, "recover stalled")
	}
	statuses, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return st, errors.Wrap(err, "recover stalled")
	}
	for _, status := range statuses {
		if status == string(domain.Failed) {
			st.Failed++
		} else {
			st.Stalled++
		}
	}

	tag, err := s.db.Exec(ctx, `update trigger_jobs set status = 'waiting'
 where queue = $1 and status = 'delayed' and run_at <= now()`, q)
	if err != nil {
		return st, errors.Wrap(err, "promote delayed")
	}
	st.Promoted = int(tag.RowsAffected())
	return st, nil
}

func (s *Store) Get(ctx context.Context, q, jobID string) (domain.Job, error) {
	query, args, err := psql.Select(jobColumns...).
		From("trigger_jobs").
		Where(sq.Eq{"id": jobID, "queue": q}).
		ToSql()
	if err != nil {
		return domain.Job{}, errors.Wrap(err, "build query")
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return domain.Job{}, errors.Wrapf(err, "get job %s", jobID)
	}
	job, err := pgx.CollectExactlyOneRow(rows, scanJob)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Job{}, queue.ErrJobNotFound
	}
	if err != nil {
		return domain.Job{}, errors.Wrapf(err, "get job %s", jobID)
	}
	return job, nil
}

func (s *Store) Counts(ctx context.Context, q string) (queue.Counts, error) {
	query, args, err := psql.Select("status", "count(*)").
		From("trigger_jobs").
		Where(sq.Eq{"queue": q}).
		GroupBy("status").
		ToSql()
	if err != nil {
		return queue.Counts{}, errors.Wrap(err, "build query")
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return queue.Counts{}, errors.Wrap(err, "counts")
	}
	defer rows.Close()

	var c queue.Counts
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return queue.Counts{}, errors.Wrap(err, "counts")
		}
		switch domain.Status(status) {
		case domain.Waiting:
			c.Waiting = n
		case domain.Active:
			c.Active = n
		case domain.Delayed:
			c.Delayed = n
		case domain.Failed:
			c.Failed = n
		case domain.Completed:
			c.Completed = n
		}
	}
	return c, errors.Wrap(rows.Err(), "counts")
}

func (s *Store) AcquireLock(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	tag, err := s.db.Exec(ctx, `insert into trigger_locks(name, token, expires_at)
values ($1, $2, now() + $3::bigint * interval '1 millisecond')
on conflict (name) do update
   set token = excluded.token, expires_at = excluded.expires_at
 where trigger_locks.token = excluded.token or trigger_locks.expires_at <= now()`,
		name, token, ttl.Milliseconds())
	if err != nil {
		return false, errors.Wrapf(err, "acquire lock %s", name)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ReleaseLock(ctx context.Context, name, token string) error {
	_, err := s.db.Exec(ctx, `delete from trigger_locks where name = $1 and token = $2`, name, token)
	return errors.Wrapf(err, "release lock %s", name)
}

func scanJob(row pgx.CollectableRow) (domain.Job, error) {
	var (
		j            domain.Job
		payload      []byte
		status       string
		backoffType  string
		backoffMilli int64
		failed       *string
		token        *string
		expires      *time.Time
		finished     *time.Time
	)
	err := row.Scan(
		&j.ID, &j.Queue, &payload, &status, &j.AttemptsMade, &j.AttemptsStarted, &j.StalledCount,
		&j.Options.Attempts, &backoffType, &backoffMilli, &j.Options.RemoveOnComplete, &failed,
		&token, &expires, &j.CreatedAt, &finished,
	)
	if err != nil {
		return domain.Job{}, err
	}
	j.Payload = json.RawMessage(payload)
	j.Status = domain.Status(status)
	j.Options.BackoffType = domain.BackoffType(backoffType)
	j.Options.Backoff = time.Duration(backoffMilli) * time.Millisecond
	if failed != nil {
		j.FailedReason = *failed
	}
	if token != nil {
		j.LeaseToken = *token
	}
	if expires != nil {
		j.LeaseExpiresAt = *expires
	}
	if finished != nil {
		j.FinishedAt = *finished
	}
	return j, nil
}
