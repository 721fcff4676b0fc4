package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"

	"github.com/SirClappington/triggerq/internal/domain"
)

// Key layout under the profile prefix, per queue:
//
//	<q>:wait       list of job ids, LPUSH in, BLMOVE RIGHT out
//	<q>:active     list of claimed job ids
//	<q>:delayed    zset score=ready_at_ms
//	<q>:failed     zset score=finished_at_ms
//	<q>:completed  zset score=finished_at_ms (only when not removed)
//	<q>:stalled    set of active ids seen by the previous recover pass
//	<q>:job:<id>   hash
//	<q>:lock:<id>  lease token, PX = lease duration
type RedisQ struct {
	rdb     *r.Client
	profile Profile
}

func NewRedisQ(rdb *r.Client, profile Profile) *RedisQ {
	return &RedisQ{rdb: rdb, profile: profile}
}

// Dial opens a client for profile and checks it answers.
func Dial(ctx context.Context, profile Profile) (*r.Client, error) {
	rdb := r.NewClient(profile.RedisOptions())
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrapf(err, "ping %s", profile)
	}
	return rdb, nil
}

func (q *RedisQ) key(queue string, parts ...string) string {
	return q.profile.Key(append([]string{queue}, parts...)...)
}

func (q *RedisQ) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

func (q *RedisQ) Add(ctx context.Context, queue string, payload json.RawMessage, opts domain.JobOptions) (domain.Job, error) {
	id := uuid.NewString()
	now := time.Now()
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.key(queue, "job", id), map[string]interface{}{
		"id":                 id,
		"data":               string(payload),
		"status":             string(domain.Waiting),
		"attempts_made":      0,
		"attempts_started":   0,
		"stalled_count":      0,
		"max_attempts":       opts.Attempts,
		"backoff_type":       string(opts.BackoffType),
		"backoff_ms":         opts.Backoff.Milliseconds(),
		"remove_on_complete": boolFlag(opts.RemoveOnComplete),
		"created_at":         now.UnixMilli(),
	})
	pipe.LPush(ctx, q.key(queue, "wait"), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.Job{}, errors.Wrap(err, "add job")
	}
	return domain.Job{
		ID:        id,
		Queue:     queue,
		Payload:   payload,
		Options:   opts,
		Status:    domain.Waiting,
		CreatedAt: time.UnixMilli(now.UnixMilli()),
	}, nil
}

var claimScript = r.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  redis.call("LREM", KEYS[3], 0, ARGV[1])
  return nil
end
if not redis.call("SET", KEYS[2], ARGV[2], "NX", "PX", ARGV[3]) then
  return nil
end
redis.call("SREM", KEYS[4], ARGV[1])
redis.call("HINCRBY", KEYS[1], "attempts_started", 1)
redis.call("HSET", KEYS[1], "status", "active", "lease_token", ARGV[2], "lease_expires_at", ARGV[4])
return redis.call("HGETALL", KEYS[1])
`)

func (q *RedisQ) Claim(ctx context.Context, queue, token string, lease, block time.Duration) (*domain.Job, error) {
	id, err := q.rdb.BLMove(ctx, q.key(queue, "wait"), q.key(queue, "active"), "RIGHT", "LEFT", block).Result()
	if errors.Is(err, r.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "move to active")
	}

	expires := time.Now().Add(lease).UnixMilli()
	res, err := claimScript.Run(ctx, q.rdb,
		[]string{q.key(queue, "job", id), q.key(queue, "lock", id), q.key(queue, "active"), q.key(queue, "stalled")},
		id, token, lease.Milliseconds(), expires,
	).StringSlice()
	if errors.Is(err, r.Nil) {
		// vanished or already leased by someone else; not ours
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "lease job %s", id)
	}
	job := jobFromHash(queue, pairs(res))
	return &job, nil
}

var completeScript = r.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[2] then
  return 0
end
redis.call("DEL", KEYS[1])
redis.call("LREM", KEYS[2], 0, ARGV[1])
if redis.call("HGET", KEYS[3], "remove_on_complete") == "1" then
  redis.call("DEL", KEYS[3])
else
  redis.call("HSET", KEYS[3], "status", "completed", "finished_at", ARGV[3])
  redis.call("HDEL", KEYS[3], "lease_token", "lease_expires_at")
  redis.call("ZADD", KEYS[4], ARGV[3], ARGV[1])
end
return 1
`)

func (q *RedisQ) Complete(ctx context.Context, queue, jobID, token string) error {
	n, err := completeScript.Run(ctx, q.rdb,
		[]string{q.key(queue, "lock", jobID), q.key(queue, "active"), q.key(queue, "job", jobID), q.key(queue, "completed")},
		jobID, token, time.Now().UnixMilli(),
	).Int()
	if err != nil {
		return errors.Wrapf(err, "complete job %s", jobID)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

var failScript = r.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[2] then
  return "lost"
end
redis.call("DEL", KEYS[1])
redis.call("LREM", KEYS[2], 0, ARGV[1])
local made = redis.call("HINCRBY", KEYS[3], "attempts_made", 1)
local max = tonumber(redis.call("HGET", KEYS[3], "max_attempts")) or 1
redis.call("HSET", KEYS[3], "failed_reason", ARGV[3])
redis.call("HDEL", KEYS[3], "lease_token", "lease_expires_at")
if made < max then
  local delay = tonumber(redis.call("HGET", KEYS[3], "backoff_ms")) or 0
  if redis.call("HGET", KEYS[3], "backoff_type") == "exponential" then
    delay = delay * (2 ^ (made - 1))
  end
  if delay > 0 then
    redis.call("ZADD", KEYS[5], tonumber(ARGV[4]) + delay, ARGV[1])
    redis.call("HSET", KEYS[3], "status", "delayed")
    return "delayed"
  end
  redis.call("LPUSH", KEYS[4], ARGV[1])
  redis.call("HSET", KEYS[3], "status", "waiting")
  return "waiting"
end
redis.call("HSET", KEYS[3], "status", "failed", "finished_at", ARGV[4])
redis.call("ZADD", KEYS[6], ARGV[4], ARGV[1])
return "failed"
`)

func (q *RedisQ) Fail(ctx context.Context, queue, jobID, token, reason string) (domain.Status, error) {
	res, err := failScript.Run(ctx, q.rdb,
		[]string{
			q.key(queue, "lock", jobID), q.key(queue, "active"), q.key(queue, "job", jobID),
			q.key(queue, "wait"), q.key(queue, "delayed"), q.key(queue, "failed"),
		},
		jobID, token, reason, time.Now().UnixMilli(),
	).Text()
	if err != nil {
		return "", errors.Wrapf(err, "fail job %s", jobID)
	}
	if res == "lost" {
		return "", ErrLeaseLost
	}
	return domain.Status(res), nil
}

// Two passes: ids marked stalled on the previous call and still without a
// lock are moved back; then every currently active id is marked. A job
// moved to active but not yet locked is therefore never recovered early.
var recoverScript = r.NewScript(`
local stalled, failed, promoted = 0, 0, 0
local marked = redis.call("SMEMBERS", KEYS[2])
for _, id in ipairs(marked) do
  if redis.call("EXISTS", ARGV[1] .. "lock:" .. id) == 0 and redis.call("LREM", KEYS[1], 0, id) > 0 then
    local jk = ARGV[1] .. "job:" .. id
    if redis.call("EXISTS", jk) == 1 then
      local count = redis.call("HINCRBY", jk, "stalled_count", 1)
      redis.call("HDEL", jk, "lease_token", "lease_expires_at")
      if count > tonumber(ARGV[3]) then
        redis.call("HSET", jk, "status", "failed", "failed_reason", "job stalled more than allowable limit", "finished_at", ARGV[2])
        redis.call("ZADD", KEYS[5], ARGV[2], id)
        failed = failed + 1
      else
        redis.call("HSET", jk, "status", "waiting")
        redis.call("RPUSH", KEYS[3], id)
        stalled = stalled + 1
      end
    end
  end
end
redis.call("DEL", KEYS[2])
local active = redis.call("LRANGE", KEYS[1], 0, -1)
for i = 1, #active, 1000 do
  redis.call("SADD", KEYS[2], unpack(active, i, math.min(i + 999, #active)))
end
local due = redis.call("ZRANGEBYSCORE", KEYS[4], "-inf", ARGV[2], "LIMIT", 0, 1000)
for _, id in ipairs(due) do
  redis.call("ZREM", KEYS[4], id)
  redis.call("LPUSH", KEYS[3], id)
  redis.call("HSET", ARGV[1] .. "job:" .. id, "status", "waiting")
  promoted = promoted + 1
end
return {stalled, failed, promoted}
`)

func (q *RedisQ) Recover(ctx context.Context, queue string, maxStalled int) (RecoverStats, error) {
	res, err := recoverScript.Run(ctx, q.rdb,
		[]string{
			q.key(queue, "active"), q.key(queue, "stalled"), q.key(queue, "wait"),
			q.key(queue, "delayed"), q.key(queue, "failed"),
		},
		q.key(queue)+":", time.Now().UnixMilli(), maxStalled,
	).Int64Slice()
	if err != nil {
		return RecoverStats{}, errors.Wrap(err, "recover")
	}
	if len(res) != 3 {
		return RecoverStats{}, errors.Errorf("recover: unexpected reply %v", res)
	}
	return RecoverStats{Stalled: int(res[0]), Failed: int(res[1]), Promoted: int(res[2])}, nil
}

func (q *RedisQ) Get(ctx context.Context, queue, jobID string) (domain.Job, error) {
	h, err := q.rdb.HGetAll(ctx, q.key(queue, "job", jobID)).Result()
	if err != nil {
		return domain.Job{}, errors.Wrapf(err, "get job %s", jobID)
	}
	if len(h) == 0 {
		return domain.Job{}, ErrJobNotFound
	}
	return jobFromHash(queue, h), nil
}

func (q *RedisQ) Counts(ctx context.Context, queue string) (Counts, error) {
	pipe := q.rdb.Pipeline()
	wait := pipe.LLen(ctx, q.key(queue, "wait"))
	active := pipe.LLen(ctx, q.key(queue, "active"))
	delayed := pipe.ZCard(ctx, q.key(queue, "delayed"))
	failed := pipe.ZCard(ctx, q.key(queue, "failed"))
	completed := pipe.ZCard(ctx, q.key(queue, "completed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, errors.Wrap(err, "counts")
	}
	return Counts{
		Waiting:   wait.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Failed:    failed.Val(),
		Completed: completed.Val(),
	}, nil
}

var acquireLockScript = r.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
  return 1
end
if redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[2]) then
  return 1
end
return 0
`)

var releaseLockScript = r.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

func (q *RedisQ) AcquireLock(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	n, err := acquireLockScript.Run(ctx, q.rdb, []string{q.profile.Key("locks", name)}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, errors.Wrapf(err, "acquire lock %s", name)
	}
	return n == 1, nil
}

func (q *RedisQ) ReleaseLock(ctx context.Context, name, token string) error {
	err := releaseLockScript.Run(ctx, q.rdb, []string{q.profile.Key("locks", name)}, token).Err()
	return errors.Wrapf(err, "release lock %s", name)
}

func pairs(flat []string) map[string]string {
	h := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		h[flat[i]] = flat[i+1]
	}
	return h
}

func jobFromHash(queue string, h map[string]string) domain.Job {
	atoi := func(k string) int {
		n, _ := strconv.Atoi(h[k])
		return n
	}
	millis := func(k string) time.Time {
		n, err := strconv.ParseInt(h[k], 10, 64)
		if err != nil || n == 0 {
			return time.Time{}
		}
		return time.UnixMilli(n)
	}
	return domain.Job{
		ID:      h["id"],
		Queue:   queue,
		Payload: json.RawMessage(h["data"]),
		Options: domain.JobOptions{
			RemoveOnComplete: h["remove_on_complete"] == "1",
			Attempts:         atoi("max_attempts"),
			BackoffType:      domain.BackoffType(h["backoff_type"]),
			Backoff:          time.Duration(atoi("backoff_ms")) * time.Millisecond,
		},
		Status:          domain.Status(h["status"]),
		AttemptsMade:    atoi("attempts_made"),
		AttemptsStarted: atoi("attempts_started"),
		StalledCount:    atoi("stalled_count"),
		FailedReason:    h["failed_reason"],
		LeaseToken:      h["lease_token"],
		LeaseExpiresAt:  millis("lease_expires_at"),
		CreatedAt:       millis("created_at"),
		FinishedAt:      millis("finished_at"),
	}
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
