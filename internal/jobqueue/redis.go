package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"transcoder/internal/config"
	"transcoder/internal/services"
	"transcoder/internal/tasks"
	"transcoder/internal/variant"
)

// NewRedisClient builds a client from queue.redis_url when set, otherwise from
// the address, password and database fields.
func NewRedisClient(cfg *config.Config) (redis.UniversalClient, error) {
	if cfg.Queue.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.Queue.RedisURL)
		if err != nil {
			return nil, services.Wrap(services.ErrConfiguration, "jobqueue", "parse redis url", "", err)
		}
		return redis.NewClient(opts), nil
	}
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.Queue.RedisAddr},
		Password: cfg.Queue.RedisPassword,
		DB:       cfg.Queue.RedisDB,
	}), nil
}

type redisKeys struct {
	prefix string
}

func (k redisKeys) job(id tasks.TaskID) string { return k.jobPrefix() + string(id) }
func (k redisKeys) jobPrefix() string          { return k.prefix + ":job:" }
func (k redisKeys) seq() string                { return k.prefix + ":seq" }

func (k redisKeys) set(state State) string { return k.prefix + ":" + string(state) }

// RedisQueue keeps each job in a hash and indexes it in one sorted set per
// state. Multi-key transitions run as Lua scripts.
type RedisQueue struct {
	client redis.UniversalClient
	keys   redisKeys
	opts   Options
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue wraps client. Keys are namespaced under prefix.
func NewRedisQueue(client redis.UniversalClient, prefix string, opts Options) *RedisQueue {
	if prefix == "" {
		prefix = "transcoder"
	}
	return &RedisQueue{client: client, keys: redisKeys{prefix: prefix}, opts: opts.withDefaults()}
}

// Close closes the client.
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}

func (q *RedisQueue) now() time.Time { return q.opts.Now().UTC() }

// Enqueue adds job unless one is already outstanding for the task.
func (q *RedisQueue) Enqueue(ctx context.Context, job Job) (*Job, EnqueueOutcome, error) {
	if err := validateJob(job); err != nil {
		return nil, "", err
	}
	if job.Priority <= 0 {
		job.Priority = variant.Priority(job.Profile)
	}
	res, err := enqueueScript.Run(ctx, q.client,
		[]string{
			q.keys.job(job.ID),
			q.keys.set(StateWaiting),
			q.keys.set(StateDelayed),
			q.keys.set(StateActive),
			q.keys.set(StateCompleted),
			q.keys.set(StateFailed),
			q.keys.seq(),
		},
		string(job.ID), string(job.VideoID), string(job.Format), string(job.Profile),
		job.Priority, q.opts.MaxAttempts, q.now().UnixMilli(),
	).Text()
	if err != nil {
		return nil, "", redisError("enqueue", err)
	}
	stored, err := q.Get(ctx, job.ID)
	if err != nil {
		return nil, "", err
	}
	return stored, EnqueueOutcome(res), nil
}

// Dequeue claims the next ready job, polling until one appears.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Job, error) {
	return pollClaim(ctx, q.opts.PollInterval, q.claim)
}

func (q *RedisQueue) claim(ctx context.Context) (*Job, error) {
	now := q.now()
	id, err := claimScript.Run(ctx, q.client,
		[]string{q.keys.set(StateWaiting), q.keys.set(StateDelayed), q.keys.set(StateActive)},
		now.UnixMilli(), now.Add(q.opts.LeaseTimeout).UnixMilli(), uuid.NewString(), q.keys.jobPrefix(),
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, redisError("claim", err)
	}
	return q.Get(ctx, tasks.TaskID(id))
}

func (q *RedisQueue) touch(ctx context.Context, operation string, job *Job, progress string) (time.Time, error) {
	if err := checkLease(job); err != nil {
		return time.Time{}, err
	}
	deadline := q.now().Add(q.opts.LeaseTimeout)
	ok, err := touchScript.Run(ctx, q.client,
		[]string{q.keys.job(job.ID), q.keys.set(StateActive)},
		job.LeaseToken, deadline.UnixMilli(), progress, string(job.ID),
	).Int()
	if err != nil {
		return time.Time{}, redisError(operation, err)
	}
	if ok == 0 {
		return time.Time{}, ErrLeaseLost
	}
	return deadline, nil
}

// ReportProgress records progress and extends the lease.
func (q *RedisQueue) ReportProgress(ctx context.Context, job *Job, percent int) error {
	percent = max(0, min(100, percent))
	deadline, err := q.touch(ctx, "progress", job, strconv.Itoa(percent))
	if err != nil {
		return err
	}
	job.Progress = percent
	job.LeaseExpiresAt = deadline
	return nil
}

// Heartbeat extends the lease.
func (q *RedisQueue) Heartbeat(ctx context.Context, job *Job) error {
	deadline, err := q.touch(ctx, "heartbeat", job, "")
	if err != nil {
		return err
	}
	job.LeaseExpiresAt = deadline
	return nil
}

// Ack completes the job and prunes completed history.
func (q *RedisQueue) Ack(ctx context.Context, job *Job) error {
	if err := checkLease(job); err != nil {
		return err
	}
	now := q.now()
	ok, err := ackScript.Run(ctx, q.client,
		[]string{q.keys.job(job.ID), q.keys.set(StateActive), q.keys.set(StateCompleted)},
		job.LeaseToken, now.UnixMilli(), q.opts.RetainCompleted, string(job.ID), q.keys.jobPrefix(),
	).Int()
	if err != nil {
		return redisError("ack", err)
	}
	if ok == 0 {
		return ErrLeaseLost
	}
	job.State = StateCompleted
	job.Progress = 100
	job.FinishedAt = now
	job.LeaseToken = ""
	return nil
}

// Fail spends an attempt and applies the retry policy.
func (q *RedisQueue) Fail(ctx context.Context, job *Job, cause error) (FailOutcome, error) {
	if err := checkLease(job); err != nil {
		return FailOutcome{}, err
	}
	now := q.now()
	message := failureMessage(cause)
	res, err := failScript.Run(ctx, q.client,
		[]string{q.keys.job(job.ID), q.keys.set(StateActive), q.keys.set(StateDelayed), q.keys.set(StateFailed)},
		job.LeaseToken, now.UnixMilli(), message, q.opts.BackoffBase.Milliseconds(), string(job.ID), q.opts.MaxAttempts,
	).Int64Slice()
	if err != nil {
		return FailOutcome{}, redisError("fail", err)
	}
	if len(res) != 2 || res[0] < 0 {
		return FailOutcome{}, ErrLeaseLost
	}

	outcome := FailOutcome{Retrying: res[0] == 1, AttemptsMade: int(res[1])}
	job.AttemptsMade = outcome.AttemptsMade
	job.LastError = message
	job.LeaseToken = ""
	if outcome.Retrying {
		outcome.Delay = Backoff(q.opts.BackoffBase, outcome.AttemptsMade)
		job.State = StateDelayed
		job.AvailableAt = now.Add(outcome.Delay)
	} else {
		job.State = StateFailed
		job.FinishedAt = now
	}
	return outcome, nil
}

// Remove deletes the job for id in any state.
func (q *RedisQueue) Remove(ctx context.Context, id tasks.TaskID) (bool, error) {
	removed, err := removeScript.Run(ctx, q.client,
		[]string{
			q.keys.job(id),
			q.keys.set(StateWaiting),
			q.keys.set(StateDelayed),
			q.keys.set(StateActive),
			q.keys.set(StateCompleted),
			q.keys.set(StateFailed),
		},
		string(id),
	).Int()
	if err != nil {
		return false, redisError("remove", err)
	}
	return removed > 0, nil
}

// Get returns the job for id.
func (q *RedisQueue) Get(ctx context.Context, id tasks.TaskID) (*Job, error) {
	fields, err := q.client.HGetAll(ctx, q.keys.job(id)).Result()
	if err != nil {
		return nil, redisError("get", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return jobFromHash(fields)
}

// Stats counts jobs per state from the sorted set cardinalities.
func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	states := []State{StateWaiting, StateDelayed, StateActive, StateCompleted, StateFailed}
	cmds := make([]*redis.IntCmd, len(states))
	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, state := range states {
			cmds[i] = pipe.ZCard(ctx, q.keys.set(state))
		}
		return nil
	})
	if err != nil {
		return Stats{}, redisError("stats", err)
	}
	var stats Stats
	for i, state := range states {
		stats.add(state, cmds[i].Val())
	}
	return stats, nil
}

// ReclaimStalled returns active jobs whose lease expired to waiting.
func (q *RedisQueue) ReclaimStalled(ctx context.Context, now time.Time) (int64, error) {
	n, err := reclaimScript.Run(ctx, q.client,
		[]string{q.keys.set(StateActive), q.keys.set(StateWaiting)},
		now.UnixMilli(), q.keys.jobPrefix(),
	).Int64()
	if err != nil {
		return 0, redisError("reclaim", err)
	}
	return n, nil
}

// Clean drops finished jobs older than the grace period.
func (q *RedisQueue) Clean(ctx context.Context, olderThan time.Duration, states ...State) (int64, error) {
	states, err := cleanStates(states)
	if err != nil {
		return 0, err
	}
	cutoff := q.now().Add(-olderThan).UnixMilli()
	var total int64
	for _, state := range states {
		n, err := cleanScript.Run(ctx, q.client, []string{q.keys.set(state)}, cutoff, q.keys.jobPrefix()).Int64()
		if err != nil {
			return total, redisError("clean", err)
		}
		total += n
	}
	return total, nil
}

func redisError(operation string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return services.Wrap(services.ErrStoreUnavailable, "jobqueue", operation, "redis", err)
}

func jobFromHash(fields map[string]string) (*Job, error) {
	intField := func(name string) (int64, error) {
		raw := fields[name]
		if raw == "" {
			return 0, nil
		}
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return v, nil
		}
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0, fmt.Errorf("job field %s: %w", name, err)
		}
		return int64(f), nil
	}

	values := map[string]int64{}
	for _, name := range []string{"priority", "attempts_made", "max_attempts", "progress", "enqueued_at", "available_at", "lease_expires_at", "finished_at"} {
		v, err := intField(name)
		if err != nil {
			return nil, err
		}
		values[name] = v
	}
	return &Job{
		ID:             tasks.TaskID(fields["id"]),
		VideoID:        tasks.VideoID(fields["video_id"]),
		Format:         variant.Format(fields["format"]),
		Profile:        variant.Profile(fields["profile"]),
		Priority:       int(values["priority"]),
		State:          State(fields["state"]),
		AttemptsMade:   int(values["attempts_made"]),
		MaxAttempts:    int(values["max_attempts"]),
		Progress:       int(values["progress"]),
		LastError:      fields["last_error"],
		EnqueuedAt:     fromMillis(values["enqueued_at"]),
		AvailableAt:    fromMillis(values["available_at"]),
		LeaseExpiresAt: fromMillis(values["lease_expires_at"]),
		FinishedAt:     fromMillis(values["finished_at"]),
		LeaseToken:     fields["lease_token"],
	}, nil
}
