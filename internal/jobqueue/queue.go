package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"transcoder/internal/config"
	"transcoder/internal/services"
	"transcoder/internal/tasks"
	"transcoder/internal/variant"
)

// ErrLeaseLost is returned when the caller's lease no longer owns the job,
// either because it expired and was reclaimed or because the job was removed.
var ErrLeaseLost = errors.New("job lease lost")

// State is a job's position in the queue.
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Outstanding reports whether a job in this state still expects work.
func (s State) Outstanding() bool {
	return s == StateWaiting || s == StateDelayed || s == StateActive
}

// Finished reports whether the job is retained history.
func (s State) Finished() bool {
	return s == StateCompleted || s == StateFailed
}

// ParseState converts user input into a State.
func ParseState(value string) (State, bool) {
	switch State(value) {
	case StateWaiting, StateDelayed, StateActive, StateCompleted, StateFailed:
		return State(value), true
	}
	return "", false
}

// Job is one unit of conversion work.
type Job struct {
	ID             tasks.TaskID    `json:"id"`
	VideoID        tasks.VideoID   `json:"video_id"`
	Format         variant.Format  `json:"format"`
	Profile        variant.Profile `json:"profile"`
	Priority       int             `json:"priority"`
	State          State           `json:"state"`
	AttemptsMade   int             `json:"attempts_made"`
	MaxAttempts    int             `json:"max_attempts"`
	Progress       int             `json:"progress"`
	LastError      string          `json:"last_error,omitempty"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
	AvailableAt    time.Time       `json:"available_at,omitzero"`
	LeaseExpiresAt time.Time       `json:"lease_expires_at,omitzero"`
	FinishedAt     time.Time       `json:"finished_at,omitzero"`
	LeaseToken     string          `json:"-"`
}

// NewJob builds the job for a stored task. Priority follows the profile.
func NewJob(task *tasks.Task) Job {
	return Job{
		ID:       task.ID,
		VideoID:  task.VideoID,
		Format:   task.Format,
		Profile:  task.Profile,
		Priority: variant.Priority(task.Profile),
	}
}

// Attempt is the 1-based number of the attempt currently running.
func (j *Job) Attempt() int { return j.AttemptsMade + 1 }

// EnqueueOutcome says what Enqueue did.
type EnqueueOutcome string

const (
	EnqueueAdded    EnqueueOutcome = "added"
	EnqueueExisting EnqueueOutcome = "existing"
	EnqueueReplaced EnqueueOutcome = "replaced"
)

// FailOutcome describes what the retry policy decided for a failed attempt.
type FailOutcome struct {
	Retrying     bool          `json:"retrying"`
	Delay        time.Duration `json:"delay"`
	AttemptsMade int           `json:"attempts_made"`
}

// Stats counts jobs per queue state.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Total     int64 `json:"total"`
}

// Queue is the contract shared by the SQLite and Redis backends.
type Queue interface {
	Enqueue(ctx context.Context, job Job) (*Job, EnqueueOutcome, error)
	// Dequeue blocks until a job is claimed or ctx ends.
	Dequeue(ctx context.Context) (*Job, error)
	ReportProgress(ctx context.Context, job *Job, percent int) error
	Heartbeat(ctx context.Context, job *Job) error
	Ack(ctx context.Context, job *Job) error
	Fail(ctx context.Context, job *Job, cause error) (FailOutcome, error)
	Remove(ctx context.Context, id tasks.TaskID) (bool, error)
	// Get returns nil, nil when no job exists for id.
	Get(ctx context.Context, id tasks.TaskID) (*Job, error)
	Stats(ctx context.Context) (Stats, error)
	// ReclaimStalled returns expired leases to waiting without spending an
	// attempt.
	ReclaimStalled(ctx context.Context, now time.Time) (int64, error)
	// Clean drops finished jobs that finished before now-olderThan. With no
	// states it cleans both completed and failed.
	Clean(ctx context.Context, olderThan time.Duration, states ...State) (int64, error)
	Close() error
}

// DefaultRetainCompleted is how many completed jobs Ack keeps for inspection.
const DefaultRetainCompleted = 100

// Options carries the retry and lease policy shared by both backends. Zero
// values take the defaults.
type Options struct {
	MaxAttempts int
	BackoffBase time.Duration
	// RetainCompleted bounds completed history; zero means
	// DefaultRetainCompleted.
	RetainCompleted int
	LeaseTimeout    time.Duration
	PollInterval    time.Duration
	Now             func() time.Time
}

// OptionsFromConfig derives queue policy from configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxAttempts:     cfg.Queue.MaxAttempts,
		BackoffBase:     cfg.BackoffBase(),
		RetainCompleted: cfg.Queue.RetainCompleted,
		LeaseTimeout:    cfg.HeartbeatTimeout(),
		PollInterval:    cfg.PollInterval(),
	}
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 2 * time.Second
	}
	if o.RetainCompleted <= 0 {
		o.RetainCompleted = DefaultRetainCompleted
	}
	if o.LeaseTimeout <= 0 {
		o.LeaseTimeout = 2 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Backoff is the delay before retrying after the given failed attempt:
// base, 2·base, 4·base, ...
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << (attempt - 1)
}

// Open selects the backend named by cfg.Queue.Backend.
func Open(cfg *config.Config) (Queue, error) {
	opts := OptionsFromConfig(cfg)
	switch cfg.Queue.Backend {
	case "", config.QueueBackendSQLite:
		return OpenSQLite(cfg.JobsDBPath(), opts)
	case config.QueueBackendRedis:
		client, err := NewRedisClient(cfg)
		if err != nil {
			return nil, err
		}
		return NewRedisQueue(client, cfg.Queue.RedisPrefix, opts), nil
	default:
		return nil, services.Wrap(services.ErrConfiguration, "jobqueue", "open", fmt.Sprintf("unknown backend %q", cfg.Queue.Backend), nil)
	}
}

func validateJob(job Job) error {
	if job.ID == "" {
		return services.Wrap(services.ErrValidation, "jobqueue", "enqueue", "job id is required", nil)
	}
	return nil
}

func cleanStates(states []State) ([]State, error) {
	if len(states) == 0 {
		return []State{StateCompleted, StateFailed}, nil
	}
	for _, state := range states {
		if !state.Finished() {
			return nil, services.Wrap(services.ErrValidation, "jobqueue", "clean", fmt.Sprintf("cannot clean %s jobs", state), nil)
		}
	}
	return states, nil
}

func checkLease(job *Job) error {
	if job == nil || job.ID == "" || job.LeaseToken == "" {
		return ErrLeaseLost
	}
	return nil
}

// pollClaim calls claim until it yields a job or ctx ends.
func pollClaim(ctx context.Context, interval time.Duration, claim func(context.Context) (*Job, error)) (*Job, error) {
	for {
		job, err := claim(ctx)
		if err != nil || job != nil {
			return job, err
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func failureMessage(cause error) string {
	if cause == nil {
		return "unknown failure"
	}
	return cause.Error()
}

func fromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
