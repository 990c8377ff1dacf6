package coordinator

import (
	"context"
	"fmt"

	"transcoder/internal/jobqueue"
	"transcoder/internal/logging"
	"transcoder/internal/services"
	"transcoder/internal/tasks"
	"transcoder/internal/variant"
)

// Duplicate reports a requested pair that did not create a task. Existing is
// the stored task for the pair.
type Duplicate struct {
	Format   variant.Format  `json:"format"`
	Profile  variant.Profile `json:"profile"`
	Existing *tasks.Task     `json:"existing,omitempty"`
}

// CreateResult reports the per-pair outcome of CreateTasks.
type CreateResult struct {
	Created       []*tasks.Task  `json:"created"`
	Duplicates    []Duplicate    `json:"duplicates"`
	EnqueueFailed []tasks.TaskID `json:"enqueue_failed,omitempty"`
}

// CreateTasks creates one QUEUED task per requested pair and enqueues each new
// task. Every pair is validated before anything is written. Pairs the video
// already has, or that repeat within the request, are reported as duplicates.
// A failed enqueue is recorded in the result and left for Reconcile.
func (c *Coordinator) CreateTasks(ctx context.Context, videoID tasks.VideoID, requests []variant.Request) (CreateResult, error) {
	var result CreateResult
	if videoID == "" {
		return result, services.Wrap(services.ErrValidation, "coordinator", "create tasks", "video id is required", nil)
	}
	if len(requests) == 0 {
		return result, services.Wrap(services.ErrValidation, "coordinator", "create tasks", "at least one variant is required", nil)
	}
	keys := make([]variant.Key, 0, len(requests))
	for i, req := range requests {
		key, err := variant.Parse(req)
		if err != nil {
			return result, services.Wrap(services.ErrValidation, "coordinator", "create tasks", fmt.Sprintf("variant %d", i+1), err)
		}
		keys = append(keys, key)
	}

	video, err := c.store.GetVideo(ctx, videoID)
	if err != nil {
		return result, err
	}
	if video == nil {
		return result, services.Wrap(services.ErrNotFound, "coordinator", "create tasks", fmt.Sprintf("video %s", videoID), nil)
	}

	ctx = services.WithVideoID(ctx, string(videoID))
	logger := logging.WithContext(ctx, c.logger)

	now := c.now()
	seen := make(map[variant.Key]bool, len(keys))
	var batch []*tasks.Task
	var repeats []variant.Key
	for _, key := range keys {
		if seen[key] {
			repeats = append(repeats, key)
			continue
		}
		seen[key] = true
		batch = append(batch, tasks.NewTask(videoID, key, now))
	}

	inserted, err := c.store.InsertMany(ctx, batch)
	if err != nil {
		return result, err
	}
	result.Created = inserted.Inserted
	stored := make(map[variant.Key]*tasks.Task, len(batch))
	for _, task := range inserted.Inserted {
		stored[task.Key()] = task
	}
	for _, task := range inserted.Duplicates {
		stored[task.Key()] = task
		result.Duplicates = append(result.Duplicates, Duplicate{Format: task.Format, Profile: task.Profile, Existing: task})
	}
	for _, key := range repeats {
		result.Duplicates = append(result.Duplicates, Duplicate{Format: key.Format, Profile: key.Profile, Existing: stored[key]})
	}

	for _, task := range result.Created {
		if err := c.enqueue(ctx, task); err != nil {
			result.EnqueueFailed = append(result.EnqueueFailed, task.ID)
			logging.WarnWithContext(logger, "task created but not enqueued", "enqueue_failed",
				logging.String(logging.FieldTaskID, string(task.ID)),
				logging.String(logging.FieldVariant, task.Label()),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "run `transcoder queue reconcile` once the queue backend is reachable"),
				logging.String(logging.FieldImpact, "task stays QUEUED until reconciled"),
			)
		}
	}

	c.metrics.TasksRequested("created", len(result.Created))
	c.metrics.TasksRequested("duplicate", len(result.Duplicates))
	c.metrics.TasksRequested("enqueue_failed", len(result.EnqueueFailed))
	logger.Info("tasks requested",
		logging.String(logging.FieldEventType, "tasks_created"),
		logging.Int("created", len(result.Created)),
		logging.Int("duplicates", len(result.Duplicates)),
		logging.Int("enqueue_failed", len(result.EnqueueFailed)),
	)
	return result, nil
}

func (c *Coordinator) enqueue(ctx context.Context, task *tasks.Task) error {
	_, _, err := c.queue.Enqueue(ctx, jobqueue.NewJob(task))
	return err
}

// RetryTask returns a FAILED task to QUEUED and enqueues it again with a
// fresh attempt budget.
func (c *Coordinator) RetryTask(ctx context.Context, id tasks.TaskID) (*tasks.Task, error) {
	task, err := c.machine.Requeue(ctx, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, nil
	}
	if err := c.enqueue(ctx, task); err != nil {
		return task, fmt.Errorf("enqueue retried task %s: %w", id, err)
	}
	logging.WithContext(services.WithTaskID(ctx, string(id)), c.logger).Info("task requeued",
		logging.String(logging.FieldEventType, "task_retried"),
		logging.String(logging.FieldVariant, task.Label()),
	)
	return task, nil
}

// Reconcile enqueues every QUEUED task that has no outstanding job and
// returns how many were enqueued.
func (c *Coordinator) Reconcile(ctx context.Context) (int, error) {
	queued, err := c.store.Find(ctx, tasks.Filter{States: []tasks.State{tasks.StateQueued}})
	if err != nil {
		return 0, err
	}
	enqueued := 0
	for _, task := range queued {
		job, err := c.queue.Get(ctx, task.ID)
		if err != nil {
			return enqueued, err
		}
		if job != nil && job.State.Outstanding() {
			continue
		}
		// A worker may have settled the task since the listing.
		current, err := c.store.FindByID(ctx, task.ID)
		if err != nil {
			return enqueued, err
		}
		if current == nil || current.State != tasks.StateQueued {
			continue
		}
		if err := c.enqueue(ctx, current); err != nil {
			return enqueued, fmt.Errorf("enqueue task %s: %w", task.ID, err)
		}
		enqueued++
	}
	if enqueued > 0 {
		c.logger.Info("reconciled queued tasks",
			logging.String(logging.FieldEventType, "queue_reconciled"),
			logging.Int("enqueued", enqueued),
		)
	}
	return enqueued, nil
}
