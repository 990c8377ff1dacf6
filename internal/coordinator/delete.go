package coordinator

import (
	"context"
	"fmt"
	"log/slog"

	"transcoder/internal/fileutil"
	"transcoder/internal/logging"
	"transcoder/internal/services"
	"transcoder/internal/tasks"
)

// DeleteTask removes a task's artifact, then its job, then its record. The
// first two steps are best-effort. It reports false when the task does not
// exist.
func (c *Coordinator) DeleteTask(ctx context.Context, id tasks.TaskID) (bool, error) {
	task, err := c.store.FindByID(ctx, id)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}
	ctx = services.WithVideoID(services.WithTaskID(ctx, string(id)), string(task.VideoID))
	logger := logging.WithContext(ctx, c.logger)

	if _, err := fileutil.RemoveIfExists(task.OutputFilePath); err != nil {
		c.cleanupFailed(logger, "remove output artifact", err)
	}
	if _, err := c.queue.Remove(ctx, id); err != nil {
		c.cleanupFailed(logger, "remove queue entry", err)
	}

	deleted, err := c.store.DeleteByID(ctx, id)
	if err != nil {
		return false, fmt.Errorf("delete task %s: %w", id, err)
	}
	if deleted {
		logger.Info("task deleted",
			logging.String(logging.FieldEventType, "task_deleted"),
			logging.String("state", string(task.State)),
		)
	}
	return deleted, nil
}

// DeleteVideo deletes every task of the video through DeleteTask, then the
// uploaded source, then the video record. A task that cannot be deleted
// aborts the operation with the video untouched.
func (c *Coordinator) DeleteVideo(ctx context.Context, id tasks.VideoID) (bool, error) {
	video, err := c.store.GetVideo(ctx, id)
	if err != nil {
		return false, err
	}
	if video == nil {
		return false, nil
	}
	ctx = services.WithVideoID(ctx, string(id))
	logger := logging.WithContext(ctx, c.logger)

	owned, err := c.store.Find(ctx, tasks.Filter{VideoID: id})
	if err != nil {
		return false, err
	}
	for _, task := range owned {
		if _, err := c.DeleteTask(ctx, task.ID); err != nil {
			return false, fmt.Errorf("delete video %s: %w", id, err)
		}
	}

	if _, err := fileutil.RemoveIfExists(video.StoragePath); err != nil {
		c.cleanupFailed(logger, "remove uploaded source", err)
	}
	deleted, err := c.store.DeleteVideo(ctx, id)
	if err != nil {
		return false, fmt.Errorf("delete video %s: %w", id, err)
	}
	logger.Info("video deleted",
		logging.String(logging.FieldEventType, "video_deleted"),
		logging.Int("tasks_deleted", len(owned)),
	)
	return deleted, nil
}

func (c *Coordinator) cleanupFailed(logger *slog.Logger, op string, err error) {
	c.metrics.CleanupError()
	wrapped := services.Wrap(services.ErrCleanupFailure, "coordinator", op, "continuing with delete", err)
	logging.WarnWithContext(logger, "cleanup step failed", "cleanup_failed",
		logging.Error(wrapped),
		logging.ErrorKind(wrapped),
		logging.String(logging.FieldErrorHint, "remove the leftover file or queue entry by hand"),
		logging.String(logging.FieldImpact, "record is deleted; a stray file or job may remain"),
	)
}
