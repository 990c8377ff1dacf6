package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"transcoder/internal/jobqueue"
	"transcoder/internal/logging"
	"transcoder/internal/metrics"
	"transcoder/internal/services"
	"transcoder/internal/tasks"
	"transcoder/internal/taskstate"
	"transcoder/internal/variant"
)

// process runs one attempt of job. It never returns an error: every outcome
// is settled on the task record and the queue entry.
func (p *Pool) process(ctx context.Context, slot string, job *jobqueue.Job) {
	ctx = services.WithTaskID(ctx, string(job.ID))
	ctx = services.WithVideoID(ctx, string(job.VideoID))
	ctx = services.WithWorker(ctx, slot)
	ctx = services.WithRequestID(ctx, uuid.NewString())
	logger := logging.WithContext(ctx, p.logger).With(
		logging.String(logging.FieldVariant, variant.Label(job.Format, job.Profile)),
		logging.Int(logging.FieldAttempt, job.Attempt()),
	)

	p.metrics.JobStarted()
	defer p.metrics.JobFinished()
	started := p.now()

	task, err := p.machine.Begin(ctx, job.ID)
	if err != nil {
		// The task record could not be written; let the retry policy decide.
		p.failAttempt(ctx, logger, job, started, err, false)
		return
	}
	if task == nil {
		p.drop(ctx, logger, job, started, "task deleted before processing")
		return
	}
	p.setLastTask(task)
	logger.Info("conversion started",
		logging.String(logging.FieldEventType, "conversion_start"),
		logging.Int("max_attempts", job.MaxAttempts),
	)

	var outputPath string
	err = p.withHeartbeat(ctx, job, logger, func() error {
		var convErr error
		outputPath, convErr = p.convert(ctx, logger, job, task)
		return convErr
	})
	if err != nil {
		if ctx.Err() != nil {
			logger.Debug("conversion interrupted by shutdown; lease will expire and the job is redelivered")
			return
		}
		p.failAttempt(ctx, logger, job, started, err, true)
		return
	}

	done, err := p.machine.Complete(ctx, job.ID, outputPath)
	if errors.Is(err, taskstate.ErrInvalidTransition) {
		// Another delivery already settled the task; its record wins.
		p.discardOutput(logger, outputPath)
		p.drop(ctx, logger, job, started, "task no longer processing")
		return
	}
	if err != nil {
		p.discardOutput(logger, outputPath)
		p.failAttempt(ctx, logger, job, started, fmt.Errorf("record completion: %w", err), false)
		return
	}
	if done == nil {
		p.discardOutput(logger, outputPath)
		p.drop(ctx, logger, job, started, "task deleted during conversion")
		return
	}
	p.setLastTask(done)

	if err := p.queue.Ack(ctx, job); err != nil {
		p.queueWriteFailed(logger, "ack", err)
	}
	elapsed := p.now().Sub(started)
	p.metrics.ObserveJob(metrics.OutcomeCompleted, string(job.Format), string(job.Profile), elapsed)
	logger.Info("conversion completed",
		logging.String(logging.FieldEventType, "conversion_complete"),
		logging.String("output_file", outputPath),
		logging.Duration("duration", elapsed),
	)
}

// convert resolves the attempt's inputs and runs the converter, reporting
// progress to the queue on every report and to the store on bucket changes.
func (p *Pool) convert(ctx context.Context, logger *slog.Logger, job *jobqueue.Job, task *tasks.Task) (string, error) {
	video, err := p.store.GetVideo(ctx, task.VideoID)
	if err != nil {
		return "", fmt.Errorf("load video: %w", err)
	}
	if video == nil {
		return "", services.Wrap(services.ErrDependencyMissing, "workers", "load video",
			fmt.Sprintf("video %s no longer exists", task.VideoID), nil)
	}
	if _, err := os.Stat(video.StoragePath); err != nil {
		return "", services.Wrap(services.ErrDependencyMissing, "workers", "load video",
			"source file is not readable", err)
	}

	spec, err := variant.Resolve(task.Format, task.Profile)
	if err != nil {
		return "", fmt.Errorf("resolve variant: %w", err)
	}

	outputPath := filepath.Join(p.cfg.Paths.OutputDir, spec.OutputFileName(video.OriginalName, p.now()))
	throttle := taskstate.NewProgressThrottle(p.progressStep, fmt.Sprintf("%s#%d", job.ID, job.Attempt()))
	onProgress := func(percent int) {
		if err := p.queue.ReportProgress(ctx, job, percent); err != nil && ctx.Err() == nil {
			logger.Debug("queue progress update failed", logging.Error(err))
		}
		// Complete writes 100 together with the state change.
		if percent >= 100 || !throttle.Allow(percent) {
			return
		}
		if _, err := p.machine.UpdateProgress(ctx, job.ID, percent); err != nil && ctx.Err() == nil {
			logger.Debug("progress write skipped", logging.Error(err))
			return
		}
		logger.Info("conversion progress", logging.Int("percent", percent))
	}

	if err := p.converter.Convert(ctx, video.StoragePath, outputPath, spec, onProgress); err != nil {
		return "", err
	}
	return outputPath, nil
}

// failAttempt records cause on the task (when recordOnTask) and hands the job
// back to the queue's retry policy.
func (p *Pool) failAttempt(ctx context.Context, logger *slog.Logger, job *jobqueue.Job, started time.Time, cause error, recordOnTask bool) {
	p.setLastError(cause)
	if recordOnTask {
		failed, err := p.machine.Fail(ctx, job.ID, cause)
		switch {
		case err != nil:
			logging.WarnWithContext(logger, "failed to record failure on task", "task_fail_write_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check task database access"),
				logging.String(logging.FieldImpact, "task keeps its previous state until the next attempt"),
			)
		case failed == nil:
			logger.Info("task deleted during conversion; failure not recorded")
		default:
			p.setLastTask(failed)
		}
	}

	outcome, err := p.queue.Fail(ctx, job, cause)
	if err != nil {
		p.queueWriteFailed(logger, "fail", err)
		return
	}

	elapsed := p.now().Sub(started)
	attrs := []logging.Attr{
		logging.Error(cause),
		logging.ErrorKind(cause),
		logging.Int("attempts_made", outcome.AttemptsMade),
		logging.Duration("duration", elapsed),
	}
	if outcome.Retrying {
		p.metrics.ObserveJob(metrics.OutcomeRetrying, string(job.Format), string(job.Profile), elapsed)
		logging.WarnWithContext(logger, "conversion failed; retry scheduled", "conversion_retry",
			append(attrs,
				logging.Duration("retry_in", outcome.Delay),
				logging.String(logging.FieldImpact, "task is redelivered after the backoff delay"),
				logging.String(logging.FieldErrorHint, hintFor(cause)),
			)...,
		)
		return
	}

	p.metrics.ObserveJob(metrics.OutcomeFailed, string(job.Format), string(job.Profile), elapsed)
	logging.ErrorWithContext(logger, "conversion failed permanently", "conversion_failed",
		append(attrs,
			logging.Alert("conversion_failed"),
			logging.String(logging.FieldErrorHint, hintFor(cause)),
		)...,
	)
	if p.reporter != nil {
		p.reporter.ReportFailure(ctx, job, cause)
	}
}

// drop acknowledges a job whose task no longer exists.
func (p *Pool) drop(ctx context.Context, logger *slog.Logger, job *jobqueue.Job, started time.Time, reason string) {
	logger.Info("dropping job", logging.String(logging.FieldEventType, "job_dropped"), logging.String("reason", reason))
	if err := p.queue.Ack(ctx, job); err != nil {
		p.queueWriteFailed(logger, "ack", err)
	}
	p.metrics.ObserveJob(metrics.OutcomeDropped, string(job.Format), string(job.Profile), p.now().Sub(started))
}

func (p *Pool) queueWriteFailed(logger *slog.Logger, op string, err error) {
	if errors.Is(err, jobqueue.ErrLeaseLost) {
		p.metrics.LeaseLost()
		logger.Info("queue entry moved on; "+op+" ignored", logging.String(logging.FieldEventType, "lease_lost"))
		return
	}
	p.setLastError(err)
	logging.ErrorWithContext(logger, "queue "+op+" failed", "queue_write_failed",
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "check job queue backend access; the lease will expire and the job is redelivered"),
	)
}

func (p *Pool) discardOutput(logger *slog.Logger, path string) {
	if strings.TrimSpace(path) == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		p.metrics.CleanupError()
		logger.Warn("failed to remove orphaned output", logging.String("output_file", path), logging.Error(err))
	}
}

func hintFor(err error) string {
	switch {
	case errors.Is(err, services.ErrToolFailure):
		return "inspect the task's error detail for ffmpeg output"
	case errors.Is(err, services.ErrDependencyMissing):
		return "verify the source video and ffmpeg binaries are present"
	case errors.Is(err, services.ErrValidation):
		return "the task's variant is not in the catalog; delete and recreate it"
	case errors.Is(err, services.ErrStoreUnavailable):
		return "check task database access"
	default:
		return "check logs for details"
	}
}
