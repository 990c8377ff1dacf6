package daemon

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"transcoder/internal/config"
	"transcoder/internal/jobqueue"
	"transcoder/internal/services"
)

// SentryReporter forwards terminal job failures to Sentry.
type SentryReporter struct {
	hub *sentry.Hub
}

// SentryOptions builds client options from the [sentry] config section.
func SentryOptions(cfg *config.Config) sentry.ClientOptions {
	return sentry.ClientOptions{
		Dsn:         strings.TrimSpace(cfg.Sentry.DSN),
		Environment: strings.TrimSpace(cfg.Sentry.Environment),
	}
}

// NewSentryReporter returns nil, nil when opts carries no DSN and no
// BeforeSend hook, so callers can skip reporting entirely.
func NewSentryReporter(opts sentry.ClientOptions) (*SentryReporter, error) {
	if opts.Dsn == "" && opts.BeforeSend == nil {
		return nil, nil
	}
	client, err := sentry.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("init sentry client: %w", err)
	}
	return &SentryReporter{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

// ReportFailure captures a job that exhausted its attempts.
func (r *SentryReporter) ReportFailure(ctx context.Context, job *jobqueue.Job, cause error) {
	if r == nil || job == nil || cause == nil {
		return
	}
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(map[string]string{
			"task_id":    string(job.ID),
			"video_id":   string(job.VideoID),
			"format":     string(job.Format),
			"profile":    string(job.Profile),
			"error_kind": services.Kind(cause),
		})
		if worker, ok := services.WorkerFromContext(ctx); ok {
			scope.SetTag("worker", worker)
		}
		scope.SetContext("job", sentry.Context{
			"attempts_made": job.AttemptsMade,
			"max_attempts":  job.MaxAttempts,
			"progress":      job.Progress,
		})
		r.hub.CaptureException(cause)
	})
}

// Flush waits up to timeout for buffered events to be delivered.
func (r *SentryReporter) Flush(timeout time.Duration) bool {
	if r == nil {
		return true
	}
	return r.hub.Flush(timeout)
}
