package workers

import (
	"context"

	"transcoder/internal/jobqueue"
	"transcoder/internal/logging"
	"transcoder/internal/tasks"
	"transcoder/internal/transcode"
)

// StatusSummary is a point-in-time view of the pool.
type StatusSummary struct {
	Running         bool             `json:"running"`
	Concurrency     int              `json:"concurrency"`
	Busy            int              `json:"busy"`
	LastError       string           `json:"last_error,omitempty"`
	LastTask        *tasks.Task      `json:"last_task,omitempty"`
	QueueStats      jobqueue.Stats   `json:"queue_stats"`
	ConverterHealth transcode.Health `json:"converter_health"`
}

// Status returns the latest pool information.
func (p *Pool) Status(ctx context.Context) StatusSummary {
	p.mu.RLock()
	summary := StatusSummary{
		Running:     p.running,
		Concurrency: p.concurrency,
		Busy:        p.busy,
	}
	if p.lastErr != nil {
		summary.LastError = p.lastErr.Error()
	}
	if p.lastTask != nil {
		copy := *p.lastTask
		summary.LastTask = &copy
	}
	p.mu.RUnlock()

	stats, err := p.queue.Stats(ctx)
	if err != nil {
		p.logger.Warn("failed to read queue stats", logging.Error(err))
	}
	summary.QueueStats = stats
	if p.converter != nil {
		summary.ConverterHealth = p.converter.HealthCheck(ctx)
	}
	return summary
}

func (p *Pool) setLastError(err error) {
	p.mu.Lock()
	p.lastErr = err
	p.mu.Unlock()
}

func (p *Pool) setLastTask(task *tasks.Task) {
	p.mu.Lock()
	if task != nil {
		copy := *task
		p.lastTask = &copy
	} else {
		p.lastTask = nil
	}
	p.mu.Unlock()
}
