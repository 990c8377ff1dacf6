package workers

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"transcoder/internal/jobqueue"
	"transcoder/internal/logging"
)

// heartbeatLoop extends job's lease until ctx ends or the lease is lost.
func (p *Pool) heartbeatLoop(ctx context.Context, wg *sync.WaitGroup, job *jobqueue.Job, logger *slog.Logger) {
	defer wg.Done()
	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := p.queue.Heartbeat(ctx, job)
			switch {
			case err == nil:
			case errors.Is(err, context.Canceled):
				return
			case errors.Is(err, jobqueue.ErrLeaseLost):
				p.metrics.LeaseLost()
				logging.WarnWithContext(logger, "job lease lost during conversion", "lease_lost",
					logging.String(logging.FieldErrorHint, "the job was reclaimed or removed; raise workers.heartbeat_timeout if conversions stall"),
					logging.String(logging.FieldImpact, "this attempt's queue updates will be ignored"),
				)
				return
			default:
				logger.Warn("heartbeat update failed", logging.Error(err))
			}
		}
	}
}

// withHeartbeat runs fn while a heartbeat loop keeps job's lease alive. The
// loop works on its own copy of the job; fn keeps reporting progress on job.
func (p *Pool) withHeartbeat(ctx context.Context, job *jobqueue.Job, logger *slog.Logger, fn func() error) error {
	hbCtx, hbCancel := context.WithCancel(ctx)
	leased := *job
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go p.heartbeatLoop(hbCtx, &hbWG, &leased, logger)

	err := fn()
	hbCancel()
	hbWG.Wait()
	return err
}
