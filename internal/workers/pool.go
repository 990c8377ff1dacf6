package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"transcoder/internal/config"
	"transcoder/internal/jobqueue"
	"transcoder/internal/logging"
	"transcoder/internal/metrics"
	"transcoder/internal/tasks"
	"transcoder/internal/taskstate"
	"transcoder/internal/transcode"
)

// Store is the persistence the pool reads and writes.
type Store interface {
	tasks.Store
	GetVideo(ctx context.Context, id tasks.VideoID) (*tasks.Video, error)
}

// FailureReporter receives jobs that exhausted their attempts.
type FailureReporter interface {
	ReportFailure(ctx context.Context, job *jobqueue.Job, cause error)
}

// Pool coordinates a fixed set of conversion consumers.
type Pool struct {
	cfg       *config.Config
	store     Store
	queue     jobqueue.Queue
	converter transcode.Converter
	machine   *taskstate.Machine
	logger    *slog.Logger
	metrics   *metrics.Metrics
	reporter  FailureReporter
	now       func() time.Time

	concurrency       int
	heartbeatInterval time.Duration
	errorRetry        time.Duration
	progressStep      int

	mu       sync.RWMutex
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	busy     int
	lastErr  error
	lastTask *tasks.Task
}

// Option configures optional Pool behavior.
type Option func(*Pool)

// WithMetrics records job outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// WithFailureReporter forwards terminal failures to r.
func WithFailureReporter(r FailureReporter) Option {
	return func(p *Pool) { p.reporter = r }
}

// WithClock overrides the clock used for timestamps and output names.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

// WithHeartbeatInterval overrides workers.heartbeat_interval. The same
// interval bounds how long an idle consumer waits before checking for
// stalled jobs again.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.heartbeatInterval = d
		}
	}
}

// NewPool constructs a pool. Nothing runs until Start.
func NewPool(cfg *config.Config, store Store, queue jobqueue.Queue, converter transcode.Converter, logger *slog.Logger, opts ...Option) *Pool {
	logger = logging.NewComponentLogger(logger, "workers")
	p := &Pool{
		cfg:               cfg,
		store:             store,
		queue:             queue,
		converter:         converter,
		logger:            logger,
		now:               time.Now,
		concurrency:       max(1, cfg.Workers.Concurrency),
		heartbeatInterval: cfg.HeartbeatInterval(),
		errorRetry:        cfg.ErrorRetryInterval(),
		progressStep:      taskstate.DefaultProgressStep,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.heartbeatInterval <= 0 {
		p.heartbeatInterval = 15 * time.Second
	}
	if p.errorRetry <= 0 {
		p.errorRetry = time.Second
	}
	p.machine = taskstate.New(store, p.now, logger)
	return p
}

// Start launches the consumers.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errors.New("worker pool already running")
	}
	if p.converter == nil {
		p.mu.Unlock()
		return errors.New("worker pool has no converter")
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true
	p.wg.Add(p.concurrency)
	p.mu.Unlock()

	for i := range p.concurrency {
		go p.runConsumer(runCtx, fmt.Sprintf("worker-%d", i))
	}
	p.logger.Info("worker pool started",
		logging.String(logging.FieldEventType, "pool_start"),
		logging.Int("concurrency", p.concurrency),
	)
	return nil
}

// Stop cancels the consumers and waits for them to return. A conversion in
// flight is abandoned; its lease expires and the job is redelivered.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	cancel := p.cancel
	p.running = false
	p.cancel = nil
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
	p.logger.Info("worker pool stopped", logging.String(logging.FieldEventType, "pool_stop"))
}

func (p *Pool) runConsumer(ctx context.Context, slot string) {
	defer p.wg.Done()
	logger := p.logger.With(logging.String(logging.FieldWorker, slot))

	for {
		if ctx.Err() != nil {
			return
		}

		p.reclaimStalled(ctx, logger)

		job, err := p.nextJob(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.handleDequeueError(ctx, logger, err)
			continue
		}
		if job == nil {
			continue
		}

		p.setBusy(1)
		p.process(ctx, slot, job)
		p.setBusy(-1)
	}
}

// nextJob waits at most one heartbeat interval so idle consumers still run
// the reclaimer regularly.
func (p *Pool) nextJob(ctx context.Context) (*jobqueue.Job, error) {
	waitCtx, cancel := context.WithTimeout(ctx, p.heartbeatInterval)
	defer cancel()
	job, err := p.queue.Dequeue(waitCtx)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return nil, nil
	}
	return job, err
}

func (p *Pool) handleDequeueError(ctx context.Context, logger *slog.Logger, err error) {
	p.setLastError(err)
	logging.ErrorWithContext(logger, "failed to claim next job", "queue_fetch_failed",
		logging.Error(err),
		logging.ErrorKind(err),
		logging.String(logging.FieldErrorHint, "check job queue backend access"),
	)
	select {
	case <-ctx.Done():
	case <-time.After(p.errorRetry):
	}
}

func (p *Pool) reclaimStalled(ctx context.Context, logger *slog.Logger) {
	reclaimed, err := p.queue.ReclaimStalled(ctx, p.now())
	if err != nil {
		if ctx.Err() == nil {
			logging.WarnWithContext(logger, "reclaim stalled jobs failed; stuck jobs may remain", "reclaim_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check job queue backend access"),
				logging.String(logging.FieldImpact, "stalled jobs wait for the next pass"),
			)
		}
		return
	}
	if reclaimed > 0 {
		p.metrics.Reclaimed(reclaimed)
		logger.Info("reclaimed stalled jobs",
			logging.String(logging.FieldEventType, "jobs_reclaimed"),
			logging.Int64("count", reclaimed),
		)
	}
}

func (p *Pool) setBusy(delta int) {
	p.mu.Lock()
	p.busy += delta
	p.mu.Unlock()
}
