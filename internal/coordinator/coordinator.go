package coordinator

import (
	"context"
	"log/slog"
	"time"

	"transcoder/internal/config"
	"transcoder/internal/jobqueue"
	"transcoder/internal/logging"
	"transcoder/internal/metrics"
	"transcoder/internal/tasks"
	"transcoder/internal/taskstate"
)

// Repository is the persistence the coordinator needs.
type Repository interface {
	tasks.Store
	tasks.VideoStore
}

// Prober reads a media file's duration in seconds.
type Prober interface {
	Probe(ctx context.Context, path string) (float64, error)
}

// Coordinator routes every create and delete through one place.
type Coordinator struct {
	cfg     *config.Config
	store   Repository
	queue   jobqueue.Queue
	machine *taskstate.Machine
	prober  Prober
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures optional Coordinator behavior.
type Option func(*Coordinator)

// WithProber enables duration probing on ingest.
func WithProber(p Prober) Option {
	return func(c *Coordinator) { c.prober = p }
}

// WithMetrics records creation and cleanup counters on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithClock overrides the clock used for new records.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// New builds a Coordinator.
func New(cfg *config.Config, store Repository, queue jobqueue.Queue, logger *slog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:    cfg,
		store:  store,
		queue:  queue,
		logger: logging.NewComponentLogger(logger, "coordinator"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.machine = taskstate.New(store, c.now, c.logger)
	return c
}
