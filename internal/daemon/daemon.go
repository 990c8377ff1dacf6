package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/gofrs/flock"

	"transcoder/internal/config"
	"transcoder/internal/coordinator"
	"transcoder/internal/jobqueue"
	"transcoder/internal/logging"
	"transcoder/internal/metrics"
	"transcoder/internal/tasks"
	"transcoder/internal/workers"
)

// Daemon owns the worker pool, the API server and the single-instance lock.
type Daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   tasks.Repository
	queue   jobqueue.Queue
	pool    *workers.Pool
	coord   *coordinator.Coordinator
	metrics *metrics.Metrics
	api     *apiServer

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool                  `json:"running"`
	PID          int                   `json:"pid"`
	Workers      workers.StatusSummary `json:"workers"`
	Tasks        tasks.Stats           `json:"tasks"`
	Database     tasks.DatabaseHealth  `json:"database"`
	QueueBackend string                `json:"queue_backend"`
	LockFilePath string                `json:"lock_file_path"`
}

// New constructs a daemon with initialized dependencies. m may be nil.
func New(cfg *config.Config, store tasks.Repository, queue jobqueue.Queue, pool *workers.Pool, coord *coordinator.Coordinator, logger *slog.Logger, m *metrics.Metrics) (*Daemon, error) {
	if cfg == nil || store == nil || queue == nil || pool == nil || coord == nil {
		return nil, errors.New("daemon requires config, store, queue, worker pool, and coordinator")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	lockPath := cfg.LockPath()
	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		store:    store,
		queue:    queue,
		pool:     pool,
		coord:    coord,
		metrics:  m,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}
	d.api = newAPIServer(cfg, d, logger)
	return d, nil
}

// Start acquires the daemon lock, re-enqueues orphaned tasks, then launches
// the worker pool and the API server.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another transcoder daemon instance is already running")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	if n, err := d.coord.Reconcile(d.ctx); err != nil {
		logging.WarnWithContext(d.logger, "startup reconcile failed", "reconcile_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "run `transcoder queue reconcile` once the queue backend is reachable"),
			logging.String(logging.FieldImpact, "queued tasks without a job stay idle"),
		)
	} else if n > 0 {
		d.logger.Info("re-enqueued orphaned tasks", logging.Int("count", n))
	}

	if err := d.pool.Start(d.ctx); err != nil {
		d.abortStart()
		return fmt.Errorf("start worker pool: %w", err)
	}
	if err := d.api.start(d.ctx); err != nil {
		d.pool.Stop()
		d.abortStart()
		return err
	}

	d.running.Store(true)
	d.logger.Info("transcoder daemon started",
		logging.String(logging.FieldEventType, "daemon_started"),
		logging.String("lock", d.lockPath),
		logging.String("api_bind", d.cfg.Paths.APIBind),
	)
	return nil
}

func (d *Daemon) abortStart() {
	_ = d.lock.Unlock()
	d.cancel()
	d.ctx = nil
	d.cancel = nil
}

// Stop stops background processing and releases the daemon lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	d.api.stop()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.pool.Stop()
	if err := d.lock.Unlock(); err != nil {
		logging.WarnWithContext(d.logger, "failed to release daemon lock", "lock_release_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "remove the lock file if no daemon is running"),
		)
	}
	d.ctx = nil
	d.running.Store(false)
	d.logger.Info("transcoder daemon stopped", logging.String(logging.FieldEventType, "daemon_stopped"))
}

// Close stops the daemon and releases the queue and store.
func (d *Daemon) Close() error {
	d.Stop()
	return errors.Join(d.queue.Close(), d.store.Close())
}

// Coordinator exposes the coordinator for in-process callers.
func (d *Daemon) Coordinator() *coordinator.Coordinator { return d.coord }

// Status reports pool, store and lock information.
func (d *Daemon) Status(ctx context.Context) Status {
	status := Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		Workers:      d.pool.Status(ctx),
		QueueBackend: d.cfg.Queue.Backend,
		LockFilePath: d.lockPath,
	}
	stats, err := d.store.Stats(ctx)
	if err != nil {
		d.logger.Warn("failed to read task stats", logging.Error(err))
	}
	status.Tasks = stats
	health, err := d.store.CheckHealth(ctx)
	if err != nil && health.Error == "" {
		health.Error = err.Error()
	}
	status.Database = health
	return status
}
