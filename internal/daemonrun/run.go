package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"transcoder/internal/config"
	"transcoder/internal/coordinator"
	"transcoder/internal/daemon"
	"transcoder/internal/jobqueue"
	"transcoder/internal/logging"
	"transcoder/internal/metrics"
	"transcoder/internal/preflight"
	"transcoder/internal/tasks"
	"transcoder/internal/transcode"
	"transcoder/internal/workers"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel      string
	Development   bool
	SkipPreflight bool
}

// Run starts the transcoder daemon and blocks until a signal or cmdCtx ends.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("transcoder-%s.log", runID))
	level := opts.LogLevel
	if strings.TrimSpace(level) == "" {
		level = cfg.Logging.Level
	}
	logger, err := logging.New(logging.Options{
		Level:       level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stdout", logPath},
		Development: opts.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if err := ensureCurrentLogPointer(cfg.Paths.LogDir, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update transcoder.log link: %v\n", err)
	}
	logging.CleanupOldLogs(logger, cfg.Logging.RetentionDays, cfg.Paths.LogDir, "transcoder-*.log", logPath)

	logDependencySnapshot(logger, cfg)
	if err := runPreflight(signalCtx, logger, cfg, opts.SkipPreflight); err != nil {
		return err
	}

	pidPath := filepath.Join(cfg.Paths.DataDir, "transcoder.pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	store, err := tasks.Open(cfg.TasksDBPath())
	if err != nil {
		logger.Error("open task store", logging.Error(err))
		return err
	}
	queue, err := jobqueue.Open(cfg)
	if err != nil {
		_ = store.Close()
		logger.Error("open job queue", logging.Error(err), logging.String("backend", cfg.Queue.Backend))
		return err
	}

	m := metrics.New()
	if err := m.RegisterQueue(queue); err != nil {
		logger.Warn("queue metrics unavailable", logging.Error(err))
	}

	reporter, err := daemon.NewSentryReporter(daemon.SentryOptions(cfg))
	if err != nil {
		logging.WarnWithContext(logger, "sentry reporter disabled", "sentry_init_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check sentry.dsn"),
			logging.String(logging.FieldImpact, "terminal job failures are only logged"),
		)
	}
	defer reporter.Flush(2 * time.Second)

	ffmpeg := transcode.NewFFmpeg(cfg, logger)
	poolOpts := []workers.Option{workers.WithMetrics(m)}
	if reporter != nil {
		poolOpts = append(poolOpts, workers.WithFailureReporter(reporter))
	}
	pool := workers.NewPool(cfg, store, queue, ffmpeg, logger, poolOpts...)
	coord := coordinator.New(cfg, store, queue, logger,
		coordinator.WithProber(ffmpeg),
		coordinator.WithMetrics(m),
	)

	d, err := daemon.New(cfg, store, queue, pool, coord, logger, m)
	if err != nil {
		_ = errors.Join(queue.Close(), store.Close())
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	if err := d.Start(signalCtx); err != nil {
		logging.ErrorWithContext(logger, "daemon start failed", "daemon_start_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check for another running daemon and queue backend access"),
			logging.String(logging.FieldImpact, "no tasks will be processed"),
		)
		return err
	}

	<-signalCtx.Done()
	logger.Info("transcoder daemon shutting down", logging.String(logging.FieldEventType, "daemon_shutdown"))
	return nil
}

func runPreflight(ctx context.Context, logger *slog.Logger, cfg *config.Config, skip bool) error {
	results := preflight.RunAll(ctx, cfg)
	for _, r := range results {
		if r.Passed {
			logger.Debug("preflight check passed", logging.String("check", r.Name), logging.String("detail", r.Detail))
			continue
		}
		logging.WarnWithContext(logger, "preflight check failed", "preflight_failed",
			logging.String("check", r.Name),
			logging.String("detail", r.Detail),
			logging.Bool("optional", r.Optional),
			logging.String(logging.FieldErrorHint, "run `transcoder preflight` for the full report"),
		)
	}
	failed := preflight.Failed(results)
	if len(failed) == 0 || skip {
		return nil
	}
	names := make([]string, 0, len(failed))
	for _, r := range failed {
		names = append(names, r.Name)
	}
	return fmt.Errorf("preflight failed: %s", strings.Join(names, ", "))
}

func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := filepath.Join(logDir, "transcoder.log")
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logDependencySnapshot(logger *slog.Logger, cfg *config.Config) {
	logger.Info("dependency snapshot",
		logging.String(logging.FieldEventType, "dependency_snapshot"),
		logging.Bool("ffmpeg_available", binaryAvailable(cfg.Tools.FFmpegBinary)),
		logging.String("ffmpeg_binary", cfg.Tools.FFmpegBinary),
		logging.Bool("ffprobe_available", binaryAvailable(cfg.Tools.FFprobeBinary)),
		logging.String("ffprobe_binary", cfg.Tools.FFprobeBinary),
		logging.String("queue_backend", cfg.Queue.Backend),
		logging.Int("workers", cfg.Workers.Concurrency),
		logging.Bool("api_token_present", strings.TrimSpace(cfg.Paths.APIToken) != ""),
		logging.Bool("sentry_enabled", strings.TrimSpace(cfg.Sentry.DSN) != ""),
	)
}

func binaryAvailable(name string) bool {
	if strings.TrimSpace(name) == "" {
		return false
	}
	_, err := exec.LookPath(name)
	return err == nil
}
