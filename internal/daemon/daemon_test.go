package daemon_test

import (
	"context"
	"testing"
	"time"

	"transcoder/internal/config"
	"transcoder/internal/coordinator"
	"transcoder/internal/daemon"
	"transcoder/internal/jobqueue"
	"transcoder/internal/logging"
	"transcoder/internal/tasks"
	"transcoder/internal/testsupport"
	"transcoder/internal/variant"
	"transcoder/internal/workers"
)

type fixture struct {
	cfg    *config.Config
	store  *tasks.SQLiteStore
	queue  jobqueue.Queue
	daemon *daemon.Daemon
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	store := testsupport.MustOpenStore(t, cfg)
	queue := testsupport.MustOpenQueue(t, cfg)
	logger := logging.NewNop()
	pool := workers.NewPool(cfg, store, queue, &testsupport.FakeConverter{Progress: []int{50}}, logger)
	d, err := daemon.New(cfg, store, queue, pool, coordinator.New(cfg, store, queue, logger), logger, nil)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	return &fixture{cfg: cfg, store: store, queue: queue, daemon: d}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := daemon.New(testsupport.NewConfig(t), nil, nil, nil, nil, nil, nil); err == nil {
		t.Fatal("expected error for missing collaborators")
	}
}

func TestDaemonStartStop(t *testing.T) {
	f := newFixture(t, testsupport.NewConfig(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := f.daemon.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(f.daemon.Stop)

	status := f.daemon.Status(ctx)
	if !status.Running || !status.Workers.Running || status.LockFilePath != f.cfg.LockPath() {
		t.Fatalf("unexpected status: %+v", status)
	}
	if !status.Database.DatabaseExists {
		t.Fatalf("expected database health, got %+v", status.Database)
	}

	if err := f.daemon.Start(ctx); err == nil {
		t.Fatal("expected second start to fail")
	}

	f.daemon.Stop()
	if status := f.daemon.Status(ctx); status.Running || status.Workers.Running {
		t.Fatal("expected daemon to be stopped")
	}
}

func TestSecondInstanceIsLockedOut(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	first := newFixture(t, cfg)
	ctx := context.Background()
	if err := first.daemon.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(first.daemon.Stop)

	other := *cfg
	other.Paths.APIBind = ""
	second := newFixture(t, &other)
	if err := second.daemon.Start(ctx); err == nil {
		second.daemon.Stop()
		t.Fatal("expected lock contention to reject the second daemon")
	}
}

func TestStartReconcilesOrphanedTasks(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	f := newFixture(t, cfg)
	ctx := context.Background()

	video := testsupport.NewVideo(t, f.store, cfg, "orphan.mp4")
	task := tasks.NewTask(video.ID, variant.Key{Format: variant.FormatMP4, Profile: variant.Profile480p}, time.Now())
	if _, err := f.store.Insert(ctx, task); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	if err := f.daemon.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(f.daemon.Stop)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := f.store.FindByID(ctx, task.ID)
		if err != nil {
			t.Fatalf("FindByID failed: %v", err)
		}
		if got.State == tasks.StateCompleted {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("orphaned task was never converted")
}
