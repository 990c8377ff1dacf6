package workers_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"transcoder/internal/config"
	"transcoder/internal/coordinator"
	"transcoder/internal/jobqueue"
	"transcoder/internal/metrics"
	"transcoder/internal/tasks"
	"transcoder/internal/taskstate"
	"transcoder/internal/testsupport"
	"transcoder/internal/transcode"
	"transcoder/internal/variant"
	"transcoder/internal/workers"
)

type progressSpy struct {
	*tasks.SQLiteStore
	mu     sync.Mutex
	writes []int
}

func (s *progressSpy) UpdateByID(ctx context.Context, id tasks.TaskID, patch tasks.Patch) (*tasks.Task, error) {
	if patch.State == nil && patch.Progress != nil {
		s.mu.Lock()
		s.writes = append(s.writes, *patch.Progress)
		s.mu.Unlock()
	}
	return s.SQLiteStore.UpdateByID(ctx, id, patch)
}

func (s *progressSpy) progressWrites() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.writes...)
}

type recordingReporter struct {
	mu   sync.Mutex
	jobs []tasks.TaskID
}

func (r *recordingReporter) ReportFailure(_ context.Context, job *jobqueue.Job, _ error) {
	r.mu.Lock()
	r.jobs = append(r.jobs, job.ID)
	r.mu.Unlock()
}

func (r *recordingReporter) reported() []tasks.TaskID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]tasks.TaskID(nil), r.jobs...)
}

type harness struct {
	cfg   *config.Config
	store *progressSpy
	queue jobqueue.Queue
	conv  *testsupport.FakeConverter
	video *tasks.Video
	pool  *workers.Pool
}

type harnessOptions struct {
	concurrency int
	queue       func(cfg *config.Config) jobqueue.Queue
	pool        []workers.Option
}

func newHarness(t *testing.T, conv *testsupport.FakeConverter, opts harnessOptions) *harness {
	t.Helper()
	if opts.concurrency == 0 {
		opts.concurrency = 2
	}
	cfg := testsupport.NewConfig(t, testsupport.WithConcurrency(opts.concurrency))
	store := &progressSpy{SQLiteStore: testsupport.MustOpenStore(t, cfg)}
	var queue jobqueue.Queue
	if opts.queue != nil {
		queue = opts.queue(cfg)
	} else {
		queue = testsupport.MustOpenQueue(t, cfg)
	}
	video := testsupport.NewVideo(t, store, cfg, "holiday clip.mp4")
	pool := workers.NewPool(cfg, store, queue, conv, nil, opts.pool...)
	return &harness{cfg: cfg, store: store, queue: queue, conv: conv, video: video, pool: pool}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.pool.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(h.pool.Stop)
}

func (h *harness) submit(t *testing.T, format variant.Format, profile variant.Profile) *tasks.Task {
	t.Helper()
	ctx := context.Background()
	task, err := h.store.Insert(ctx, tasks.NewTask(h.video.ID, variant.Key{Format: format, Profile: profile}, time.Now()))
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if _, _, err := h.queue.Enqueue(ctx, jobqueue.NewJob(task)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return task
}

func (h *harness) task(t *testing.T, id tasks.TaskID) *tasks.Task {
	t.Helper()
	task, err := h.store.FindByID(context.Background(), id)
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	return task
}

func (h *harness) job(t *testing.T, id tasks.TaskID) *jobqueue.Job {
	t.Helper()
	job, err := h.queue.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	return job
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) waitForState(t *testing.T, id tasks.TaskID, state tasks.State) *tasks.Task {
	t.Helper()
	var task *tasks.Task
	waitFor(t, "task "+string(id)+" to reach "+string(state), func() bool {
		task = h.task(t, id)
		return task != nil && task.State == state
	})
	return task
}

func (h *harness) waitForJob(t *testing.T, id tasks.TaskID, state jobqueue.State) *jobqueue.Job {
	t.Helper()
	var job *jobqueue.Job
	waitFor(t, "job "+string(id)+" to reach "+string(state), func() bool {
		job = h.job(t, id)
		return job != nil && job.State == state
	})
	return job
}

func TestPoolCompletesTask(t *testing.T) {
	h := newHarness(t, &testsupport.FakeConverter{}, harnessOptions{
		pool: []workers.Option{workers.WithMetrics(metrics.New())},
	})
	task := h.submit(t, variant.FormatMP4, variant.Profile720p)
	if task.State != tasks.StateQueued || task.Progress != 0 {
		t.Fatalf("expected new task QUEUED at 0, got %s at %d", task.State, task.Progress)
	}
	h.start(t)

	done := h.waitForState(t, task.ID, tasks.StateCompleted)
	if done.Progress != 100 {
		t.Fatalf("expected progress 100, got %d", done.Progress)
	}
	if !strings.HasSuffix(done.OutputFilePath, ".mp4") {
		t.Fatalf("expected .mp4 output, got %q", done.OutputFilePath)
	}
	if filepath.Dir(done.OutputFilePath) != h.cfg.Paths.OutputDir {
		t.Fatalf("expected output under %s, got %s", h.cfg.Paths.OutputDir, done.OutputFilePath)
	}
	if _, err := os.Stat(done.OutputFilePath); err != nil {
		t.Fatalf("expected output file on disk: %v", err)
	}
	if done.CompletedAt == nil || done.ProcessingAt == nil {
		t.Fatalf("expected processing and completion timestamps, got %+v", done)
	}

	job := h.waitForJob(t, task.ID, jobqueue.StateCompleted)
	if job.AttemptsMade != 0 {
		t.Fatalf("expected no failed attempts, got %d", job.AttemptsMade)
	}

	calls := h.conv.Calls()
	if len(calls) != 1 || calls[0].Input != h.video.StoragePath {
		t.Fatalf("expected one conversion of the source, got %+v", calls)
	}
	if calls[0].Spec.Label != "MP4/H.264 @ 720p" {
		t.Fatalf("unexpected variant label %q", calls[0].Spec.Label)
	}
}

func TestPoolThrottlesProgressWrites(t *testing.T) {
	h := newHarness(t, &testsupport.FakeConverter{}, harnessOptions{concurrency: 1})
	task := h.submit(t, variant.FormatWebM, variant.Profile480p)
	h.start(t)
	h.waitForState(t, task.ID, tasks.StateCompleted)

	want := []int{1}
	for pct := 5; pct < 100; pct += 5 {
		want = append(want, pct)
	}
	got := h.store.progressWrites()
	if len(got) != len(want) {
		t.Fatalf("expected %d progress writes, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("progress write %d: want %d, got %d (all: %v)", i, want[i], got[i], got)
		}
	}
}

func TestPoolRetriesThenRetainsFailedJob(t *testing.T) {
	toolErr := &transcode.ToolError{Tool: "ffmpeg", Err: errors.New("exit status 1"), Stderr: "moov atom not found"}
	conv := &testsupport.FakeConverter{
		Progress: []int{10, 20},
		FailWith: func(int, testsupport.ConvertCall) error { return toolErr },
	}
	reporter := &recordingReporter{}
	h := newHarness(t, conv, harnessOptions{pool: []workers.Option{workers.WithFailureReporter(reporter)}})
	task := h.submit(t, variant.FormatMP4, variant.Profile480p)
	h.start(t)

	job := h.waitForJob(t, task.ID, jobqueue.StateFailed)
	if job.AttemptsMade != 3 {
		t.Fatalf("expected 3 attempts, got %d", job.AttemptsMade)
	}
	if len(conv.Calls()) != 3 {
		t.Fatalf("expected 3 conversions, got %d", len(conv.Calls()))
	}

	failed := h.task(t, task.ID)
	if failed.State != tasks.StateFailed {
		t.Fatalf("expected FAILED, got %s", failed.State)
	}
	if strings.TrimSpace(failed.ErrorMessage) == "" {
		t.Fatal("expected a non-empty error message")
	}
	if !strings.Contains(failed.ErrorDetail, "moov atom") {
		t.Fatalf("expected stderr tail in error detail, got %q", failed.ErrorDetail)
	}
	if failed.Progress != 20 {
		t.Fatalf("expected progress to keep its last persisted value, got %d", failed.Progress)
	}

	time.Sleep(100 * time.Millisecond)
	if len(conv.Calls()) != 3 {
		t.Fatalf("expected no redelivery after exhaustion, got %d calls", len(conv.Calls()))
	}
	if got := reporter.reported(); len(got) != 1 || got[0] != task.ID {
		t.Fatalf("expected one terminal failure report, got %v", got)
	}
}

func TestPoolRecoversAfterTransientFailure(t *testing.T) {
	conv := &testsupport.FakeConverter{FailWith: testsupport.FailTimes(1, errors.New("encoder crashed"))}
	h := newHarness(t, conv, harnessOptions{})
	task := h.submit(t, variant.FormatMP4, variant.Profile1080p)
	h.start(t)

	done := h.waitForState(t, task.ID, tasks.StateCompleted)
	if done.ErrorMessage != "" || done.ErrorDetail != "" {
		t.Fatalf("expected the successful attempt to clear errors, got %q / %q", done.ErrorMessage, done.ErrorDetail)
	}
	if done.FailedAt == nil {
		t.Fatal("expected failed_at from the first attempt to be kept")
	}
	job := h.waitForJob(t, task.ID, jobqueue.StateCompleted)
	if job.AttemptsMade != 1 {
		t.Fatalf("expected one failed attempt recorded, got %d", job.AttemptsMade)
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	conv := &testsupport.FakeConverter{
		Gate:    make(chan struct{}),
		Started: make(chan testsupport.ConvertCall, 3),
	}
	h := newHarness(t, conv, harnessOptions{concurrency: 2})
	// Only two formats exist, so the third P3 task belongs to a second video.
	other := testsupport.NewVideo(t, h.store, h.cfg, "second.mov")
	third, err := h.store.Insert(context.Background(), tasks.NewTask(other.ID, variant.Key{Format: variant.FormatMP4, Profile: variant.Profile1080p}, time.Now()))
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	submitted := []*tasks.Task{
		h.submit(t, variant.FormatMP4, variant.Profile1080p),
		h.submit(t, variant.FormatWebM, variant.Profile1080p),
		third,
	}
	if _, _, err := h.queue.Enqueue(context.Background(), jobqueue.NewJob(third)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	h.start(t)

	for i := range 2 {
		select {
		case <-conv.Started:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for conversion %d to start", i+1)
		}
	}
	select {
	case call := <-conv.Started:
		t.Fatalf("expected third conversion to wait, but %s started", call.Input)
	case <-time.After(150 * time.Millisecond):
	}

	counts := map[tasks.State]int{}
	for _, task := range submitted {
		counts[h.task(t, task.ID).State]++
	}
	if counts[tasks.StateProcessing] != 2 || counts[tasks.StateQueued] != 1 {
		t.Fatalf("expected 2 PROCESSING and 1 QUEUED, got %v", counts)
	}
	if status := h.pool.Status(context.Background()); status.Busy != 2 || status.QueueStats.Active != 2 {
		t.Fatalf("expected 2 busy consumers and 2 active jobs, got %+v", status)
	}

	close(conv.Gate)
	for _, task := range submitted {
		h.waitForState(t, task.ID, tasks.StateCompleted)
	}
}

func TestPoolRunsHigherPriorityFirst(t *testing.T) {
	h := newHarness(t, &testsupport.FakeConverter{Progress: []int{}}, harnessOptions{concurrency: 1})
	var last *tasks.Task
	for _, profile := range []variant.Profile{variant.Profile480p, variant.Profile1080p, variant.Profile720p} {
		last = h.submit(t, variant.FormatMP4, profile)
	}
	h.start(t)
	h.waitForJob(t, last.ID, jobqueue.StateCompleted)
	waitFor(t, "all conversions", func() bool { return len(h.conv.Calls()) == 3 })

	var order []variant.Profile
	for _, call := range h.conv.Calls() {
		order = append(order, call.Spec.Profile)
	}
	want := []variant.Profile{variant.Profile480p, variant.Profile720p, variant.Profile1080p}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected dequeue order %v, got %v", want, order)
		}
	}
}

func TestPoolFailureCases(t *testing.T) {
	cases := []struct {
		name     string
		prepare  func(t *testing.T, h *harness, task *tasks.Task)
		wantKind string
	}{
		{
			name: "video record deleted",
			prepare: func(t *testing.T, h *harness, _ *tasks.Task) {
				if _, err := h.store.DeleteVideo(context.Background(), h.video.ID); err != nil {
					t.Fatalf("DeleteVideo failed: %v", err)
				}
			},
			wantKind: "kind=dependency_missing",
		},
		{
			name: "source file missing",
			prepare: func(t *testing.T, h *harness, _ *tasks.Task) {
				if err := os.Remove(h.video.StoragePath); err != nil {
					t.Fatalf("remove source: %v", err)
				}
			},
			wantKind: "kind=dependency_missing",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, &testsupport.FakeConverter{}, harnessOptions{})
			task := h.submit(t, variant.FormatWebM, variant.Profile720p)
			tc.prepare(t, h, task)
			h.start(t)

			h.waitForJob(t, task.ID, jobqueue.StateFailed)
			failed := h.task(t, task.ID)
			if failed.State != tasks.StateFailed || failed.ErrorDetail != tc.wantKind {
				t.Fatalf("expected FAILED with %q, got %s %q", tc.wantKind, failed.State, failed.ErrorDetail)
			}
			if len(h.conv.Calls()) != 0 {
				t.Fatalf("expected converter not to run, got %d calls", len(h.conv.Calls()))
			}
		})
	}
}

func TestPoolDropsJobForDeletedTask(t *testing.T) {
	h := newHarness(t, &testsupport.FakeConverter{}, harnessOptions{})
	task := h.submit(t, variant.FormatMP4, variant.Profile480p)
	if _, err := h.store.DeleteByID(context.Background(), task.ID); err != nil {
		t.Fatalf("DeleteByID failed: %v", err)
	}
	h.start(t)

	h.waitForJob(t, task.ID, jobqueue.StateCompleted)
	if got := h.task(t, task.ID); got != nil {
		t.Fatalf("expected task to stay deleted, got %+v", got)
	}
	if len(h.conv.Calls()) != 0 {
		t.Fatalf("expected no conversion for a deleted task, got %d", len(h.conv.Calls()))
	}
}

func TestPoolRedeliversStalledJob(t *testing.T) {
	var stalled *jobqueue.SQLiteQueue
	h := newHarness(t, &testsupport.FakeConverter{}, harnessOptions{
		queue: func(cfg *config.Config) jobqueue.Queue {
			q, err := jobqueue.OpenSQLite(filepath.Join(cfg.Paths.DataDir, "stall.db"), jobqueue.Options{
				LeaseTimeout:    60 * time.Millisecond,
				PollInterval:    10 * time.Millisecond,
				BackoffBase:     20 * time.Millisecond,
				RetainCompleted: 10,
			})
			if err != nil {
				t.Fatalf("OpenSQLite failed: %v", err)
			}
			t.Cleanup(func() { q.Close() })
			stalled = q
			return q
		},
		pool: []workers.Option{workers.WithHeartbeatInterval(20 * time.Millisecond)},
	})
	task := h.submit(t, variant.FormatMP4, variant.Profile720p)

	// A consumer that claims the job and then disappears.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	abandoned, err := stalled.Dequeue(ctx)
	if err != nil || abandoned == nil {
		t.Fatalf("Dequeue failed: %v", err)
	}

	h.start(t)
	h.waitForState(t, task.ID, tasks.StateCompleted)
	job := h.waitForJob(t, task.ID, jobqueue.StateCompleted)
	if job.AttemptsMade != 0 {
		t.Fatalf("expected stall redelivery not to spend an attempt, got %d", job.AttemptsMade)
	}
	if err := stalled.Ack(context.Background(), abandoned); !errors.Is(err, jobqueue.ErrLeaseLost) {
		t.Fatalf("expected the abandoned lease to be fenced, got %v", err)
	}
}

func outputFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	var names []string
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names
}

func TestPoolYieldsToCompletionFromAnotherDelivery(t *testing.T) {
	conv := &testsupport.FakeConverter{
		Gate:    make(chan struct{}),
		Started: make(chan testsupport.ConvertCall, 1),
	}
	h := newHarness(t, conv, harnessOptions{concurrency: 1})
	task := h.submit(t, variant.FormatMP4, variant.Profile480p)
	h.start(t)

	var call testsupport.ConvertCall
	select {
	case call = <-conv.Started:
	case <-time.After(5 * time.Second):
		t.Fatal("conversion never started")
	}

	// A redelivered copy of the job finishes first and records its output.
	ctx := context.Background()
	earlier := filepath.Join(h.cfg.Paths.OutputDir, "earlier.mp4")
	testsupport.WriteFile(t, earlier, 8)
	if _, err := taskstate.New(h.store, nil, nil).Complete(ctx, task.ID, earlier); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	close(conv.Gate)

	job := h.waitForJob(t, task.ID, jobqueue.StateCompleted)
	if job.AttemptsMade != 0 {
		t.Fatalf("expected the losing delivery not to spend an attempt, got %d", job.AttemptsMade)
	}
	if calls := len(h.conv.Calls()); calls != 1 {
		t.Fatalf("expected a single conversion, got %d", calls)
	}
	got := h.task(t, task.ID)
	if got.State != tasks.StateCompleted || got.OutputFilePath != earlier {
		t.Fatalf("expected the first recorded completion to stand, got %+v", got)
	}
	if _, err := os.Stat(call.Output); !os.IsNotExist(err) {
		t.Fatalf("expected the losing output to be discarded, got %v", err)
	}

	coord := coordinator.New(h.cfg, h.store, h.queue, nil)
	if deleted, err := coord.DeleteTask(ctx, task.ID); err != nil || !deleted {
		t.Fatalf("DeleteTask = %v, %v", deleted, err)
	}
	if left := outputFiles(t, h.cfg.Paths.OutputDir); len(left) != 0 {
		t.Fatalf("expected no untracked outputs, got %v", left)
	}
}

func TestPoolRemovesOutputOfEarlierCompletionOnRedelivery(t *testing.T) {
	var tick atomic.Int64
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, &testsupport.FakeConverter{}, harnessOptions{
		concurrency: 1,
		pool: []workers.Option{workers.WithClock(func() time.Time {
			return base.Add(time.Duration(tick.Add(1)) * time.Millisecond)
		})},
	})
	task := h.submit(t, variant.FormatWebM, variant.Profile480p)
	h.start(t)

	first := h.waitForState(t, task.ID, tasks.StateCompleted)
	h.waitForJob(t, task.ID, jobqueue.StateCompleted)

	// The finished job is replaced, as after a lost acknowledgement.
	if _, _, err := h.queue.Enqueue(context.Background(), jobqueue.NewJob(first)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	var second *tasks.Task
	waitFor(t, "second completion", func() bool {
		second = h.task(t, task.ID)
		return len(h.conv.Calls()) == 2 && second.State == tasks.StateCompleted
	})
	if second.OutputFilePath == first.OutputFilePath {
		t.Fatalf("expected a fresh output path, got %s twice", first.OutputFilePath)
	}
	if _, err := os.Stat(first.OutputFilePath); !os.IsNotExist(err) {
		t.Fatalf("expected earlier output removed, got %v", err)
	}
	if left := outputFiles(t, h.cfg.Paths.OutputDir); len(left) != 1 || left[0] != filepath.Base(second.OutputFilePath) {
		t.Fatalf("expected only the current output, got %v", left)
	}
}

func TestPoolStatus(t *testing.T) {
	h := newHarness(t, &testsupport.FakeConverter{}, harnessOptions{concurrency: 3})
	before := h.pool.Status(context.Background())
	if before.Running || before.Concurrency != 3 {
		t.Fatalf("unexpected status before start: %+v", before)
	}
	h.start(t)
	if err := h.pool.Start(context.Background()); err == nil {
		t.Fatal("expected second Start to fail")
	}
	task := h.submit(t, variant.FormatMP4, variant.Profile480p)
	h.waitForState(t, task.ID, tasks.StateCompleted)

	status := h.pool.Status(context.Background())
	if !status.Running || !status.ConverterHealth.Ready || status.ConverterHealth.Name != "fake" {
		t.Fatalf("unexpected running status: %+v", status)
	}
	waitFor(t, "last task to be reported", func() bool {
		s := h.pool.Status(context.Background())
		return s.LastTask != nil && s.LastTask.ID == task.ID && s.LastTask.State == tasks.StateCompleted
	})

	h.pool.Stop()
	if h.pool.Status(context.Background()).Running {
		t.Fatal("expected pool to report stopped")
	}
}
