package taskstate_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"transcoder/internal/logging"
	"transcoder/internal/services"
	"transcoder/internal/tasks"
	"transcoder/internal/taskstate"
	"transcoder/internal/testsupport"
	"transcoder/internal/variant"
)

type toolError struct{ tail string }

func (e toolError) Error() string  { return "ffmpeg exited with status 1" }
func (e toolError) Detail() string { return e.tail }

func newMachine(t *testing.T) (*taskstate.Machine, tasks.Repository, *tasks.Task) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	video := testsupport.NewVideo(t, store, cfg, "clip.mp4")
	task := tasks.NewTask(video.ID, variant.Key{Format: variant.FormatMP4, Profile: variant.Profile720p}, time.Now())
	if _, err := store.Insert(context.Background(), task); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	return taskstate.New(store, nil, logging.NewNop()), store, task
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to tasks.State
		want     bool
	}{
		{tasks.StateQueued, tasks.StateProcessing, true},
		{tasks.StateProcessing, tasks.StateProcessing, true},
		{tasks.StateFailed, tasks.StateProcessing, true},
		{tasks.StateCompleted, tasks.StateProcessing, true},
		{tasks.StateProcessing, tasks.StateCompleted, true},
		{tasks.StateProcessing, tasks.StateFailed, true},
		{tasks.StateFailed, tasks.StateQueued, true},
		{tasks.StateQueued, tasks.StateCompleted, false},
		{tasks.StateQueued, tasks.StateFailed, false},
		{tasks.StateCompleted, tasks.StateFailed, false},
		{tasks.StateCompleted, tasks.StateQueued, false},
	}
	for _, tc := range cases {
		if got := taskstate.CanTransition(tc.from, tc.to); got != tc.want {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestHappyPath(t *testing.T) {
	machine, _, task := newMachine(t)
	ctx := context.Background()

	begun, err := machine.Begin(ctx, task.ID)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if begun.State != tasks.StateProcessing || begun.ProcessingAt == nil {
		t.Fatalf("unexpected task after Begin: %+v", begun)
	}

	progressed, err := machine.UpdateProgress(ctx, task.ID, 150)
	if err != nil {
		t.Fatalf("UpdateProgress failed: %v", err)
	}
	if progressed.Progress != 100 {
		t.Fatalf("expected progress clamped to 100, got %d", progressed.Progress)
	}

	done, err := machine.Complete(ctx, task.ID, "/out/clip_mp4_720p.mp4")
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if done.State != tasks.StateCompleted || done.Progress != 100 || done.OutputFilePath == "" || done.CompletedAt == nil {
		t.Fatalf("unexpected completed task: %+v", done)
	}
}

func TestCompleteRequiresProcessing(t *testing.T) {
	machine, _, task := newMachine(t)
	_, err := machine.Complete(context.Background(), task.ID, "/out/file.mp4")
	if !errors.Is(err, tasks.ErrStateConflict) || !errors.Is(err, taskstate.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition completing a queued task, got %v", err)
	}
}

func TestCompleteRequiresOutputPath(t *testing.T) {
	machine, _, task := newMachine(t)
	ctx := context.Background()
	if _, err := machine.Begin(ctx, task.ID); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if _, err := machine.Complete(ctx, task.ID, "  "); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestFailKeepsProgressAndBeginClearsErrors(t *testing.T) {
	machine, _, task := newMachine(t)
	ctx := context.Background()

	if _, err := machine.Begin(ctx, task.ID); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if _, err := machine.UpdateProgress(ctx, task.ID, 40); err != nil {
		t.Fatalf("UpdateProgress failed: %v", err)
	}
	failed, err := machine.Fail(ctx, task.ID, toolError{tail: "Conversion failed!"})
	if err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	if failed.State != tasks.StateFailed || failed.Progress != 40 {
		t.Fatalf("unexpected failed task: %+v", failed)
	}
	if failed.ErrorMessage != "ffmpeg exited with status 1" || failed.ErrorDetail != "Conversion failed!" {
		t.Fatalf("unexpected error fields: %q / %q", failed.ErrorMessage, failed.ErrorDetail)
	}
	firstFailure := *failed.FailedAt

	retried, err := machine.Begin(ctx, task.ID)
	if err != nil {
		t.Fatalf("Begin retry failed: %v", err)
	}
	if retried.ErrorMessage != "" || retried.ErrorDetail != "" || retried.Progress != 0 || retried.OutputFilePath != "" {
		t.Fatalf("expected clean slate on retry, got %+v", retried)
	}
	second, err := machine.Fail(ctx, task.ID, errors.New("second failure"))
	if err != nil {
		t.Fatalf("second Fail failed: %v", err)
	}
	if !second.FailedAt.Equal(firstFailure) {
		t.Fatalf("expected failed_at to keep the first failure time, got %v want %v", second.FailedAt, firstFailure)
	}
	if second.ErrorDetail != "kind=unknown" {
		t.Fatalf("unexpected detail for plain error: %q", second.ErrorDetail)
	}
	again, err := machine.Fail(ctx, task.ID, errors.New("not processing"))
	if !errors.Is(err, tasks.ErrStateConflict) || again != nil {
		t.Fatalf("expected conflict failing a failed task, got %+v %v", again, err)
	}
}

func TestFailRequiresDescription(t *testing.T) {
	machine, _, task := newMachine(t)
	ctx := context.Background()
	if _, err := machine.Begin(ctx, task.ID); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if _, err := machine.Fail(ctx, task.ID, errors.New("   ")); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for blank failure, got %v", err)
	}
}

func TestDeletedTaskWritesAreNoops(t *testing.T) {
	machine, store, task := newMachine(t)
	ctx := context.Background()
	if _, err := store.DeleteByID(ctx, task.ID); err != nil {
		t.Fatalf("DeleteByID failed: %v", err)
	}

	cases := []struct {
		name string
		run  func() (*tasks.Task, error)
	}{
		{"begin", func() (*tasks.Task, error) { return machine.Begin(ctx, task.ID) }},
		{"progress", func() (*tasks.Task, error) { return machine.UpdateProgress(ctx, task.ID, 10) }},
		{"complete", func() (*tasks.Task, error) { return machine.Complete(ctx, task.ID, "/out/x.mp4") }},
		{"fail", func() (*tasks.Task, error) { return machine.Fail(ctx, task.ID, errors.New("boom")) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.run()
			if err != nil || got != nil {
				t.Fatalf("expected nil, nil, got %+v, %v", got, err)
			}
		})
	}

	found, err := store.FindByID(ctx, task.ID)
	if err != nil || found != nil {
		t.Fatalf("expected task to stay deleted, got %+v %v", found, err)
	}
}

func TestRequeue(t *testing.T) {
	machine, _, task := newMachine(t)
	ctx := context.Background()

	if _, err := machine.Requeue(ctx, task.ID); !errors.Is(err, tasks.ErrStateConflict) {
		t.Fatalf("expected conflict requeueing a queued task, got %v", err)
	}
	if _, err := machine.Begin(ctx, task.ID); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if _, err := machine.Fail(ctx, task.ID, errors.New("boom")); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	requeued, err := machine.Requeue(ctx, task.ID)
	if err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}
	if requeued.State != tasks.StateQueued || requeued.ErrorMessage != "" || requeued.Progress != 0 {
		t.Fatalf("unexpected requeued task: %+v", requeued)
	}
}

func TestProgressThrottle(t *testing.T) {
	throttle := taskstate.NewProgressThrottle(5, "task-1#1")
	var allowed []int
	for _, pct := range []int{0, 1, 4, 5, 6, 9, 12, 13, 50, 49, 99, 100} {
		if throttle.Allow(pct) {
			allowed = append(allowed, pct)
		}
	}
	want := []int{0, 5, 12, 50, 99, 100}
	if len(allowed) != len(want) {
		t.Fatalf("allowed %v, want %v", allowed, want)
	}
	for i := range want {
		if allowed[i] != want[i] {
			t.Fatalf("allowed %v, want %v", allowed, want)
		}
	}
	if throttle.Allow(-1) {
		t.Fatal("expected unknown progress to be dropped")
	}
}

func TestBeginRemovesEarlierOutput(t *testing.T) {
	machine, _, task := newMachine(t)
	ctx := context.Background()
	output := filepath.Join(t.TempDir(), "clip_V1_P2_1.mp4")
	testsupport.WriteFile(t, output, 4)

	if _, err := machine.Begin(ctx, task.ID); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if _, err := machine.Complete(ctx, task.ID, output); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	again, err := machine.Begin(ctx, task.ID)
	if err != nil {
		t.Fatalf("Begin after completion failed: %v", err)
	}
	if again.State != tasks.StateProcessing || again.OutputFilePath != "" {
		t.Fatalf("expected a fresh processing attempt, got %+v", again)
	}
	if _, err := os.Stat(output); !os.IsNotExist(err) {
		t.Fatalf("expected earlier output removed, got %v", err)
	}
}
