package taskstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"transcoder/internal/logging"
	"transcoder/internal/services"
	"transcoder/internal/tasks"
)

// ErrInvalidTransition reports a transition outside the lifecycle table.
var ErrInvalidTransition = errors.New("invalid task transition")

var transitions = map[tasks.State][]tasks.State{
	tasks.StateQueued:     {tasks.StateProcessing},
	tasks.StateProcessing: {tasks.StateProcessing, tasks.StateCompleted, tasks.StateFailed},
	tasks.StateCompleted:  {tasks.StateProcessing},
	tasks.StateFailed:     {tasks.StateProcessing, tasks.StateQueued},
}

// CanTransition reports whether from → to is a legal lifecycle move.
func CanTransition(from, to tasks.State) bool {
	for _, candidate := range transitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// Machine applies lifecycle transitions to stored tasks.
type Machine struct {
	store  tasks.Store
	now    func() time.Time
	logger *slog.Logger
}

// New builds a Machine. A nil clock uses time.Now.
func New(store tasks.Store, now func() time.Time, logger *slog.Logger) *Machine {
	if now == nil {
		now = time.Now
	}
	return &Machine{
		store:  store,
		now:    now,
		logger: logging.NewComponentLogger(logger, "taskstate"),
	}
}

// Begin starts a processing attempt. Every attempt begins from a clean slate:
// progress, output path and any earlier error are cleared. An output left by
// an earlier completed attempt is removed, since no record points at it once
// the path is cleared.
func (m *Machine) Begin(ctx context.Context, id tasks.TaskID) (*tasks.Task, error) {
	const maxTries = 3
	for try := 1; ; try++ {
		prior, err := m.store.FindByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("begin task %s: %w", id, err)
		}
		if prior == nil {
			return nil, nil
		}
		now := m.now().UTC()
		task, err := m.store.UpdateByID(ctx, id, tasks.Patch{
			State:          tasks.Ptr(tasks.StateProcessing),
			Progress:       tasks.Ptr(0),
			OutputFilePath: tasks.Ptr(""),
			ErrorMessage:   tasks.Ptr(""),
			ErrorDetail:    tasks.Ptr(""),
			ProcessingAt:   &now,
			RequireStates:  []tasks.State{prior.State},
		})
		if errors.Is(err, tasks.ErrStateConflict) && try < maxTries {
			// Another writer settled the task between the read and the update.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("begin task %s: %w", id, err)
		}
		if task == nil {
			return nil, nil
		}
		m.removeArtifact(id, prior.OutputFilePath)
		m.logger.Debug("task processing", logging.String(logging.FieldTaskID, string(id)))
		return task, nil
	}
}

func (m *Machine) removeArtifact(id tasks.TaskID, path string) {
	if strings.TrimSpace(path) == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.WarnWithContext(m.logger, "failed to remove previous output", "artifact_cleanup_failed",
			logging.String(logging.FieldTaskID, string(id)),
			logging.String("output_file", path),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check output directory permissions"),
			logging.String(logging.FieldImpact, "the old file stays on disk untracked"),
		)
		return
	}
	m.logger.Info("removed previous output",
		logging.String(logging.FieldTaskID, string(id)),
		logging.String("output_file", path),
	)
}

// Complete records a successful conversion.
func (m *Machine) Complete(ctx context.Context, id tasks.TaskID, outputPath string) (*tasks.Task, error) {
	outputPath = strings.TrimSpace(outputPath)
	if outputPath == "" {
		return nil, services.Wrap(services.ErrValidation, "taskstate", "complete", "output path is required", nil)
	}
	now := m.now().UTC()
	task, err := m.store.UpdateByID(ctx, id, tasks.Patch{
		State:          tasks.Ptr(tasks.StateCompleted),
		Progress:       tasks.Ptr(100),
		OutputFilePath: &outputPath,
		CompletedAt:    &now,
		RequireStates:  []tasks.State{tasks.StateProcessing},
	})
	if err != nil {
		return nil, transitionError("complete", id, err)
	}
	return task, nil
}

// Fail records a failed attempt. Progress keeps its last persisted value.
func (m *Machine) Fail(ctx context.Context, id tasks.TaskID, cause error) (*tasks.Task, error) {
	message, detail := describe(cause)
	if message == "" {
		return nil, services.Wrap(services.ErrValidation, "taskstate", "fail", "failure description is required", nil)
	}
	now := m.now().UTC()
	task, err := m.store.UpdateByID(ctx, id, tasks.Patch{
		State:         tasks.Ptr(tasks.StateFailed),
		ErrorMessage:  &message,
		ErrorDetail:   &detail,
		FailedAt:      &now,
		RequireStates: []tasks.State{tasks.StateProcessing},
	})
	if err != nil {
		return nil, transitionError("fail", id, err)
	}
	return task, nil
}

// UpdateProgress persists progress for a task that is still processing.
func (m *Machine) UpdateProgress(ctx context.Context, id tasks.TaskID, percent int) (*tasks.Task, error) {
	percent = max(0, min(100, percent))
	task, err := m.store.UpdateByID(ctx, id, tasks.Patch{
		Progress:      &percent,
		RequireStates: []tasks.State{tasks.StateProcessing},
	})
	if err != nil {
		return nil, transitionError("update progress for", id, err)
	}
	return task, nil
}

// Requeue returns a failed task to QUEUED for another round of attempts.
func (m *Machine) Requeue(ctx context.Context, id tasks.TaskID) (*tasks.Task, error) {
	task, err := m.store.UpdateByID(ctx, id, tasks.Patch{
		State:          tasks.Ptr(tasks.StateQueued),
		Progress:       tasks.Ptr(0),
		OutputFilePath: tasks.Ptr(""),
		ErrorMessage:   tasks.Ptr(""),
		ErrorDetail:    tasks.Ptr(""),
		RequireStates:  []tasks.State{tasks.StateFailed},
	})
	if err != nil {
		return nil, transitionError("requeue", id, err)
	}
	return task, nil
}

// transitionError marks precondition mismatches with ErrInvalidTransition
// while keeping the store's ErrStateConflict reachable.
func transitionError(op string, id tasks.TaskID, err error) error {
	if errors.Is(err, tasks.ErrStateConflict) {
		return fmt.Errorf("%s task %s: %w: %w", op, id, ErrInvalidTransition, err)
	}
	return fmt.Errorf("%s task %s: %w", op, id, err)
}

// detailer is implemented by errors that carry diagnostic output, such as
// the tail of a tool's stderr.
type detailer interface {
	Detail() string
}

func describe(err error) (message, detail string) {
	if err == nil {
		return "", ""
	}
	message = strings.TrimSpace(err.Error())
	var d detailer
	if errors.As(err, &d) {
		detail = strings.TrimSpace(d.Detail())
	}
	if detail == "" {
		detail = "kind=" + services.Kind(err)
	}
	return message, detail
}
