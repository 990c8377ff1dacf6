package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"transcoder/internal/jobqueue"
	"transcoder/internal/tasks"
)

// TaskStatusView is the lightweight payload polled by clients.
type TaskStatusView struct {
	TaskID       tasks.TaskID `json:"task_id"`
	State        tasks.State  `json:"state"`
	Progress     int          `json:"progress"`
	ErrorMessage string       `json:"error_message,omitempty"`
}

// QueueStatsView pairs job counts with task counts.
type QueueStatsView struct {
	Jobs  jobqueue.Stats `json:"jobs"`
	Tasks tasks.Stats    `json:"tasks"`
}

// CleanRequest is the optional body of POST /api/queue/clean.
type CleanRequest struct {
	States         []string `json:"states"`
	OlderThanHours *int     `json:"older_than_hours"`
}

// handleListTasks lists active tasks unless ?state= or ?video_id= narrow it.
func (h *handlers) handleListTasks(w http.ResponseWriter, r *http.Request) {
	filter := tasks.Filter{States: []tasks.State{tasks.StateQueued, tasks.StateProcessing}}
	query := r.URL.Query()
	if values := query["state"]; len(values) > 0 {
		filter.States = nil
		for _, value := range values {
			state, ok := tasks.ParseState(value)
			if !ok {
				h.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown task state %q", value))
				return
			}
			filter.States = append(filter.States, state)
		}
	}
	filter.VideoID = tasks.VideoID(strings.TrimSpace(query.Get("video_id")))

	list, err := h.d.store.Find(r.Context(), filter)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	if list == nil {
		list = []*tasks.Task{}
	}
	h.writeData(w, http.StatusOK, map[string]any{"count": len(list), "tasks": list})
}

func (h *handlers) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := h.lookupTask(w, r)
	if !ok {
		return
	}
	h.writeData(w, http.StatusOK, task)
}

func (h *handlers) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	task, ok := h.lookupTask(w, r)
	if !ok {
		return
	}
	h.writeData(w, http.StatusOK, TaskStatusView{
		TaskID:       task.ID,
		State:        task.State,
		Progress:     task.Progress,
		ErrorMessage: task.ErrorMessage,
	})
}

func (h *handlers) handleDownload(w http.ResponseWriter, r *http.Request) {
	task, ok := h.lookupTask(w, r)
	if !ok {
		return
	}
	if task.State != tasks.StateCompleted {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("task is not completed; current state: %s", task.State))
		return
	}
	if task.OutputFilePath == "" {
		h.writeError(w, http.StatusNotFound, "output file not found")
		return
	}
	file, err := os.Open(task.OutputFilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			h.writeError(w, http.StatusNotFound, "output file not found on server")
			return
		}
		h.writeFailure(w, r, err)
		return
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	name := filepath.Base(task.OutputFilePath)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeContent(w, r, name, info.ModTime(), file)
}

func (h *handlers) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.d.coord.DeleteTask(r.Context(), tasks.TaskID(mux.Vars(r)["id"]))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	if !deleted {
		h.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	h.writeMessage(w, http.StatusOK, "task deleted", nil)
}

func (h *handlers) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.d.coord.RetryTask(r.Context(), tasks.TaskID(mux.Vars(r)["id"]))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	if task == nil {
		h.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	h.writeMessage(w, http.StatusOK, "task requeued", task)
}

func (h *handlers) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.d.queue.Stats(r.Context())
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	taskStats, err := h.d.store.Stats(r.Context())
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	h.writeData(w, http.StatusOK, QueueStatsView{Jobs: jobs, Tasks: taskStats})
}

func (h *handlers) handleQueueClean(w http.ResponseWriter, r *http.Request) {
	var req CleanRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	grace := h.d.cfg.CleanGrace()
	if req.OlderThanHours != nil {
		if *req.OlderThanHours < 0 {
			h.writeError(w, http.StatusBadRequest, "older_than_hours must not be negative")
			return
		}
		grace = time.Duration(*req.OlderThanHours) * time.Hour
	}
	states := make([]jobqueue.State, 0, len(req.States))
	for _, value := range req.States {
		state, ok := jobqueue.ParseState(value)
		if !ok {
			h.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown job state %q", value))
			return
		}
		states = append(states, state)
	}
	removed, err := h.d.queue.Clean(r.Context(), grace, states...)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	h.writeMessage(w, http.StatusOK, "removed "+strconv.FormatInt(removed, 10)+" finished job(s)",
		map[string]int64{"removed": removed})
}

func (h *handlers) lookupTask(w http.ResponseWriter, r *http.Request) (*tasks.Task, bool) {
	task, err := h.d.store.FindByID(r.Context(), tasks.TaskID(mux.Vars(r)["id"]))
	if err != nil {
		h.writeFailure(w, r, err)
		return nil, false
	}
	if task == nil {
		h.writeError(w, http.StatusNotFound, "task not found")
		return nil, false
	}
	return task, true
}
