package tasks

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"transcoder/internal/variant"
)

// TaskID identifies a task in the store and its job in the queue. It is
// minted once when the task is constructed.
type TaskID string

// VideoID identifies an uploaded source video.
type VideoID string

// NewTaskID mints a fresh task identity.
func NewTaskID() TaskID { return TaskID(uuid.NewString()) }

// NewVideoID mints a fresh video identity.
func NewVideoID() VideoID { return VideoID(uuid.NewString()) }

func (id TaskID) String() string  { return string(id) }
func (id VideoID) String() string { return string(id) }

// State is a task lifecycle state.
type State string

const (
	StateQueued     State = "QUEUED"
	StateProcessing State = "PROCESSING"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
)

var allStates = []State{StateQueued, StateProcessing, StateCompleted, StateFailed}

// AllStates returns every task state in lifecycle order.
func AllStates() []State {
	return append([]State(nil), allStates...)
}

// ParseState converts user input into a State.
func ParseState(value string) (State, bool) {
	candidate := State(strings.ToUpper(strings.TrimSpace(value)))
	for _, state := range allStates {
		if state == candidate {
			return state, true
		}
	}
	return "", false
}

// Active reports whether the state still expects worker activity.
func (s State) Active() bool {
	return s == StateQueued || s == StateProcessing
}

// Video is one uploaded source file. It is immutable after creation.
type Video struct {
	ID           VideoID   `json:"id"`
	OriginalName string    `json:"original_name"`
	StoragePath  string    `json:"storage_path"`
	SizeBytes    int64     `json:"size_bytes"`
	MIMEType     string    `json:"mime_type"`
	Duration     *float64  `json:"duration_seconds,omitempty"`
	UploadedAt   time.Time `json:"uploaded_at"`
}

// Task is one requested (format, profile) conversion of a Video.
type Task struct {
	ID             TaskID          `json:"id"`
	VideoID        VideoID         `json:"video_id"`
	Format         variant.Format  `json:"format"`
	Profile        variant.Profile `json:"profile"`
	State          State           `json:"state"`
	Progress       int             `json:"progress"`
	OutputFilePath string          `json:"output_file_path,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	ErrorDetail    string          `json:"error_detail,omitempty"`
	QueuedAt       *time.Time      `json:"queued_at,omitempty"`
	ProcessingAt   *time.Time      `json:"processing_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	FailedAt       *time.Time      `json:"failed_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// NewTask constructs a QUEUED task for a validated variant.
func NewTask(videoID VideoID, key variant.Key, now time.Time) *Task {
	now = now.UTC()
	return &Task{
		ID:        NewTaskID(),
		VideoID:   videoID,
		Format:    key.Format,
		Profile:   key.Profile,
		State:     StateQueued,
		QueuedAt:  &now,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Key returns the task's variant pair.
func (t *Task) Key() variant.Key {
	return variant.Key{Format: t.Format, Profile: t.Profile}
}

// Label renders the task's variant for humans.
func (t *Task) Label() string {
	return variant.Label(t.Format, t.Profile)
}

// Patch describes a partial task update. Nil fields are left untouched. A
// pointer to an empty string clears the column. QueuedAt, CompletedAt and
// FailedAt are write-once: the store keeps an existing value.
type Patch struct {
	State          *State
	Progress       *int
	OutputFilePath *string
	ErrorMessage   *string
	ErrorDetail    *string
	QueuedAt       *time.Time
	ProcessingAt   *time.Time
	CompletedAt    *time.Time
	FailedAt       *time.Time

	// RequireStates, when non-empty, makes the update conditional on the
	// task currently being in one of these states.
	RequireStates []State
}

// Empty reports whether the patch would change nothing.
func (p Patch) Empty() bool {
	return p.State == nil && p.Progress == nil && p.OutputFilePath == nil &&
		p.ErrorMessage == nil && p.ErrorDetail == nil && p.QueuedAt == nil &&
		p.ProcessingAt == nil && p.CompletedAt == nil && p.FailedAt == nil
}

// Filter narrows Find results. Zero values match everything.
type Filter struct {
	VideoID VideoID
	States  []State
	Format  variant.Format
	Profile variant.Profile
	Limit   int
}

// InsertResult reports the outcome of a batch insert. Duplicates holds the
// already-stored task for every requested pair that collided.
type InsertResult struct {
	Inserted   []*Task
	Duplicates []*Task
}

// Stats counts tasks per state.
type Stats struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}

// DatabaseHealth captures diagnostic information about the task database.
type DatabaseHealth struct {
	DBPath           string `json:"db_path"`
	DatabaseExists   bool   `json:"database_exists"`
	DatabaseReadable bool   `json:"database_readable"`
	SchemaVersion    int    `json:"schema_version"`
	IntegrityCheck   bool   `json:"integrity_check"`
	TotalTasks       int    `json:"total_tasks"`
	TotalVideos      int    `json:"total_videos"`
	Error            string `json:"error,omitempty"`
}

// Ptr is a small helper for building patches.
func Ptr[T any](v T) *T { return &v }
