package tasks

import (
	"context"
	"errors"

	"transcoder/internal/services"
)

// ErrStateConflict is returned by UpdateByID when Patch.RequireStates does not
// match the stored state.
var ErrStateConflict = errors.New("task state conflict")

// ErrDuplicateVariant is returned by Insert when the video already has a task
// for the same format and profile.
var ErrDuplicateVariant = services.ErrDuplicateVariant

// Store is the durable task contract.
type Store interface {
	// Insert stores a single task or returns ErrDuplicateVariant.
	Insert(ctx context.Context, task *Task) (*Task, error)
	// InsertMany stores every non-colliding task; duplicates never abort the batch.
	InsertMany(ctx context.Context, batch []*Task) (InsertResult, error)
	// FindByID returns nil, nil when the task does not exist.
	FindByID(ctx context.Context, id TaskID) (*Task, error)
	Find(ctx context.Context, filter Filter) ([]*Task, error)
	// UpdateByID applies patch atomically. It returns nil, nil when the task
	// does not exist.
	UpdateByID(ctx context.Context, id TaskID, patch Patch) (*Task, error)
	DeleteByID(ctx context.Context, id TaskID) (bool, error)
}

// VideoStore is the durable video contract.
type VideoStore interface {
	InsertVideo(ctx context.Context, video *Video) error
	// GetVideo returns nil, nil when the video does not exist.
	GetVideo(ctx context.Context, id VideoID) (*Video, error)
	ListVideos(ctx context.Context) ([]*Video, error)
	DeleteVideo(ctx context.Context, id VideoID) (bool, error)
}

// Repository is the full persistence surface used by the daemon.
type Repository interface {
	Store
	VideoStore
	Stats(ctx context.Context) (Stats, error)
	CheckHealth(ctx context.Context) (DatabaseHealth, error)
	Close() error
}
