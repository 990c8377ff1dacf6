package testsupport

import (
	"context"
	"path/filepath"
	"testing"

	"transcoder/internal/config"
	"transcoder/internal/jobqueue"
	"transcoder/internal/tasks"
)

// MustOpenStore opens the task store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *tasks.SQLiteStore {
	t.Helper()

	store, err := tasks.Open(cfg.TasksDBPath())
	if err != nil {
		t.Fatalf("tasks.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// MustOpenQueue opens the configured job queue backend and registers cleanup.
func MustOpenQueue(t testing.TB, cfg *config.Config) jobqueue.Queue {
	t.Helper()

	q, err := jobqueue.Open(cfg)
	if err != nil {
		t.Fatalf("jobqueue.Open: %v", err)
	}
	t.Cleanup(func() {
		q.Close()
	})
	return q
}

// NewVideo writes a small source file into the upload directory and records
// it in store.
func NewVideo(t testing.TB, store tasks.VideoStore, cfg *config.Config, name string) *tasks.Video {
	t.Helper()

	id := tasks.NewVideoID()
	path := filepath.Join(cfg.Paths.UploadDir, string(id)+filepath.Ext(name))
	WriteFile(t, path, 1024)

	video := &tasks.Video{
		ID:           id,
		OriginalName: name,
		StoragePath:  path,
		SizeBytes:    1024,
		MIMEType:     "video/mp4",
	}
	if err := store.InsertVideo(context.Background(), video); err != nil {
		t.Fatalf("store.InsertVideo: %v", err)
	}
	return video
}
