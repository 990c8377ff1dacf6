// Package tasks owns the durable records behind the transcoder: uploaded
// videos and the per-variant conversion tasks that reference them.
//
// Store is the contract the state machine, worker pool and coordinator depend
// on: insert, batch insert with partial success, lookup by ID or filter,
// single-row atomic update, and delete. SQLiteStore implements it on
// modernc.org/sqlite with WAL journaling, busy retries and an embedded,
// versioned schema.
//
// The store enforces variant uniqueness per video. It does not enforce the
// video-to-task relationship; the coordinator deletes tasks before their video.
package tasks
