package tasks

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"transcoder/internal/services"
	"transcoder/internal/sqlitedb"
)

// SQLiteStore persists videos and tasks in a single SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

var _ Repository = (*SQLiteStore)(nil)

// Open initializes or connects to the task database at path.
func Open(path string) (*SQLiteStore, error) {
	db, err := sqlitedb.Open(path)
	if err != nil {
		return nil, err
	}
	store := &SQLiteStore{db: db, path: path}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *SQLiteStore) Path() string { return s.path }

func retryOnBusy(ctx context.Context, op func() error) error {
	return sqlitedb.RetryOnBusy(ctx, op)
}

func (s *SQLiteStore) execWithRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return sqlitedb.Exec(ctx, s.db, query, args...)
}

// unavailable tags a database failure so callers can tell a broken store from
// a logical conflict.
func unavailable(operation string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return services.Wrap(services.ErrStoreUnavailable, "tasks", operation, "", err)
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC().Format(time.RFC3339Nano)
}

func formatTime(value time.Time) string {
	return value.UTC().Format(time.RFC3339Nano)
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func parseNullableTime(value sql.NullString) *time.Time {
	if !value.Valid {
		return nil
	}
	t, err := parseTimeString(value.String)
	if err != nil {
		return nil
	}
	return &t
}

func makePlaceholders(count int) string {
	return sqlitedb.Placeholders(count)
}
