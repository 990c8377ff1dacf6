package tasks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"transcoder/internal/variant"
)

const taskColumns = "id, video_id, format, profile, state, progress, output_file_path, error_message, error_detail, queued_at, processing_at, completed_at, failed_at, created_at, updated_at"

const insertTaskSQL = `INSERT INTO tasks (` + taskColumns + `)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    ON CONFLICT(video_id, format, profile) DO NOTHING`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertArgs(task *Task) []any {
	return []any{
		string(task.ID),
		string(task.VideoID),
		string(task.Format),
		string(task.Profile),
		string(task.State),
		task.Progress,
		nullableString(task.OutputFilePath),
		nullableString(task.ErrorMessage),
		nullableString(task.ErrorDetail),
		nullableTime(task.QueuedAt),
		nullableTime(task.ProcessingAt),
		nullableTime(task.CompletedAt),
		nullableTime(task.FailedAt),
		formatTime(task.CreatedAt),
		formatTime(task.UpdatedAt),
	}
}

func prepareForInsert(task *Task) error {
	if task == nil {
		return errors.New("task is nil")
	}
	if task.ID == "" {
		task.ID = NewTaskID()
	}
	if task.State == "" {
		task.State = StateQueued
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = task.CreatedAt
	}
	if task.Progress < 0 || task.Progress > 100 {
		return fmt.Errorf("task %s: progress %d out of range", task.ID, task.Progress)
	}
	return nil
}

// insertOne reports whether the row was written; false means the variant
// already exists for the video.
func insertOne(ctx context.Context, ex execer, task *Task) (bool, error) {
	res, err := ex.ExecContext(ctx, insertTaskSQL, insertArgs(task)...)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func findByVariant(ctx context.Context, ex execer, videoID VideoID, format variant.Format, profile variant.Profile) (*Task, error) {
	row := ex.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE video_id = ? AND format = ? AND profile = ?`,
		string(videoID), string(format), string(profile),
	)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return task, err
}

// Insert stores a single task.
func (s *SQLiteStore) Insert(ctx context.Context, task *Task) (*Task, error) {
	if err := prepareForInsert(task); err != nil {
		return nil, err
	}
	var inserted bool
	err := retryOnBusy(ctx, func() error {
		var execErr error
		inserted, execErr = insertOne(ctx, s.db, task)
		return execErr
	})
	if err != nil {
		return nil, unavailable("insert task", err)
	}
	if !inserted {
		return nil, fmt.Errorf("%w: video %s already has %s", ErrDuplicateVariant, task.VideoID, task.Key())
	}
	return task, nil
}

// InsertMany stores the batch in one transaction. Rows that collide with an
// existing variant are skipped and reported; the rest commit together.
func (s *SQLiteStore) InsertMany(ctx context.Context, batch []*Task) (InsertResult, error) {
	for _, task := range batch {
		if err := prepareForInsert(task); err != nil {
			return InsertResult{}, err
		}
	}
	var result InsertResult
	err := retryOnBusy(ctx, func() error {
		result = InsertResult{}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		for _, task := range batch {
			inserted, err := insertOne(ctx, tx, task)
			if err != nil {
				return err
			}
			if inserted {
				result.Inserted = append(result.Inserted, task)
				continue
			}
			existing, err := findByVariant(ctx, tx, task.VideoID, task.Format, task.Profile)
			if err != nil {
				return err
			}
			if existing == nil {
				existing = task
			}
			result.Duplicates = append(result.Duplicates, existing)
		}
		return tx.Commit()
	})
	if err != nil {
		return InsertResult{}, unavailable("insert tasks", err)
	}
	return result, nil
}

// FindByID fetches a task by identifier.
func (s *SQLiteStore) FindByID(ctx context.Context, id TaskID) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, string(id))
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get task", err)
	}
	return task, nil
}

// Find returns tasks matching filter ordered by creation.
func (s *SQLiteStore) Find(ctx context.Context, filter Filter) ([]*Task, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.VideoID != "" {
		clauses = append(clauses, "video_id = ?")
		args = append(args, string(filter.VideoID))
	}
	if len(filter.States) > 0 {
		clauses = append(clauses, "state IN ("+makePlaceholders(len(filter.States))+")")
		for _, state := range filter.States {
			args = append(args, string(state))
		}
	}
	if filter.Format != "" {
		clauses = append(clauses, "format = ?")
		args = append(args, string(filter.Format))
	}
	if filter.Profile != "" {
		clauses = append(clauses, "profile = ?")
		args = append(args, string(filter.Profile))
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY created_at, rowid`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("find tasks", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, unavailable("scan task", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate tasks", err)
	}
	return tasks, nil
}

// UpdateByID applies patch in a single UPDATE ... RETURNING statement.
func (s *SQLiteStore) UpdateByID(ctx context.Context, id TaskID, patch Patch) (*Task, error) {
	if patch.Progress != nil && (*patch.Progress < 0 || *patch.Progress > 100) {
		return nil, fmt.Errorf("task %s: progress %d out of range", id, *patch.Progress)
	}
	now := time.Now().UTC()
	sets := []string{"updated_at = ?"}
	args := []any{formatTime(now)}

	setString := func(column string, value *string) {
		if value == nil {
			return
		}
		sets = append(sets, column+" = ?")
		args = append(args, nullableString(*value))
	}
	if patch.State != nil {
		sets = append(sets, "state = ?")
		args = append(args, string(*patch.State))
	}
	if patch.Progress != nil {
		sets = append(sets, "progress = ?")
		args = append(args, *patch.Progress)
	}
	setString("output_file_path", patch.OutputFilePath)
	setString("error_message", patch.ErrorMessage)
	setString("error_detail", patch.ErrorDetail)
	if patch.ProcessingAt != nil {
		sets = append(sets, "processing_at = ?")
		args = append(args, nullableTime(patch.ProcessingAt))
	}
	for column, value := range map[string]*time.Time{
		"queued_at":    patch.QueuedAt,
		"completed_at": patch.CompletedAt,
		"failed_at":    patch.FailedAt,
	} {
		if value == nil {
			continue
		}
		sets = append(sets, column+" = COALESCE("+column+", ?)")
		args = append(args, nullableTime(value))
	}

	query := `UPDATE tasks SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	args = append(args, string(id))
	if len(patch.RequireStates) > 0 {
		query += ` AND state IN (` + makePlaceholders(len(patch.RequireStates)) + `)`
		for _, state := range patch.RequireStates {
			args = append(args, string(state))
		}
	}
	query += ` RETURNING ` + taskColumns

	var task *Task
	err := retryOnBusy(ctx, func() error {
		var scanErr error
		task, scanErr = scanTask(s.db.QueryRowContext(ctx, query, args...))
		return scanErr
	})
	if err == nil {
		return task, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, unavailable("update task", err)
	}

	current, err := s.FindByID(ctx, id)
	if err != nil || current == nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: task %s is %s", ErrStateConflict, id, current.State)
}

// DeleteByID removes a task record.
func (s *SQLiteStore) DeleteByID(ctx context.Context, id TaskID) (bool, error) {
	res, err := s.execWithRetry(ctx, `DELETE FROM tasks WHERE id = ?`, string(id))
	if err != nil {
		return false, unavailable("delete task", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("rows affected", err)
	}
	return affected > 0, nil
}

// Stats counts tasks per state.
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(1) FROM tasks GROUP BY state`)
	if err != nil {
		return Stats{}, unavailable("task stats", err)
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var (
			state string
			count int
		)
		if err := rows.Scan(&state, &count); err != nil {
			return Stats{}, unavailable("scan task stats", err)
		}
		stats.Total += count
		switch State(state) {
		case StateQueued:
			stats.Queued = count
		case StateProcessing:
			stats.Processing = count
		case StateCompleted:
			stats.Completed = count
		case StateFailed:
			stats.Failed = count
		}
	}
	return stats, rows.Err()
}

func scanTask(scanner interface{ Scan(dest ...any) error }) (*Task, error) {
	var (
		id, videoID, format, profile, state string
		progress                            int
		outputPath, errorMessage, errorDet  sql.NullString
		queuedAt, processingAt              sql.NullString
		completedAt, failedAt               sql.NullString
		createdRaw, updatedRaw              string
	)
	if err := scanner.Scan(
		&id, &videoID, &format, &profile, &state, &progress,
		&outputPath, &errorMessage, &errorDet,
		&queuedAt, &processingAt, &completedAt, &failedAt,
		&createdRaw, &updatedRaw,
	); err != nil {
		return nil, err
	}

	task := &Task{
		ID:             TaskID(id),
		VideoID:        VideoID(videoID),
		Format:         variant.Format(format),
		Profile:        variant.Profile(profile),
		State:          State(state),
		Progress:       progress,
		OutputFilePath: outputPath.String,
		ErrorMessage:   errorMessage.String,
		ErrorDetail:    errorDet.String,
		QueuedAt:       parseNullableTime(queuedAt),
		ProcessingAt:   parseNullableTime(processingAt),
		CompletedAt:    parseNullableTime(completedAt),
		FailedAt:       parseNullableTime(failedAt),
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		task.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		task.UpdatedAt = updated
	}
	return task, nil
}
