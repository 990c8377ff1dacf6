package jobqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"transcoder/internal/services"
	"transcoder/internal/sqlitedb"
	"transcoder/internal/tasks"
	"transcoder/internal/variant"
)

const jobColumns = "id, video_id, format, profile, priority, state, attempts_made, max_attempts, progress, last_error, enqueued_at, available_at, lease_token, lease_expires_at, finished_at"

// SQLiteQueue keeps jobs in their own SQLite database.
type SQLiteQueue struct {
	db   *sql.DB
	path string
	opts Options
}

var _ Queue = (*SQLiteQueue)(nil)

// OpenSQLite opens or creates the job database at path.
func OpenSQLite(path string, opts Options) (*SQLiteQueue, error) {
	db, err := sqlitedb.Open(path)
	if err != nil {
		return nil, err
	}
	if err := applyMigrations(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteQueue{db: db, path: path, opts: opts.withDefaults()}, nil
}

// Close closes the database.
func (q *SQLiteQueue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

func (q *SQLiteQueue) now() time.Time { return q.opts.Now().UTC() }

// Enqueue adds job unless one is already outstanding for the task. A finished
// job is reset and moved to the back of its priority class.
func (q *SQLiteQueue) Enqueue(ctx context.Context, job Job) (*Job, EnqueueOutcome, error) {
	if err := validateJob(job); err != nil {
		return nil, "", err
	}
	if job.Priority <= 0 {
		job.Priority = variant.Priority(job.Profile)
	}
	nowMs := q.now().UnixMilli()

	var (
		result  *Job
		outcome EnqueueOutcome
	)
	err := sqlitedb.RetryOnBusy(ctx, func() error {
		tx, err := q.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		existing, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, string(job.ID)))
		switch {
		case errors.Is(err, sql.ErrNoRows):
			outcome = EnqueueAdded
			_, err = tx.ExecContext(ctx, `INSERT INTO jobs (id, video_id, format, profile, priority, seq, state, attempts_made, max_attempts, progress, enqueued_at, available_at)
                VALUES (?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM jobs), ?, 0, ?, 0, ?, ?)`,
				string(job.ID), string(job.VideoID), string(job.Format), string(job.Profile), job.Priority,
				string(StateWaiting), q.opts.MaxAttempts, nowMs, nowMs)
		case err != nil:
			return err
		case existing.State.Outstanding():
			outcome = EnqueueExisting
			result = existing
			return tx.Commit()
		default:
			outcome = EnqueueReplaced
			_, err = tx.ExecContext(ctx, `UPDATE jobs SET video_id = ?, format = ?, profile = ?, priority = ?,
                seq = (SELECT COALESCE(MAX(seq), 0) + 1 FROM jobs), state = ?, attempts_made = 0, max_attempts = ?,
                progress = 0, last_error = NULL, enqueued_at = ?, available_at = ?, lease_token = NULL,
                lease_expires_at = NULL, finished_at = NULL
                WHERE id = ?`,
				string(job.VideoID), string(job.Format), string(job.Profile), job.Priority,
				string(StateWaiting), q.opts.MaxAttempts, nowMs, nowMs, string(job.ID))
		}
		if err != nil {
			return err
		}
		result, err = scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, string(job.ID)))
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, "", storeError("enqueue", err)
	}
	return result, outcome, nil
}

// Dequeue claims the next ready job, polling until one appears.
func (q *SQLiteQueue) Dequeue(ctx context.Context) (*Job, error) {
	return pollClaim(ctx, q.opts.PollInterval, q.claim)
}

func (q *SQLiteQueue) claim(ctx context.Context) (*Job, error) {
	now := q.now()
	token := uuid.NewString()
	var job *Job
	err := sqlitedb.RetryOnBusy(ctx, func() error {
		var scanErr error
		job, scanErr = scanJob(q.db.QueryRowContext(ctx, `UPDATE jobs
            SET state = ?, lease_token = ?, lease_expires_at = ?
            WHERE id = (
                SELECT id FROM jobs
                WHERE state IN (?, ?) AND available_at <= ?
                ORDER BY priority, seq
                LIMIT 1
            )
            RETURNING `+jobColumns,
			string(StateActive), token, now.Add(q.opts.LeaseTimeout).UnixMilli(),
			string(StateWaiting), string(StateDelayed), now.UnixMilli(),
		))
		return scanErr
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError("claim", err)
	}
	return job, nil
}

// leased runs an update guarded by the job's lease and maps zero affected
// rows to ErrLeaseLost.
func (q *SQLiteQueue) leased(ctx context.Context, operation string, job *Job, set string, args ...any) error {
	if err := checkLease(job); err != nil {
		return err
	}
	args = append(args, string(job.ID), job.LeaseToken, string(StateActive))
	res, err := sqlitedb.Exec(ctx, q.db, `UPDATE jobs SET `+set+` WHERE id = ? AND lease_token = ? AND state = ?`, args...)
	if err != nil {
		return storeError(operation, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storeError(operation, err)
	}
	if affected == 0 {
		return ErrLeaseLost
	}
	return nil
}

// ReportProgress records progress and extends the lease.
func (q *SQLiteQueue) ReportProgress(ctx context.Context, job *Job, percent int) error {
	percent = max(0, min(100, percent))
	deadline := q.now().Add(q.opts.LeaseTimeout)
	if err := q.leased(ctx, "progress", job, "progress = ?, lease_expires_at = ?", percent, deadline.UnixMilli()); err != nil {
		return err
	}
	job.Progress = percent
	job.LeaseExpiresAt = deadline
	return nil
}

// Heartbeat extends the lease.
func (q *SQLiteQueue) Heartbeat(ctx context.Context, job *Job) error {
	deadline := q.now().Add(q.opts.LeaseTimeout)
	if err := q.leased(ctx, "heartbeat", job, "lease_expires_at = ?", deadline.UnixMilli()); err != nil {
		return err
	}
	job.LeaseExpiresAt = deadline
	return nil
}

// Ack completes the job and prunes completed history.
func (q *SQLiteQueue) Ack(ctx context.Context, job *Job) error {
	now := q.now()
	if err := q.leased(ctx, "ack", job,
		"state = ?, progress = 100, finished_at = ?, lease_token = NULL, lease_expires_at = NULL",
		string(StateCompleted), now.UnixMilli(),
	); err != nil {
		return err
	}
	job.State = StateCompleted
	job.Progress = 100
	job.FinishedAt = now
	job.LeaseToken = ""

	_, err := sqlitedb.Exec(ctx, q.db, `DELETE FROM jobs WHERE state = ? AND id NOT IN (
            SELECT id FROM jobs WHERE state = ? ORDER BY finished_at DESC, seq DESC LIMIT ?
        )`, string(StateCompleted), string(StateCompleted), q.opts.RetainCompleted)
	if err != nil {
		return storeError("prune completed", err)
	}
	return nil
}

// Fail spends an attempt. The job is delayed for a retry while attempts
// remain and retained as failed otherwise.
func (q *SQLiteQueue) Fail(ctx context.Context, job *Job, cause error) (FailOutcome, error) {
	if err := checkLease(job); err != nil {
		return FailOutcome{}, err
	}
	now := q.now()
	attempts := job.AttemptsMade + 1
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.opts.MaxAttempts
	}
	message := failureMessage(cause)

	var (
		outcome = FailOutcome{AttemptsMade: attempts}
		err     error
	)
	if attempts < maxAttempts {
		outcome.Retrying = true
		outcome.Delay = Backoff(q.opts.BackoffBase, attempts)
		err = q.leased(ctx, "fail", job,
			"state = ?, attempts_made = ?, last_error = ?, available_at = ?, lease_token = NULL, lease_expires_at = NULL",
			string(StateDelayed), attempts, message, now.Add(outcome.Delay).UnixMilli())
	} else {
		err = q.leased(ctx, "fail", job,
			"state = ?, attempts_made = ?, last_error = ?, finished_at = ?, lease_token = NULL, lease_expires_at = NULL",
			string(StateFailed), attempts, message, now.UnixMilli())
	}
	if err != nil {
		return FailOutcome{}, err
	}
	job.AttemptsMade = attempts
	job.LastError = message
	job.LeaseToken = ""
	if outcome.Retrying {
		job.State = StateDelayed
		job.AvailableAt = now.Add(outcome.Delay)
	} else {
		job.State = StateFailed
		job.FinishedAt = now
	}
	return outcome, nil
}

// Remove deletes the job for id in any state.
func (q *SQLiteQueue) Remove(ctx context.Context, id tasks.TaskID) (bool, error) {
	res, err := sqlitedb.Exec(ctx, q.db, `DELETE FROM jobs WHERE id = ?`, string(id))
	if err != nil {
		return false, storeError("remove", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, storeError("remove", err)
	}
	return affected > 0, nil
}

// Get returns the job for id.
func (q *SQLiteQueue) Get(ctx context.Context, id tasks.TaskID) (*Job, error) {
	job, err := scanJob(q.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError("get", err)
	}
	return job, nil
}

// Stats counts jobs per state.
func (q *SQLiteQueue) Stats(ctx context.Context) (Stats, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT state, COUNT(1) FROM jobs GROUP BY state`)
	if err != nil {
		return Stats{}, storeError("stats", err)
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var (
			state string
			count int64
		)
		if err := rows.Scan(&state, &count); err != nil {
			return Stats{}, storeError("stats", err)
		}
		stats.add(State(state), count)
	}
	if err := rows.Err(); err != nil {
		return Stats{}, storeError("stats", err)
	}
	return stats, nil
}

// ReclaimStalled returns active jobs whose lease expired to waiting.
func (q *SQLiteQueue) ReclaimStalled(ctx context.Context, now time.Time) (int64, error) {
	res, err := sqlitedb.Exec(ctx, q.db, `UPDATE jobs
        SET state = ?, available_at = ?, lease_token = NULL, lease_expires_at = NULL
        WHERE state = ? AND lease_expires_at < ?`,
		string(StateWaiting), now.UnixMilli(), string(StateActive), now.UnixMilli())
	if err != nil {
		return 0, storeError("reclaim", err)
	}
	return res.RowsAffected()
}

// Clean drops finished jobs older than the grace period.
func (q *SQLiteQueue) Clean(ctx context.Context, olderThan time.Duration, states ...State) (int64, error) {
	states, err := cleanStates(states)
	if err != nil {
		return 0, err
	}
	args := []any{q.now().Add(-olderThan).UnixMilli()}
	for _, state := range states {
		args = append(args, string(state))
	}
	res, err := sqlitedb.Exec(ctx, q.db,
		`DELETE FROM jobs WHERE finished_at < ? AND state IN (`+sqlitedb.Placeholders(len(states))+`)`, args...)
	if err != nil {
		return 0, storeError("clean", err)
	}
	return res.RowsAffected()
}

func (s *Stats) add(state State, count int64) {
	switch state {
	case StateWaiting:
		s.Waiting += count
	case StateDelayed:
		s.Delayed += count
	case StateActive:
		s.Active += count
	case StateCompleted:
		s.Completed += count
	case StateFailed:
		s.Failed += count
	}
	s.Total += count
}

func storeError(operation string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return services.Wrap(services.ErrStoreUnavailable, "jobqueue", operation, "", err)
}

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		id, videoID, format, profile, state string
		priority, attempts, maxAttempts     int
		progress                            int
		lastError, leaseToken               sql.NullString
		enqueuedAt, availableAt             int64
		leaseExpiresAt, finishedAt          sql.NullInt64
	)
	if err := scanner.Scan(
		&id, &videoID, &format, &profile, &priority, &state, &attempts, &maxAttempts, &progress,
		&lastError, &enqueuedAt, &availableAt, &leaseToken, &leaseExpiresAt, &finishedAt,
	); err != nil {
		return nil, err
	}
	job := &Job{
		ID:           tasks.TaskID(id),
		VideoID:      tasks.VideoID(videoID),
		Format:       variant.Format(format),
		Profile:      variant.Profile(profile),
		Priority:     priority,
		State:        State(state),
		AttemptsMade: attempts,
		MaxAttempts:  maxAttempts,
		Progress:     progress,
		LastError:    lastError.String,
		EnqueuedAt:   fromMillis(enqueuedAt),
		AvailableAt:  fromMillis(availableAt),
		LeaseToken:   leaseToken.String,
	}
	if leaseExpiresAt.Valid {
		job.LeaseExpiresAt = fromMillis(leaseExpiresAt.Int64)
	}
	if finishedAt.Valid {
		job.FinishedAt = fromMillis(finishedAt.Int64)
	}
	if job.ID == "" {
		return nil, fmt.Errorf("job row without id")
	}
	return job, nil
}
