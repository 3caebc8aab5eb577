// Package sqlqueue is a database/sql jobqueue.Queue. It follows the outbox
// pattern: workers claim due rows inside a transaction, skipping rows another
// worker holds, and flip them to processing before running them.
package sqlqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/terraskye/eventhub/internal/sqlutil"
	"github.com/terraskye/eventhub/jobqueue"
)

const columns = `id, handler_name, record, status, priority, attempts, max_attempts,
    next_attempt_at, claimed_at, last_error, created_at, updated_at`

// Option configures a Queue.
type Option func(*Queue)

// WithTable sets the jobs table name (default "event_jobs").
func WithTable(name string) Option {
	return func(q *Queue) { q.table = name }
}

// WithBackoff sets the delay between attempts.
func WithBackoff(b jobqueue.Backoff) Option {
	return func(q *Queue) { q.backoff = b }
}

// WithLogger sets the logger.
func WithLogger(l *logrus.Entry) Option {
	return func(q *Queue) { q.log = l }
}

// WithClock replaces time.Now. Every timestamp the queue compares is computed
// in Go, never by the database.
func WithClock(clock func() time.Time) Option {
	return func(q *Queue) { q.clock = clock }
}

// Queue stores jobs in a single table. The caller owns db.
type Queue struct {
	db      *sql.DB
	dialect sqlutil.Dialect
	table   string
	backoff jobqueue.Backoff
	log     *logrus.Entry
	clock   func() time.Time
}

var _ jobqueue.Queue = (*Queue)(nil)

func New(db *sql.DB, dialect sqlutil.Dialect, opts ...Option) *Queue {
	q := &Queue{
		db:      db,
		dialect: dialect,
		table:   "event_jobs",
		backoff: jobqueue.DefaultBackoff,
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		q.log = logrus.NewEntry(l)
	}
	q.log = q.log.WithField("component", "sqlqueue")
	return q
}

// Migrate creates the jobs table if it does not exist.
func (q *Queue) Migrate(ctx context.Context) error {
	for _, stmt := range Schema(q.dialect, q.table) {
		if _, err := q.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s job queue: %w", q.dialect, err)
		}
	}
	return nil
}

func (q *Queue) sql(query string, args ...any) string {
	return q.dialect.Rebind(fmt.Sprintf(query, args...))
}

func (q *Queue) now() time.Time { return q.clock().UTC() }

func (q *Queue) Enqueue(ctx context.Context, jobs ...jobqueue.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	stmt := q.sql(`INSERT INTO %s (id, handler_name, event_id, event_type, aggregate_id, position, record,
    status, priority, attempts, max_attempts, next_attempt_at, created_at, updated_at)
VALUES (%s)`, q.table, sqlutil.Placeholders(14))

	ts := q.now()
	return sqlutil.InTx(ctx, q.db, nil, func(tx *sql.Tx) error {
		for _, j := range jobs {
			record, err := json.Marshal(j.Record)
			if err != nil {
				return fmt.Errorf("encode job %s: %w", j.ID, err)
			}
			if j.Status == "" {
				j.Status = jobqueue.StatusPending
			}
			if j.MaxAttempts <= 0 {
				j.MaxAttempts = jobqueue.DefaultMaxAttempts
			}
			if j.NextAttemptAt.IsZero() {
				j.NextAttemptAt = ts
			}
			if j.CreatedAt.IsZero() {
				j.CreatedAt = ts
			}
			_, err = tx.ExecContext(ctx, stmt,
				j.ID.String(), j.HandlerName, j.Record.EventID.String(), j.Record.EventType, j.Record.AggregateID,
				j.Record.Position, string(record), string(j.Status), j.Priority, j.Attempts, j.MaxAttempts,
				q.dialect.TimeArg(j.NextAttemptAt), q.dialect.TimeArg(j.CreatedAt), q.dialect.TimeArg(ts),
			)
			if err != nil {
				return fmt.Errorf("enqueue job %s: %w", j.ID, err)
			}
		}
		return nil
	})
}

func (q *Queue) Claim(ctx context.Context, limit int) ([]jobqueue.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	ts := q.now()
	var claimed []jobqueue.Job

	err := sqlutil.InTx(ctx, q.db, nil, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, q.sql(`SELECT id FROM %s
WHERE status = ? AND next_attempt_at <= ?
ORDER BY position, priority DESC
LIMIT ?%s`, q.table, q.dialect.SkipLocked()),
			string(jobqueue.StatusPending), q.dialect.TimeArg(ts), limit)
		if err != nil {
			return fmt.Errorf("select due jobs: %w", err)
		}
		var ids []any
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return fmt.Errorf("scan job id: %w", err)
			}
			ids = append(ids, id)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		in := sqlutil.Placeholders(len(ids))
		args := append([]any{string(jobqueue.StatusProcessing), q.dialect.TimeArg(ts), q.dialect.TimeArg(ts)}, ids...)
		if _, err := tx.ExecContext(ctx, q.sql(`UPDATE %s
SET status = ?, attempts = attempts + 1, claimed_at = ?, updated_at = ?
WHERE id IN (%s)`, q.table, in), args...); err != nil {
			return fmt.Errorf("mark jobs processing: %w", err)
		}

		claimed, err = q.selectJobs(ctx, tx, q.sql(`SELECT %s FROM %s WHERE id IN (%s) ORDER BY position, priority DESC`,
			columns, q.table, in), ids...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (q *Queue) Complete(ctx context.Context, id uuid.UUID) error {
	res, err := q.db.ExecContext(ctx, q.sql(`UPDATE %s
SET status = ?, claimed_at = NULL, last_error = NULL, updated_at = ?
WHERE id = ?`, q.table), string(jobqueue.StatusCompleted), q.dialect.TimeArg(q.now()), id.String())
	if err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("complete %s: %w", id, jobqueue.ErrJobNotFound)
	}
	return nil
}

func (q *Queue) Fail(ctx context.Context, id uuid.UUID, cause error) (jobqueue.Status, error) {
	var status jobqueue.Status
	err := sqlutil.InTx(ctx, q.db, nil, func(tx *sql.Tx) error {
		jobs, err := q.selectJobs(ctx, tx, q.sql(`SELECT %s FROM %s WHERE id = ?%s`,
			columns, q.table, q.dialect.ForUpdate()), id.String())
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			return fmt.Errorf("fail %s: %w", id, jobqueue.ErrJobNotFound)
		}

		next := jobqueue.Transition(jobs[0], cause, q.now(), q.backoff)
		status = next.Status
		_, err = tx.ExecContext(ctx, q.sql(`UPDATE %s
SET status = ?, next_attempt_at = ?, claimed_at = NULL, last_error = ?, updated_at = ?
WHERE id = ?`, q.table),
			string(next.Status), q.dialect.TimeArg(next.NextAttemptAt), sqlutil.NullString(next.LastError),
			q.dialect.TimeArg(next.UpdatedAt), id.String())
		if err != nil {
			return fmt.Errorf("update failed job %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return status, nil
}

func (q *Queue) RequeueStuck(ctx context.Context, timeout time.Duration) (int64, error) {
	ts := q.now()
	cutoff := q.dialect.TimeArg(ts.Add(-timeout))
	var n int64
	err := sqlutil.InTx(ctx, q.db, nil, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, q.sql(`UPDATE %s
SET status = ?, claimed_at = NULL, last_error = ?, updated_at = ?
WHERE status = ? AND claimed_at < ? AND attempts >= max_attempts`, q.table),
			string(jobqueue.StatusFailed), jobqueue.ErrClaimExpired.Error(), q.dialect.TimeArg(ts),
			string(jobqueue.StatusProcessing), cutoff)
		if err != nil {
			return fmt.Errorf("fail exhausted stuck jobs: %w", err)
		}
		failed, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("fail exhausted stuck jobs: %w", err)
		}

		res, err = tx.ExecContext(ctx, q.sql(`UPDATE %s
SET status = ?, claimed_at = NULL, next_attempt_at = ?, updated_at = ?
WHERE status = ? AND claimed_at < ?`, q.table),
			string(jobqueue.StatusPending), q.dialect.TimeArg(ts), q.dialect.TimeArg(ts),
			string(jobqueue.StatusProcessing), cutoff)
		if err != nil {
			return fmt.Errorf("requeue stuck jobs: %w", err)
		}
		requeued, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("requeue stuck jobs: %w", err)
		}
		n = failed + requeued
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (q *Queue) Stats(ctx context.Context) (jobqueue.Stats, error) {
	var s jobqueue.Stats
	rows, err := q.db.QueryContext(ctx, q.sql(`SELECT status, COUNT(*) FROM %s GROUP BY status`, q.table))
	if err != nil {
		return s, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return s, fmt.Errorf("scan job stats: %w", err)
		}
		switch jobqueue.Status(status) {
		case jobqueue.StatusPending:
			s.Pending = n
		case jobqueue.StatusProcessing:
			s.Processing = n
		case jobqueue.StatusCompleted:
			s.Completed = n
		case jobqueue.StatusFailed:
			s.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return s, fmt.Errorf("job stats: %w", err)
	}

	var oldest sqlutil.Time
	err = q.db.QueryRowContext(ctx, q.sql(`SELECT MIN(created_at) FROM %s WHERE status = ?`, q.table),
		string(jobqueue.StatusPending)).Scan(&oldest)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return s, fmt.Errorf("oldest pending job: %w", err)
	}
	if oldest.Valid {
		s.OldestPending = oldest.Time
	}
	return s, nil
}

func (q *Queue) Failed(ctx context.Context, limit int) ([]jobqueue.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	return q.selectJobs(ctx, q.db, q.sql(`SELECT %s FROM %s WHERE status = ? ORDER BY created_at, position LIMIT ?`,
		columns, q.table), string(jobqueue.StatusFailed), limit)
}

func (q *Queue) selectJobs(ctx context.Context, db sqlutil.DBTX, query string, args ...any) ([]jobqueue.Job, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select jobs: %w", err)
	}
	defer rows.Close()

	var out []jobqueue.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select jobs: %w", err)
	}
	return out, nil
}

func scanJob(rows *sql.Rows) (jobqueue.Job, error) {
	var (
		j                              jobqueue.Job
		id, status                     string
		record                         []byte
		lastError                      sql.NullString
		next, claimed, created, update sqlutil.Time
	)
	err := rows.Scan(&id, &j.HandlerName, &record, &status, &j.Priority, &j.Attempts, &j.MaxAttempts,
		&next, &claimed, &lastError, &created, &update)
	if err != nil {
		return j, fmt.Errorf("scan job: %w", err)
	}
	if j.ID, err = uuid.Parse(id); err != nil {
		return j, fmt.Errorf("parse job id %q: %w", id, err)
	}
	if err := json.Unmarshal(record, &j.Record); err != nil {
		return j, fmt.Errorf("decode record of job %s: %w", id, err)
	}
	j.Status = jobqueue.Status(status)
	j.LastError = lastError.String
	j.NextAttemptAt = next.Time
	j.ClaimedAt = claimed.Time
	j.CreatedAt = created.Time
	j.UpdatedAt = update.Time
	return j, nil
}
