package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/deemkeen/fedgate/domain"
	"github.com/google/uuid"
)

// Job queue queries
const (
	sqlInsertJob = `INSERT OR IGNORE INTO jobs(id, kind, payload, dedupe_key, attempts, next_run_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	sqlSelectDueJobs = `SELECT id, kind, payload, dedupe_key, attempts, next_run_at, created_at FROM jobs
		WHERE next_run_at <= ? ORDER BY next_run_at ASC, created_at ASC LIMIT ?`
	sqlUpdateJobAttempt = `UPDATE jobs SET attempts = ?, next_run_at = ? WHERE id = ?`
	sqlDeleteJob        = `DELETE FROM jobs WHERE id = ?`
	sqlCountJobs        = `SELECT COUNT(*) FROM jobs WHERE kind = ?`
)

// EnqueueJob stores a job. When the job carries a dedupe key that another
// pending job already holds, nothing is stored and false is returned.
func (db *DB) EnqueueJob(ctx context.Context, job *domain.Job) (bool, error) {
	if job.Id == uuid.Nil {
		job.Id = uuid.New()
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.NextRunAt.IsZero() {
		job.NextRunAt = now
	}
	dedupe := sql.NullString{String: job.DedupeKey, Valid: job.DedupeKey != ""}

	var created bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlInsertJob, job.Id.String(), string(job.Kind), job.Payload, dedupe,
			job.Attempts, job.NextRunAt.UTC(), job.CreatedAt)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		created = n > 0
		return nil
	})
	return created, err
}

// ReadDueJobs returns up to limit jobs whose next run time has passed.
func (db *DB) ReadDueJobs(ctx context.Context, now time.Time, limit int) ([]domain.Job, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectDueJobs, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		var (
			job    domain.Job
			idStr  string
			kind   string
			dedupe sql.NullString
		)
		if err := rows.Scan(&idStr, &kind, &job.Payload, &dedupe, &job.Attempts, &job.NextRunAt, &job.CreatedAt); err != nil {
			return nil, err
		}
		if job.Id, err = uuid.Parse(idStr); err != nil {
			return nil, err
		}
		job.Kind = domain.JobKind(kind)
		job.DedupeKey = dedupe.String
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (db *DB) UpdateJobAttempt(ctx context.Context, id uuid.UUID, attempts int, nextRun time.Time) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpdateJobAttempt, attempts, nextRun.UTC(), id.String())
		return err
	})
}

// DeleteJob removes a finished or abandoned job, releasing its dedupe key.
func (db *DB) DeleteJob(ctx context.Context, id uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlDeleteJob, id.String())
		return err
	})
}

func (db *DB) CountJobs(ctx context.Context, kind domain.JobKind) (int, error) {
	var count int
	err := db.db.QueryRowContext(ctx, sqlCountJobs, string(kind)).Scan(&count)
	return count, err
}
