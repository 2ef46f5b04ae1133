// Package jobs is the asynchronous task queue behind the federation
// gateway. Jobs live in the database, so a restart loses nothing, and are
// run by a Worker polling for due jobs.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/fedgate/domain"
	"github.com/google/uuid"
)

// Store persists jobs.
type Store interface {
	EnqueueJob(ctx context.Context, job *domain.Job) (bool, error)
	ReadDueJobs(ctx context.Context, now time.Time, limit int) ([]domain.Job, error)
	UpdateJobAttempt(ctx context.Context, id uuid.UUID, attempts int, nextRun time.Time) error
	DeleteJob(ctx context.Context, id uuid.UUID) error
}

// Queue accepts new jobs.
type Queue struct {
	store Store
}

func NewQueue(store Store) *Queue {
	return &Queue{store: store}
}

// Enqueue stores a job of the given kind with payload encoded as JSON. A
// non-empty dedupeKey makes the call a no-op, reported as false, while
// another job holding the same key is pending.
func (q *Queue) Enqueue(ctx context.Context, kind domain.JobKind, payload interface{}, dedupeKey string) (bool, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}
	created, err := q.store.EnqueueJob(ctx, &domain.Job{
		Kind:      kind,
		Payload:   string(raw),
		DedupeKey: dedupeKey,
	})
	if err != nil {
		return false, err
	}
	if created {
		jobsEnqueued.WithLabelValues(string(kind)).Inc()
	}
	return created, nil
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a job failure that retrying cannot fix. The worker drops
// such jobs right away.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
