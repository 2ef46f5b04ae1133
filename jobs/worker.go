package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/fedgate/domain"
)

// MaxAttempts is how often a job runs before it is given up.
const MaxAttempts = 10

const batchSize = 50

// backoff is the delay before the next attempt, indexed by attempts made.
var backoff = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	60 * time.Minute,
	240 * time.Minute,
	1440 * time.Minute,
}

// Backoff returns the delay after the given number of failed attempts.
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return backoff[min(attempts-1, len(backoff)-1)]
}

// Handler runs one job. Returning an error schedules a retry unless the
// error is Permanent.
type Handler func(ctx context.Context, payload []byte) error

// Worker polls the store for due jobs and dispatches them by kind.
type Worker struct {
	store    Store
	handlers map[domain.JobKind]Handler
	interval time.Duration
	now      func() time.Time
}

// NewWorker builds a worker over a fixed handler table.
func NewWorker(store Store, handlers map[domain.JobKind]Handler, interval time.Duration) *Worker {
	return &Worker{
		store:    store,
		handlers: handlers,
		interval: interval,
		now:      time.Now,
	}
}

// Start polls until ctx is done.
func (w *Worker) Start(ctx context.Context) {
	log.Info("Starting job worker", "interval", w.interval)

	ticker := time.NewTicker(w.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Info("Job worker stopped")
				return
			case <-ticker.C:
				if _, err := w.RunOnce(ctx); err != nil {
					log.Errorf("Worker: Failed to read queue: %v", err)
				}
			}
		}
	}()
}

// RunOnce processes one batch of due jobs and reports how many ran.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	due, err := w.store.ReadDueJobs(ctx, w.now(), batchSize)
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}
	log.Debugf("Worker: Processing %d due jobs", len(due))

	for i := range due {
		if ctx.Err() != nil {
			return i, ctx.Err()
		}
		w.run(ctx, &due[i])
	}
	return len(due), nil
}

func (w *Worker) run(ctx context.Context, job *domain.Job) {
	err := w.dispatch(ctx, job)
	if err == nil {
		jobsRun.WithLabelValues(string(job.Kind), "ok").Inc()
		if err := w.store.DeleteJob(ctx, job.Id); err != nil {
			log.Errorf("Worker: Failed to delete job %s: %v", job.Id, err)
		}
		return
	}

	job.Attempts++
	if IsPermanent(err) || job.Attempts >= MaxAttempts {
		jobsRun.WithLabelValues(string(job.Kind), "dropped").Inc()
		log.Warnf("Worker: Giving up on %s job %s after %d attempts: %v", job.Kind, job.Id, job.Attempts, err)
		if err := w.store.DeleteJob(ctx, job.Id); err != nil {
			log.Errorf("Worker: Failed to delete job %s: %v", job.Id, err)
		}
		return
	}

	delay := Backoff(job.Attempts)
	jobsRun.WithLabelValues(string(job.Kind), "retry").Inc()
	log.Warnf("Worker: %s job %s failed (attempt %d), retry in %s: %v", job.Kind, job.Id, job.Attempts, delay, err)
	if err := w.store.UpdateJobAttempt(ctx, job.Id, job.Attempts, w.now().Add(delay)); err != nil {
		log.Errorf("Worker: Failed to reschedule job %s: %v", job.Id, err)
	}
}

func (w *Worker) dispatch(ctx context.Context, job *domain.Job) (err error) {
	handler, ok := w.handlers[job.Kind]
	if !ok {
		return Permanent(fmt.Errorf("no handler for job kind %q", job.Kind))
	}
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("job panicked: %v", r))
		}
	}()
	return handler(ctx, []byte(job.Payload))
}
