package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/fedgate/domain"
	"github.com/google/uuid"
)

// Activity is the envelope every inbound activity shares.
type Activity struct {
	Context interface{}     `json:"@context,omitempty"`
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Actor   string          `json:"actor"`
	Object  json.RawMessage `json:"object"`
}

// ProcessPayload is the payload of a process_activity job. TargetId is the
// addressed local actor for personal inbox deliveries.
type ProcessPayload struct {
	SignerId uuid.UUID       `json:"signer_id"`
	TargetId *uuid.UUID      `json:"target_id,omitempty"`
	Activity json.RawMessage `json:"activity"`
}

// Verifier authenticates a request and returns its signer.
type Verifier interface {
	Verify(ctx context.Context, r *http.Request, body []byte) (*domain.Actor, error)
}

// Intake is the synchronous half of inbox delivery: it bounds the payload,
// authenticates the sender, applies the target's lifecycle gate and hands
// the activity to the task queue. Nothing is queued unless the signature
// verified.
type Intake struct {
	verifier   Verifier
	reconciler *Reconciler
	queue      Enqueuer
	maxBytes   int64
}

func NewIntake(verifier Verifier, reconciler *Reconciler, queue Enqueuer, maxBytes int64) *Intake {
	return &Intake{verifier: verifier, reconciler: reconciler, queue: queue, maxBytes: maxBytes}
}

// Accept processes one inbox POST. target is the addressed local actor, nil
// for the shared inbox. A nil error means 202 Accepted, whether or not the
// activity was kept.
func (in *Intake) Accept(ctx context.Context, r *http.Request, target *domain.Actor) error {
	if r.ContentLength > in.maxBytes {
		inboxRequests.WithLabelValues("too_large").Inc()
		return ErrPayloadTooLarge
	}
	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, in.maxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			inboxRequests.WithLabelValues("too_large").Inc()
			return ErrPayloadTooLarge
		}
		return fmt.Errorf("%w: failed to read body: %v", ErrMalformedActivity, err)
	}

	signer, err := in.verifier.Verify(ctx, r, body)
	if err != nil {
		inboxRequests.WithLabelValues("unauthorized").Inc()
		log.Warnf("Inbox: Rejected delivery: %v", err)
		return err
	}

	if target != nil {
		discard, err := InboxGate(target)
		if err != nil {
			inboxRequests.WithLabelValues("gone").Inc()
			return err
		}
		if discard {
			inboxRequests.WithLabelValues("discarded").Inc()
			log.Debugf("Inbox: Discarding delivery to suspended %s", target.Username)
			return nil
		}
	}

	var activity Activity
	if err := json.Unmarshal(body, &activity); err != nil {
		inboxRequests.WithLabelValues("malformed").Inc()
		return fmt.Errorf("%w: %v", ErrMalformedActivity, err)
	}
	if activity.ID == "" || activity.Type == "" || activity.Actor == "" {
		inboxRequests.WithLabelValues("malformed").Inc()
		return fmt.Errorf("%w: id, type and actor are required", ErrMalformedActivity)
	}
	if activity.Actor != signer.URI {
		inboxRequests.WithLabelValues("unauthorized").Inc()
		return fmt.Errorf("%w: activity actor %s is not the signer %s", ErrSignatureInvalid, activity.Actor, signer.URI)
	}

	if signer.State != domain.StateActive {
		inboxRequests.WithLabelValues("discarded").Inc()
		log.Debugf("Inbox: Discarding %s from suspended %s", activity.Type, signer.Acct())
		return nil
	}

	if h := r.Header.Get(SyncHeader); h != "" && in.reconciler != nil {
		in.checkSync(ctx, signer, h)
	}

	payload := ProcessPayload{SignerId: signer.Id, Activity: body}
	if target != nil {
		payload.TargetId = &target.Id
	}
	if _, err := in.queue.Enqueue(ctx, domain.JobProcessActivity, payload, "activity:"+activity.ID); err != nil {
		return fmt.Errorf("failed to queue activity: %w", err)
	}

	inboxRequests.WithLabelValues("accepted").Inc()
	log.Infof("Inbox: Accepted %s from %s", activity.Type, signer.Acct())
	return nil
}

func (in *Intake) checkSync(ctx context.Context, signer *domain.Actor, header string) {
	assertion, err := ParseSyncHeader(header)
	if err != nil {
		log.Debugf("Inbox: Ignoring malformed %s header from %s: %v", SyncHeader, signer.Acct(), err)
		return
	}
	if err := in.reconciler.Check(ctx, signer, assertion); err != nil && !errors.Is(err, ErrSynchronizationIgnored) {
		log.Warnf("Inbox: Follower synchronization check failed for %s: %v", signer.Acct(), err)
	}
}
