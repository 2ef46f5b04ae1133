package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/fedgate/db"
	"github.com/deemkeen/fedgate/domain"
	"github.com/deemkeen/fedgate/jobs"
	"github.com/google/uuid"
)

// DeliveryPayload is the payload of a deliver_activity job.
type DeliveryPayload struct {
	FromId   uuid.UUID       `json:"from_id"`
	Inbox    string          `json:"inbox"`
	Activity json.RawMessage `json:"activity"`
}

// Poster sends a signed POST.
type Poster interface {
	Post(ctx context.Context, from *domain.Actor, inbox string, body []byte, extra http.Header) error
}

// ActorReader loads actors by id.
type ActorReader interface {
	ReadActorById(ctx context.Context, id uuid.UUID) (*domain.Actor, error)
}

// Deliverer queues outbound activities and performs the queued deliveries.
// Every delivery carries a Collection-Synchronization header describing the
// sender's followers on the receiving domain.
type Deliverer struct {
	queue   Enqueuer
	store   ActorReader
	poster  Poster
	digests *FollowerDigests
}

func NewDeliverer(queue Enqueuer, store ActorReader, poster Poster, digests *FollowerDigests) *Deliverer {
	return &Deliverer{queue: queue, store: store, poster: poster, digests: digests}
}

// Deliver queues activity from a local actor to inbox.
func (d *Deliverer) Deliver(ctx context.Context, from *domain.Actor, inbox string, activity map[string]interface{}) error {
	if inbox == "" {
		return fmt.Errorf("no inbox to deliver %v to", activity["type"])
	}
	body, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("failed to marshal activity: %w", err)
	}
	_, err = d.queue.Enqueue(ctx, domain.JobDeliverActivity, DeliveryPayload{
		FromId:   from.Id,
		Inbox:    inbox,
		Activity: body,
	}, "")
	if err != nil {
		return fmt.Errorf("failed to queue delivery to %s: %w", inbox, err)
	}
	log.Debugf("Outbox: Queued %v to %s", activity["type"], inbox)
	return nil
}

// Run executes one deliver_activity job.
func (d *Deliverer) Run(ctx context.Context, raw []byte) error {
	var p DeliveryPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return jobs.Permanent(fmt.Errorf("bad delivery payload: %w", err))
	}

	from, err := d.store.ReadActorById(ctx, p.FromId)
	if errors.Is(err, db.ErrNotFound) {
		return jobs.Permanent(err)
	}
	if err != nil {
		return err
	}
	if !from.IsLocal() || Gate(from) != nil {
		log.Warnf("Outbox: Dropping delivery from %s in state %s", from.Acct(), from.State)
		return nil
	}

	header, err := d.syncHeader(ctx, from, p.Inbox)
	if err != nil {
		return err
	}

	if err := d.poster.Post(ctx, from, p.Inbox, p.Activity, header); err != nil {
		if IsRetryable(err) {
			return err
		}
		return jobs.Permanent(err)
	}
	return nil
}

func (d *Deliverer) syncHeader(ctx context.Context, from *domain.Actor, inbox string) (http.Header, error) {
	host, err := extractDomain(inbox)
	if err != nil {
		return nil, jobs.Permanent(err)
	}
	digest, err := d.digests.Get(ctx, from.Id, host)
	if err != nil {
		return nil, err
	}
	a := SyncAssertion{
		CollectionId: from.FollowersURI,
		Digest:       digest,
		URL:          followersSyncURI(from),
	}
	h := http.Header{}
	h.Set(SyncHeader, a.String())
	return h, nil
}
