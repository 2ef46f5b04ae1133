package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/fedgate/cache"
	"github.com/deemkeen/fedgate/db"
	"github.com/deemkeen/fedgate/domain"
	"github.com/deemkeen/fedgate/jobs"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

// SyncHeader carries a follower digest assertion on deliveries.
const SyncHeader = "Collection-Synchronization"

// maxSyncPages bounds how many pages of a partial followers collection are
// read during one synchronization.
const maxSyncPages = 20

// SyncAssertion is a parsed Collection-Synchronization header: the sender
// claims that the followers of CollectionId that live on our domain hash to
// Digest, and lists them at URL.
type SyncAssertion struct {
	CollectionId string
	Digest       string
	URL          string
}

// ParseSyncHeader parses a header of the form
//
//	collectionId="https://a.example/users/bob/followers", url="...", digest="..."
//
// Parameter names are case-insensitive and may come in any order.
func ParseSyncHeader(v string) (*SyncAssertion, error) {
	params, err := parseStructuredParams(v)
	if err != nil {
		return nil, err
	}
	a := &SyncAssertion{
		CollectionId: params["collectionid"],
		Digest:       strings.ToLower(params["digest"]),
		URL:          params["url"],
	}
	if a.CollectionId == "" || a.Digest == "" || a.URL == "" {
		return nil, fmt.Errorf("collectionId, digest and url are required")
	}
	return a, nil
}

func (a *SyncAssertion) String() string {
	return fmt.Sprintf(`collectionId="%s", digest="%s", url="%s"`, a.CollectionId, a.Digest, a.URL)
}

// Enqueuer hands work to the asynchronous task queue. It reports false when
// a pending job with the same dedupe key already exists.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind domain.JobKind, payload interface{}, dedupeKey string) (bool, error)
}

// SyncPayload is the payload of a synchronize_followers job.
type SyncPayload struct {
	AccountId uuid.UUID `json:"account_id"`
	URL       string    `json:"url"`
}

func syncDedupeKey(account uuid.UUID, domainName string) string {
	return fmt.Sprintf("sync:%s:%s", account, domainName)
}

// Reconciler compares digests asserted by remote servers with our own view
// and schedules a resynchronization when they disagree.
type Reconciler struct {
	digests  *FollowerDigests
	queue    Enqueuer
	inflight *cache.Map[string, struct{}]
}

func NewReconciler(digests *FollowerDigests, queue Enqueuer) *Reconciler {
	return &Reconciler{
		digests:  digests,
		queue:    queue,
		inflight: cache.NewMap[string, struct{}](),
	}
}

// Check handles an assertion made by signer about its own followers on our
// domain. Assertions about someone else's collection or pointing at another
// domain return ErrSynchronizationIgnored. A mismatch schedules at most one
// synchronization per (signer, domain) until that job has run.
func (r *Reconciler) Check(ctx context.Context, signer *domain.Actor, a *SyncAssertion) error {
	if signer.FollowersURI == "" || a.CollectionId != signer.FollowersURI {
		followerSyncChecks.WithLabelValues("ignored").Inc()
		return fmt.Errorf("%w: collection %s does not belong to %s", ErrSynchronizationIgnored, a.CollectionId, signer.URI)
	}
	host, err := extractDomain(a.URL)
	if err != nil || host != strings.ToLower(signer.Domain) {
		followerSyncChecks.WithLabelValues("ignored").Inc()
		return fmt.Errorf("%w: %s is not on %s", ErrSynchronizationIgnored, a.URL, signer.Domain)
	}

	local, err := r.digests.Get(ctx, signer.Id, LocalScope)
	if err != nil {
		return err
	}
	if local == a.Digest {
		followerSyncChecks.WithLabelValues("match").Inc()
		return nil
	}

	key := syncDedupeKey(signer.Id, host)
	if _, busy := r.inflight.LoadOrStore(key, struct{}{}); busy {
		followerSyncChecks.WithLabelValues("duplicate").Inc()
		return nil
	}
	defer r.inflight.Invalidate(key)

	created, err := r.queue.Enqueue(ctx, domain.JobSynchronizeFollowers, SyncPayload{AccountId: signer.Id, URL: a.URL}, key)
	if err != nil {
		return fmt.Errorf("failed to schedule follower sync: %w", err)
	}
	if !created {
		followerSyncChecks.WithLabelValues("duplicate").Inc()
		return nil
	}
	followerSyncChecks.WithLabelValues("mismatch").Inc()
	log.Infof("Sync: Follower digest mismatch for %s, scheduled synchronization", signer.Acct())
	return nil
}

// SyncStore is what the synchronization job reads and changes.
type SyncStore interface {
	ReadActorById(ctx context.Context, id uuid.UUID) (*domain.Actor, error)
	ReadActorByURI(ctx context.Context, uri string) (*domain.Actor, error)
	ReadFollowers(ctx context.Context, targetId uuid.UUID, domainName string) ([]domain.Actor, error)
	ReadFollow(ctx context.Context, accountId, targetId uuid.UUID) (*domain.Follow, error)
	DeleteFollow(ctx context.Context, accountId, targetId uuid.UUID) (bool, error)
}

// Synchronizer runs synchronize_followers jobs: it reads the remote
// server's list of our accounts following one of its actors and makes both
// sides agree. Local edges the remote side does not know are dropped;
// accounts the remote side lists without a local edge get an Undo Follow.
type Synchronizer struct {
	store     SyncStore
	transport Getter
	digests   *FollowerDigests
	deliverer *Deliverer
	builder   *Builder
	backoff   func() retry.Backoff
}

func NewSynchronizer(store SyncStore, transport Getter, digests *FollowerDigests, deliverer *Deliverer, builder *Builder) *Synchronizer {
	return &Synchronizer{
		store:     store,
		transport: transport,
		digests:   digests,
		deliverer: deliverer,
		builder:   builder,
		backoff: func() retry.Backoff {
			return retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))
		},
	}
}

// Run executes one synchronize_followers job.
func (s *Synchronizer) Run(ctx context.Context, raw []byte) error {
	var p SyncPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return jobs.Permanent(fmt.Errorf("bad sync payload: %w", err))
	}

	remote, err := s.store.ReadActorById(ctx, p.AccountId)
	if errors.Is(err, db.ErrNotFound) {
		log.Warnf("Sync: Account %s vanished, dropping synchronization", p.AccountId)
		return nil
	}
	if err != nil {
		return err
	}
	if remote.IsLocal() || remote.State == domain.StatePermanentlySuspended {
		return nil
	}

	listed, err := s.fetchItems(ctx, remote, p.URL)
	if err != nil {
		return err
	}

	followers, err := s.store.ReadFollowers(ctx, remote.Id, "")
	if err != nil {
		return err
	}

	removed := 0
	for i := range followers {
		local := &followers[i]
		if listed[local.URI] {
			continue
		}
		if _, err := s.store.DeleteFollow(ctx, local.Id, remote.Id); err != nil {
			return err
		}
		s.digests.InvalidateEdge(local, remote.Id)
		removed++
	}

	undone := 0
	for uri := range listed {
		local, err := s.store.ReadActorByURI(ctx, uri)
		if errors.Is(err, db.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if !local.IsLocal() {
			continue
		}
		_, err = s.store.ReadFollow(ctx, local.Id, remote.Id)
		if err == nil {
			continue
		}
		if !errors.Is(err, db.ErrNotFound) {
			return err
		}
		if err := s.deliverer.Deliver(ctx, local, remote.InboxURI, s.builder.UndoFollow(local, remote, "")); err != nil {
			return err
		}
		undone++
	}

	log.Infof("Sync: Synchronized followers of %s (removed %d, undone %d)", remote.Acct(), removed, undone)
	return nil
}

// fetchItems reads the partial followers collection at url, following
// first/next links on the remote's own domain.
func (s *Synchronizer) fetchItems(ctx context.Context, remote *domain.Actor, url string) (map[string]bool, error) {
	items := make(map[string]bool)
	next := url
	for page := 0; next != "" && page < maxSyncPages; page++ {
		host, err := extractDomain(next)
		if err != nil || host != strings.ToLower(remote.Domain) {
			return nil, fmt.Errorf("refusing to follow %s off %s", next, remote.Domain)
		}

		doc, err := s.get(ctx, next)
		if err != nil {
			return nil, err
		}
		collect(items, doc)

		next = idOf(doc.Next)
		if len(doc.First) > 0 {
			var embedded collectionDoc
			if json.Unmarshal(doc.First, &embedded) == nil && embedded.Type != "" {
				collect(items, &embedded)
				next = idOf(embedded.Next)
			} else {
				next = idOf(doc.First)
			}
		}
	}
	return items, nil
}

func (s *Synchronizer) get(ctx context.Context, url string) (*collectionDoc, error) {
	var doc collectionDoc
	err := retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
		body, err := s.transport.Get(ctx, url)
		if err != nil {
			if IsRetryable(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		if err := json.Unmarshal(body, &doc); err != nil {
			return fmt.Errorf("bad collection at %s: %w", url, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func collect(items map[string]bool, doc *collectionDoc) {
	for _, list := range [][]json.RawMessage{doc.Items, doc.OrderedItems} {
		for _, raw := range list {
			if id := idOf(raw); id != "" {
				items[id] = true
			}
		}
	}
}

// collectionDoc is the subset of a remote collection or page we read.
type collectionDoc struct {
	ID           string            `json:"id"`
	Type         string            `json:"type"`
	First        json.RawMessage   `json:"first"`
	Next         json.RawMessage   `json:"next"`
	Items        []json.RawMessage `json:"items"`
	OrderedItems []json.RawMessage `json:"orderedItems"`
}

// idOf returns a bare link or the id of an embedded object.
func idOf(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		return obj.ID
	}
	return ""
}
