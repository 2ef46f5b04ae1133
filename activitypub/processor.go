package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/fedgate/db"
	"github.com/deemkeen/fedgate/domain"
	"github.com/deemkeen/fedgate/jobs"
	"github.com/google/uuid"
)

// ProcessorStore is what activity processing reads and changes.
type ProcessorStore interface {
	CreateActivity(ctx context.Context, activity *domain.Activity) (bool, error)
	ReadActivityByURI(ctx context.Context, uri string) (*domain.Activity, error)
	MarkActivityProcessed(ctx context.Context, activityURI string) error

	ReadActorById(ctx context.Context, id uuid.UUID) (*domain.Actor, error)
	ReadActorByURI(ctx context.Context, uri string) (*domain.Actor, error)
	UpdateActorState(ctx context.Context, id uuid.UUID, state domain.LifecycleState) error

	CreateFollow(ctx context.Context, f *domain.Follow) (bool, error)
	ReadFollowByURI(ctx context.Context, uri string) (*domain.Follow, error)
	AcceptFollow(ctx context.Context, accountId, targetId uuid.UUID) error
	DeleteFollow(ctx context.Context, accountId, targetId uuid.UUID) (bool, error)
	DeleteFollowsInvolving(ctx context.Context, accountId uuid.UUID) ([]domain.Follow, error)

	CreatePost(ctx context.Context, p *domain.Post) error
	ReadPostByURI(ctx context.Context, uri string) (*domain.Post, error)
	DeletePostByURI(ctx context.Context, uri string, accountId uuid.UUID) error

	CreateFavourite(ctx context.Context, accountId, postId uuid.UUID, uri string) (bool, error)
	DeleteFavouriteByURI(ctx context.Context, uri string, accountId uuid.UUID) (*uuid.UUID, error)
	CreateReblog(ctx context.Context, accountId, postId uuid.UUID, uri string) (bool, error)
	DeleteReblogByURI(ctx context.Context, uri string, accountId uuid.UUID) (*uuid.UUID, error)
}

// KeyCache is the part of the key resolver that processing refreshes.
type KeyCache interface {
	Refresh(ctx context.Context, keyId string, updateIdentity bool) (*ResolvedKey, error)
	Forget(actorURI string)
}

// inbound is an activity being processed together with its verified signer.
type inbound struct {
	Activity
	signer *domain.Actor
	target *domain.Actor
	raw    []byte
}

type activityHandler func(ctx context.Context, a *inbound) error

// Processor runs process_activity jobs: the side effects that keep follow
// edges, engagement counts and remote replies current. Handlers are picked
// from a fixed table by activity type; unknown types are logged and
// dropped.
type Processor struct {
	store     ProcessorStore
	keys      KeyCache
	digests   *FollowerDigests
	deliverer *Deliverer
	builder   *Builder
	handlers  map[string]activityHandler
}

func NewProcessor(store ProcessorStore, keys KeyCache, digests *FollowerDigests, deliverer *Deliverer, builder *Builder) *Processor {
	p := &Processor{
		store:     store,
		keys:      keys,
		digests:   digests,
		deliverer: deliverer,
		builder:   builder,
	}
	p.handlers = map[string]activityHandler{
		"Follow":   p.handleFollow,
		"Undo":     p.handleUndo,
		"Accept":   p.handleAccept,
		"Reject":   p.handleReject,
		"Like":     p.handleLike,
		"Announce": p.handleAnnounce,
		"Update":   p.handleUpdate,
		"Delete":   p.handleDelete,
		"Create":   p.handleCreate,
	}
	return p
}

// Run executes one process_activity job. Deliveries are at least once and
// may arrive out of order, so every handler is idempotent.
func (p *Processor) Run(ctx context.Context, raw []byte) error {
	var payload ProcessPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return jobs.Permanent(fmt.Errorf("bad activity payload: %w", err))
	}

	a := &inbound{raw: payload.Activity}
	if err := json.Unmarshal(payload.Activity, &a.Activity); err != nil {
		return jobs.Permanent(fmt.Errorf("bad activity: %w", err))
	}

	signer, err := p.store.ReadActorById(ctx, payload.SignerId)
	if errors.Is(err, db.ErrNotFound) {
		return jobs.Permanent(err)
	}
	if err != nil {
		return err
	}
	if signer.State != domain.StateActive {
		log.Debugf("Inbox: Dropping %s from suspended %s", a.Type, signer.Acct())
		return nil
	}
	a.signer = signer

	if payload.TargetId != nil {
		target, err := p.store.ReadActorById(ctx, *payload.TargetId)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return err
		}
		// suspended targets acknowledge deliveries but never act on them
		if target == nil || Gate(target) != nil {
			return nil
		}
		a.target = target
	}

	created, err := p.store.CreateActivity(ctx, &domain.Activity{
		ActivityURI:  a.ID,
		ActivityType: a.Type,
		ActorURI:     a.Actor,
		ObjectURI:    idOf(a.Object),
		RawJSON:      string(a.raw),
	})
	if err != nil {
		return err
	}
	if !created {
		seen, err := p.store.ReadActivityByURI(ctx, a.ID)
		if err != nil {
			return err
		}
		if seen.Processed {
			log.Debugf("Inbox: Activity %s already processed, skipping", a.ID)
			return nil
		}
	}

	handler, ok := p.handlers[a.Type]
	if !ok {
		log.Debugf("Inbox: Unsupported activity type: %s", a.Type)
	} else if err := handler(ctx, a); err != nil {
		return fmt.Errorf("failed to handle %s %s: %w", a.Type, a.ID, err)
	}

	return p.store.MarkActivityProcessed(ctx, a.ID)
}

// embedded is the part of an embedded object the handlers look at.
type embedded struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Actor        string          `json:"actor"`
	Object       json.RawMessage `json:"object"`
	AttributedTo string          `json:"attributedTo"`
	InReplyTo    string          `json:"inReplyTo"`
	Content      string          `json:"content"`
	Published    string          `json:"published"`
	To           []string        `json:"to"`
	Cc           []string        `json:"cc"`
}

// object decodes the activity's object. A bare link comes back with only
// the id set.
func (a *inbound) object() (*embedded, error) {
	if len(a.Object) == 0 {
		return nil, fmt.Errorf("%s %s has no object", a.Type, a.ID)
	}
	var obj embedded
	if err := json.Unmarshal(a.Object, &obj); err != nil {
		var link string
		if json.Unmarshal(a.Object, &link) != nil {
			return nil, jobs.Permanent(fmt.Errorf("bad object in %s: %w", a.ID, err))
		}
		obj.ID = link
	}
	return &obj, nil
}

// localActor reads an actor addressed by an activity and checks that it is
// local and active.
func (p *Processor) localActor(ctx context.Context, uri string) (*domain.Actor, error) {
	acc, err := p.store.ReadActorByURI(ctx, uri)
	if err != nil {
		return nil, err
	}
	if !acc.IsLocal() || Gate(acc) != nil {
		return nil, db.ErrNotFound
	}
	return acc, nil
}

func (p *Processor) handleFollow(ctx context.Context, a *inbound) error {
	obj, err := a.object()
	if err != nil {
		return err
	}
	local, err := p.localActor(ctx, obj.ID)
	if errors.Is(err, db.ErrNotFound) {
		log.Debugf("Inbox: Follow of unknown actor %s ignored", obj.ID)
		return nil
	}
	if err != nil {
		return err
	}

	created, err := p.store.CreateFollow(ctx, &domain.Follow{
		AccountId:       a.signer.Id,
		TargetAccountId: local.Id,
		URI:             a.ID,
		ShowReblogs:     true,
		Accepted:        true,
	})
	if err != nil {
		return err
	}
	if created {
		p.digests.InvalidateEdge(a.signer, local.Id)
		log.Infof("Inbox: %s now follows %s", a.signer.Acct(), local.Username)
	}

	// a repeated Follow is answered again; the first Accept may have been lost
	return p.deliverer.Deliver(ctx, local, a.signer.InboxURI, p.builder.Accept(local, a.signer, a.ID))
}

func (p *Processor) handleUndo(ctx context.Context, a *inbound) error {
	obj, err := a.object()
	if err != nil {
		return err
	}
	if obj.Actor != "" && obj.Actor != a.signer.URI {
		log.Warnf("Inbox: %s tried to undo an activity of %s", a.signer.Acct(), obj.Actor)
		return nil
	}

	switch obj.Type {
	case "Follow":
		return p.undoFollow(ctx, a, obj)
	case "Like":
		postId, err := p.store.DeleteFavouriteByURI(ctx, obj.ID, a.signer.Id)
		if err == nil {
			log.Debugf("Inbox: %s unliked %s", a.signer.Acct(), postId)
		}
		return ignoreMissing(err)
	case "Announce":
		_, err := p.store.DeleteReblogByURI(ctx, obj.ID, a.signer.Id)
		return ignoreMissing(err)
	default:
		// a bare link: try every kind the signer could have sent
		if f, err := p.store.ReadFollowByURI(ctx, obj.ID); err == nil && f.AccountId == a.signer.Id {
			return p.undoFollow(ctx, a, obj)
		}
		if _, err := p.store.DeleteFavouriteByURI(ctx, obj.ID, a.signer.Id); ignoreMissing(err) != nil {
			return err
		}
		_, err := p.store.DeleteReblogByURI(ctx, obj.ID, a.signer.Id)
		return ignoreMissing(err)
	}
}

// ignoreMissing treats undoing something we never stored as done.
func ignoreMissing(err error) error {
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	return err
}

func (p *Processor) undoFollow(ctx context.Context, a *inbound, obj *embedded) error {
	var targetId uuid.UUID
	f, err := p.store.ReadFollowByURI(ctx, obj.ID)
	switch {
	case err == nil && f.AccountId == a.signer.Id:
		targetId = f.TargetAccountId
	case err == nil || errors.Is(err, db.ErrNotFound):
		// the Follow id is unknown or someone else's; fall back to the edge
		// named by the embedded object
		target, err := p.store.ReadActorByURI(ctx, idOf(obj.Object))
		if errors.Is(err, db.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		targetId = target.Id
	default:
		return err
	}

	deleted, err := p.store.DeleteFollow(ctx, a.signer.Id, targetId)
	if err != nil {
		return err
	}
	if deleted {
		p.digests.InvalidateEdge(a.signer, targetId)
		log.Infof("Inbox: Removed follow from %s", a.signer.Acct())
	}
	return nil
}

// ourFollow finds the pending follow of a local actor that signer answers.
func (p *Processor) ourFollow(ctx context.Context, a *inbound) (*domain.Follow, error) {
	obj, err := a.object()
	if err != nil {
		return nil, err
	}
	f, err := p.store.ReadFollowByURI(ctx, obj.ID)
	if err != nil {
		return nil, err
	}
	if f.TargetAccountId != a.signer.Id {
		return nil, db.ErrNotFound
	}
	return f, nil
}

func (p *Processor) handleAccept(ctx context.Context, a *inbound) error {
	f, err := p.ourFollow(ctx, a)
	if errors.Is(err, db.ErrNotFound) {
		log.Debugf("Inbox: Accept %s of unknown follow ignored", a.ID)
		return nil
	}
	if err != nil {
		return err
	}
	if err := p.store.AcceptFollow(ctx, f.AccountId, f.TargetAccountId); err != nil {
		return err
	}
	p.digests.Invalidate(a.signer.Id, LocalScope)
	log.Infof("Inbox: Follow %s was accepted by %s", f.URI, a.signer.Acct())
	return nil
}

func (p *Processor) handleReject(ctx context.Context, a *inbound) error {
	f, err := p.ourFollow(ctx, a)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := p.store.DeleteFollow(ctx, f.AccountId, f.TargetAccountId); err != nil {
		return err
	}
	p.digests.Invalidate(a.signer.Id, LocalScope)
	log.Infof("Inbox: Follow %s was rejected by %s", f.URI, a.signer.Acct())
	return nil
}

func (p *Processor) handleLike(ctx context.Context, a *inbound) error {
	return p.engage(ctx, a, p.store.CreateFavourite)
}

func (p *Processor) handleAnnounce(ctx context.Context, a *inbound) error {
	return p.engage(ctx, a, p.store.CreateReblog)
}

func (p *Processor) engage(ctx context.Context, a *inbound, create func(context.Context, uuid.UUID, uuid.UUID, string) (bool, error)) error {
	obj, err := a.object()
	if err != nil {
		return err
	}
	post, err := p.store.ReadPostByURI(ctx, obj.ID)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !post.Local || !post.Visibility.Distributable() {
		return nil
	}
	_, err = create(ctx, a.signer.Id, post.Id, a.ID)
	return err
}

// handleUpdate re-dereferences the signer when it announces a profile
// change. The embedded actor is never trusted; identity fields only change
// through this fetch.
func (p *Processor) handleUpdate(ctx context.Context, a *inbound) error {
	obj, err := a.object()
	if err != nil {
		return err
	}
	if obj.ID != a.signer.URI || !actorTypes[obj.Type] {
		log.Debugf("Inbox: Update of %s %s ignored", obj.Type, obj.ID)
		return nil
	}
	fresh, err := p.keys.Refresh(ctx, a.signer.URI, true)
	if err != nil {
		if IsRetryable(err) {
			return err
		}
		return jobs.Permanent(err)
	}
	log.Infof("Inbox: Updated profile for %s", fresh.Actor.Acct())
	return nil
}

func (p *Processor) handleDelete(ctx context.Context, a *inbound) error {
	obj, err := a.object()
	if err != nil {
		return err
	}

	if obj.ID != a.signer.URI {
		return p.store.DeletePostByURI(ctx, obj.ID, a.signer.Id)
	}

	if err := p.store.UpdateActorState(ctx, a.signer.Id, domain.StatePermanentlySuspended); err != nil {
		return err
	}
	removed, err := p.store.DeleteFollowsInvolving(ctx, a.signer.Id)
	if err != nil {
		return err
	}
	for _, f := range removed {
		if f.AccountId == a.signer.Id {
			p.digests.InvalidateEdge(a.signer, f.TargetAccountId)
		} else {
			// we only store follows involving local accounts
			p.digests.Invalidate(a.signer.Id, LocalScope)
		}
	}
	p.keys.Forget(a.signer.URI)
	log.Infof("Inbox: Actor %s deleted their account, removed %d follows", a.signer.Acct(), len(removed))
	return nil
}

// handleCreate stores remote replies to local posts so that reply and
// context collections list them.
func (p *Processor) handleCreate(ctx context.Context, a *inbound) error {
	obj, err := a.object()
	if err != nil {
		return err
	}
	if obj.Type != "Note" || obj.InReplyTo == "" {
		return nil
	}
	if obj.AttributedTo != a.signer.URI {
		log.Warnf("Inbox: %s sent a Note attributed to %s", a.signer.Acct(), obj.AttributedTo)
		return nil
	}
	host, err := extractDomain(obj.ID)
	if err != nil || host != a.signer.Domain {
		return nil
	}

	parent, err := p.store.ReadPostByURI(ctx, obj.InReplyTo)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !parent.Local {
		return nil
	}

	post := &domain.Post{
		AccountId:          a.signer.Id,
		URI:                obj.ID,
		Visibility:         inferVisibility(obj, a.signer),
		InReplyToId:        &parent.Id,
		InReplyToAccountId: &parent.AccountId,
		ConversationId:     parent.ConversationId,
		Content:            obj.Content,
		Local:              false,
	}
	if t, err := time.Parse(time.RFC3339, obj.Published); err == nil {
		post.CreatedAt = t.UTC()
	}
	if err := p.store.CreatePost(ctx, post); err != nil {
		if _, readErr := p.store.ReadPostByURI(ctx, obj.ID); readErr == nil {
			return nil
		}
		return err
	}
	log.Infof("Inbox: Stored reply %s from %s", obj.ID, a.signer.Acct())
	return nil
}

func inferVisibility(obj *embedded, author *domain.Actor) domain.Visibility {
	contains := func(list []string, v string) bool {
		for _, s := range list {
			if s == v || (v == PublicAddress && (s == "Public" || s == "as:Public")) {
				return true
			}
		}
		return false
	}
	switch {
	case contains(obj.To, PublicAddress):
		return domain.VisibilityPublic
	case contains(obj.Cc, PublicAddress):
		return domain.VisibilityUnlisted
	case author.FollowersURI != "" && (contains(obj.To, author.FollowersURI) || contains(obj.Cc, author.FollowersURI)):
		return domain.VisibilityPrivate
	default:
		return domain.VisibilityDirect
	}
}
