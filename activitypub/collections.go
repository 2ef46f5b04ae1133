package activitypub

import (
	"context"
	"fmt"
	"net/url"
	"sort"

	"github.com/deemkeen/fedgate/db"
	"github.com/deemkeen/fedgate/domain"
	"github.com/google/uuid"
)

// Collection is an ActivityStreams collection or collection page.
type Collection struct {
	Context      interface{}   `json:"@context,omitempty"`
	ID           string        `json:"id"`
	Type         string        `json:"type"`
	TotalItems   *int          `json:"totalItems,omitempty"`
	First        interface{}   `json:"first,omitempty"`
	Next         string        `json:"next,omitempty"`
	PartOf       string        `json:"partOf,omitempty"`
	Items        []interface{} `json:"items,omitempty"`
	OrderedItems []interface{} `json:"orderedItems,omitempty"`

	// Restricted marks the empty answer given to unsigned requesters under
	// authorized fetch. It must not be cached publicly.
	Restricted bool `json:"-"`
}

var listedVisibilities = []domain.Visibility{domain.VisibilityPublic, domain.VisibilityUnlisted}

// CollectionStore is the read side of the account and post store.
type CollectionStore interface {
	CountPostsByAccount(ctx context.Context, accountId uuid.UUID, visibilities []domain.Visibility) (int, error)
	ReadPostsByAccount(ctx context.Context, accountId uuid.UUID, visibilities []domain.Visibility, maxId *uuid.UUID, limit int) ([]domain.Post, error)
	ReadPinnedPosts(ctx context.Context, accountId uuid.UUID, limit int) ([]domain.Post, error)
	ReadReplies(ctx context.Context, q db.ReplyQuery) ([]domain.Post, error)
	ReadContextPosts(ctx context.Context, conversationId uuid.UUID, maxId *uuid.UUID, limit int) ([]domain.Post, error)
	ReadPostURIs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error)
	ReadActorsByIds(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*domain.Actor, error)
	RelationshipsOf(ctx context.Context, requester *domain.Actor, ownerIds []uuid.UUID) (map[uuid.UUID]domain.Relationship, error)
	CountFavourites(ctx context.Context, postId uuid.UUID) (int, error)
	CountReblogs(ctx context.Context, postId uuid.UUID) (int, error)
	CountFollowers(ctx context.Context, targetId uuid.UUID) (int, error)
	ReadFollowerURIs(ctx context.Context, targetId uuid.UUID, domainName string) ([]string, error)
}

// Limits are the page sizes per collection kind.
type Limits struct {
	Outbox  int
	Replies int
	Context int
}

type builderFunc func(ctx context.Context, req *domain.CollectionRequest) (*Collection, error)

// Collections builds every collection this server serves.
type Collections struct {
	store      CollectionStore
	visibility *VisibilityResolver
	builder    *Builder
	limits     Limits
	builders   map[domain.CollectionKind]builderFunc
}

func NewCollections(store CollectionStore, visibility *VisibilityResolver, builder *Builder, limits Limits) *Collections {
	c := &Collections{
		store:      store,
		visibility: visibility,
		builder:    builder,
		limits:     limits,
	}
	c.builders = map[domain.CollectionKind]builderFunc{
		domain.CollectionOutbox:    c.outbox,
		domain.CollectionFeatured:  c.featured,
		domain.CollectionReplies:   c.replies,
		domain.CollectionContext:   c.conversation,
		domain.CollectionLikes:     c.likes,
		domain.CollectionShares:    c.shares,
		domain.CollectionFollowers: c.followers,
	}
	return c
}

// Build answers one collection request. The owner's lifecycle state is
// checked first, then the server-wide access policy, then the target post's
// visibility; only then are items looked at.
func (c *Collections) Build(ctx context.Context, req *domain.CollectionRequest) (*Collection, error) {
	build, ok := c.builders[req.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCollection, req.Kind)
	}
	if req.Owner != nil {
		if err := Gate(req.Owner); err != nil {
			return nil, err
		}
	}
	collectionRequests.WithLabelValues(req.Kind.String()).Inc()

	if c.visibility.CollectionAccess(req.Requester) == AccessRestricted {
		zero := 0
		return &Collection{
			Context:    asContext,
			ID:         c.collectionID(req),
			Type:       "OrderedCollection",
			TotalItems: &zero,
			Restricted: true,
		}, nil
	}

	if req.Post != nil {
		rels, err := c.relationsFor(ctx, req.Requester, []uuid.UUID{req.Post.AccountId})
		if err != nil {
			return nil, err
		}
		if !c.visibility.Visible(req.Post, rels[req.Post.AccountId], req.Requester) {
			return nil, ErrNotVisible
		}
	}

	return build(ctx, req)
}

func (c *Collections) collectionID(req *domain.CollectionRequest) string {
	switch req.Kind {
	case domain.CollectionOutbox:
		return req.Owner.OutboxURI
	case domain.CollectionFeatured:
		return req.Owner.URI + "/collections/featured"
	case domain.CollectionFollowers:
		return req.Owner.FollowersURI
	case domain.CollectionContext:
		return c.builder.ContextURI(*req.Context)
	case domain.CollectionReplies:
		return req.Post.URI + "/replies"
	case domain.CollectionLikes:
		return req.Post.URI + "/likes"
	case domain.CollectionShares:
		return req.Post.URI + "/shares"
	}
	return ""
}

func (c *Collections) outbox(ctx context.Context, req *domain.CollectionRequest) (*Collection, error) {
	owner := req.Owner
	id := owner.OutboxURI

	rel, err := c.relationTo(ctx, req.Requester, owner)
	if err != nil {
		return nil, err
	}
	audience := c.visibility.Audience(rel, req.Requester, owner)

	if !req.Paged {
		// the summary carries no items so full history cannot be scraped
		// in one request
		total := 0
		if len(audience) > 0 {
			if total, err = c.store.CountPostsByAccount(ctx, owner.Id, audience); err != nil {
				return nil, err
			}
		}
		return &Collection{
			Context:    asContext,
			ID:         id,
			Type:       "OrderedCollection",
			TotalItems: &total,
			First:      pageURI(id, "", nil, false),
		}, nil
	}

	maxId, err := parseCursor(req.Cursor)
	if err != nil {
		return nil, err
	}
	col := &Collection{
		Context: asContext,
		ID:      pageURI(id, "max_id", maxId, false),
		Type:    "OrderedCollectionPage",
		PartOf:  id,
	}
	if len(audience) == 0 {
		return col, nil
	}

	p := &Paginator[domain.Post]{
		Fetch: func(ctx context.Context, cursor *uuid.UUID, limit int) ([]domain.Post, error) {
			return c.store.ReadPostsByAccount(ctx, owner.Id, audience, cursor, limit)
		},
		Keep:   c.keepVisible(req.Requester),
		Cursor: postCursor,
		Limit:  limitFor(req, c.limits.Outbox),
	}
	page, err := p.Paginate(ctx, maxId)
	if err != nil {
		return nil, err
	}
	if col.OrderedItems, err = c.render(ctx, page.Items, true); err != nil {
		return nil, err
	}
	if page.Next != nil {
		col.Next = pageURI(id, "max_id", page.Next, false)
	}
	return col, nil
}

func (c *Collections) featured(ctx context.Context, req *domain.CollectionRequest) (*Collection, error) {
	posts, err := c.store.ReadPinnedPosts(ctx, req.Owner.Id, limitFor(req, c.limits.Outbox))
	if err != nil {
		return nil, err
	}
	if posts, err = c.keepVisible(req.Requester)(ctx, posts); err != nil {
		return nil, err
	}
	items, err := c.render(ctx, posts, false)
	if err != nil {
		return nil, err
	}
	total := len(items)
	return &Collection{
		Context:      asContext,
		ID:           c.collectionID(req),
		Type:         "OrderedCollection",
		TotalItems:   &total,
		OrderedItems: items,
	}, nil
}

// replies serves direct replies to a post. The first page holds the
// author's own replies; once those run out, or fill less than a page, the
// next link moves on to replies by other accounts.
func (c *Collections) replies(ctx context.Context, req *domain.CollectionRequest) (*Collection, error) {
	id := req.Post.URI + "/replies"

	minId, err := parseCursor(req.Cursor)
	if err != nil {
		return nil, err
	}
	limit := limitFor(req, c.limits.Replies)
	p := &Paginator[domain.Post]{
		Fetch: func(ctx context.Context, cursor *uuid.UUID, n int) ([]domain.Post, error) {
			return c.store.ReadReplies(ctx, db.ReplyQuery{
				ParentId:     req.Post.Id,
				OwnerId:      req.Post.AccountId,
				Others:       req.OnlyOtherAccounts,
				Visibilities: listedVisibilities,
				MinId:        cursor,
				Limit:        n,
			})
		},
		Keep:   c.keepVisible(req.Requester),
		Cursor: postCursor,
		Limit:  limit,
	}
	page, err := p.Paginate(ctx, minId)
	if err != nil {
		return nil, err
	}
	items, err := c.render(ctx, page.Items, false)
	if err != nil {
		return nil, err
	}

	col := &Collection{
		ID:     pageURI(id, "min_id", minId, req.OnlyOtherAccounts),
		Type:   "CollectionPage",
		PartOf: id,
		Items:  items,
	}
	switch {
	case req.OnlyOtherAccounts:
		if page.Next != nil {
			col.Next = pageURI(id, "min_id", page.Next, true)
		}
	case page.Next == nil || len(page.Items) < limit:
		col.Next = pageURI(id, "", nil, true)
	default:
		col.Next = pageURI(id, "min_id", page.Next, false)
	}

	if req.Paged {
		col.Context = asContext
		return col, nil
	}
	return &Collection{
		Context: asContext,
		ID:      id,
		Type:    "Collection",
		First:   col,
	}, nil
}

// conversation serves every visible post of a thread, newest page first.
// Posts whose authors are gone are skipped rather than failing the thread.
func (c *Collections) conversation(ctx context.Context, req *domain.CollectionRequest) (*Collection, error) {
	id := c.builder.ContextURI(*req.Context)
	itemsURI := id + "/items"

	maxId, err := parseCursor(req.Cursor)
	if err != nil {
		return nil, err
	}
	p := &Paginator[domain.Post]{
		Fetch: func(ctx context.Context, cursor *uuid.UUID, limit int) ([]domain.Post, error) {
			return c.store.ReadContextPosts(ctx, *req.Context, cursor, limit)
		},
		Keep:   c.keepVisible(req.Requester),
		Cursor: postCursor,
		Limit:  limitFor(req, c.limits.Context),
	}
	page, err := p.Paginate(ctx, maxId)
	if err != nil {
		return nil, err
	}
	items, err := c.render(ctx, page.Items, false)
	if err != nil {
		return nil, err
	}

	col := &Collection{
		ID:           pageURI(itemsURI, "max_id", maxId, false),
		Type:         "OrderedCollectionPage",
		PartOf:       id,
		OrderedItems: items,
	}
	if page.Next != nil {
		col.Next = pageURI(itemsURI, "max_id", page.Next, false)
	}

	if req.Paged {
		col.Context = asContext
		return col, nil
	}
	return &Collection{
		Context: asContext,
		ID:      id,
		Type:    "OrderedCollection",
		First:   col,
	}, nil
}

func (c *Collections) likes(ctx context.Context, req *domain.CollectionRequest) (*Collection, error) {
	return c.counted(ctx, req, c.store.CountFavourites)
}

func (c *Collections) shares(ctx context.Context, req *domain.CollectionRequest) (*Collection, error) {
	return c.counted(ctx, req, c.store.CountReblogs)
}

func (c *Collections) counted(ctx context.Context, req *domain.CollectionRequest, count func(context.Context, uuid.UUID) (int, error)) (*Collection, error) {
	total, err := count(ctx, req.Post.Id)
	if err != nil {
		return nil, err
	}
	return &Collection{
		Context:    asContext,
		ID:         c.collectionID(req),
		Type:       "Collection",
		TotalItems: &total,
	}, nil
}

func (c *Collections) followers(ctx context.Context, req *domain.CollectionRequest) (*Collection, error) {
	rel, err := c.relationTo(ctx, req.Requester, req.Owner)
	if err != nil {
		return nil, err
	}
	total := 0
	if !rel.Blocked && !rel.DomainBlocked {
		if total, err = c.store.CountFollowers(ctx, req.Owner.Id); err != nil {
			return nil, err
		}
	}
	return &Collection{
		Context:    asContext,
		ID:         req.Owner.FollowersURI,
		Type:       "OrderedCollection",
		TotalItems: &total,
	}, nil
}

// Object renders a single local post. It applies the same checks as Build;
// under authorized fetch an unsigned requester is asked to sign.
func (c *Collections) Object(ctx context.Context, owner *domain.Actor, post *domain.Post, requester domain.Requester) (map[string]interface{}, error) {
	if err := Gate(owner); err != nil {
		return nil, err
	}
	if c.visibility.CollectionAccess(requester) == AccessRestricted {
		return nil, ErrSignatureMissing
	}
	rel, err := c.relationTo(ctx, requester, owner)
	if err != nil {
		return nil, err
	}
	if !c.visibility.Visible(post, rel, requester) {
		return nil, ErrNotVisible
	}

	var inReplyTo string
	if post.InReplyToId != nil {
		uris, err := c.store.ReadPostURIs(ctx, []uuid.UUID{*post.InReplyToId})
		if err != nil {
			return nil, err
		}
		inReplyTo = uris[*post.InReplyToId]
	}
	note := c.builder.Note(post, owner, inReplyTo)
	note["@context"] = asContext
	return note, nil
}

// FollowersSync lists the owner's followers that live on the requester's
// domain, for comparing against a Collection-Synchronization digest.
func (c *Collections) FollowersSync(ctx context.Context, owner *domain.Actor, requester domain.Requester) (*Collection, error) {
	if err := Gate(owner); err != nil {
		return nil, err
	}
	if !requester.Signed() {
		return nil, ErrSignatureMissing
	}
	uris, err := c.store.ReadFollowerURIs(ctx, owner.Id, requester.Actor.Domain)
	if err != nil {
		return nil, err
	}
	sort.Strings(uris)
	items := make([]interface{}, len(uris))
	for i, uri := range uris {
		items[i] = uri
	}
	return &Collection{
		Context:      asContext,
		ID:           followersSyncURI(owner),
		Type:         "OrderedCollection",
		OrderedItems: items,
	}, nil
}

// relationsFor loads the relationships of several owners to the requester
// in one query. Anonymous requesters have none.
func (c *Collections) relationsFor(ctx context.Context, requester domain.Requester, ownerIds []uuid.UUID) (map[uuid.UUID]domain.Relationship, error) {
	if !requester.Signed() {
		return map[uuid.UUID]domain.Relationship{}, nil
	}
	return c.store.RelationshipsOf(ctx, requester.Actor, ownerIds)
}

func (c *Collections) relationTo(ctx context.Context, requester domain.Requester, owner *domain.Actor) (domain.Relationship, error) {
	rels, err := c.relationsFor(ctx, requester, []uuid.UUID{owner.Id})
	if err != nil {
		return domain.Relationship{}, err
	}
	return rels[owner.Id], nil
}

func (c *Collections) keepVisible(requester domain.Requester) func(context.Context, []domain.Post) ([]domain.Post, error) {
	return func(ctx context.Context, batch []domain.Post) ([]domain.Post, error) {
		rels, err := c.relationsFor(ctx, requester, distinctOwners(batch))
		if err != nil {
			return nil, err
		}
		kept := make([]domain.Post, 0, len(batch))
		for i := range batch {
			if c.visibility.Visible(&batch[i], rels[batch[i].AccountId], requester) {
				kept = append(kept, batch[i])
			}
		}
		return kept, nil
	}
}

// render turns posts into collection items. Local posts are inlined, as a
// Create activity when asActivity is set; remote posts are given by URI
// since their own server is authoritative for them.
func (c *Collections) render(ctx context.Context, posts []domain.Post, asActivity bool) ([]interface{}, error) {
	if len(posts) == 0 {
		return nil, nil
	}
	owners, err := c.store.ReadActorsByIds(ctx, distinctOwners(posts))
	if err != nil {
		return nil, err
	}
	var parentIds []uuid.UUID
	for i := range posts {
		if posts[i].InReplyToId != nil {
			parentIds = append(parentIds, *posts[i].InReplyToId)
		}
	}
	parents, err := c.store.ReadPostURIs(ctx, parentIds)
	if err != nil {
		return nil, err
	}

	items := make([]interface{}, 0, len(posts))
	for i := range posts {
		p := &posts[i]
		owner, ok := owners[p.AccountId]
		if !p.Local || !ok {
			items = append(items, p.URI)
			continue
		}
		var inReplyTo string
		if p.InReplyToId != nil {
			inReplyTo = parents[*p.InReplyToId]
		}
		note := c.builder.Note(p, owner, inReplyTo)
		if asActivity {
			items = append(items, c.builder.Create(note))
		} else {
			items = append(items, note)
		}
	}
	return items, nil
}

func distinctOwners(posts []domain.Post) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(posts))
	var ids []uuid.UUID
	for i := range posts {
		if !seen[posts[i].AccountId] {
			seen[posts[i].AccountId] = true
			ids = append(ids, posts[i].AccountId)
		}
	}
	return ids
}

func postCursor(p domain.Post) uuid.UUID {
	return p.Id
}

func parseCursor(s string) (*uuid.UUID, error) {
	if s == "" {
		return nil, nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrBadCursor, s)
	}
	return &id, nil
}

func limitFor(req *domain.CollectionRequest, def int) int {
	if req.Limit > 0 {
		return req.Limit
	}
	return def
}

// pageURI builds the link of a collection page. Query parameters come out
// sorted by name.
func pageURI(base, cursorName string, cursor *uuid.UUID, onlyOthers bool) string {
	q := url.Values{}
	q.Set("page", "true")
	if cursor != nil && cursorName != "" {
		q.Set(cursorName, cursor.String())
	}
	if onlyOthers {
		q.Set("only_other_accounts", "true")
	}
	return base + "?" + q.Encode()
}
