package activitypub

import (
	"context"
	"net/url"
	"testing"

	"github.com/deemkeen/fedgate/db"
	"github.com/deemkeen/fedgate/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cursorOf(t *testing.T, link, name string) string {
	t.Helper()
	u, err := url.Parse(link)
	require.NoError(t, err)
	return u.Query().Get(name)
}

func TestOutboxSummary(t *testing.T) {
	g := newGateway(t)
	alice := createLocal(t, g.db, "alice")
	for _, v := range []domain.Visibility{domain.VisibilityPublic, domain.VisibilityPublic, domain.VisibilityPublic, domain.VisibilityUnlisted, domain.VisibilityPrivate} {
		createPost(t, g.db, alice, v, nil)
	}

	col, err := g.collections.Build(context.Background(), &domain.CollectionRequest{
		Kind:      domain.CollectionOutbox,
		Owner:     alice,
		Requester: domain.Anonymous,
	})
	require.NoError(t, err)
	assert.Equal(t, "OrderedCollection", col.Type)
	require.NotNil(t, col.TotalItems)
	assert.Equal(t, 4, *col.TotalItems)
	assert.Equal(t, alice.OutboxURI+"?page=true", col.First)
	assert.Empty(t, col.OrderedItems)
}

func TestOutboxGatedBySuspension(t *testing.T) {
	g := newGateway(t)
	tmp := createLocal(t, g.db, "tmp")
	tmp.State = domain.StateTemporarilySuspended
	gone := createLocal(t, g.db, "gone")
	gone.State = domain.StatePermanentlySuspended
	createPost(t, g.db, tmp, domain.VisibilityPublic, nil)

	_, err := g.collections.Build(context.Background(), &domain.CollectionRequest{Kind: domain.CollectionOutbox, Owner: tmp, Requester: domain.Anonymous})
	assert.ErrorIs(t, err, ErrTargetSuspendedTemporary)

	_, err = g.collections.Build(context.Background(), &domain.CollectionRequest{Kind: domain.CollectionOutbox, Owner: gone, Requester: domain.Anonymous})
	assert.ErrorIs(t, err, ErrTargetSuspendedPermanent)

	// the gate comes before the access policy
	strict := NewCollections(g.db, NewVisibilityResolver(true), g.builder, Limits{Outbox: 20, Replies: 60, Context: 60})
	_, err = strict.Build(context.Background(), &domain.CollectionRequest{Kind: domain.CollectionOutbox, Owner: gone, Requester: domain.Anonymous})
	assert.ErrorIs(t, err, ErrTargetSuspendedPermanent)
}

func TestOutboxPages(t *testing.T) {
	ctx := context.Background()
	g := newGateway(t)
	alice := createLocal(t, g.db, "alice")
	var posts []*domain.Post
	for i := 0; i < 3; i++ {
		posts = append(posts, createPost(t, g.db, alice, domain.VisibilityPublic, nil))
	}
	createPost(t, g.db, alice, domain.VisibilityPrivate, nil)

	col, err := g.collections.Build(ctx, &domain.CollectionRequest{
		Kind: domain.CollectionOutbox, Owner: alice, Requester: domain.Anonymous, Paged: true, Limit: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, "OrderedCollectionPage", col.Type)
	assert.Equal(t, alice.OutboxURI, col.PartOf)
	require.Len(t, col.OrderedItems, 2)

	create := col.OrderedItems[0].(map[string]interface{})
	assert.Equal(t, "Create", create["type"])
	note := create["object"].(map[string]interface{})
	assert.Equal(t, posts[2].URI, note["id"], "newest first")

	require.NotEmpty(t, col.Next)
	col, err = g.collections.Build(ctx, &domain.CollectionRequest{
		Kind: domain.CollectionOutbox, Owner: alice, Requester: domain.Anonymous, Paged: true, Limit: 2,
		Cursor: cursorOf(t, col.Next, "max_id"),
	})
	require.NoError(t, err)
	require.Len(t, col.OrderedItems, 1)
	assert.Equal(t, posts[0].URI, col.OrderedItems[0].(map[string]interface{})["object"].(map[string]interface{})["id"])
	assert.Empty(t, col.Next)
}

func TestOutboxHidesFromBlocked(t *testing.T) {
	ctx := context.Background()
	g := newGateway(t)
	alice := createLocal(t, g.db, "alice")
	eve := createRemote(t, g.db, "eve", "evil.example")
	createPost(t, g.db, alice, domain.VisibilityPublic, nil)
	require.NoError(t, g.db.CreateBlock(ctx, alice.Id, eve.Id))

	col, err := g.collections.Build(ctx, &domain.CollectionRequest{Kind: domain.CollectionOutbox, Owner: alice, Requester: domain.RequesterFor(eve)})
	require.NoError(t, err)
	assert.Equal(t, 0, *col.TotalItems)

	col, err = g.collections.Build(ctx, &domain.CollectionRequest{Kind: domain.CollectionOutbox, Owner: alice, Requester: domain.RequesterFor(eve), Paged: true})
	require.NoError(t, err)
	assert.Empty(t, col.OrderedItems)
}

func TestOutboxShowsPrivatePostsToFollowers(t *testing.T) {
	ctx := context.Background()
	g := newGateway(t)
	alice := createLocal(t, g.db, "alice")
	bob := createRemote(t, g.db, "bob", "remote.example")
	eve := createRemote(t, g.db, "eve", "remote.example")
	follow(t, g.db, bob, alice)
	createPost(t, g.db, alice, domain.VisibilityPublic, nil)
	private := createPost(t, g.db, alice, domain.VisibilityPrivate, nil)
	createPost(t, g.db, alice, domain.VisibilityDirect, nil)

	tests := []struct {
		name      string
		requester domain.Requester
		total     int
	}{
		{"anonymous", domain.Anonymous, 1},
		{"stranger", domain.RequesterFor(eve), 1},
		{"follower", domain.RequesterFor(bob), 2},
		{"owner", domain.RequesterFor(alice), 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			col, err := g.collections.Build(ctx, &domain.CollectionRequest{Kind: domain.CollectionOutbox, Owner: alice, Requester: tt.requester})
			require.NoError(t, err)
			assert.Equal(t, tt.total, *col.TotalItems)

			col, err = g.collections.Build(ctx, &domain.CollectionRequest{Kind: domain.CollectionOutbox, Owner: alice, Requester: tt.requester, Paged: true})
			require.NoError(t, err)
			require.Len(t, col.OrderedItems, tt.total)
			if tt.total == 2 {
				create := col.OrderedItems[0].(map[string]interface{})
				assert.Equal(t, private.URI, create["object"].(map[string]interface{})["id"])
			}
		})
	}
}

func TestPrivatePostsNeedFollowing(t *testing.T) {
	ctx := context.Background()
	g := newGateway(t)
	alice := createLocal(t, g.db, "alice")
	bob := createRemote(t, g.db, "bob", "remote.example")
	eve := createRemote(t, g.db, "eve", "remote.example")
	follow(t, g.db, bob, alice)
	private := createPost(t, g.db, alice, domain.VisibilityPrivate, nil)

	for _, requester := range []domain.Requester{domain.Anonymous, domain.RequesterFor(eve)} {
		_, err := g.collections.Build(ctx, &domain.CollectionRequest{Kind: domain.CollectionReplies, Post: private, Requester: requester})
		assert.ErrorIs(t, err, ErrNotVisible)
	}

	_, err := g.collections.Build(ctx, &domain.CollectionRequest{Kind: domain.CollectionReplies, Post: private, Requester: domain.RequesterFor(bob)})
	assert.NoError(t, err)
	_, err = g.collections.Build(ctx, &domain.CollectionRequest{Kind: domain.CollectionReplies, Post: private, Requester: domain.RequesterFor(alice)})
	assert.NoError(t, err)
}

func TestContextPages(t *testing.T) {
	ctx := context.Background()
	g := newGateway(t)
	alice := createLocal(t, g.db, "alice")
	conversation := uuid.New()
	var posts []*domain.Post
	for i := 0; i < 6; i++ {
		posts = append(posts, createPost(t, g.db, alice, domain.VisibilityPublic, func(p *domain.Post) {
			p.ConversationId = &conversation
		}))
	}

	col, err := g.collections.Build(ctx, &domain.CollectionRequest{
		Kind: domain.CollectionContext, Context: &conversation, Requester: domain.Anonymous, Limit: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, g.builder.ContextURI(conversation), col.ID)
	first := col.First.(*Collection)
	require.Len(t, first.OrderedItems, 5)
	assert.Equal(t, posts[5].URI, first.OrderedItems[0].(map[string]interface{})["id"], "newest first")
	assert.Equal(t, posts[1].URI, first.OrderedItems[4].(map[string]interface{})["id"])
	require.NotEmpty(t, first.Next)

	col, err = g.collections.Build(ctx, &domain.CollectionRequest{
		Kind: domain.CollectionContext, Context: &conversation, Requester: domain.Anonymous, Limit: 5,
		Paged: true, Cursor: cursorOf(t, first.Next, "max_id"),
	})
	require.NoError(t, err)
	require.Len(t, col.OrderedItems, 1)
	assert.Equal(t, posts[0].URI, col.OrderedItems[0].(map[string]interface{})["id"])
	assert.Empty(t, col.Next)
}

func TestContextSurvivesSuspendedRoot(t *testing.T) {
	ctx := context.Background()
	g := newGateway(t)
	alice := createLocal(t, g.db, "alice")
	carol := createLocal(t, g.db, "carol")
	conversation := uuid.New()
	root := createPost(t, g.db, alice, domain.VisibilityPublic, func(p *domain.Post) { p.ConversationId = &conversation })
	reply := createPost(t, g.db, carol, domain.VisibilityPublic, func(p *domain.Post) {
		p.ConversationId = &conversation
		p.InReplyToId = &root.Id
	})
	require.NoError(t, g.db.UpdateActorState(ctx, alice.Id, domain.StatePermanentlySuspended))

	col, err := g.collections.Build(ctx, &domain.CollectionRequest{Kind: domain.CollectionContext, Context: &conversation, Requester: domain.Anonymous})
	require.NoError(t, err)
	items := col.First.(*Collection).OrderedItems
	require.Len(t, items, 1)
	note := items[0].(map[string]interface{})
	assert.Equal(t, reply.URI, note["id"])
	assert.Equal(t, root.URI, note["inReplyTo"])
}

func TestRepliesSwitchToOtherAccounts(t *testing.T) {
	ctx := context.Background()
	g := newGateway(t)
	alice := createLocal(t, g.db, "alice")
	carol := createLocal(t, g.db, "carol")
	bob := createRemote(t, g.db, "bob", "remote.example")
	parent := createPost(t, g.db, alice, domain.VisibilityPublic, nil)
	replyTo := func(p *domain.Post) { p.InReplyToId = &parent.Id }

	for i := 0; i < 11; i++ {
		createPost(t, g.db, alice, domain.VisibilityPublic, replyTo)
	}
	remoteReply := createPost(t, g.db, bob, domain.VisibilityPublic, replyTo)
	localReply := createPost(t, g.db, carol, domain.VisibilityUnlisted, replyTo)
	createPost(t, g.db, carol, domain.VisibilityDirect, replyTo)

	col, err := g.collections.Build(ctx, &domain.CollectionRequest{Kind: domain.CollectionReplies, Post: parent, Requester: domain.Anonymous})
	require.NoError(t, err)
	assert.Equal(t, "Collection", col.Type)
	assert.Equal(t, parent.URI+"/replies", col.ID)
	first := col.First.(*Collection)
	assert.Equal(t, "CollectionPage", first.Type)
	assert.Len(t, first.Items, 11)
	assert.Equal(t, parent.URI+"/replies?only_other_accounts=true&page=true", first.Next)

	others, err := g.collections.Build(ctx, &domain.CollectionRequest{
		Kind: domain.CollectionReplies, Post: parent, Requester: domain.Anonymous, Paged: true, OnlyOtherAccounts: true,
	})
	require.NoError(t, err)
	require.Len(t, others.Items, 2)
	assert.Equal(t, remoteReply.URI, others.Items[0], "remote replies are given by URI")
	note := others.Items[1].(map[string]interface{})
	assert.Equal(t, localReply.URI, note["id"])
	assert.Equal(t, parent.URI, note["inReplyTo"])
	assert.Empty(t, others.Next)
}

func TestRepliesContinueWithSelfRepliesWhenPageIsFull(t *testing.T) {
	ctx := context.Background()
	g := newGateway(t)
	alice := createLocal(t, g.db, "alice")
	parent := createPost(t, g.db, alice, domain.VisibilityPublic, nil)
	for i := 0; i < 4; i++ {
		createPost(t, g.db, alice, domain.VisibilityPublic, func(p *domain.Post) { p.InReplyToId = &parent.Id })
	}

	col, err := g.collections.Build(ctx, &domain.CollectionRequest{Kind: domain.CollectionReplies, Post: parent, Requester: domain.Anonymous, Paged: true, Limit: 3})
	require.NoError(t, err)
	require.Len(t, col.Items, 3)
	assert.NotEmpty(t, cursorOf(t, col.Next, "min_id"))
	assert.Empty(t, cursorOf(t, col.Next, "only_other_accounts"))
}

func TestRestrictedUnderAuthorizedFetch(t *testing.T) {
	ctx := context.Background()
	g := newGateway(t)
	alice := createLocal(t, g.db, "alice")
	bob := createRemote(t, g.db, "bob", "remote.example")
	createPost(t, g.db, alice, domain.VisibilityPublic, nil)
	strict := NewCollections(g.db, NewVisibilityResolver(true), g.builder, Limits{Outbox: 20, Replies: 60, Context: 60})

	col, err := strict.Build(ctx, &domain.CollectionRequest{Kind: domain.CollectionOutbox, Owner: alice, Requester: domain.Anonymous})
	require.NoError(t, err)
	assert.True(t, col.Restricted)
	assert.Equal(t, 0, *col.TotalItems)

	col, err = strict.Build(ctx, &domain.CollectionRequest{Kind: domain.CollectionOutbox, Owner: alice, Requester: domain.RequesterFor(bob)})
	require.NoError(t, err)
	assert.False(t, col.Restricted)
	assert.Equal(t, 1, *col.TotalItems)
}

func TestLikesSharesFollowersCounts(t *testing.T) {
	ctx := context.Background()
	g := newGateway(t)
	alice := createLocal(t, g.db, "alice")
	bob := createRemote(t, g.db, "bob", "remote.example")
	carol := createRemote(t, g.db, "carol", "remote.example")
	post := createPost(t, g.db, alice, domain.VisibilityPublic, nil)
	follow(t, g.db, bob, alice)

	_, err := g.db.CreateFavourite(ctx, bob.Id, post.Id, bob.URI+"#likes/1")
	require.NoError(t, err)
	_, err = g.db.CreateFavourite(ctx, carol.Id, post.Id, carol.URI+"#likes/1")
	require.NoError(t, err)
	_, err = g.db.CreateReblog(ctx, bob.Id, post.Id, bob.URI+"#announces/1")
	require.NoError(t, err)

	likes, err := g.collections.Build(ctx, &domain.CollectionRequest{Kind: domain.CollectionLikes, Post: post, Requester: domain.Anonymous})
	require.NoError(t, err)
	assert.Equal(t, post.URI+"/likes", likes.ID)
	assert.Equal(t, 2, *likes.TotalItems)

	shares, err := g.collections.Build(ctx, &domain.CollectionRequest{Kind: domain.CollectionShares, Post: post, Requester: domain.Anonymous})
	require.NoError(t, err)
	assert.Equal(t, 1, *shares.TotalItems)

	followers, err := g.collections.Build(ctx, &domain.CollectionRequest{Kind: domain.CollectionFollowers, Owner: alice, Requester: domain.Anonymous})
	require.NoError(t, err)
	assert.Equal(t, alice.FollowersURI, followers.ID)
	assert.Equal(t, 1, *followers.TotalItems)
}

func TestFeatured(t *testing.T) {
	ctx := context.Background()
	g := newGateway(t)
	alice := createLocal(t, g.db, "alice")
	pinned := createPost(t, g.db, alice, domain.VisibilityPublic, nil)
	hidden := createPost(t, g.db, alice, domain.VisibilityPrivate, nil)
	createPost(t, g.db, alice, domain.VisibilityPublic, nil)
	require.NoError(t, g.db.PinPost(ctx, alice.Id, pinned.Id))
	require.NoError(t, g.db.PinPost(ctx, alice.Id, hidden.Id))

	col, err := g.collections.Build(ctx, &domain.CollectionRequest{Kind: domain.CollectionFeatured, Owner: alice, Requester: domain.Anonymous})
	require.NoError(t, err)
	assert.Equal(t, alice.URI+"/collections/featured", col.ID)
	require.Len(t, col.OrderedItems, 1)
	assert.Equal(t, pinned.URI, col.OrderedItems[0].(map[string]interface{})["id"])
}

func TestBadCursor(t *testing.T) {
	g := newGateway(t)
	alice := createLocal(t, g.db, "alice")

	_, err := g.collections.Build(context.Background(), &domain.CollectionRequest{
		Kind: domain.CollectionOutbox, Owner: alice, Requester: domain.Anonymous, Paged: true, Cursor: "nope",
	})
	assert.ErrorIs(t, err, ErrBadCursor)
}

func TestFollowersSync(t *testing.T) {
	ctx := context.Background()
	g := newGateway(t)
	alice := createLocal(t, g.db, "alice")
	u2 := createRemote(t, g.db, "u2", "example.org")
	u1 := createRemote(t, g.db, "u1", "example.org")
	other := createRemote(t, g.db, "u3", "foo.org")
	for _, f := range []*domain.Actor{u2, u1, other} {
		follow(t, g.db, f, alice)
	}

	col, err := g.collections.FollowersSync(ctx, alice, domain.RequesterFor(u1))
	require.NoError(t, err)
	assert.Equal(t, alice.URI+"/followers_synchronization", col.ID)
	assert.Equal(t, []interface{}{u1.URI, u2.URI}, col.OrderedItems)

	_, err = g.collections.FollowersSync(ctx, alice, domain.Anonymous)
	assert.ErrorIs(t, err, ErrSignatureMissing)

	alice.State = domain.StatePermanentlySuspended
	_, err = g.collections.FollowersSync(ctx, alice, domain.RequesterFor(u1))
	assert.ErrorIs(t, err, ErrTargetSuspendedPermanent)
}

func TestPageURI(t *testing.T) {
	id := uuid.MustParse("0190a4b0-0000-7000-8000-000000000000")
	assert.Equal(t, "https://x/replies?page=true", pageURI("https://x/replies", "", nil, false))
	assert.Equal(t, "https://x/replies?min_id="+id.String()+"&only_other_accounts=true&page=true", pageURI("https://x/replies", "min_id", &id, true))
	assert.Equal(t, "https://x/outbox?max_id="+id.String()+"&page=true", pageURI("https://x/outbox", "max_id", &id, false))
}

var _ CollectionStore = (*db.DB)(nil)

func TestObject(t *testing.T) {
	ctx := context.Background()
	g := newGateway(t)
	alice := createLocal(t, g.db, "alice")
	bob := createRemote(t, g.db, "bob", "remote.example")
	parent := createPost(t, g.db, alice, domain.VisibilityPublic, nil)
	reply := createPost(t, g.db, alice, domain.VisibilityPublic, func(p *domain.Post) { p.InReplyToId = &parent.Id })
	private := createPost(t, g.db, alice, domain.VisibilityPrivate, nil)

	note, err := g.collections.Object(ctx, alice, reply, domain.Anonymous)
	require.NoError(t, err)
	assert.Equal(t, reply.URI, note["id"])
	assert.Equal(t, parent.URI, note["inReplyTo"])

	_, err = g.collections.Object(ctx, alice, private, domain.RequesterFor(bob))
	assert.ErrorIs(t, err, ErrNotVisible)
	follow(t, g.db, bob, alice)
	_, err = g.collections.Object(ctx, alice, private, domain.RequesterFor(bob))
	assert.NoError(t, err)

	strict := NewCollections(g.db, NewVisibilityResolver(true), g.builder, Limits{Outbox: 20, Replies: 60, Context: 60})
	_, err = strict.Object(ctx, alice, parent, domain.Anonymous)
	assert.ErrorIs(t, err, ErrSignatureMissing)
}
