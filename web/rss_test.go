package web

import (
	"net/http"
	"testing"
	"time"

	"github.com/deemkeen/fedgate/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeed(t *testing.T) {
	f := newFixture(t, false)
	f.post(t, f.alice, domain.VisibilityPublic, func(p *domain.Post) { p.Content = "first public post" })
	f.post(t, f.alice, domain.VisibilityPrivate, func(p *domain.Post) { p.Content = "followers only" })

	w := f.get(t, "/actors/alice/feed.rss")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/rss+xml; charset=utf-8", w.Header().Get("Content-Type"))

	body := w.Body.String()
	assert.Contains(t, body, "<rss")
	assert.Contains(t, body, "alice@"+testDomain)
	assert.Contains(t, body, "first public post")
	assert.NotContains(t, body, "followers only")
}

func TestFeedOfSuspendedActor(t *testing.T) {
	f := newFixture(t, false)
	f.suspend(t, f.alice, domain.StateTemporarilySuspended)
	assert.Equal(t, http.StatusForbidden, f.get(t, "/actors/alice/feed.rss").Code)
}

func TestBuildFeed(t *testing.T) {
	owner := &domain.Actor{Username: "alice", URI: "https://local.example/actors/alice", CreatedAt: time.Unix(0, 0)}
	newer := time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)
	posts := []domain.Post{
		{URI: owner.URI + "/statuses/2", Content: "two", CreatedAt: newer},
		{URI: owner.URI + "/statuses/1", Content: "one", CreatedAt: newer.Add(-time.Hour)},
	}

	feed := buildFeed(owner, "local.example", posts)
	assert.Equal(t, "alice@local.example", feed.Title)
	assert.Equal(t, owner.URI, feed.Link.Href)
	assert.Equal(t, newer, feed.Updated)
	require.Len(t, feed.Items, 2)
	assert.Equal(t, owner.URI+"/statuses/2", feed.Items[0].Id)
	assert.Equal(t, "two", feed.Items[0].Content)
	assert.Equal(t, "Thu, 02 May 2024 10:00:00 UTC", feed.Items[0].Title)

	assert.Empty(t, buildFeed(owner, "local.example", nil).Items)
}
