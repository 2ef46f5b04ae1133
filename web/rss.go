package web

import (
	"fmt"
	"net/http"
	"time"

	"github.com/deemkeen/fedgate/activitypub"
	"github.com/deemkeen/fedgate/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/feeds"
)

const feedItems = 20

// feed renders an actor's latest public posts as RSS.
func (h *handlers) feed(c *gin.Context) {
	owner := ownerOf(c)
	if err := activitypub.Gate(owner); err != nil {
		writeError(c, err)
		return
	}
	posts, err := h.Store.ReadPostsByAccount(c.Request.Context(), owner.Id, []domain.Visibility{domain.VisibilityPublic}, nil, feedItems)
	if err != nil {
		writeError(c, err)
		return
	}
	rss, err := buildFeed(owner, h.Builder.Domain(), posts).ToRss()
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("Cache-Control", "public, max-age=180")
	c.Data(http.StatusOK, "application/rss+xml; charset=utf-8", []byte(rss))
}

func buildFeed(owner *domain.Actor, sslDomain string, posts []domain.Post) *feeds.Feed {
	feed := &feeds.Feed{
		Title:       fmt.Sprintf("%s@%s", owner.Username, sslDomain),
		Link:        &feeds.Link{Href: owner.URI},
		Description: fmt.Sprintf("Public posts of %s", owner.Username),
		Author:      &feeds.Author{Name: owner.Username},
		Created:     owner.CreatedAt,
	}
	for _, p := range posts {
		feed.Items = append(feed.Items, &feeds.Item{
			Id:      p.URI,
			Title:   p.CreatedAt.UTC().Format(time.RFC1123),
			Link:    &feeds.Link{Href: p.URI},
			Content: p.Content,
			Author:  &feeds.Author{Name: owner.Username},
			Created: p.CreatedAt,
		})
	}
	if len(posts) > 0 {
		feed.Updated = posts[0].CreatedAt
	}
	return feed
}
