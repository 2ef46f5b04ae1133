package web

import (
	"net/http"
	"strings"

	"github.com/deemkeen/fedgate/activitypub"
	"github.com/deemkeen/fedgate/db"
	"github.com/gin-gonic/gin"
)

type webfingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href"`
}

type webfingerResponse struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []webfingerLink `json:"links"`
}

// usernameFromResource accepts acct:user@domain and actor URIs of this
// server.
func (h *handlers) usernameFromResource(resource string) (string, bool) {
	domain := h.Builder.Domain()
	if acct, ok := strings.CutPrefix(resource, "acct:"); ok {
		user, host, found := strings.Cut(acct, "@")
		if !found || !strings.EqualFold(host, domain) || user == "" {
			return "", false
		}
		return user, true
	}
	prefix := h.Builder.ActorURI("")
	if user, ok := strings.CutPrefix(resource, prefix); ok && user != "" && !strings.Contains(user, "/") {
		return user, true
	}
	return "", false
}

func (h *handlers) webfinger(c *gin.Context) {
	username, ok := h.usernameFromResource(c.Query("resource"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Not Found"})
		return
	}
	acc, err := h.Store.ReadLocalActorByUsername(c.Request.Context(), username)
	if err != nil {
		writeError(c, err)
		return
	}
	if err := activitypub.Gate(acc); err != nil {
		writeError(c, err)
		return
	}
	if acc.Username == h.Builder.Domain() {
		// the instance actor is not discoverable as a user
		writeError(c, db.ErrNotFound)
		return
	}

	c.Header("Content-Type", "application/jrd+json; charset=utf-8")
	c.Header("Cache-Control", "public, max-age=180")
	c.JSON(http.StatusOK, webfingerResponse{
		Subject: "acct:" + acc.Username + "@" + h.Builder.Domain(),
		Aliases: []string{acc.URI},
		Links: []webfingerLink{
			{Rel: "self", Type: activitypub.ContentType, Href: acc.URI},
		},
	})
}
