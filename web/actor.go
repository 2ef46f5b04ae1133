package web

import (
	"errors"
	"net/http"

	"github.com/deemkeen/fedgate/activitypub"
	"github.com/deemkeen/fedgate/db"
	"github.com/deemkeen/fedgate/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	ownerKey = "owner"
	postKey  = "post"

	activityContentType = "application/activity+json; charset=utf-8"
)

// loadOwner resolves the :username path parameter to a local actor.
func (h *handlers) loadOwner(c *gin.Context) {
	owner, err := h.Store.ReadLocalActorByUsername(c.Request.Context(), c.Param("username"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.Set(ownerKey, owner)
	c.Next()
}

func gateOwner(c *gin.Context) {
	if err := activitypub.Gate(ownerOf(c)); err != nil {
		writeError(c, err)
		return
	}
	c.Next()
}

// loadPost resolves :id to a local post of the owner.
func (h *handlers) loadPost(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		writeError(c, db.ErrNotFound)
		return
	}
	post, err := h.Store.ReadPostById(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	if post.AccountId != ownerOf(c).Id || !post.Local {
		writeError(c, db.ErrNotFound)
		return
	}
	c.Set(postKey, post)
	c.Next()
}

func ownerOf(c *gin.Context) *domain.Actor {
	return c.MustGet(ownerKey).(*domain.Actor)
}

func postOf(c *gin.Context) *domain.Post {
	if v, ok := c.Get(postKey); ok {
		return v.(*domain.Post)
	}
	return nil
}

func writeActivity(c *gin.Context, status int, doc interface{}) {
	c.Header("Content-Type", activityContentType)
	c.JSON(status, doc)
}

// actor serves the actor document. Suspended actors answer with their
// lifecycle status; temporarily suspended ones still publish their key so
// that signatures on earlier deliveries stay verifiable.
func (h *handlers) actor(c *gin.Context) {
	owner := ownerOf(c)
	if err := activitypub.Gate(owner); err != nil && !errors.Is(err, activitypub.ErrTargetSuspendedTemporary) {
		writeError(c, err)
		return
	}
	setCacheHeaders(c, domain.Anonymous, false)
	writeActivity(c, http.StatusOK, h.Builder.ActorDocument(owner))
}

func (h *handlers) status(c *gin.Context) {
	requester := requesterOf(c)
	note, err := h.Collections.Object(c.Request.Context(), ownerOf(c), postOf(c), requester)
	if err != nil {
		writeError(c, err)
		return
	}
	setCacheHeaders(c, requester, false)
	writeActivity(c, http.StatusOK, note)
}
