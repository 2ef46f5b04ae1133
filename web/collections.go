package web

import (
	"net/http"

	"github.com/deemkeen/fedgate/db"
	"github.com/deemkeen/fedgate/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// collection serves one per-actor or per-post collection. ?page=true asks
// for a page instead of the summary.
func (h *handlers) collection(kind domain.CollectionKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		req := &domain.CollectionRequest{
			Kind:      kind,
			Owner:     ownerOf(c),
			Post:      postOf(c),
			Requester: requesterOf(c),
		}
		readPaging(c, req)
		h.serveCollection(c, req)
	}
}

func (h *handlers) context(items bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			writeError(c, db.ErrNotFound)
			return
		}
		req := &domain.CollectionRequest{
			Kind:      domain.CollectionContext,
			Context:   &id,
			Requester: requesterOf(c),
		}
		readPaging(c, req)
		if items {
			req.Paged = true
		}
		h.serveCollection(c, req)
	}
}

func readPaging(c *gin.Context, req *domain.CollectionRequest) {
	req.Paged = c.Query("page") == "true"
	req.OnlyOtherAccounts = c.Query("only_other_accounts") == "true"
	if v := c.Query("max_id"); v != "" {
		req.Cursor = v
	} else {
		req.Cursor = c.Query("min_id")
	}
}

func (h *handlers) serveCollection(c *gin.Context, req *domain.CollectionRequest) {
	col, err := h.Collections.Build(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	setCacheHeaders(c, req.Requester, col.Restricted)
	writeActivity(c, http.StatusOK, col)
}

// followersSync lists the owner's followers on the requester's domain.
// Only signed requesters get an answer, and it is never cached.
func (h *handlers) followersSync(c *gin.Context) {
	col, err := h.Collections.FollowersSync(c.Request.Context(), ownerOf(c), requesterOf(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("Cache-Control", "max-age=0, private")
	c.Header("Vary", "Signature")
	writeActivity(c, http.StatusOK, col)
}
