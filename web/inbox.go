package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (h *handlers) inbox(c *gin.Context) {
	if err := h.Intake.Accept(c.Request.Context(), c.Request, ownerOf(c)); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *handlers) sharedInbox(c *gin.Context) {
	if err := h.Intake.Accept(c.Request.Context(), c.Request, nil); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}
