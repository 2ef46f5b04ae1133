package web

import (
	"errors"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/fedgate/activitypub"
	"github.com/deemkeen/fedgate/db"
	"github.com/gin-gonic/gin"
)

func statusFor(err error) int {
	switch {
	case errors.Is(err, activitypub.ErrTargetSuspendedPermanent):
		return http.StatusGone
	case errors.Is(err, activitypub.ErrTargetSuspendedTemporary):
		return http.StatusForbidden
	case errors.Is(err, activitypub.ErrSignatureMissing),
		errors.Is(err, activitypub.ErrSignatureInvalid),
		errors.Is(err, activitypub.ErrActorUnresolvable):
		return http.StatusUnauthorized
	case errors.Is(err, activitypub.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, activitypub.ErrMalformedActivity),
		errors.Is(err, activitypub.ErrBadCursor):
		return http.StatusBadRequest
	case errors.Is(err, activitypub.ErrNotVisible),
		errors.Is(err, activitypub.ErrUnknownCollection),
		errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeError answers with the status an error maps to. Hidden posts answer
// 404 like missing ones.
func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Errorf("HTTP: %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
		c.AbortWithStatusJSON(status, gin.H{"error": "Internal server error"})
		return
	}
	c.AbortWithStatusJSON(status, gin.H{"error": http.StatusText(status)})
}
