package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Visibility of a post.
type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityUnlisted Visibility = "unlisted"
	VisibilityPrivate  Visibility = "private"
	VisibilityDirect   Visibility = "direct"
	VisibilityLimited  Visibility = "limited"
)

// Distributable reports whether posts of this visibility may appear in
// generic collections at all. Direct and limited posts only travel through
// addressed delivery.
func (v Visibility) Distributable() bool {
	switch v {
	case VisibilityPublic, VisibilityUnlisted, VisibilityPrivate:
		return true
	}
	return false
}

// PubliclyListed reports public or unlisted.
func (v Visibility) PubliclyListed() bool {
	return v == VisibilityPublic || v == VisibilityUnlisted
}

// Post is a status owned by an actor. Ids are UUIDv7, so ordering by id is
// ordering by creation time.
type Post struct {
	Id                 uuid.UUID
	AccountId          uuid.UUID
	URI                string
	Visibility         Visibility
	InReplyToId        *uuid.UUID
	InReplyToAccountId *uuid.UUID
	ConversationId     *uuid.UUID
	Content            string
	Local              bool
	CreatedAt          time.Time
	EditedAt           *time.Time // nil if never edited
}

func (p *Post) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tAccountId: %s \n\tVisibility: %s \n\tCreatedAt: %s)", p.Id, p.AccountId, p.Visibility, p.CreatedAt)
}
