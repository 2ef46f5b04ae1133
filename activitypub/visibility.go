package activitypub

import (
	"github.com/deemkeen/fedgate/domain"
)

// Access is how much of a per-actor collection a requester may see.
type Access uint

const (
	AccessFull Access = iota
	// AccessRestricted answers with an empty, uncacheable collection.
	AccessRestricted
)

// VisibilityResolver decides which posts a requester may see.
type VisibilityResolver struct {
	AuthorizedFetch bool
}

func NewVisibilityResolver(authorizedFetch bool) *VisibilityResolver {
	return &VisibilityResolver{AuthorizedFetch: authorizedFetch}
}

// CollectionAccess applies the server-wide policy before any post is looked
// at: under authorized fetch an unsigned requester gets nothing.
func (v *VisibilityResolver) CollectionAccess(requester domain.Requester) Access {
	if v.AuthorizedFetch && !requester.Signed() {
		return AccessRestricted
	}
	return AccessFull
}

// Visible decides whether requester may see post. rel is what the post
// owner's edges say about the requester; the zero value is right for
// anonymous requesters.
func (v *VisibilityResolver) Visible(post *domain.Post, rel domain.Relationship, requester domain.Requester) bool {
	// direct and limited posts only travel through addressed delivery
	if !post.Visibility.Distributable() {
		return false
	}
	if rel.Blocked || rel.DomainBlocked {
		return false
	}
	if requester.Signed() && requester.Actor.Id == post.AccountId {
		return true
	}
	if post.Visibility.PubliclyListed() {
		return true
	}
	return post.Visibility == domain.VisibilityPrivate && requester.Signed() && rel.Following
}

// Audience lists the visibilities a requester could possibly see from an
// owner with the given relationship. Outbox queries use it to skip rows
// that Visible would reject anyway.
func (v *VisibilityResolver) Audience(rel domain.Relationship, requester domain.Requester, owner *domain.Actor) []domain.Visibility {
	if rel.Blocked || rel.DomainBlocked {
		return nil
	}
	if requester.Signed() && (rel.Following || requester.Actor.Id == owner.Id) {
		return []domain.Visibility{domain.VisibilityPublic, domain.VisibilityUnlisted, domain.VisibilityPrivate}
	}
	return []domain.Visibility{domain.VisibilityPublic, domain.VisibilityUnlisted}
}
