package activitypub

import (
	"fmt"
	"time"

	"github.com/deemkeen/fedgate/domain"
	"github.com/google/uuid"
)

const (
	asContext     = "https://www.w3.org/ns/activitystreams"
	securityV1    = "https://w3id.org/security/v1"
	PublicAddress = "https://www.w3.org/ns/activitystreams#Public"
)

// Builder renders the documents and activities this server publishes. All
// local URIs derive from the instance domain.
type Builder struct {
	domain string
	base   string
}

func NewBuilder(sslDomain string) *Builder {
	return &Builder{domain: sslDomain, base: "https://" + sslDomain}
}

func (b *Builder) Domain() string { return b.domain }

func (b *Builder) ActorURI(username string) string {
	return fmt.Sprintf("%s/actors/%s", b.base, username)
}

func (b *Builder) SharedInboxURI() string {
	return b.base + "/inbox"
}

func (b *Builder) ContextURI(id uuid.UUID) string {
	return fmt.Sprintf("%s/contexts/%s", b.base, id)
}

func (b *Builder) ActivityURI() string {
	return fmt.Sprintf("%s/activities/%s", b.base, uuid.New())
}

// LocalActor returns an unsaved local actor with all endpoint URIs filled in.
func (b *Builder) LocalActor(username, publicKeyPem, privateKeyPem string) *domain.Actor {
	uri := b.ActorURI(username)
	return &domain.Actor{
		Username:       username,
		URI:            uri,
		InboxURI:       uri + "/inbox",
		SharedInboxURI: b.SharedInboxURI(),
		OutboxURI:      uri + "/outbox",
		FollowersURI:   uri + "/followers",
		PublicKeyPem:   publicKeyPem,
		PrivateKeyPem:  privateKeyPem,
		State:          domain.StateActive,
		Indexable:      true,
	}
}

func followersSyncURI(acc *domain.Actor) string {
	return acc.URI + "/followers_synchronization"
}

// ActorDocument renders a local actor. The instance actor, whose username
// is the domain itself, is published as an Application.
func (b *Builder) ActorDocument(acc *domain.Actor) map[string]interface{} {
	actorType := "Person"
	if acc.Username == b.domain {
		actorType = "Application"
	}
	return map[string]interface{}{
		"@context":                  []string{asContext, securityV1},
		"id":                        acc.URI,
		"type":                      actorType,
		"preferredUsername":         acc.Username,
		"name":                      acc.Username,
		"inbox":                     acc.InboxURI,
		"outbox":                    acc.OutboxURI,
		"followers":                 acc.FollowersURI,
		"featured":                  acc.URI + "/collections/featured",
		"url":                       acc.URI,
		"manuallyApprovesFollowers": false,
		"discoverable":              acc.Indexable,
		"indexable":                 acc.Indexable,
		"published":                 acc.CreatedAt.UTC().Format(time.RFC3339),
		"endpoints": map[string]interface{}{
			"sharedInbox": acc.SharedInboxURI,
		},
		"publicKey": map[string]interface{}{
			"id":           acc.KeyID(),
			"owner":        acc.URI,
			"publicKeyPem": acc.PublicKeyPem,
		},
	}
}

// addressing returns the to and cc lists of a post.
func addressing(p *domain.Post, owner *domain.Actor) ([]string, []string) {
	switch p.Visibility {
	case domain.VisibilityPublic:
		return []string{PublicAddress}, []string{owner.FollowersURI}
	case domain.VisibilityUnlisted:
		return []string{owner.FollowersURI}, []string{PublicAddress}
	case domain.VisibilityPrivate:
		return []string{owner.FollowersURI}, []string{}
	default:
		return []string{}, []string{}
	}
}

// Note renders a post. inReplyTo is the parent's URI, empty for top level
// posts.
func (b *Builder) Note(p *domain.Post, owner *domain.Actor, inReplyTo string) map[string]interface{} {
	to, cc := addressing(p, owner)
	note := map[string]interface{}{
		"id":           p.URI,
		"type":         "Note",
		"attributedTo": owner.URI,
		"content":      p.Content,
		"published":    p.CreatedAt.UTC().Format(time.RFC3339),
		"url":          p.URI,
		"to":           to,
		"cc":           cc,
		"replies":      p.URI + "/replies",
		"likes":        p.URI + "/likes",
		"shares":       p.URI + "/shares",
	}
	if inReplyTo != "" {
		note["inReplyTo"] = inReplyTo
	} else {
		note["inReplyTo"] = nil
	}
	if p.ConversationId != nil {
		note["context"] = b.ContextURI(*p.ConversationId)
	}
	if p.EditedAt != nil {
		note["updated"] = p.EditedAt.UTC().Format(time.RFC3339)
	}
	return note
}

// Create wraps a rendered note the way outbox pages carry it.
func (b *Builder) Create(note map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"id":        fmt.Sprintf("%s/activity", note["id"]),
		"type":      "Create",
		"actor":     note["attributedTo"],
		"published": note["published"],
		"to":        note["to"],
		"cc":        note["cc"],
		"object":    note,
	}
}

// Accept answers a Follow of local by follower.
func (b *Builder) Accept(local, follower *domain.Actor, followURI string) map[string]interface{} {
	return map[string]interface{}{
		"@context": asContext,
		"id":       b.ActivityURI(),
		"type":     "Accept",
		"actor":    local.URI,
		"object": map[string]interface{}{
			"id":     followURI,
			"type":   "Follow",
			"actor":  follower.URI,
			"object": local.URI,
		},
	}
}

// UndoFollow withdraws a follow of target by local. followURI may be empty
// when the original Follow is unknown.
func (b *Builder) UndoFollow(local, target *domain.Actor, followURI string) map[string]interface{} {
	follow := map[string]interface{}{
		"type":   "Follow",
		"actor":  local.URI,
		"object": target.URI,
	}
	if followURI != "" {
		follow["id"] = followURI
	}
	return map[string]interface{}{
		"@context": asContext,
		"id":       b.ActivityURI(),
		"type":     "Undo",
		"actor":    local.URI,
		"object":   follow,
	}
}
