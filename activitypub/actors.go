package activitypub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/deemkeen/fedgate/domain"
)

// ActorResponse represents the JSON structure of an ActivityPub actor
type ActorResponse struct {
	Context           interface{} `json:"@context,omitempty"`
	ID                string      `json:"id"`
	Type              string      `json:"type"`
	PreferredUsername string      `json:"preferredUsername"`
	Name              string      `json:"name,omitempty"`
	Inbox             string      `json:"inbox"`
	Outbox            string      `json:"outbox,omitempty"`
	Followers         string      `json:"followers,omitempty"`
	Featured          string      `json:"featured,omitempty"`
	Indexable         bool        `json:"indexable"`
	Endpoints         struct {
		SharedInbox string `json:"sharedInbox,omitempty"`
	} `json:"endpoints"`
	PublicKey struct {
		ID           string `json:"id"`
		Owner        string `json:"owner"`
		PublicKeyPem string `json:"publicKeyPem"`
	} `json:"publicKey"`
}

// keyDocument is what a keyId that is not an actor URI dereferences to.
type keyDocument struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

var actorTypes = map[string]bool{
	"Person":       true,
	"Service":      true,
	"Application":  true,
	"Group":        true,
	"Organization": true,
}

// ActorFetcher dereferences remote actor documents.
type ActorFetcher struct {
	transport   Getter
	localDomain string
}

func NewActorFetcher(transport Getter, localDomain string) *ActorFetcher {
	return &ActorFetcher{transport: transport, localDomain: localDomain}
}

// FetchActor fetches and validates the actor at uri. A key document is
// followed to its owner once. The result is not stored.
func (f *ActorFetcher) FetchActor(ctx context.Context, uri string) (*domain.Actor, error) {
	acc, owner, err := f.fetch(ctx, uri)
	if err != nil {
		return nil, err
	}
	if acc != nil {
		return acc, nil
	}
	acc, _, err = f.fetch(ctx, owner)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, fmt.Errorf("%w: %s is not an actor", ErrActorUnresolvable, owner)
	}
	return acc, nil
}

func (f *ActorFetcher) fetch(ctx context.Context, uri string) (*domain.Actor, string, error) {
	body, err := f.transport.Get(ctx, uri)
	if err != nil {
		return nil, "", err
	}

	var actor ActorResponse
	if err := json.Unmarshal(body, &actor); err != nil {
		return nil, "", fmt.Errorf("%w: failed to parse actor JSON: %v", ErrActorUnresolvable, err)
	}

	if !actorTypes[actor.Type] {
		var key keyDocument
		if err := json.Unmarshal(body, &key); err == nil && key.Owner != "" && key.Owner != uri {
			return nil, key.Owner, nil
		}
		return nil, "", fmt.Errorf("%w: unexpected type %q at %s", ErrActorUnresolvable, actor.Type, uri)
	}

	acc, err := f.toActor(uri, &actor)
	if err != nil {
		return nil, "", err
	}
	return acc, "", nil
}

func (f *ActorFetcher) toActor(requested string, actor *ActorResponse) (*domain.Actor, error) {
	if actor.ID == "" || actor.Inbox == "" || actor.PreferredUsername == "" || actor.PublicKey.PublicKeyPem == "" {
		return nil, fmt.Errorf("%w: actor missing required fields", ErrActorUnresolvable)
	}

	host, err := extractDomain(actor.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrActorUnresolvable, err)
	}
	requestedHost, err := extractDomain(requested)
	if err != nil || requestedHost != host {
		return nil, fmt.Errorf("%w: actor id %s does not match %s", ErrActorUnresolvable, actor.ID, requested)
	}
	if host == "" || strings.EqualFold(host, f.localDomain) {
		return nil, fmt.Errorf("%w: %s is not a remote actor", ErrActorUnresolvable, actor.ID)
	}
	if actor.PublicKey.Owner != "" && actor.PublicKey.Owner != actor.ID {
		return nil, fmt.Errorf("%w: key of %s is owned by %s", ErrActorUnresolvable, actor.ID, actor.PublicKey.Owner)
	}
	if _, err := ParsePublicKey(actor.PublicKey.PublicKeyPem); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrActorUnresolvable, err)
	}

	return &domain.Actor{
		Username:       actor.PreferredUsername,
		Domain:         host,
		URI:            actor.ID,
		InboxURI:       actor.Inbox,
		SharedInboxURI: actor.Endpoints.SharedInbox,
		OutboxURI:      actor.Outbox,
		FollowersURI:   actor.Followers,
		PublicKeyPem:   actor.PublicKey.PublicKeyPem,
		Indexable:      actor.Indexable,
		State:          domain.StateActive,
	}, nil
}

// extractDomain extracts the host (with port, if any) from a URI
// Example: "https://mastodon.social/users/alice" -> "mastodon.social"
func extractDomain(uri string) (string, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("invalid URI: %w", err)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("URI %q has no host", uri)
	}
	return strings.ToLower(parsed.Host), nil
}

// stripFragment turns a keyId like ".../alice#main-key" into the actor URI.
func stripFragment(uri string) string {
	if i := strings.IndexByte(uri, '#'); i >= 0 {
		return uri[:i]
	}
	return uri
}
