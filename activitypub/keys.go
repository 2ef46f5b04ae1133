package activitypub

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/fedgate/cache"
	"github.com/deemkeen/fedgate/db"
	"github.com/deemkeen/fedgate/domain"
	"golang.org/x/sync/singleflight"
)

// ResolvedKey is an actor together with its parsed public key. Values are
// never modified once cached.
type ResolvedKey struct {
	Actor     *domain.Actor
	PublicKey *rsa.PublicKey
}

func newResolvedKey(acc *domain.Actor) (*ResolvedKey, error) {
	pub, err := ParsePublicKey(acc.PublicKeyPem)
	if err != nil {
		return nil, fmt.Errorf("%w: bad key for %s: %v", ErrActorUnresolvable, acc.URI, err)
	}
	return &ResolvedKey{Actor: acc, PublicKey: pub}, nil
}

// ActorStore persists dereferenced actors.
type ActorStore interface {
	ReadActorByURI(ctx context.Context, uri string) (*domain.Actor, error)
	UpsertRemoteActor(ctx context.Context, acc *domain.Actor, updateIdentity bool) (*domain.Actor, error)
}

// Dereferencer fetches a remote actor document.
type Dereferencer interface {
	FetchActor(ctx context.Context, uri string) (*domain.Actor, error)
}

// KeyResolver maps keyIds to actors and their public keys. Lookups go to the
// in-memory cache, then the store (while the stored copy is younger than
// the TTL), then the network. Concurrent misses for one actor share a
// single fetch.
//
// Only fetched actor documents reach the store. Identity fields such as
// the username change only through Refresh with updateIdentity set, which
// the Update activity handler uses after it re-dereferences the actor.
type KeyResolver struct {
	store       ActorStore
	fetcher     Dereferencer
	cache       cache.Store[string, *ResolvedKey]
	group       singleflight.Group
	ttl         time.Duration
	localDomain string
}

func NewKeyResolver(store ActorStore, fetcher Dereferencer, keyCache cache.Store[string, *ResolvedKey], ttl time.Duration, localDomain string) *KeyResolver {
	return &KeyResolver{
		store:       store,
		fetcher:     fetcher,
		cache:       keyCache,
		ttl:         ttl,
		localDomain: strings.ToLower(localDomain),
	}
}

func (r *KeyResolver) Resolve(ctx context.Context, keyId string) (*ResolvedKey, error) {
	uri := stripFragment(keyId)
	if key, ok := r.cache.Get(uri); ok {
		keyCacheLookups.WithLabelValues("hit").Inc()
		return key, nil
	}
	keyCacheLookups.WithLabelValues("miss").Inc()

	v, err, _ := r.group.Do(uri, func() (interface{}, error) {
		return r.load(context.WithoutCancel(ctx), uri, false, false)
	})
	if err != nil {
		return nil, err
	}
	return v.(*ResolvedKey), nil
}

// Refresh re-dereferences the actor behind keyId regardless of any cached
// copy.
func (r *KeyResolver) Refresh(ctx context.Context, keyId string, updateIdentity bool) (*ResolvedKey, error) {
	uri := stripFragment(keyId)
	flight := "refresh:" + uri
	if updateIdentity {
		flight = "update:" + uri
	}
	v, err, _ := r.group.Do(flight, func() (interface{}, error) {
		return r.load(context.WithoutCancel(ctx), uri, true, updateIdentity)
	})
	if err != nil {
		return nil, err
	}
	return v.(*ResolvedKey), nil
}

// Forget drops the cached key of an actor.
func (r *KeyResolver) Forget(actorURI string) {
	r.cache.Invalidate(stripFragment(actorURI))
}

func (r *KeyResolver) load(ctx context.Context, uri string, force, updateIdentity bool) (*ResolvedKey, error) {
	host, err := extractDomain(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrActorUnresolvable, err)
	}
	local := host == r.localDomain

	if !force || local {
		acc, err := r.store.ReadActorByURI(ctx, uri)
		switch {
		case err == nil && (local || time.Since(acc.LastFetchedAt) < r.ttl):
			return r.remember(uri, acc)
		case err != nil && !errors.Is(err, db.ErrNotFound):
			return nil, err
		case local:
			return nil, fmt.Errorf("%w: no local actor %s", ErrActorUnresolvable, uri)
		}
	}

	fetched, err := r.fetcher.FetchActor(ctx, uri)
	if err != nil {
		log.Warnf("Keys: Failed to fetch actor %s: %v", uri, err)
		return nil, err
	}
	stored, err := r.store.UpsertRemoteActor(ctx, fetched, updateIdentity)
	if err != nil {
		return nil, fmt.Errorf("failed to store actor %s: %w", uri, err)
	}
	log.Debugf("Keys: Fetched key for %s", stored.Acct())
	return r.remember(uri, stored)
}

func (r *KeyResolver) remember(uri string, acc *domain.Actor) (*ResolvedKey, error) {
	key, err := newResolvedKey(acc)
	if err != nil {
		return nil, err
	}
	r.cache.Set(uri, key)
	return key, nil
}
