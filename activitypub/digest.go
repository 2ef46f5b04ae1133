package activitypub

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"

	"github.com/deemkeen/fedgate/cache"
	"github.com/deemkeen/fedgate/domain"
	"github.com/google/uuid"
)

// LocalScope is the digest scope of an account's local followers.
const LocalScope = "local"

// EmptyDigest stands for an empty follower set. No SHA-256 output is
// expected to equal it, and it is never the hash of the empty string.
var EmptyDigest = strings.Repeat("0", sha256.Size*2)

// DigestKey identifies one cached follower digest.
type DigestKey struct {
	Account uuid.UUID
	Scope   string // LocalScope or a remote domain
}

// ScopeOf is the digest scope an actor's follow edges belong to.
func ScopeOf(actor *domain.Actor) string {
	if actor.IsLocal() {
		return LocalScope
	}
	return strings.ToLower(actor.Domain)
}

// ComputeDigest hashes a follower URI set. The input order does not matter.
func ComputeDigest(uris []string) string {
	if len(uris) == 0 {
		return EmptyDigest
	}
	sorted := make([]string, len(uris))
	copy(sorted, uris)
	sort.Strings(sorted)

	sum := sha256.Sum256([]byte(strings.Join(sorted, "\n")))
	return hex.EncodeToString(sum[:])
}

// FollowerSource lists follower URIs of an account on one domain ("" for
// local followers).
type FollowerSource interface {
	ReadFollowerURIs(ctx context.Context, targetId uuid.UUID, domainName string) ([]string, error)
}

// FollowerDigests caches follower digests per (account, scope). Entries are
// computed on first read and dropped whenever a follow edge in their scope
// changes.
//
// While a digest is being computed its key has a generation that every
// invalidation bumps. A reader stores its value and then checks the
// generation it started with; if an invalidation happened meanwhile it drops
// what it stored, so a stale digest never outlives the edge change that made
// it stale. Generations only exist while readers are in flight.
type FollowerDigests struct {
	source FollowerSource
	values cache.Store[DigestKey, string]

	mu   sync.Mutex
	gens map[DigestKey]*generation
}

type generation struct {
	n       uint64
	readers int
}

func NewFollowerDigests(source FollowerSource, values cache.Store[DigestKey, string]) *FollowerDigests {
	return &FollowerDigests{
		source: source,
		values: values,
		gens:   make(map[DigestKey]*generation),
	}
}

// enter registers a reader of key and returns the generation it starts at.
func (d *FollowerDigests) enter(key DigestKey) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	g, ok := d.gens[key]
	if !ok {
		g = &generation{}
		d.gens[key] = g
	}
	g.readers++
	return g.n
}

// leave unregisters a reader and reports whether key was invalidated since
// it entered.
func (d *FollowerDigests) leave(key DigestKey, started uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	g := d.gens[key]
	g.readers--
	if g.readers == 0 {
		delete(d.gens, key)
	}
	return g.n != started
}

// Get returns the digest of account's followers in scope.
func (d *FollowerDigests) Get(ctx context.Context, account uuid.UUID, scope string) (string, error) {
	key := DigestKey{Account: account, Scope: strings.ToLower(scope)}
	if v, ok := d.values.Get(key); ok {
		return v, nil
	}

	started := d.enter(key)

	domainName := key.Scope
	if domainName == LocalScope {
		domainName = ""
	}
	uris, err := d.source.ReadFollowerURIs(ctx, account, domainName)
	if err != nil {
		d.leave(key, started)
		return "", err
	}
	digest := ComputeDigest(uris)

	d.values.Set(key, digest)
	if d.leave(key, started) {
		d.values.Invalidate(key)
	}
	return digest, nil
}

// Invalidate drops the digest of one (account, scope) pair.
func (d *FollowerDigests) Invalidate(account uuid.UUID, scope string) {
	key := DigestKey{Account: account, Scope: strings.ToLower(scope)}
	d.mu.Lock()
	if g, ok := d.gens[key]; ok {
		g.n++
	}
	d.mu.Unlock()
	d.values.Invalidate(key)
}

// InvalidateEdge drops exactly the digest affected by follower gaining or
// losing a follow edge to target.
func (d *FollowerDigests) InvalidateEdge(follower *domain.Actor, target uuid.UUID) {
	d.Invalidate(target, ScopeOf(follower))
}
