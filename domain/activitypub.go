package domain

import (
	"time"

	"github.com/google/uuid"
)

// Follow is a directed follow edge: AccountId follows TargetAccountId.
type Follow struct {
	Id              uuid.UUID
	AccountId       uuid.UUID
	TargetAccountId uuid.UUID
	URI             string // Follow activity URI (empty for local follows)
	ShowReblogs     bool
	Notify          bool
	Accepted        bool
	CreatedAt       time.Time
}

// Block is a directed block edge.
type Block struct {
	Id              uuid.UUID
	AccountId       uuid.UUID
	TargetAccountId uuid.UUID
	CreatedAt       time.Time
}

// DomainBlock hides a whole remote domain from an account.
type DomainBlock struct {
	Id        uuid.UUID
	AccountId uuid.UUID
	Domain    string
	CreatedAt time.Time
}

// Mute is a directed mute edge.
type Mute struct {
	Id              uuid.UUID
	AccountId       uuid.UUID
	TargetAccountId uuid.UUID
	CreatedAt       time.Time
}

// Favourite is a like on a post.
type Favourite struct {
	Id        uuid.UUID
	AccountId uuid.UUID
	PostId    uuid.UUID
	URI       string
	CreatedAt time.Time
}

// Reblog is a share (Announce) of a post.
type Reblog struct {
	Id        uuid.UUID
	AccountId uuid.UUID
	PostId    uuid.UUID
	URI       string
	CreatedAt time.Time
}

// Relationship is what an owner's edges say about one requester.
type Relationship struct {
	Blocked       bool // owner blocks requester
	DomainBlocked bool // owner blocks requester's domain
	Following     bool // requester follows owner
	Muted         bool // owner mutes requester
}

// RequesterKind tells who is asking.
type RequesterKind uint

const (
	RequesterAnonymous RequesterKind = iota
	RequesterLocal
	RequesterRemote
)

// Requester is the explicit identity of whoever is fetching a collection.
// Actor is nil for anonymous requesters.
type Requester struct {
	Kind  RequesterKind
	Actor *Actor
}

// Anonymous is the unsigned requester.
var Anonymous = Requester{Kind: RequesterAnonymous}

// RequesterFor wraps a resolved signer.
func RequesterFor(actor *Actor) Requester {
	if actor == nil {
		return Anonymous
	}
	if actor.IsLocal() {
		return Requester{Kind: RequesterLocal, Actor: actor}
	}
	return Requester{Kind: RequesterRemote, Actor: actor}
}

func (r Requester) Signed() bool {
	return r.Kind != RequesterAnonymous && r.Actor != nil
}

// CollectionKind selects a collection builder.
type CollectionKind uint

const (
	CollectionOutbox CollectionKind = iota
	CollectionFeatured
	CollectionReplies
	CollectionContext
	CollectionLikes
	CollectionShares
	CollectionFollowers
)

func (k CollectionKind) String() string {
	switch k {
	case CollectionOutbox:
		return "outbox"
	case CollectionFeatured:
		return "featured"
	case CollectionReplies:
		return "replies"
	case CollectionContext:
		return "context"
	case CollectionLikes:
		return "likes"
	case CollectionShares:
		return "shares"
	case CollectionFollowers:
		return "followers"
	default:
		return "unknown"
	}
}

// CollectionRequest describes one paginated fetch.
type CollectionRequest struct {
	Kind      CollectionKind
	Owner     *Actor
	Post      *Post // replies/likes/shares target
	Context   *uuid.UUID
	Requester Requester
	Paged     bool   // false ⇒ collection summary
	Cursor    string // opaque: max_id or min_id depending on kind
	// OnlyOtherAccounts selects other accounts' replies instead of self-replies.
	OnlyOtherAccounts bool
	Limit             int
}

// Activity is the log record of an activity seen by this server.
type Activity struct {
	Id           uuid.UUID
	ActivityURI  string
	ActivityType string
	ActorURI     string
	ObjectURI    string
	RawJSON      string
	Processed    bool
	Local        bool
	CreatedAt    time.Time
}

// JobKind names an asynchronous task.
type JobKind string

const (
	JobProcessActivity      JobKind = "process_activity"
	JobSynchronizeFollowers JobKind = "synchronize_followers"
	JobDeliverActivity      JobKind = "deliver_activity"
)

// Job is an item of the asynchronous task queue.
type Job struct {
	Id        uuid.UUID
	Kind      JobKind
	Payload   string
	DedupeKey string // empty ⇒ no dedupe
	Attempts  int
	NextRunAt time.Time
	CreatedAt time.Time
}
