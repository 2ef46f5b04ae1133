package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// LifecycleState is the moderation state of an actor.
type LifecycleState string

const (
	StateActive               LifecycleState = "active"
	StateTemporarilySuspended LifecycleState = "temporarily_suspended"
	StatePermanentlySuspended LifecycleState = "permanently_suspended"
)

// Valid reports whether s is one of the known lifecycle states.
func (s LifecycleState) Valid() bool {
	switch s {
	case StateActive, StateTemporarilySuspended, StatePermanentlySuspended:
		return true
	}
	return false
}

// Actor is a local or remote account. Domain is empty for local actors.
type Actor struct {
	Id             uuid.UUID
	Username       string
	Domain         string
	URI            string
	InboxURI       string
	SharedInboxURI string
	OutboxURI      string
	FollowersURI   string
	PublicKeyPem   string
	PrivateKeyPem  string // local actors only
	State          LifecycleState
	SuspendedAt    *time.Time
	Indexable      bool
	CreatedAt      time.Time
	LastFetchedAt  time.Time
}

func (a *Actor) IsLocal() bool {
	return a.Domain == ""
}

// Acct returns user@domain for remote actors and the bare username for local ones.
func (a *Actor) Acct() string {
	if a.IsLocal() {
		return a.Username
	}
	return fmt.Sprintf("%s@%s", a.Username, a.Domain)
}

// KeyID is the keyId this actor signs with.
func (a *Actor) KeyID() string {
	return a.URI + "#main-key"
}

func (a *Actor) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tUsername: %s \n\tDomain: %s \n\tURI: %s \n\tState: %s)", a.Id, a.Username, a.Domain, a.URI, a.State)
}
