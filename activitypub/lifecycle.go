package activitypub

import (
	"github.com/deemkeen/fedgate/domain"
)

// Gate reports the lifecycle state of a target actor as an error. It runs
// before any visibility decision, so a suspended actor answers the same way
// to every requester.
func Gate(actor *domain.Actor) error {
	switch actor.State {
	case domain.StateTemporarilySuspended:
		return ErrTargetSuspendedTemporary
	case domain.StatePermanentlySuspended:
		return ErrTargetSuspendedPermanent
	default:
		return nil
	}
}

// InboxGate is Gate for deliveries addressed to an actor's personal inbox.
// Gone actors reject the delivery; temporarily suspended ones acknowledge it
// and discard it, so the sender cannot tell the account is suspended.
//
// discard is true when the activity must be dropped without processing.
func InboxGate(actor *domain.Actor) (discard bool, err error) {
	switch Gate(actor) {
	case ErrTargetSuspendedPermanent:
		return true, ErrTargetSuspendedPermanent
	case ErrTargetSuspendedTemporary:
		return true, nil
	default:
		return false, nil
	}
}
