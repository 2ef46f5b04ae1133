package activitypub

import (
	"errors"
)

var (
	ErrSignatureMissing  = errors.New("signature missing")
	ErrSignatureInvalid  = errors.New("signature invalid")
	ErrActorUnresolvable = errors.New("actor unresolvable")
	ErrPayloadTooLarge   = errors.New("payload too large")
	ErrMalformedActivity = errors.New("malformed activity")

	ErrTargetSuspendedTemporary = errors.New("target temporarily suspended")
	ErrTargetSuspendedPermanent = errors.New("target permanently suspended")

	// ErrSynchronizationIgnored is the no-op outcome of a synchronization
	// assertion that names the wrong collection or comes from the wrong domain.
	ErrSynchronizationIgnored = errors.New("synchronization assertion ignored")

	// ErrNotVisible hides a post the requester may not see. Callers answer it
	// exactly like a missing post.
	ErrNotVisible = errors.New("not visible")

	ErrUnknownCollection = errors.New("unknown collection kind")
	ErrBadCursor         = errors.New("bad page cursor")

	ErrFetchTimeout = errors.New("fetch timed out")
)

type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable marks err as a transient failure worth retrying later.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable reports whether err, or anything it wraps, is transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var re *retryableError
	return errors.As(err, &re) || errors.Is(err, ErrFetchTimeout)
}
