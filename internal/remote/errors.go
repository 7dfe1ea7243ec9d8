// Package remote talks to the list authority: the server that holds the
// canonical copy of every list. It classifies every failure into the retry
// taxonomy the queue manager dispatches on.
package remote

import (
	"errors"
	"fmt"

	"github.com/adamsuskin/grocery-sub002/internal/item"
)

// ErrOffline indicates the authority could not be reached at all. It is
// always transient.
var ErrOffline = errors.New("remote authority unreachable")

// TransientError wraps a failure worth retrying: network trouble, server
// errors, throttling.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError wraps a failure that no amount of retrying will fix, such
// as a validation rejection. The queue fails the mutation immediately.
type PermanentError struct {
	Op     string
	Reason string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent failure during %s: %s", e.Op, e.Reason)
}

// ConflictError reports that the authority holds a newer version of the
// target entity. Remote carries the authoritative copy so resolution can
// proceed offline.
type ConflictError struct {
	EntityID string
	Remote   *item.Item
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on entity %s: remote copy is newer", e.EntityID)
}

// IsTransient reports whether the error is worth retrying.
func IsTransient(err error) bool {
	if errors.Is(err, ErrOffline) {
		return true
	}
	var te *TransientError
	return errors.As(err, &te)
}

// IsConflict extracts the conflict details if err reports one.
func IsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// IsPermanent reports whether the error is a hard rejection.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
