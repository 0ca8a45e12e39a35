// Package service holds the consistency engine: the group registry, the
// reservation ledger, the synchronization engine and the arbiter that
// decides holds, consumptions and releases.
package service

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when a group or reservation does not exist.
	// It is an expected outcome; callers pick the fallback.
	ErrNotFound = errors.New("not found")

	// ErrNotGrouped is returned when a variant or inventory item belongs to
	// no group.  Nothing needs synchronizing in that case.
	ErrNotGrouped = errors.New("not grouped")

	// ErrOutOfStock is returned when a hold is rejected because the group's
	// shared count is exhausted.  It is the only user-facing rejection.
	ErrOutOfStock = errors.New("out of stock")

	// ErrInvalidTransition signals an ordering bug: a reservation that is
	// no longer active was asked to change state.
	ErrInvalidTransition = errors.New("invalid reservation transition")

	// ErrInvalidQuantity is returned for non-positive quantities.
	ErrInvalidQuantity = errors.New("quantity must be positive")

	// ErrCollaboratorTimeout is returned when the external catalog did not
	// answer within the configured timeout.
	ErrCollaboratorTimeout = errors.New("catalog collaborator timeout")
)

// PersistenceError reports a failed durable write.  The in-memory state is
// left as it was before the operation.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func persistErr(op string, err error) error {
	return &PersistenceError{Op: op, Err: err}
}

// IsPersistence reports whether err is (or wraps) a PersistenceError.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
