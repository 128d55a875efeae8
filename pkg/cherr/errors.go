package cherr

import (
	"errors"
	"fmt"
)

// Kind enumerates the error kinds a query or repository operation can raise.
// Every Error carries the entity name it happened against, mirroring the
// teacher's ActionError{OperationType, Kind, Name, Err} shape.
type Kind string

const (
	// KindNotReady is raised when reading data from a query before its
	// first publication.
	KindNotReady Kind = "NotReady"
	// KindDeletedItem is raised when updating or mutating an item query
	// that is in state Deleted.
	KindDeletedItem Kind = "DeletedItem"
	// KindNotCreated is raised by any operation other than waiting on a
	// query in state Creating.
	KindNotCreated Kind = "NotCreated"
	// KindAlreadyRunning is raised when an operation would cancel a
	// running Fetch/Update/Delete without force.
	KindAlreadyRunning Kind = "AlreadyRunning"
	// KindIDMismatch is raised when a local update uses a new entity
	// whose id differs from the current one outside trust mode.
	KindIDMismatch Kind = "IdMismatch"
	// KindTrustIDMismatch is raised when the server returns an entity
	// with a different id than requested, outside trust mode.
	KindTrustIDMismatch Kind = "TrustIdMismatch"
	// KindUnsuccessfulDeletion is raised when a delete response reports
	// success=false.
	KindUnsuccessfulDeletion Kind = "UnsuccessfulDeletion"
	// KindFetchingError wraps an underlying fetch callback rejection.
	KindFetchingError Kind = "FetchingError"
	// KindDeletingError wraps an underlying delete callback rejection.
	KindDeletingError Kind = "DeletingError"
	// KindTrustFetchedCollection is a warning-only kind: in dev+trust
	// mode a server-returned collection did not match the local
	// filter/sort.
	KindTrustFetchedCollection Kind = "TrustFetchedCollection"
	// KindUnknownOperator is raised at filter-compile time when an
	// operator name is not in the operator map.
	KindUnknownOperator Kind = "UnknownOperator"
	// KindNotSpecified is raised when an entity config lacks a requested
	// callback.
	KindNotSpecified Kind = "NotSpecified"
	// KindInternal marks an invariant violation, such as an external
	// mutation path touching a not-ready collection, or an external
	// caller attempting to emit an event.
	KindInternal Kind = "Internal"
)

// Error is the error value every Chimera operation returns. It always
// carries the entity name so a single global error handler can attribute
// failures to the right repository.
type Error struct {
	Kind   Kind
	Entity string
	// Cause is the underlying error for KindFetchingError/KindDeletingError,
	// nil for purely local invariant errors.
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("chimera: %s[%s]: %v", e.Entity, e.Kind, e.Cause)
	}
	return fmt.Sprintf("chimera: %s[%s]", e.Entity, e.Kind)
}

// Unwrap lets errors.Is/errors.As reach the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is(err, New(sameKind, sameEntity, nil)) match regardless of
// Cause, and errors.Is(err, New(sameKind, "", nil)) match regardless of
// entity name.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.Kind != t.Kind {
		return false
	}
	return t.Entity == "" || t.Entity == e.Entity
}

// New builds an *Error of the given kind for the given entity.
func New(kind Kind, entityName string, cause error) *Error {
	return &Error{Kind: kind, Entity: entityName, Cause: cause}
}

// Is reports whether err is a *Error of the given kind, for any entity. It
// is a thin errors.Is wrapper so callers don't need to construct a sentinel
// *Error just to check a kind.
func Is(err error, kind Kind) bool {
	return errors.Is(err, New(kind, "", nil))
}
