package store

import "errors"

// Common errors returned by store operations.
//
// These are checked with errors.Is():
//
//	if errors.Is(err, store.ErrRefConflict) {
//	    // re-read the tip and retry
//	}
var (
	// ErrObjectNotFound is returned when a blob, tree, or commit does
	// not exist at the given address.
	ErrObjectNotFound = errors.New("object not found")

	// ErrRefNotFound is returned when resolving a ref that has never
	// been written.
	ErrRefNotFound = errors.New("ref not found")

	// ErrRefConflict is returned when a compare-and-swap ref update
	// finds the ref no longer pointing at the expected commit.
	ErrRefConflict = errors.New("ref moved concurrently")

	// ErrStoreUnavailable is returned when the backend cannot be used
	// at all (git binary missing, database cannot be opened).
	ErrStoreUnavailable = errors.New("object store unavailable")
)

// IsRetryable returns true if the operation is likely to succeed when
// retried, possibly after re-reading the current ref tip.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRefConflict)
}

// IsFatal returns true if the error indicates the backend cannot serve
// this project at all.
func IsFatal(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
