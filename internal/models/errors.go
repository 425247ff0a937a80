package models

import "errors"

// Pipeline error taxonomy. Callers branch on these with errors.Is.
var (
	// ErrSourceUnavailable means the odds API could not be reached, timed out
	// or answered with a non-2xx status.
	ErrSourceUnavailable = errors.New("odds source unavailable")

	// ErrSourceEmpty means the odds API answered but carried no usable data.
	ErrSourceEmpty = errors.New("odds source returned no data")

	// ErrMatchNotFound means no match row exists for the event/market key.
	ErrMatchNotFound = errors.New("match not found")

	// ErrPersistFailed is a transient persistent-store failure.
	ErrPersistFailed = errors.New("persist failed")

	// ErrMappingSkipped marks a single vendor item that lacked required fields.
	ErrMappingSkipped = errors.New("mapping skipped")

	// ErrDuplicateKey is returned by the store when an insert hits a unique
	// business key that another writer created first.
	ErrDuplicateKey = errors.New("duplicate business key")
)
