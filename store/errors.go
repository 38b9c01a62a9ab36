package store

import "errors"

// Common store errors.
var (
	// ErrNotFound is returned when a record or index entry is not found.
	ErrNotFound = errors.New("record not found")

	// ErrVersionConflict is returned when a compare-and-swap write loses
	// against a concurrent writer. The caller must re-read and reapply.
	ErrVersionConflict = errors.New("version conflict")
)
