package files

import "errors"

var (
	// ErrNotFound is returned for ids that were never committed or were deleted.
	ErrNotFound = errors.New("file not found")

	// ErrTooLarge is returned when an upload is over the configured limit,
	// whether declared up front or discovered while streaming.
	ErrTooLarge = errors.New("file exceeds upload limit")

	// ErrIO wraps storage faults.
	ErrIO = errors.New("file storage failure")
)
