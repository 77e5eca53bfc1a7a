package domain

import "errors"

var (
	// ErrNotFound is returned when a card, reminder or source does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConcurrencyConflict is returned when a write was based on a stale
	// version of the row. Callers re-read and retry, or surface the conflict.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrDuplicate is returned when a unique key (such as an owner's dedupe
	// key) is already taken.
	ErrDuplicate = errors.New("duplicate")
)
