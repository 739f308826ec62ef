package storage

import (
	"errors"
	"strings"
)

// Common storage errors.
var (
	// ErrNotFound is returned when an entity is not found.
	ErrNotFound = errors.New("entity not found")

	// ErrLiveEntryExists is returned when a queue entry is created for a
	// task that already has a live entry.
	ErrLiveEntryExists = errors.New("live queue entry already exists for task")

	// ErrConflict is returned when an optimistic update loses a race or a
	// transition is attempted from an unexpected status.
	ErrConflict = errors.New("conflicting concurrent update")

	// ErrInvalidTransition is returned when a status change violates the
	// entity state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// isNotFound checks if an error indicates a KV key was not found.
func isNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "key not found")
}

// isWrongRevision checks if an error indicates an optimistic update lost a
// race on the key revision.
func isWrongRevision(err error) bool {
	return err != nil && strings.Contains(err.Error(), "wrong last sequence")
}
