package storage

import (
	"errors"

	"github.com/nats-io/nats.go/jetstream"
)

// Common storage errors.
var (
	// ErrNotFound is returned when an entity is not found.
	ErrNotFound = errors.New("entity not found")
	// ErrConflict is returned when a create hits an existing key.
	ErrConflict = errors.New("entity already exists")
	// ErrRevision is returned when an optimistic update lost the race.
	ErrRevision = errors.New("entity revision mismatch")
)

// isNotFound checks if an error indicates a key was not found.
func isNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrNoKeysFound)
}

// isKeyExists checks if an error indicates a create collided with an
// existing key.
func isKeyExists(err error) bool {
	return errors.Is(err, jetstream.ErrKeyExists)
}

// classifyUpdateErr maps a KV update failure onto the storage errors.
// JetStream reports a bad revision as a wrong-last-sequence API error.
func classifyUpdateErr(err error) error {
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		return ErrNotFound
	}
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence {
		return ErrRevision
	}
	return err
}
