package store

import (
	"context"
	"time"
)

// KV defines the shared cache operations the coordinator relies on.
// It abstracts over Redis (multi-process) and an in-memory map (tests).
//
// Add is the critical primitive: an atomic insert-if-absent (test-and-set).
// Without it two concurrent reservers could both believe they won the same
// conflict lock.
type KV interface {
	// Get returns the value for key. ok is false when the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set writes the value unconditionally with the given TTL.
	// A zero TTL means no expiry.
	Set(ctx context.Context, key string, value string, ttl time.Duration) error

	// Add writes the value only if the key does not exist.
	// Returns false (and no error) when the key is already present.
	Add(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)

	// Delete removes the key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// SetAdd adds members to the set stored at key, refreshing its TTL.
	SetAdd(ctx context.Context, key string, members []string, ttl time.Duration) error

	// SetMembers returns all members of the set at key (empty when absent).
	SetMembers(ctx context.Context, key string) ([]string, error)

	// SetRemove removes members from the set at key.
	SetRemove(ctx context.Context, key string, members ...string) error
}
