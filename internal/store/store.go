// Package store defines the shared ephemeral key-value abstraction used
// for presence and typing state. Records carry a TTL and rely on the
// backing store's native expiry; an expired key is indistinguishable
// from an absent one.
package store

import (
	"context"
	"time"
)

type KV interface {
	// Set writes value under key with the given TTL, replacing any
	// previous value and deadline.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Get returns the live value for key. The boolean reports whether a
	// live value was found.
	Get(ctx context.Context, key string) (string, bool, error)
	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error
	// ListByPrefix returns all live key/value pairs whose key starts
	// with prefix.
	ListByPrefix(ctx context.Context, prefix string) (map[string]string, error)
}
