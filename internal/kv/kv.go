// Package kv is the local key-value persistence used by the operation store.
//
// Values are opaque strings (JSON documents in practice). Implementations
// must make each Set durable before returning: the queue relies on a
// successful Set meaning the write survives a process restart.
package kv

import "context"

// Store is the key-value persistence surface.
type Store interface {
	// Get returns the value for key. ok is false when the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error

	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error

	// RemoveMany deletes every key in keys atomically.
	RemoveMany(ctx context.Context, keys []string) error
}
