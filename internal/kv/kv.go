// Package kv provides a small expiring key-value store used for offer
// locks, consumed signatures, deposit-transaction claims, and rate
// limit counters. Keys carry an optional TTL; expired entries behave
// as absent and are reclaimed lazily.
package kv

import (
	"context"
	"time"
)

// Store is the expiring key-value contract.
type Store interface {
	// Get returns the value for key. Found is false when the key is
	// absent or expired.
	Get(ctx context.Context, key string) (value string, found bool, err error)

	// Set writes key unconditionally. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX writes key only if it is absent (or expired). Returns true
	// when the write happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Incr atomically increments the integer counter at key and
	// returns the new value. The ttl is applied only when the counter
	// is created, so a fixed window keeps its original deadline.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}
