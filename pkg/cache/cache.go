// Package cache provides durable key-value cache storage backed by a
// relational table. It defines the Store interface for cache persistence
// and the arithmetic failure semantics shared by all backends: counter
// operations report a boolean sentinel instead of an error when the key
// is absent or the stored value is not numeric.
package cache

import (
	"context"
	"time"
)

// DefaultTTL is the retention applied when no explicit TTL is given.
// It is large enough (roughly ten years) to behave as "keep forever"
// while still giving every row a sweepable expiry timestamp.
const DefaultTTL = 5256000 * time.Minute

// Store defines the interface for cache persistence.
type Store interface {
	// Get retrieves the decoded value for key. The boolean is false when
	// no entry exists. Expiry is not checked on read; expired rows are
	// removed by Cleanup sweeps only.
	Get(ctx context.Context, key string) (any, bool, error)

	// Put stores value under key, encoding it as JSON. Existing entries
	// are updated only when the encoded value differs; storing an
	// identical value issues no write. A non-positive ttl means DefaultTTL.
	Put(ctx context.Context, key string, value any, ttl time.Duration) error

	// Forever stores value under key with the maximal retention.
	Forever(ctx context.Context, key string, value any) error

	// Increment atomically adds delta to the numeric value under key and
	// returns the new value. The boolean is false when the key is absent
	// or the stored value is not numeric; the entry is left unchanged.
	Increment(ctx context.Context, key string, delta int64) (int64, bool, error)

	// Decrement atomically subtracts delta from the numeric value under
	// key. Failure semantics match Increment.
	Decrement(ctx context.Context, key string, delta int64) (int64, bool, error)

	// Forget removes the entry for key. Removing a missing key is not an
	// error.
	Forget(ctx context.Context, key string) error

	// Flush removes all entries.
	Flush(ctx context.Context) error
}
