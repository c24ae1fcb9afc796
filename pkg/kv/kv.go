// Package kv is the key-value store port backing the gateway's live
// counters: abuse signatures, request-rate windows, budget spend, and
// cooldown keys. All mutating operations are atomic on the store side so
// no process-local locking is required per app or scope.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("kv: key not found")

// Store is the port consumed by the abuse detector, the budget ledger,
// and the policy cache invalidation path.
type Store interface {
	// Get returns the string value at key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// SetTTL sets key to value with the given expiry.
	SetTTL(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// IncrBy atomically adds delta to the integer at key and returns the
	// post-increment total. A missing key counts as zero.
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)

	// ExpireNX sets an expiry on key only if it has none.
	ExpireNX(ctx context.Context, key string, ttl time.Duration) error

	// ZAdd adds member with score to the sorted set at key.
	ZAdd(ctx context.Context, key string, score float64, member string) error

	// ZCount returns the number of members with min <= score <= max.
	ZCount(ctx context.Context, key string, min, max float64) (int64, error)

	// ZRemRangeByScore removes members with min <= score <= max.
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error

	// LPushTrim prepends value to the list at key and trims it to maxLen.
	LPushTrim(ctx context.Context, key, value string, maxLen int64) error

	// LRange returns list members in [start, stop].
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// Eval runs a server-side script with the given keys and args.
	Eval(ctx context.Context, script string, keys []string, args ...any) (any, error)

	// Publish sends a message on a pub/sub channel.
	Publish(ctx context.Context, channel, message string) error

	// Subscribe delivers messages for channel until ctx is cancelled.
	Subscribe(ctx context.Context, channel string) (<-chan string, error)

	// Close releases the underlying connections.
	Close() error
}
