// Package store abstracts the shared coordination store visited by every
// gateway process. Presence sets, rate-limit buckets and idempotency records
// all live here; every mutation is atomic on the store side so two processes
// handling connect/disconnect for the same device can never lose an update.
//
// Two drivers exist: redis (production, all gateways share one cluster) and
// memory (tests, single-node development).
package store

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps any driver error reaching callers. Rate limiting and
// non-critical presence refresh fail open on it.
var ErrUnavailable = errors.New("store: unavailable")

// Store is the atomic primitive set the realtime core relies on.
//
// Presence keys hold sets of members where each member carries its own
// expiry deadline; expired members are purged before every operation, so a
// set whose members have all expired is indistinguishable from an empty set.
type Store interface {
	// AddPresence inserts member with the given time-to-live. It returns the
	// set cardinality after the insert and whether the member was newly
	// added (false when refreshing an existing member).
	AddPresence(ctx context.Context, key, member string, ttl time.Duration) (active int64, added bool, err error)

	// RemovePresence deletes member. It returns the remaining cardinality
	// and whether the member was present. An empty set is deleted entirely.
	RemovePresence(ctx context.Context, key, member string) (active int64, removed bool, err error)

	// RefreshPresence extends the member's expiry without changing
	// cardinality semantics.
	RefreshPresence(ctx context.Context, key, member string, ttl time.Duration) error

	// CountPresence returns the live cardinality of the set.
	CountPresence(ctx context.Context, key string) (int64, error)

	// PresenceMembers returns the live members of the set.
	PresenceMembers(ctx context.Context, key string) ([]string, error)

	// ScanPresence returns every presence key with the given prefix.
	ScanPresence(ctx context.Context, prefix string) ([]string, error)

	// TakeToken consumes one token from a continuously refilled bucket of
	// the given capacity per window. When no token is available it returns
	// allowed=false and the duration after which a retry will succeed.
	TakeToken(ctx context.Context, key string, capacity int64, window time.Duration) (allowed bool, retryAfter time.Duration, err error)

	// IncrWindow increments a fixed-window counter, starting the window on
	// first increment, and returns the count within the current window.
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)

	// PutIfAbsent writes value only when key does not exist. When the key
	// already exists it returns stored=false and the existing value.
	PutIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (stored bool, existing string, err error)

	// Put writes value unconditionally.
	Put(ctx context.Context, key, value string, ttl time.Duration) error

	// Get reads a value; ok is false when the key does not exist.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Del removes a key.
	Del(ctx context.Context, key string) error

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	Close() error
}
