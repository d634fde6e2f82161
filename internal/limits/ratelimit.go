// Package limits throttles inbound traffic. The per-principal token bucket
// and the fixed-window counter are backed by the shared store so the budget
// holds across all gateway processes; the connection-attempt limiter is
// in-process because it runs before any principal is known.
package limits

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/helpdeck/relay/internal/store"
)

// Decision is the outcome of a limiter check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// TokenBucket throttles gated events per principal: capacity C tokens,
// refilled continuously over the window. A store outage fails open and the
// event goes through.
type TokenBucket struct {
	store    store.Store
	capacity int64
	window   time.Duration
	prefix   string
	log      zerolog.Logger
}

// NewTokenBucket builds a bucket limiter with the given capacity per window.
func NewTokenBucket(st store.Store, capacity int64, window time.Duration, logger zerolog.Logger) *TokenBucket {
	return &TokenBucket{
		store:    st,
		capacity: capacity,
		window:   window,
		prefix:   "relay:ratelimit:msg:",
		log:      logger.With().Str("component", "ratelimit").Logger(),
	}
}

// Allow consumes one token for the principal. When the bucket is empty the
// decision carries a positive RetryAfter.
func (l *TokenBucket) Allow(ctx context.Context, principal string) Decision {
	allowed, retryAfter, err := l.store.TakeToken(ctx, l.prefix+principal, l.capacity, l.window)
	if err != nil {
		l.log.Warn().Err(err).
			Str("principal", principal).
			Msg("Rate limit store unreachable, failing open")
		return Decision{Allowed: true}
	}
	return Decision{Allowed: allowed, RetryAfter: retryAfter}
}

// FixedWindow is the coarser counter variant protecting non-messaging
// endpoints (handshake, setup) with a small request budget per interval.
// It shares the fail-open policy of TokenBucket.
type FixedWindow struct {
	store  store.Store
	budget int64
	window time.Duration
	prefix string
	log    zerolog.Logger
}

// NewFixedWindow builds a fixed-window limiter with the given budget per
// interval.
func NewFixedWindow(st store.Store, budget int64, window time.Duration, logger zerolog.Logger) *FixedWindow {
	return &FixedWindow{
		store:  st,
		budget: budget,
		window: window,
		prefix: "relay:ratelimit:win:",
		log:    logger.With().Str("component", "ratelimit").Logger(),
	}
}

// Allow counts one request against the key's window.
func (l *FixedWindow) Allow(ctx context.Context, key string) Decision {
	n, err := l.store.IncrWindow(ctx, l.prefix+key, l.window)
	if err != nil {
		l.log.Warn().Err(err).Str("key", key).Msg("Window limit store unreachable, failing open")
		return Decision{Allowed: true}
	}
	if n > l.budget {
		return Decision{Allowed: false, RetryAfter: l.window}
	}
	return Decision{Allowed: true}
}
