// Package idempotency deduplicates retried state-changing events. Every
// submission carries a client-generated key scoped to (tenant, conversation);
// the first occurrence executes the effect and records the canonical result,
// all retries return that record without re-executing or re-broadcasting.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/helpdeck/relay/internal/store"
)

const (
	keyPrefix     = "relay:idem:"
	pendingPrefix = "pending:"
	pendingTTL    = 10 * time.Second
	pollInterval  = 25 * time.Millisecond
)

// ErrPendingTimeout is returned when a concurrent duplicate waits out the
// winner without seeing a result (e.g. the winner crashed mid-effect).
var ErrPendingTimeout = errors.New("idempotency: timed out waiting for concurrent submission")

// Effect executes the state change exactly once and returns the canonical
// result to record.
type Effect func(ctx context.Context) ([]byte, error)

// Store coordinates at-most-one execution per key through the shared store.
type Store struct {
	kv  store.Store
	ttl time.Duration
	log zerolog.Logger
}

// New builds an idempotency store; ttl bounds how long records stay
// authoritative for retries.
func New(kv store.Store, ttl time.Duration, logger zerolog.Logger) *Store {
	return &Store{
		kv:  kv,
		ttl: ttl,
		log: logger.With().Str("component", "idempotency").Logger(),
	}
}

func recordKey(tenant, conversation, key string) string {
	return keyPrefix + tenant + ":" + conversation + ":" + key
}

// Execute runs effect at most once per (tenant, conversation, key).
// replayed is true when the canonical result came from a prior submission;
// callers must not broadcast in that case.
//
// Concurrent duplicates race on an atomic insert-if-absent reservation; the
// loser polls for the winner's record and returns it.
func (s *Store) Execute(ctx context.Context, tenant, conversation, key string, effect Effect) (result []byte, replayed bool, err error) {
	rk := recordKey(tenant, conversation, key)

	if val, ok, err := s.kv.Get(ctx, rk); err != nil {
		return nil, false, fmt.Errorf("idempotency: lookup: %w", err)
	} else if ok {
		if strings.HasPrefix(val, pendingPrefix) {
			return s.awaitWinner(ctx, rk)
		}
		return []byte(val), true, nil
	}

	marker := pendingPrefix + uuid.NewString()
	stored, existing, err := s.kv.PutIfAbsent(ctx, rk, marker, pendingTTL)
	if err != nil {
		return nil, false, fmt.Errorf("idempotency: reserve: %w", err)
	}
	if !stored {
		if !strings.HasPrefix(existing, pendingPrefix) {
			return []byte(existing), true, nil
		}
		return s.awaitWinner(ctx, rk)
	}

	out, err := effect(ctx)
	if err != nil {
		// Release the reservation so a retry can execute.
		if delErr := s.kv.Del(ctx, rk); delErr != nil {
			s.log.Warn().Err(delErr).Str("key", rk).Msg("Failed to release idempotency reservation")
		}
		return nil, false, err
	}

	if err := s.kv.Put(ctx, rk, string(out), s.ttl); err != nil {
		return nil, false, fmt.Errorf("idempotency: record: %w", err)
	}
	return out, false, nil
}

// awaitWinner polls until the racing winner records its result.
func (s *Store) awaitWinner(ctx context.Context, rk string) ([]byte, bool, error) {
	deadline := time.Now().Add(pendingTTL)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-ticker.C:
		}
		val, ok, err := s.kv.Get(ctx, rk)
		if err != nil {
			return nil, false, fmt.Errorf("idempotency: await: %w", err)
		}
		if ok && !strings.HasPrefix(val, pendingPrefix) {
			return []byte(val), true, nil
		}
		if !ok {
			// Winner failed and released the reservation; nothing was
			// persisted, so the caller may retry from scratch.
			return nil, false, ErrPendingTimeout
		}
		if time.Now().After(deadline) {
			return nil, false, ErrPendingTimeout
		}
	}
}
