package limits

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helpdeck/relay/internal/store"
)

func TestTokenBucketRejectsOverCapacity(t *testing.T) {
	st := store.NewMemoryStore()
	now := time.Now()
	st.SetClock(func() time.Time { return now })
	l := NewTokenBucket(st, 5, time.Second, zerolog.Nop())
	ctx := context.Background()

	rejected := 0
	var retryAfter time.Duration
	for i := 0; i < 6; i++ {
		d := l.Allow(ctx, "acme:op1")
		if !d.Allowed {
			rejected++
			retryAfter = d.RetryAfter
		}
	}

	assert.Equal(t, 1, rejected)
	assert.Greater(t, retryAfter, time.Duration(0))
}

func TestTokenBucketRefillsOverWindow(t *testing.T) {
	st := store.NewMemoryStore()
	now := time.Now()
	st.SetClock(func() time.Time { return now })
	l := NewTokenBucket(st, 5, time.Second, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.True(t, l.Allow(ctx, "acme:op1").Allowed)
	}
	require.False(t, l.Allow(ctx, "acme:op1").Allowed)

	// Partial refill: 400ms at 5 tokens/sec grants two more sends.
	now = now.Add(400 * time.Millisecond)
	assert.True(t, l.Allow(ctx, "acme:op1").Allowed)
	assert.True(t, l.Allow(ctx, "acme:op1").Allowed)
	assert.False(t, l.Allow(ctx, "acme:op1").Allowed)
}

func TestTokenBucketIsolatesPrincipals(t *testing.T) {
	st := store.NewMemoryStore()
	now := time.Now()
	st.SetClock(func() time.Time { return now })
	l := NewTokenBucket(st, 2, time.Second, zerolog.Nop())
	ctx := context.Background()

	require.True(t, l.Allow(ctx, "acme:op1").Allowed)
	require.True(t, l.Allow(ctx, "acme:op1").Allowed)
	require.False(t, l.Allow(ctx, "acme:op1").Allowed)

	assert.True(t, l.Allow(ctx, "acme:op2").Allowed)
}

type failingStore struct {
	store.Store
}

func (failingStore) TakeToken(context.Context, string, int64, time.Duration) (bool, time.Duration, error) {
	return false, 0, errors.New("store down")
}

func (failingStore) IncrWindow(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("store down")
}

func TestTokenBucketFailsOpenOnStoreError(t *testing.T) {
	l := NewTokenBucket(failingStore{}, 1, time.Second, zerolog.Nop())
	for i := 0; i < 10; i++ {
		assert.True(t, l.Allow(context.Background(), "acme:op1").Allowed)
	}
}

func TestFixedWindowBudget(t *testing.T) {
	st := store.NewMemoryStore()
	now := time.Now()
	st.SetClock(func() time.Time { return now })
	l := NewFixedWindow(st, 3, time.Minute, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.True(t, l.Allow(ctx, "ip:1.2.3.4").Allowed)
	}
	d := l.Allow(ctx, "ip:1.2.3.4")
	require.False(t, d.Allowed)
	assert.Equal(t, time.Minute, d.RetryAfter)

	// The window resets the budget.
	now = now.Add(time.Minute + time.Second)
	assert.True(t, l.Allow(ctx, "ip:1.2.3.4").Allowed)
}

func TestFixedWindowFailsOpenOnStoreError(t *testing.T) {
	l := NewFixedWindow(failingStore{}, 1, time.Minute, zerolog.Nop())
	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow(context.Background(), "ip:1.2.3.4").Allowed)
	}
}

func TestConnLimiterPerIPBurst(t *testing.T) {
	l := NewConnLimiter(ConnLimiterConfig{IPRate: 1, IPBurst: 3}, zerolog.Nop())
	defer l.Stop()

	allowed := 0
	for i := 0; i < 5; i++ {
		if l.Allow("10.0.0.1") {
			allowed++
		}
	}
	assert.Equal(t, 3, allowed)

	// A different source gets its own bucket.
	assert.True(t, l.Allow("10.0.0.2"))
}
