package idempotency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helpdeck/relay/internal/store"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	return New(store.NewMemoryStore(), time.Hour, zerolog.Nop())
}

func TestExecuteRunsEffectOnce(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	var calls atomic.Int32

	effect := func(context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte(`{"id":"m1"}`), nil
	}

	result, replayed, err := s.Execute(ctx, "acme", "conv-1", "local-1", effect)
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.JSONEq(t, `{"id":"m1"}`, string(result))

	result, replayed, err = s.Execute(ctx, "acme", "conv-1", "local-1", effect)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.JSONEq(t, `{"id":"m1"}`, string(result))

	assert.EqualValues(t, 1, calls.Load())
}

func TestKeysAreScopedToTenantAndConversation(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	var calls atomic.Int32

	effect := func(context.Context) ([]byte, error) {
		n := calls.Add(1)
		return []byte(fmt.Sprintf(`{"n":%d}`, n)), nil
	}

	_, replayed, err := s.Execute(ctx, "acme", "conv-1", "local-1", effect)
	require.NoError(t, err)
	assert.False(t, replayed)

	// Same key under another conversation or tenant is a fresh submission.
	_, replayed, err = s.Execute(ctx, "acme", "conv-2", "local-1", effect)
	require.NoError(t, err)
	assert.False(t, replayed)

	_, replayed, err = s.Execute(ctx, "other", "conv-1", "local-1", effect)
	require.NoError(t, err)
	assert.False(t, replayed)

	assert.EqualValues(t, 3, calls.Load())
}

func TestConcurrentDuplicatesExecuteOnce(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	var calls atomic.Int32

	effect := func(context.Context) ([]byte, error) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond) // hold the reservation briefly
		return []byte(`{"id":"m1"}`), nil
	}

	const racers = 8
	var wg sync.WaitGroup
	var replays atomic.Int32
	results := make([][]byte, racers)
	errs := make([]error, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, replayed, err := s.Execute(ctx, "acme", "conv-1", "local-1", effect)
			results[i] = result
			errs[i] = err
			if replayed {
				replays.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load())
	assert.EqualValues(t, racers-1, replays.Load())
	for i := 0; i < racers; i++ {
		require.NoError(t, errs[i])
		assert.JSONEq(t, `{"id":"m1"}`, string(results[i]))
	}
}

func TestEffectErrorReleasesReservation(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	boom := errors.New("persist failed")

	_, _, err := s.Execute(ctx, "acme", "conv-1", "local-1", func(context.Context) ([]byte, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)

	// The retry after a failure executes again.
	result, replayed, err := s.Execute(ctx, "acme", "conv-1", "local-1", func(context.Context) ([]byte, error) {
		return []byte(`{"id":"m2"}`), nil
	})
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.JSONEq(t, `{"id":"m2"}`, string(result))
}

func TestExecuteHonorsContextCancellation(t *testing.T) {
	kv := store.NewMemoryStore()
	s := New(kv, time.Hour, zerolog.Nop())

	// Plant a pending marker so Execute has to wait on the "winner".
	_, _, err := kv.PutIfAbsent(context.Background(), recordKey("acme", "conv-1", "local-1"), pendingPrefix+"x", pendingTTL)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, _, err = s.Execute(ctx, "acme", "conv-1", "local-1", func(context.Context) ([]byte, error) {
		t.Fatal("effect must not run while a reservation is pending")
		return nil, nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
