package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helpdeck/relay/internal/store"
)

type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingSink) DeviceOnline(_ context.Context, tenant, device string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "online:"+tenant+":"+device)
}

func (r *recordingSink) DeviceOffline(_ context.Context, tenant, device string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "offline:"+tenant+":"+device)
}

func (r *recordingSink) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func newTracker(t *testing.T) (*Tracker, *recordingSink, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	sink := &recordingSink{}
	return NewTracker(st, sink, time.Minute, zerolog.Nop()), sink, st
}

func TestBoundaryEventsFireOncePerCrossing(t *testing.T) {
	tr, sink, _ := newTracker(t)
	ctx := context.Background()

	// Two overlapping connections: one online event, one offline event.
	require.NoError(t, tr.Set(ctx, "acme", "dev1", "conn-a"))
	require.NoError(t, tr.Set(ctx, "acme", "dev1", "conn-b"))
	require.NoError(t, tr.Remove(ctx, "acme", "dev1", "conn-a"))
	require.NoError(t, tr.Remove(ctx, "acme", "dev1", "conn-b"))

	assert.Equal(t, []string{"online:acme:dev1", "offline:acme:dev1"}, sink.all())
}

func TestBoundaryEventsRepeatAcrossCrossings(t *testing.T) {
	tr, sink, _ := newTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.Set(ctx, "acme", "dev1", "conn-a"))
	require.NoError(t, tr.Remove(ctx, "acme", "dev1", "conn-a"))
	require.NoError(t, tr.Set(ctx, "acme", "dev1", "conn-b"))
	require.NoError(t, tr.Remove(ctx, "acme", "dev1", "conn-b"))

	assert.Equal(t, []string{
		"online:acme:dev1", "offline:acme:dev1",
		"online:acme:dev1", "offline:acme:dev1",
	}, sink.all())
}

func TestDuplicateSetDoesNotRefire(t *testing.T) {
	tr, sink, _ := newTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.Set(ctx, "acme", "dev1", "conn-a"))
	require.NoError(t, tr.Set(ctx, "acme", "dev1", "conn-a"))

	assert.Equal(t, []string{"online:acme:dev1"}, sink.all())
}

func TestRemoveUnknownConnectionIsSilent(t *testing.T) {
	tr, sink, _ := newTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.Remove(ctx, "acme", "dev1", "never-set"))
	assert.Empty(t, sink.all())
}

func TestIsOnlineAndCount(t *testing.T) {
	tr, _, _ := newTracker(t)
	ctx := context.Background()

	online, err := tr.IsOnline(ctx, "acme", "dev1")
	require.NoError(t, err)
	assert.False(t, online)

	require.NoError(t, tr.Set(ctx, "acme", "dev1", "conn-a"))
	require.NoError(t, tr.Set(ctx, "acme", "dev1", "conn-b"))

	online, err = tr.IsOnline(ctx, "acme", "dev1")
	require.NoError(t, err)
	assert.True(t, online)

	n, err := tr.ActiveConnectionCount(ctx, "acme", "dev1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestExpiryCrossesOfflineBoundaryOnNextMutation(t *testing.T) {
	st := store.NewMemoryStore()
	sink := &recordingSink{}
	tr := NewTracker(st, sink, 30*time.Second, zerolog.Nop())
	ctx := context.Background()

	now := time.Now()
	st.SetClock(func() time.Time { return now })

	require.NoError(t, tr.Set(ctx, "acme", "dev1", "conn-a"))

	// The lease lapses without a heartbeat; the device reads as offline.
	now = now.Add(time.Minute)
	online, err := tr.IsOnline(ctx, "acme", "dev1")
	require.NoError(t, err)
	assert.False(t, online)

	// A new connection after expiry is a fresh online crossing.
	require.NoError(t, tr.Set(ctx, "acme", "dev1", "conn-b"))
	assert.Equal(t, []string{"online:acme:dev1", "online:acme:dev1"}, sink.all())
}

func TestSessions(t *testing.T) {
	tr, _, _ := newTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.Set(ctx, "acme", "dev2", "conn-c"))
	require.NoError(t, tr.Set(ctx, "acme", "dev1", "conn-b"))
	require.NoError(t, tr.Set(ctx, "acme", "dev1", "conn-a"))
	require.NoError(t, tr.Set(ctx, "other", "dev9", "conn-z"))

	sessions, err := tr.Sessions(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "dev1", sessions[0].DeviceID)
	assert.Equal(t, []string{"conn-a", "conn-b"}, sessions[0].ConnectionIDs)
	assert.Equal(t, "dev2", sessions[1].DeviceID)
	assert.Equal(t, []string{"conn-c"}, sessions[1].ConnectionIDs)
}
