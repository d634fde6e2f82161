package store

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"
)

// MemoryStore implements Store with in-process state. It mirrors the redis
// driver's semantics exactly (per-member expiry, atomic mutations) and is
// used by tests and single-node development.
type MemoryStore struct {
	mu       sync.Mutex
	presence map[string]map[string]time.Time // key -> member -> deadline
	buckets  map[string]*bucket
	windows  map[string]*window
	kv       map[string]kvEntry

	// now is swappable so tests can drive the clock.
	now func() time.Time
}

type bucket struct {
	tokens float64
	ts     time.Time
}

type window struct {
	count int64
	reset time.Time
}

type kvEntry struct {
	value    string
	deadline time.Time // zero = no expiry
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		presence: make(map[string]map[string]time.Time),
		buckets:  make(map[string]*bucket),
		windows:  make(map[string]*window),
		kv:       make(map[string]kvEntry),
		now:      time.Now,
	}
}

// SetClock replaces the store's clock. Test helper.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) purgeLocked(key string, now time.Time) map[string]time.Time {
	set := s.presence[key]
	for member, deadline := range set {
		if !deadline.After(now) {
			delete(set, member)
		}
	}
	if len(set) == 0 {
		delete(s.presence, key)
		return nil
	}
	return set
}

func (s *MemoryStore) AddPresence(_ context.Context, key, member string, ttl time.Duration) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	set := s.purgeLocked(key, now)
	if set == nil {
		set = make(map[string]time.Time)
		s.presence[key] = set
	}
	_, existed := set[member]
	set[member] = now.Add(ttl)
	return int64(len(set)), !existed, nil
}

func (s *MemoryStore) RemovePresence(_ context.Context, key, member string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.purgeLocked(key, s.now())
	if set == nil {
		return 0, false, nil
	}
	_, existed := set[member]
	delete(set, member)
	if len(set) == 0 {
		delete(s.presence, key)
	}
	return int64(len(set)), existed, nil
}

func (s *MemoryStore) RefreshPresence(_ context.Context, key, member string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	set := s.purgeLocked(key, now)
	if set == nil {
		return nil
	}
	if _, ok := set[member]; ok {
		set[member] = now.Add(ttl)
	}
	return nil
}

func (s *MemoryStore) CountPresence(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.purgeLocked(key, s.now())
	return int64(len(set)), nil
}

func (s *MemoryStore) PresenceMembers(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.purgeLocked(key, s.now())
	members := make([]string, 0, len(set))
	for m := range set {
		members = append(members, m)
	}
	return members, nil
}

func (s *MemoryStore) ScanPresence(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var keys []string
	for key := range s.presence {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if set := s.purgeLocked(key, now); set != nil {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (s *MemoryStore) TakeToken(_ context.Context, key string, capacity int64, windowDur time.Duration) (bool, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(capacity), ts: now}
		s.buckets[key] = b
	}
	elapsed := now.Sub(b.ts)
	if elapsed > 0 {
		b.tokens += elapsed.Seconds() / windowDur.Seconds() * float64(capacity)
		if b.tokens > float64(capacity) {
			b.tokens = float64(capacity)
		}
	}
	b.ts = now
	if b.tokens >= 1 {
		b.tokens--
		return true, 0, nil
	}
	retry := time.Duration(math.Ceil((1-b.tokens)*windowDur.Seconds()/float64(capacity)*1000)) * time.Millisecond
	return false, retry, nil
}

func (s *MemoryStore) IncrWindow(_ context.Context, key string, windowDur time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	w, ok := s.windows[key]
	if !ok || !w.reset.After(now) {
		w = &window{reset: now.Add(windowDur)}
		s.windows[key] = w
	}
	w.count++
	return w.count, nil
}

func (s *MemoryStore) PutIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if e, ok := s.kv[key]; ok && (e.deadline.IsZero() || e.deadline.After(now)) {
		return false, e.value, nil
	}
	s.kv[key] = kvEntry{value: value, deadline: expiry(now, ttl)}
	return true, "", nil
}

func (s *MemoryStore) Put(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[key] = kvEntry{value: value, deadline: expiry(s.now(), ttl)}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.kv[key]
	if !ok {
		return "", false, nil
	}
	if !e.deadline.IsZero() && !e.deadline.After(s.now()) {
		delete(s.kv, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (s *MemoryStore) Del(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kv, key)
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
