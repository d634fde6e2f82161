package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Presence sets are sorted sets scored by expiry deadline (unix millis).
// Every script purges members whose deadline has passed before acting, so
// entries left behind by a crashed gateway age out on their own.
var addPresenceScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local added = redis.call('ZADD', KEYS[1], ARGV[2], ARGV[3])
local n = redis.call('ZCARD', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return {added, n}
`)

var removePresenceScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local removed = redis.call('ZREM', KEYS[1], ARGV[2])
local n = redis.call('ZCARD', KEYS[1])
if n == 0 then
	redis.call('DEL', KEYS[1])
end
return {removed, n}
`)

var countPresenceScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
return redis.call('ZCARD', KEYS[1])
`)

var membersPresenceScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
return redis.call('ZRANGE', KEYS[1], 0, -1)
`)

// Token bucket state is a hash of {tokens, ts}; refill is computed inside
// the script from the caller-supplied clock so one round trip decides.
var takeTokenScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local tokens = capacity
local ts = now
local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
if state[1] then
	tokens = tonumber(state[1])
	ts = tonumber(state[2])
end
local elapsed = now - ts
if elapsed < 0 then elapsed = 0 end
tokens = tokens + elapsed * capacity / window
if tokens > capacity then tokens = capacity end
local allowed = 0
local retry = 0
if tokens >= 1 then
	tokens = tokens - 1
	allowed = 1
else
	retry = math.ceil((1 - tokens) * window / capacity)
end
redis.call('HSET', KEYS[1], 'tokens', tokens, 'ts', now)
redis.call('PEXPIRE', KEYS[1], window * 2)
return {allowed, retry}
`)

var incrWindowScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// RedisStore implements Store against a shared Redis deployment.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) AddPresence(ctx context.Context, key, member string, ttl time.Duration) (int64, bool, error) {
	now := time.Now().UnixMilli()
	deadline := now + ttl.Milliseconds()
	res, err := addPresenceScript.Run(ctx, s.client, []string{key},
		now, deadline, member, ttl.Milliseconds()*2).Int64Slice()
	if err != nil {
		return 0, false, wrap(err)
	}
	return res[1], res[0] == 1, nil
}

func (s *RedisStore) RemovePresence(ctx context.Context, key, member string) (int64, bool, error) {
	now := time.Now().UnixMilli()
	res, err := removePresenceScript.Run(ctx, s.client, []string{key}, now, member).Int64Slice()
	if err != nil {
		return 0, false, wrap(err)
	}
	return res[1], res[0] == 1, nil
}

func (s *RedisStore) RefreshPresence(ctx context.Context, key, member string, ttl time.Duration) error {
	// ZADD XX only touches existing members; a vanished member is not
	// resurrected by a late heartbeat.
	deadline := time.Now().UnixMilli() + ttl.Milliseconds()
	err := s.client.ZAddXX(ctx, key, redis.Z{Score: float64(deadline), Member: member}).Err()
	return wrap(err)
}

func (s *RedisStore) CountPresence(ctx context.Context, key string) (int64, error) {
	n, err := countPresenceScript.Run(ctx, s.client, []string{key}, time.Now().UnixMilli()).Int64()
	if err != nil {
		return 0, wrap(err)
	}
	return n, nil
}

func (s *RedisStore) PresenceMembers(ctx context.Context, key string) ([]string, error) {
	res, err := membersPresenceScript.Run(ctx, s.client, []string{key}, time.Now().UnixMilli()).StringSlice()
	if err != nil {
		return nil, wrap(err)
	}
	return res, nil
}

func (s *RedisStore) ScanPresence(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, wrap(err)
	}
	return keys, nil
}

func (s *RedisStore) TakeToken(ctx context.Context, key string, capacity int64, window time.Duration) (bool, time.Duration, error) {
	res, err := takeTokenScript.Run(ctx, s.client, []string{key},
		capacity, window.Milliseconds(), time.Now().UnixMilli()).Int64Slice()
	if err != nil {
		return false, 0, wrap(err)
	}
	return res[0] == 1, time.Duration(res[1]) * time.Millisecond, nil
}

func (s *RedisStore) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := incrWindowScript.Run(ctx, s.client, []string{key}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, wrap(err)
	}
	return n, nil
}

func (s *RedisStore) PutIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, string, error) {
	stored, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, "", wrap(err)
	}
	if stored {
		return true, "", nil
	}
	existing, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		// Raced with an expiry between SETNX and GET; treat as absent so the
		// caller retries.
		return false, "", nil
	}
	if err != nil {
		return false, "", wrap(err)
	}
	return false, existing, nil
}

func (s *RedisStore) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	return wrap(s.client.Set(ctx, key, value, ttl).Err())
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap(err)
	}
	return val, true, nil
}

func (s *RedisStore) Del(ctx context.Context, key string) error {
	return wrap(s.client.Del(ctx, key).Err())
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return wrap(s.client.Ping(ctx).Err())
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
