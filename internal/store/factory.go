package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Driver names accepted by Open.
const (
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

// Options selects and configures a store driver.
type Options struct {
	Driver   string
	Addr     string // redis only
	Password string
	DB       int
}

// Open builds a Store for the configured driver and verifies reachability.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case DriverMemory:
		return NewMemoryStore(), nil
	case DriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:         opts.Addr,
			Password:     opts.Password,
			DB:           opts.DB,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  2 * time.Second,
			WriteTimeout: 2 * time.Second,
		})
		s := NewRedisStore(client)
		if err := s.Ping(ctx); err != nil {
			client.Close()
			return nil, fmt.Errorf("store: redis unreachable at %s: %w", opts.Addr, err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("store: unknown driver %q", opts.Driver)
	}
}
