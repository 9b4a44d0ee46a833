package config

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/risa-org/gateway/ratelimit"
	"github.com/risa-org/gateway/session"
	"github.com/risa-org/gateway/store/file"
	"github.com/risa-org/gateway/store/memory"
	redisstore "github.com/risa-org/gateway/store/redis"
)

// Limiter builds the outbound limiter of one shard.
func (c RateLimitConfig) Limiter() *ratelimit.Limiter {
	return ratelimit.New(
		ratelimit.WithCapacity(c.Capacity),
		ratelimit.WithWindow(c.Window),
		ratelimit.WithReserved(c.Reserved),
	)
}

// IdentifyLimiter builds the limiter shared by every shard of the process.
func (c RateLimitConfig) IdentifyLimiter() *ratelimit.IdentifyLimiter {
	return ratelimit.NewIdentifyLimiter(c.IdentifyConcurrency, c.IdentifyInterval)
}

// Open builds the configured session store. The returned close function
// releases its connections and is never nil. A nil store means sessions
// are not persisted.
func (c StoreConfig) Open(ctx context.Context) (session.Store, func() error, error) {
	noop := func() error { return nil }

	switch c.Kind {
	case StoreNone:
		return nil, noop, nil

	case StoreMemory:
		return memory.New(), noop, nil

	case StoreFile:
		s, err := file.New(c.Path)
		if err != nil {
			return nil, noop, err
		}
		return s, noop, nil

	case StoreRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr: c.RedisAddr,
			DB:   c.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, noop, fmt.Errorf("failed to reach redis at %s: %w", c.RedisAddr, err)
		}
		return redisstore.New(client,
			redisstore.WithPrefix(c.RedisPrefix),
			redisstore.WithTTL(c.TTL),
		), client.Close, nil
	}
	return nil, noop, fmt.Errorf("unknown store kind %q", c.Kind)
}
