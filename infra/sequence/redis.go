// Package sequence provides shared sequence allocators for nodes running more
// than one process.
package sequence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kilianp07/flexplan/core/clock"
	coreseq "github.com/kilianp07/flexplan/core/sequence"
)

// DefaultKey is the redis key holding the last issued sequence number.
const DefaultKey = "flexplan:sequence"

// next = max(last+1, seed), stored atomically.
var nextScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local seed = tonumber(ARGV[1])
if seed > cur then cur = seed else cur = cur + 1 end
redis.call('SET', KEYS[1], cur)
return cur
`)

// Config configures the redis allocator.
type Config struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Key      string `json:"key"`
}

// RedisAllocator issues sequence numbers shared by every process using the same key.
type RedisAllocator struct {
	client redis.Scripter
	closer func() error
	key    string
	clock  clock.Clock
}

// NewRedisAllocator connects to redis and verifies the connection.
func NewRedisAllocator(ctx context.Context, cfg Config, c clock.Clock) (*RedisAllocator, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	key := cfg.Key
	if key == "" {
		key = DefaultKey
	}
	return &RedisAllocator{client: client, closer: client.Close, key: key, clock: c}, nil
}

// Next returns the next shared sequence number.
func (a *RedisAllocator) Next(ctx context.Context) (int64, error) {
	v, err := nextScript.Run(ctx, a.client, []string{a.key}, coreseq.Seed(a.clock)).Int64()
	if err != nil {
		return 0, fmt.Errorf("allocate sequence: %w", err)
	}
	return v, nil
}

// Close releases the redis connection.
func (a *RedisAllocator) Close() error {
	if a.closer == nil {
		return nil
	}
	return a.closer()
}

var _ coreseq.Allocator = (*RedisAllocator)(nil)
