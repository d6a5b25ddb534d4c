// Package infra provides concrete infrastructure adapters for the
// distributed store boundary (C14): Redis for production, an in-memory
// map for local/dev mode and tests. Both implement Store so the lock
// service (C1), cache L2 tier (C6) and queue dedup set (C9) are
// storage-agnostic.
package infra

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// GoRedisAdapter wraps go-redis v9 and implements Store.
type GoRedisAdapter struct {
	rdb *redis.Client

	releaseScript *redis.Script
	extendScript  *redis.Script
}

// compareAndDelete deletes KEYS[1] only if its value equals ARGV[1].
const releaseScriptSrc = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// compareAndSetExpiry extends KEYS[1]'s TTL (ARGV[2], in ms) only if its
// value equals ARGV[1].
const extendScriptSrc = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`

// NewGoRedisAdapter attempts to connect to Redis using the provided options.
// Returns the adapter and any connection error (caller decides whether to
// fall back to MemStore).
func NewGoRedisAdapter(addr, password string, db int) (*GoRedisAdapter, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("redis connected", "addr", addr, "db", db)
	return &GoRedisAdapter{
		rdb:           rdb,
		releaseScript: redis.NewScript(releaseScriptSrc),
		extendScript:  redis.NewScript(extendScriptSrc),
	}, nil
}

// Close shuts down the underlying redis client.
func (a *GoRedisAdapter) Close() error {
	return a.rdb.Close()
}

func (a *GoRedisAdapter) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return a.rdb.Set(ctx, key, value, ttl).Err()
}

func (a *GoRedisAdapter) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := a.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	return val, err
}

func (a *GoRedisAdapter) Del(ctx context.Context, keys ...string) error {
	return a.rdb.Del(ctx, keys...).Err()
}

// SetNX is the acquisition primitive behind C1: SET key value NX PX ttl.
func (a *GoRedisAdapter) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return a.rdb.SetNX(ctx, key, value, ttl).Result()
}

// CompareAndDelete is the release primitive behind C1: only the holder that
// set the token may delete it, enforced atomically via a Lua script so the
// check-then-delete can't race a concurrent re-acquisition.
func (a *GoRedisAdapter) CompareAndDelete(ctx context.Context, key string, expect []byte) (bool, error) {
	res, err := a.releaseScript.Run(ctx, a.rdb, []string{key}, expect).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// CompareAndSetExpiry is the extend primitive behind C1: extends the TTL
// only if the caller still holds the token.
func (a *GoRedisAdapter) CompareAndSetExpiry(ctx context.Context, key string, expect []byte, ttl time.Duration) (bool, error) {
	res, err := a.extendScript.Run(ctx, a.rdb, []string{key}, expect, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (a *GoRedisAdapter) SAdd(ctx context.Context, key string, members ...string) error {
	ifaces := make([]interface{}, len(members))
	for i, m := range members {
		ifaces[i] = m
	}
	return a.rdb.SAdd(ctx, key, ifaces...).Err()
}

func (a *GoRedisAdapter) SRem(ctx context.Context, key string, members ...string) error {
	ifaces := make([]interface{}, len(members))
	for i, m := range members {
		ifaces[i] = m
	}
	return a.rdb.SRem(ctx, key, ifaces...).Err()
}

func (a *GoRedisAdapter) SMembers(ctx context.Context, key string) ([]string, error) {
	return a.rdb.SMembers(ctx, key).Result()
}

// Scan wraps redis SCAN with a bounded count hint; cursor 0 both starts and
// ends a full iteration per redis convention.
func (a *GoRedisAdapter) Scan(ctx context.Context, cursor uint64, pattern string, count int64) ([]string, uint64, error) {
	keys, next, err := a.rdb.Scan(ctx, cursor, pattern, count).Result()
	if err != nil {
		return nil, 0, err
	}
	return keys, next, nil
}

func (a *GoRedisAdapter) Publish(ctx context.Context, channel string, message []byte) error {
	return a.rdb.Publish(ctx, channel, message).Err()
}

// Subscribe registers a handler for messages on a Redis Pub/Sub channel.
// Returns an unsubscribe function.
func (a *GoRedisAdapter) Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error) {
	sub := a.rdb.Subscribe(ctx, channel)

	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	ch := sub.Channel()
	go func() {
		for msg := range ch {
			handler([]byte(msg.Payload))
		}
	}()

	return func() { sub.Close() }, nil
}

var _ Store = (*GoRedisAdapter)(nil)
