package cache

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces every Kestrel key in a shared Redis.
const keyPrefix = "kestrel:"

// reserveScript trims both sorted sets to the decision horizon, checks the
// cooldown and cap windows, and records the member in both on success.
//
//	KEYS  cooldown set, cap set
//	ARGV  at, member, limit, horizon, coolMin, coolMax, capMin, capMax, ttl
var reserveScript = redis.NewScript(`
	local at = tonumber(ARGV[1])
	local horizon = tonumber(ARGV[4])
	for _, key in ipairs(KEYS) do
		local newest = redis.call('ZRANGE', key, -1, -1, 'WITHSCORES')
		if newest[2] then
			redis.call('ZREMRANGEBYSCORE', key, '-inf', math.max(tonumber(newest[2]), at) - horizon)
		end
	end
	if redis.call('ZCOUNT', KEYS[1], ARGV[5], ARGV[6]) > 0 then
		return 0
	end
	if redis.call('ZCOUNT', KEYS[2], ARGV[7], ARGV[8]) >= tonumber(ARGV[3]) then
		return 0
	end
	for _, key in ipairs(KEYS) do
		redis.call('ZADD', key, ARGV[1], ARGV[2])
		redis.call('PEXPIRE', key, ARGV[9])
	end
	return 1
`)

// RedisCache is the shared cache of the distributed profile. Failures are
// reported as domain.ErrTransientStore so callers can degrade instead of
// failing the trade.
type RedisCache struct {
	client *redis.Client
}

const dialTimeout = 5 * time.Second

// NewRedisCache dials addr (localhost:6379 when empty) and fails unless the
// server answers PING within five seconds.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cmp.Or(addr, "localhost:6379"),
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", client.Options().Addr, err)
	}
	return &RedisCache{client: client}, nil
}

// NewRedisCacheFromClient wraps an existing client.
func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, transient("get", key, err)
	}
	return val, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, keyPrefix+key, value, ttl).Err(); err != nil {
		return transient("set", key, err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return transient("delete", key, err)
	}
	return nil
}

// ReserveWindow keeps each window as a sorted set scored by event time in
// milliseconds. Sets expire after Horizon of wall-clock inactivity.
func (c *RedisCache) ReserveWindow(ctx context.Context, r domain.WindowReservation) (bool, error) {
	at := r.At.UnixMilli()
	horizon := r.Horizon().Milliseconds()
	ok, err := reserveScript.Run(ctx, c.client,
		[]string{keyPrefix + r.CooldownKey, keyPrefix + r.CapKey},
		at, r.Member, r.Limit, horizon,
		openBound(at-r.Cooldown.Milliseconds()), openBound(at+r.Cooldown.Milliseconds()),
		openBound(at-r.Window.Milliseconds()), openBound(at+r.Window.Milliseconds()),
		max(horizon, 1),
	).Int()
	if err != nil {
		return false, transient("reserve", r.CapKey, err)
	}
	return ok == 1, nil
}

func (c *RedisCache) ReleaseWindow(ctx context.Context, r domain.WindowReservation) error {
	_, err := c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, keyPrefix+r.CooldownKey, r.Member)
		p.ZRem(ctx, keyPrefix+r.CapKey, r.Member)
		return nil
	})
	if err != nil {
		return transient("release", r.CapKey, err)
	}
	return nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

// openBound renders an exclusive sorted-set score bound.
func openBound(ms int64) string {
	return "(" + strconv.FormatInt(ms, 10)
}

func transient(op, key string, err error) error {
	return fmt.Errorf("%w: redis %s %s: %v", domain.ErrTransientStore, op, key, err)
}
