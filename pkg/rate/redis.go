package rate

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// redisWindowScript maintains one rolling window as a sorted set: score is
// the record's unix-milli timestamp, member is "<uuid>:<amount>". It prunes,
// sums, and admits (or refuses) in one atomic round trip.
// KEYS[1] = window key ("rate:<principal>:<resource>")
// ARGV[1] = window length (milliseconds)
// ARGV[2] = window maximum
// ARGV[3] = amount requested
// ARGV[4] = now (unix milliseconds)
// ARGV[5] = member id for the new record
var redisWindowScript = redis.NewScript(`
local key = KEYS[1]
local window_ms = tonumber(ARGV[1])
local max = tonumber(ARGV[2])
local amount = tonumber(ARGV[3])
local now_ms = tonumber(ARGV[4])

redis.call("ZREMRANGEBYSCORE", key, 0, now_ms - window_ms)

local used = 0
local entries = redis.call("ZRANGE", key, 0, -1)
for _, e in ipairs(entries) do
    used = used + tonumber(string.match(e, "([^:]+)$"))
end

if used + amount > max then
    local retry_ms = window_ms
    local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
    if oldest[2] then
        retry_ms = tonumber(oldest[2]) + window_ms - now_ms
    end
    if retry_ms < 0 then
        retry_ms = 0
    end
    return {0, tostring(retry_ms)}
end

redis.call("ZADD", key, now_ms, ARGV[5] .. ":" .. ARGV[3])
redis.call("PEXPIRE", key, window_ms)
return {1, "0"}
`)

// RedisStore is the multi-process Store: the window lives in Redis and the
// prune/sum/admit step runs server-side so concurrent kernels never race.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects a RedisStore.
func NewRedisStore(addr, password string, db int) *RedisStore {
	return &RedisStore{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// NewRedisStoreFromClient wraps an existing client (tests, shared pools).
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Take implements Store.
func (s *RedisStore) Take(ctx context.Context, key string, limit Limit, amount float64, now time.Time) (bool, time.Duration, error) {
	res, err := redisWindowScript.Run(ctx, s.client, []string{"rate:" + key},
		limit.Window.Milliseconds(),
		limit.Max,
		amount,
		now.UnixMilli(),
		uuid.NewString(),
	).Result()
	if err != nil {
		return false, 0, fmt.Errorf("redis rate window: %w", err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, 0, fmt.Errorf("redis rate window: unexpected script reply %v", res)
	}
	allowed, _ := results[0].(int64)
	if allowed == 1 {
		return true, 0, nil
	}
	retryStr, _ := results[1].(string)
	retryMs, err := strconv.ParseFloat(retryStr, 64)
	if err != nil {
		return false, limit.Window, nil
	}
	return false, time.Duration(retryMs * float64(time.Millisecond)), nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
