package retryqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// RedisQueue implements Queue on Redis. The dequeue path runs server-side
// as a Lua script, so concurrent consumers never claim the same message.
// It is safe to run multiple producers and consumers on the same keys.
type RedisQueue struct {
	// Required components
	Redis *redis.Client
	// Required config
	Keys Keys
}

// Enqueue implements Queue.
func (q *RedisQueue) Enqueue(ctx context.Context, payload string, delay time.Duration) error {
	deliverAt := time.Now().Add(delay).Unix()
	return q.Redis.ZAdd(ctx, q.Keys.DelayedSet, &redis.Z{
		Score:  float64(deliverAt),
		Member: payload,
	}).Err()
}

// dequeueScript claims the next due message.
// Keys:
// 1. Delayed sorted set
// 2. In-flight hash
// 3. In-flight sorted set
// Arguments:
// 1. Unix epoch
// 2. Visibility deadline epoch
// 3. Receipt for the new claim
// Returns the claimed payload, or false if nothing is due.
const dequeueScript = `
-- Fold expired in-flight claims back into the delayed set first,
-- so a crashed consumer's messages become deliverable again.
local expired = redis.call("ZRANGEBYSCORE", KEYS[3], "-inf", ARGV[1])
for _, receipt in ipairs(expired) do
	local payload = redis.call("HGET", KEYS[2], receipt)
	if payload then
		redis.call("ZADD", KEYS[1], ARGV[1], payload)
		redis.call("HDEL", KEYS[2], receipt)
	end
	redis.call("ZREM", KEYS[3], receipt)
end
-- Claim the next due message.
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 1)
if #due == 0 then
	return false
end
local payload = due[1]
redis.call("ZREM", KEYS[1], payload)
redis.call("HSET", KEYS[2], ARGV[3], payload)
redis.call("ZADD", KEYS[3], ARGV[2], ARGV[3])
return payload
`

// Dequeue implements Queue.
func (q *RedisQueue) Dequeue(ctx context.Context, visibility time.Duration) (string, string, error) {
	now := time.Now()
	receipt := uuid.NewString()
	res, err := q.Redis.Eval(ctx, dequeueScript,
		[]string{q.Keys.DelayedSet, q.Keys.InflightHash, q.Keys.InflightSet},
		now.Unix(), now.Add(visibility).Unix(), receipt).Result()
	if err == redis.Nil {
		return "", "", ErrEmpty
	} else if err != nil {
		return "", "", fmt.Errorf("failed to dequeue via Lua: %w", err)
	}
	payload, ok := res.(string)
	if !ok {
		return "", "", fmt.Errorf("invalid return from dequeue script: %#v", res)
	}
	return payload, receipt, nil
}

// Delete implements Queue.
func (q *RedisQueue) Delete(ctx context.Context, receipt string) error {
	pipe := q.Redis.TxPipeline()
	pipe.HDel(ctx, q.Keys.InflightHash, receipt)
	pipe.ZRem(ctx, q.Keys.InflightSet, receipt)
	_, err := pipe.Exec(ctx)
	return err
}
