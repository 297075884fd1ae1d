package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore implements Store on a Redis server.
// Compare-and-swap runs server-side as a Lua script, so it is atomic with
// respect to every other client.
type RedisStore struct {
	// Required components
	Redis *redis.Client
	// Required config
	Prefix string // namespace prefix for all keys
}

func (r *RedisStore) key(key string) string {
	return r.Prefix + key
}

// Get implements Store.
func (r *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.Redis.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	} else if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// casScript swaps a value if the current value matches.
// Keys:
// 1. Value key
// Arguments:
// 1. Expected value ("" for absent)
// 2. New value
// Returns 1 if the swap happened, 0 otherwise.
const casScript = `
local cur = redis.call("GET", KEYS[1])
if cur == false then
	cur = ""
end
if cur ~= ARGV[1] then
	return 0
end
redis.call("SET", KEYS[1], ARGV[2])
return 1
`

// CompareAndSwap implements Store.
func (r *RedisStore) CompareAndSwap(ctx context.Context, key, expected, next string) (bool, error) {
	if next == "" {
		return false, errors.New("state: empty value is reserved for absent keys")
	}
	res, err := r.Redis.Eval(ctx, casScript, []string{r.key(key)}, expected, next).Result()
	if err != nil {
		return false, fmt.Errorf("failed to swap value via Lua: %w", err)
	}
	swapped, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("invalid return from swap script: %#v", res)
	}
	return swapped == 1, nil
}

// SetWithTTL implements Store.
func (r *RedisStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if value == "" {
		return errors.New("state: empty value is reserved for absent keys")
	}
	return r.Redis.Set(ctx, r.key(key), value, ttl).Err()
}

// Delete implements Store.
func (r *RedisStore) Delete(ctx context.Context, key string) error {
	return r.Redis.Del(ctx, r.key(key)).Err()
}
