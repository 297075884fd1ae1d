package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.drove.dev/drove/pkg/redistest"
)

func testStoreContract(t *testing.T, store Store) {
	ctx := context.Background()

	// Absent key.
	_, ok, err := store.Get(ctx, "bucket")
	require.NoError(t, err)
	assert.False(t, ok)

	// Create via CAS with expected absent.
	swapped, err := store.CompareAndSwap(ctx, "bucket", "", "v1")
	require.NoError(t, err)
	assert.True(t, swapped)

	// Create race loser.
	swapped, err = store.CompareAndSwap(ctx, "bucket", "", "v1-other")
	require.NoError(t, err)
	assert.False(t, swapped)

	val, ok, err := store.Get(ctx, "bucket")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v1", val)

	// Conditional replace.
	swapped, err = store.CompareAndSwap(ctx, "bucket", "v1", "v2")
	require.NoError(t, err)
	assert.True(t, swapped)
	swapped, err = store.CompareAndSwap(ctx, "bucket", "v1", "v3")
	require.NoError(t, err)
	assert.False(t, swapped, "stale expected value must lose")

	// Empty next value is rejected.
	_, err = store.CompareAndSwap(ctx, "bucket", "v2", "")
	require.Error(t, err)

	// Delete is idempotent.
	require.NoError(t, store.Delete(ctx, "bucket"))
	require.NoError(t, store.Delete(ctx, "bucket"))
	_, ok, err = store.Get(ctx, "bucket")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStoreContract(t *testing.T) {
	testStoreContract(t, NewMemoryStore())
}

func TestMemoryStoreTTL(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()
	store.Clock = func() time.Time { return now }

	require.NoError(t, store.SetWithTTL(ctx, "lease", "w1", time.Minute))
	_, ok, err := store.Get(ctx, "lease")
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok, err = store.Get(ctx, "lease")
	require.NoError(t, err)
	assert.False(t, ok, "value must expire after its TTL")

	// Zero TTL never expires.
	require.NoError(t, store.SetWithTTL(ctx, "flag", "cancelled", 0))
	now = now.Add(24 * time.Hour)
	_, ok, err = store.Get(ctx, "flag")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisStoreContract(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	instance := redistest.NewRedis(ctx, t)
	defer instance.Close()

	testStoreContract(t, &RedisStore{Redis: instance.Client, Prefix: "drove_test\x00"})
}

func TestRedisStoreTTL(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	instance := redistest.NewRedis(ctx, t)
	defer instance.Close()

	store := &RedisStore{Redis: instance.Client, Prefix: "drove_ttl\x00"}
	require.NoError(t, store.SetWithTTL(ctx, "lease", "w1", 100*time.Millisecond))
	_, ok, err := store.Get(ctx, "lease")
	require.NoError(t, err)
	assert.True(t, ok)
	time.Sleep(200 * time.Millisecond)
	_, ok, err = store.Get(ctx, "lease")
	require.NoError(t, err)
	assert.False(t, ok)
}
