package permissions

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisCache(t *testing.T) (*miniredis.Miniredis, *RedisCache) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, NewRedisCache(client, "", time.Hour)
}

func TestRedisCache_GetPut(t *testing.T) {
	mr, cache := newTestRedisCache(t)
	ctx := context.Background()

	_, hit, err := cache.Get(ctx, "u1", 4)
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, cache.Put(ctx, "u1", 4, 0, Set{ViewForum: true, StartThreads: false}, time.Minute))

	set, hit, err := cache.Get(ctx, "u1", 4)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, Set{ViewForum: true, StartThreads: false}, set)

	assert.True(t, mr.Exists(DefaultRedisPrefix+"f4:u1"))
	members, err := mr.Members(DefaultRedisPrefix + "f4:keys")
	require.NoError(t, err)
	assert.Equal(t, []string{DefaultRedisPrefix + "f4:u1"}, members)
	assert.Equal(t, time.Minute, mr.TTL(DefaultRedisPrefix+"f4:u1"))
	assert.Equal(t, time.Hour, mr.TTL(DefaultRedisPrefix+"f4:keys"))
}

func TestRedisCache_EntryExpires(t *testing.T) {
	mr, cache := newTestRedisCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, "anon", 1, 0, Set{}, time.Second))
	mr.FastForward(2 * time.Second)

	_, hit, err := cache.Get(ctx, "anon", 1)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestRedisCache_InvalidateForum(t *testing.T) {
	mr, cache := newTestRedisCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, "u1", 1, 0, Set{}, time.Minute))
	require.NoError(t, cache.Put(ctx, "anon", 1, 0, Set{}, time.Minute))
	require.NoError(t, cache.Put(ctx, "u1", 2, 0, Set{}, time.Minute))

	require.NoError(t, cache.InvalidateForum(ctx, 1))

	_, hit, _ := cache.Get(ctx, "u1", 1)
	assert.False(t, hit)
	_, hit, _ = cache.Get(ctx, "anon", 1)
	assert.False(t, hit)
	_, hit, _ = cache.Get(ctx, "u1", 2)
	assert.True(t, hit)
	assert.False(t, mr.Exists(DefaultRedisPrefix+"f1:keys"))

	// nothing cached for the forum
	assert.NoError(t, cache.InvalidateForum(ctx, 9))
}

func TestRedisCache_PutAfterInvalidationIsDropped(t *testing.T) {
	mr, cache := newTestRedisCache(t)
	ctx := context.Background()

	gen, err := cache.Generation(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, gen)

	require.NoError(t, cache.InvalidateForum(ctx, 1))
	genValue, err := mr.Get(DefaultRedisPrefix + "f1:gen")
	require.NoError(t, err)
	assert.Equal(t, "1", genValue)

	require.NoError(t, cache.Put(ctx, "anon", 1, gen, Set{StartThreads: false}, time.Minute))
	_, hit, err := cache.Get(ctx, "anon", 1)
	require.NoError(t, err)
	assert.False(t, hit, "set computed before the invalidation must not be served")
	assert.False(t, mr.Exists(DefaultRedisPrefix+"f1:anon"))

	next, err := cache.Generation(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), next)
	require.NoError(t, cache.Put(ctx, "anon", 1, next, Set{StartThreads: true}, time.Minute))
	set, hit, err := cache.Get(ctx, "anon", 1)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.True(t, set[StartThreads])
}

func TestRedisCache_CorruptEntryIsDropped(t *testing.T) {
	mr, cache := newTestRedisCache(t)
	ctx := context.Background()

	require.NoError(t, mr.Set(DefaultRedisPrefix+"f1:u1", "not json"))

	_, hit, err := cache.Get(ctx, "u1", 1)
	require.Error(t, err)
	assert.False(t, hit)
	assert.False(t, mr.Exists(DefaultRedisPrefix+"f1:u1"))
}

func TestRedisCache_Prune(t *testing.T) {
	mr, cache := newTestRedisCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, "u1", 1, 0, Set{}, time.Second))
	require.NoError(t, cache.Put(ctx, "u2", 1, 0, Set{}, 10*time.Minute))
	require.NoError(t, cache.Put(ctx, "u3", 2, 0, Set{}, time.Second))

	mr.FastForward(5 * time.Second)

	removed, err := cache.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	members, err := mr.Members(DefaultRedisPrefix + "f1:keys")
	require.NoError(t, err)
	assert.Equal(t, []string{DefaultRedisPrefix + "f1:u2"}, members)
	assert.False(t, mr.Exists(DefaultRedisPrefix+"f2:keys"), "empty sets disappear")
}

func TestRedisCache_Unavailable(t *testing.T) {
	mr, cache := newTestRedisCache(t)
	ctx := context.Background()
	mr.Close()

	_, _, err := cache.Get(ctx, "u1", 1)
	assert.Error(t, err)
	assert.Error(t, cache.Put(ctx, "u1", 1, 0, Set{}, time.Minute))
	assert.Error(t, cache.InvalidateForum(ctx, 1))
	assert.Error(t, cache.Ping(ctx))
}

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewRedisClient(context.Background(), RedisOptions{URL: "redis://" + mr.Addr() + "/0", PoolSize: 4})
	require.NoError(t, err)
	defer client.Close()
	assert.Equal(t, 4, client.Options().PoolSize)

	_, err = NewRedisClient(context.Background(), RedisOptions{URL: "://bad"})
	assert.Error(t, err)
}
