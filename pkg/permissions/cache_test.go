package permissions

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCache_GetPut(t *testing.T) {
	cache := NewMemoryCache(10, time.Minute)
	ctx := context.Background()

	_, hit, err := cache.Get(ctx, "u1", 1)
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, cache.Put(ctx, "u1", 1, 0, Set{ViewForum: true}, time.Minute))

	set, hit, err := cache.Get(ctx, "u1", 1)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.True(t, set[ViewForum])

	// callers get their own copy
	set[ViewForum] = false
	again, _, _ := cache.Get(ctx, "u1", 1)
	assert.True(t, again[ViewForum])
}

func TestMemoryCache_InvalidateForum(t *testing.T) {
	cache := NewMemoryCache(10, time.Minute)
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, "u1", 1, 0, Set{}, time.Minute))
	require.NoError(t, cache.Put(ctx, "anon", 1, 0, Set{}, time.Minute))
	require.NoError(t, cache.Put(ctx, "u1", 2, 0, Set{}, time.Minute))
	assert.Equal(t, 2, cache.indexedKeys(1))

	require.NoError(t, cache.InvalidateForum(ctx, 1))

	_, hit, _ := cache.Get(ctx, "u1", 1)
	assert.False(t, hit)
	_, hit, _ = cache.Get(ctx, "anon", 1)
	assert.False(t, hit)
	_, hit, _ = cache.Get(ctx, "u1", 2)
	assert.True(t, hit, "other forums are untouched")

	assert.Zero(t, cache.indexedKeys(1))
	assert.Equal(t, 1, cache.Len())

	// invalidating an empty forum is fine
	assert.NoError(t, cache.InvalidateForum(ctx, 77))
}

func TestMemoryCache_EvictionCleansIndex(t *testing.T) {
	cache := NewMemoryCache(2, time.Minute)
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, "u1", 1, 0, Set{}, time.Minute))
	require.NoError(t, cache.Put(ctx, "u2", 1, 0, Set{}, time.Minute))
	require.NoError(t, cache.Put(ctx, "u3", 2, 0, Set{}, time.Minute))

	assert.Equal(t, 2, cache.Len())
	assert.Equal(t, 1, cache.indexedKeys(1), "evicted entry leaves the index")
	assert.Equal(t, 1, cache.indexedKeys(2))
}

func TestMemoryCache_PerEntryTTL(t *testing.T) {
	cache := NewMemoryCache(10, time.Hour)
	now := time.Now()
	cache.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, "u1", 1, 0, Set{}, time.Second))

	_, hit, _ := cache.Get(ctx, "u1", 1)
	assert.True(t, hit)

	now = now.Add(2 * time.Second)
	_, hit, _ = cache.Get(ctx, "u1", 1)
	assert.False(t, hit)
	assert.Zero(t, cache.indexedKeys(1))
}

func TestMemoryCache_ConcurrentAccess(t *testing.T) {
	cache := NewMemoryCache(50, time.Minute)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				forumID := int64(j % 5)
				subject := fmt.Sprintf("u%d", worker*1000+j)
				_ = cache.Put(ctx, subject, forumID, 0, Set{ViewForum: true}, time.Minute)
				_, _, _ = cache.Get(ctx, subject, forumID)
				if j%17 == 0 {
					_ = cache.InvalidateForum(ctx, forumID)
				}
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, cache.Len(), 50)
	for forumID := int64(0); forumID < 5; forumID++ {
		require.NoError(t, cache.InvalidateForum(ctx, forumID))
		assert.Zero(t, cache.indexedKeys(forumID))
	}
}

func TestMemoryCache_PutAfterInvalidationIsDropped(t *testing.T) {
	cache := NewMemoryCache(10, time.Minute)
	ctx := context.Background()

	gen, err := cache.Generation(ctx, 1)
	require.NoError(t, err)

	// an edit lands between the read of the overrides and the store
	require.NoError(t, cache.InvalidateForum(ctx, 1))
	require.NoError(t, cache.Put(ctx, "anon", 1, gen, Set{StartThreads: false}, time.Minute))

	_, hit, _ := cache.Get(ctx, "anon", 1)
	assert.False(t, hit, "set computed before the invalidation must not be served")
	assert.Zero(t, cache.indexedKeys(1))

	next, err := cache.Generation(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, gen+1, next)
	require.NoError(t, cache.Put(ctx, "anon", 1, next, Set{StartThreads: true}, time.Minute))
	set, hit, _ := cache.Get(ctx, "anon", 1)
	assert.True(t, hit)
	assert.True(t, set[StartThreads])

	other, err := cache.Generation(ctx, 2)
	require.NoError(t, err)
	assert.Zero(t, other, "generations are per forum")
}
