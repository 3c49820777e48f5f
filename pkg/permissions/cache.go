package permissions

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache memoises resolved sets per (subject, forum) and drops them per forum.
//
// Each forum has a generation that InvalidateForum advances. A resolver reads
// the generation before it reads overrides and hands it back to Put, which
// stores nothing once the forum has been invalidated in between.
type Cache interface {
	// Get returns the cached set. A miss is (nil, false, nil).
	Get(ctx context.Context, subjectKey string, forumID int64) (Set, bool, error)

	// Generation returns the current invalidation generation of forumID
	Generation(ctx context.Context, forumID int64) (uint64, error)

	// Put stores a set for at most ttl if forumID is still at generation gen
	Put(ctx context.Context, subjectKey string, forumID int64, gen uint64, set Set, ttl time.Duration) error

	// InvalidateForum advances the generation of forumID and removes every
	// entry populated from it
	InvalidateForum(ctx context.Context, forumID int64) error
}

// cacheKey returns "f<forum>:<subject>"
func cacheKey(subjectKey string, forumID int64) string {
	return "f" + strconv.FormatInt(forumID, 10) + ":" + subjectKey
}

type memoryEntry struct {
	forumID   int64
	set       Set
	expiresAt time.Time
}

// MemoryCache is an in-process Cache backed by a bounded, expiring LRU. A
// per-forum index of populated keys keeps invalidation proportional to the
// number of affected entries.
type MemoryCache struct {
	lru *expirable.LRU[string, memoryEntry]

	// writeMu serialises Put against InvalidateForum and guards gens
	writeMu sync.Mutex
	gens    map[int64]uint64

	// idxMu is never held while calling into lru: the eviction callback runs
	// under the LRU's own lock and takes idxMu.
	idxMu sync.Mutex
	index map[int64]map[string]struct{}

	now func() time.Time
}

// NewMemoryCache creates a cache holding at most size entries, none older than maxTTL
func NewMemoryCache(size int, maxTTL time.Duration) *MemoryCache {
	if size <= 0 {
		size = 10000
	}
	c := &MemoryCache{
		gens:  make(map[int64]uint64),
		index: make(map[int64]map[string]struct{}),
		now:   time.Now,
	}
	c.lru = expirable.NewLRU[string, memoryEntry](size, c.onEvict, maxTTL)
	return c
}

func (c *MemoryCache) onEvict(key string, entry memoryEntry) {
	c.idxMu.Lock()
	defer c.idxMu.Unlock()

	keys, ok := c.index[entry.forumID]
	if !ok {
		return
	}
	delete(keys, key)
	if len(keys) == 0 {
		delete(c.index, entry.forumID)
	}
}

// Get implements Cache
func (c *MemoryCache) Get(_ context.Context, subjectKey string, forumID int64) (Set, bool, error) {
	key := cacheKey(subjectKey, forumID)
	entry, ok := c.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !entry.expiresAt.IsZero() && !c.now().Before(entry.expiresAt) {
		c.lru.Remove(key)
		return nil, false, nil
	}
	return entry.set.Clone(), true, nil
}

// Generation implements Cache
func (c *MemoryCache) Generation(_ context.Context, forumID int64) (uint64, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.gens[forumID], nil
}

// Put implements Cache
func (c *MemoryCache) Put(_ context.Context, subjectKey string, forumID int64, gen uint64, set Set, ttl time.Duration) error {
	key := cacheKey(subjectKey, forumID)
	entry := memoryEntry{forumID: forumID, set: set.Clone()}
	if ttl > 0 {
		entry.expiresAt = c.now().Add(ttl)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.gens[forumID] != gen {
		return nil
	}

	c.idxMu.Lock()
	keys, ok := c.index[forumID]
	if !ok {
		keys = make(map[string]struct{})
		c.index[forumID] = keys
	}
	keys[key] = struct{}{}
	c.idxMu.Unlock()

	c.lru.Add(key, entry)
	return nil
}

// InvalidateForum implements Cache
func (c *MemoryCache) InvalidateForum(_ context.Context, forumID int64) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.gens[forumID]++

	c.idxMu.Lock()
	keys := c.index[forumID]
	delete(c.index, forumID)
	c.idxMu.Unlock()

	for key := range keys {
		c.lru.Remove(key)
	}
	return nil
}

// Len returns the number of cached entries
func (c *MemoryCache) Len() int {
	return c.lru.Len()
}

// indexedKeys returns how many keys are tracked for forumID
func (c *MemoryCache) indexedKeys(forumID int64) int {
	c.idxMu.Lock()
	defer c.idxMu.Unlock()
	return len(c.index[forumID])
}
