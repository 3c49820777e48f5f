package permissions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultRedisPrefix namespaces every key written by RedisCache
const DefaultRedisPrefix = "vcboard:perms:"

// RedisOptions configures the Redis connection used by RedisCache
type RedisOptions struct {
	URL        string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
}

// NewRedisClient connects to Redis and verifies the connection
func NewRedisClient(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	parsed, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	if opts.Password != "" {
		parsed.Password = opts.Password
	}
	if opts.DB > 0 {
		parsed.DB = opts.DB
	}
	if opts.PoolSize > 0 {
		parsed.PoolSize = opts.PoolSize
	}
	if opts.MaxRetries > 0 {
		parsed.MaxRetries = opts.MaxRetries
	}

	parsed.DialTimeout = 5 * time.Second
	parsed.ReadTimeout = 3 * time.Second
	parsed.WriteTimeout = 3 * time.Second

	client := redis.NewClient(parsed)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return client, nil
}

// RedisCache is a Cache shared between processes. Each entry is its own key with
// a TTL; a SET per forum lists the entry keys populated from that forum, and a
// counter per forum holds its invalidation generation.
type RedisCache struct {
	client   *redis.Client
	prefix   string
	indexTTL time.Duration
}

// NewRedisCache creates a Redis-backed cache. indexTTL bounds the lifetime of the
// per-forum index sets and should be at least the entry TTL.
func NewRedisCache(client *redis.Client, prefix string, indexTTL time.Duration) *RedisCache {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisCache{
		client:   client,
		prefix:   prefix,
		indexTTL: indexTTL,
	}
}

func (c *RedisCache) entryKey(subjectKey string, forumID int64) string {
	return c.prefix + cacheKey(subjectKey, forumID)
}

func (c *RedisCache) indexKey(forumID int64) string {
	return c.prefix + "f" + strconv.FormatInt(forumID, 10) + ":keys"
}

func (c *RedisCache) generationKey(forumID int64) string {
	return c.prefix + "f" + strconv.FormatInt(forumID, 10) + ":gen"
}

// errStaleGeneration aborts a Put whose forum was invalidated meanwhile
var errStaleGeneration = errors.New("forum invalidated since resolve")

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func readGeneration(ctx context.Context, cmd stringGetter, key string) (uint64, error) {
	gen, err := cmd.Get(ctx, key).Uint64()
	if err == redis.Nil {
		return 0, nil
	}
	return gen, err
}

// Generation implements Cache
func (c *RedisCache) Generation(ctx context.Context, forumID int64) (uint64, error) {
	gen, err := readGeneration(ctx, c.client, c.generationKey(forumID))
	if err != nil {
		return 0, fmt.Errorf("redis generation read failed: %w", err)
	}
	return gen, nil
}

// Get implements Cache
func (c *RedisCache) Get(ctx context.Context, subjectKey string, forumID int64) (Set, bool, error) {
	key := c.entryKey(subjectKey, forumID)

	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	} else if err != nil {
		return nil, false, fmt.Errorf("redis get failed: %w", err)
	}

	var set Set
	if err := json.Unmarshal(data, &set); err != nil {
		c.client.Del(ctx, key)
		return nil, false, fmt.Errorf("failed to unmarshal permission set: %w", err)
	}
	return set, true, nil
}

// Put implements Cache
func (c *RedisCache) Put(ctx context.Context, subjectKey string, forumID int64, gen uint64, set Set, ttl time.Duration) error {
	data, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("failed to marshal permission set: %w", err)
	}

	key := c.entryKey(subjectKey, forumID)
	index := c.indexKey(forumID)
	indexTTL := c.indexTTL
	if ttl > indexTTL {
		indexTTL = ttl
	}

	genKey := c.generationKey(forumID)

	// WATCH makes an INCR from InvalidateForum between the check and EXEC
	// abort the write
	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := readGeneration(ctx, tx, genKey)
		if err != nil {
			return err
		}
		if current != gen {
			return errStaleGeneration
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SAdd(ctx, index, key)
			if indexTTL > 0 {
				pipe.Expire(ctx, index, indexTTL)
			}
			pipe.Set(ctx, key, data, ttl)
			return nil
		})
		return err
	}, genKey)
	switch {
	case err == nil, errors.Is(err, errStaleGeneration), errors.Is(err, redis.TxFailedErr):
		return nil
	default:
		return fmt.Errorf("redis put failed: %w", err)
	}
}

// InvalidateForum implements Cache
func (c *RedisCache) InvalidateForum(ctx context.Context, forumID int64) error {
	index := c.indexKey(forumID)

	// bump first: any Put that has not committed yet is now refused
	if err := c.client.Incr(ctx, c.generationKey(forumID)).Err(); err != nil {
		return fmt.Errorf("failed to advance forum generation: %w", err)
	}

	keys, err := c.client.SMembers(ctx, index).Result()
	if err != nil {
		return fmt.Errorf("failed to read forum index: %w", err)
	}

	keys = append(keys, index)
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete forum entries: %w", err)
	}
	return nil
}

// Prune drops index members whose entry has already expired and returns how
// many were removed.
func (c *RedisCache) Prune(ctx context.Context) (int, error) {
	removed := 0

	iter := c.client.Scan(ctx, 0, c.prefix+"f*:keys", 100).Iterator()
	for iter.Next(ctx) {
		index := iter.Val()
		members, err := c.client.SMembers(ctx, index).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to read index %s: %w", index, err)
		}

		for _, member := range members {
			n, err := c.client.Exists(ctx, member).Result()
			if err != nil {
				return removed, fmt.Errorf("failed to check key %s: %w", member, err)
			}
			if n > 0 {
				continue
			}
			if err := c.client.SRem(ctx, index, member).Err(); err != nil {
				return removed, fmt.Errorf("failed to prune key %s: %w", member, err)
			}
			removed++
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("scan failed: %w", err)
	}

	return removed, nil
}

// Ping checks Redis connectivity
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
