package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/polisai/polis-driver/internal/governance"
)

// TokenCache stores identities of validated tokens. Keys are token digests,
// never raw tokens.
type TokenCache interface {
	Get(ctx context.Context, key string) (*TokenInfo, bool, error)
	Set(ctx context.Context, key string, info *TokenInfo, ttl time.Duration) error
	Close() error
}

// TokenKey returns the cache key for token presented from party. Blackbox
// binds a validation to the caller's address, so the same token seen from
// another party gets a different key.
func TokenKey(party, token string) string {
	h := sha256.New()
	h.Write([]byte(party))
	h.Write([]byte{0})
	h.Write([]byte(token))
	return hex.EncodeToString(h.Sum(nil))
}

type memoryEntry struct {
	info    *TokenInfo
	expires time.Time
}

// MemoryTokenCache is an in-process TokenCache.
type MemoryTokenCache struct {
	mu      sync.Mutex
	clock   governance.Clock
	entries map[string]memoryEntry
}

// NewMemoryTokenCache creates an empty in-memory cache.
func NewMemoryTokenCache(clock governance.Clock) *MemoryTokenCache {
	if clock == nil {
		clock = governance.RealClock()
	}
	return &MemoryTokenCache{clock: clock, entries: map[string]memoryEntry{}}
}

func (c *MemoryTokenCache) Get(_ context.Context, key string) (*TokenInfo, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !c.clock.Now().Before(entry.expires) {
		delete(c.entries, key)
		return nil, false, nil
	}
	return entry.info, true, nil
}

// Set stores info under key and drops every entry that has already expired.
func (c *MemoryTokenCache) Set(_ context.Context, key string, info *TokenInfo, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	for k, entry := range c.entries {
		if !now.Before(entry.expires) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = memoryEntry{info: info, expires: now.Add(ttl)}
	return nil
}

// Len returns the number of stored entries. Expired entries are counted until
// the next Get or Set removes them.
func (c *MemoryTokenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *MemoryTokenCache) Close() error {
	return nil
}

const redisKeyPrefix = "polis:driver:token:"

// RedisTokenCache shares validated identities between proxy instances.
type RedisTokenCache struct {
	client *redis.Client
}

// NewRedisTokenCache connects to the Redis server at redisURL.
func NewRedisTokenCache(redisURL string) (*RedisTokenCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisTokenCache{client: redis.NewClient(opts)}, nil
}

// Ping checks connectivity.
func (c *RedisTokenCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisTokenCache) Get(ctx context.Context, key string) (*TokenInfo, bool, error) {
	data, err := c.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}

	var info TokenInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, false, fmt.Errorf("decode cached token: %w", err)
	}
	return &info, true, nil
}

func (c *RedisTokenCache) Set(ctx context.Context, key string, info *TokenInfo, ttl time.Duration) error {
	data, err := json.Marshal(TokenInfo{Login: info.Login})
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	if err := c.client.Set(ctx, redisKeyPrefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (c *RedisTokenCache) Close() error {
	return c.client.Close()
}
