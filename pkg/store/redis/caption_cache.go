package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"capfleet/pkg/logger"

	"github.com/go-redis/redis/v8"
)

const (
	// cacheKeyPrefix is the prefix for Redis cache keys
	cacheKeyPrefix = "caption:result:"
)

// CaptionCache memoizes caption results keyed by image content and
// model. Redis is the primary backend so every coordinator instance
// shares hits; an in-memory map serves as fallback when Redis is
// unavailable or not configured.
//
// Cache key format: caption:result:{sha256(image)}:{model}
type CaptionCache struct {
	mu    sync.RWMutex
	items map[string]*cacheItem

	redisClient *redis.Client
	ttl         time.Duration
}

type cacheItem struct {
	caption   string
	expiresAt time.Time
}

// NewCaptionCache creates an in-memory caption cache
func NewCaptionCache(ttl time.Duration) *CaptionCache {
	return &CaptionCache{
		items: make(map[string]*cacheItem),
		ttl:   ttl,
	}
}

// WithRedis attaches a Redis backend to the cache
func (c *CaptionCache) WithRedis(client *redis.Client) *CaptionCache {
	c.redisClient = client
	return c
}

// Get returns a cached caption and whether one was present
func (c *CaptionCache) Get(ctx context.Context, image []byte, modelID string) (string, bool) {
	key := cacheKey(image, modelID)

	if c.redisClient != nil {
		caption, err := c.redisClient.Get(ctx, key).Result()
		if err == nil {
			return caption, true
		}
		if err != redis.Nil {
			logger.WarnCtx(ctx, "caption cache redis get failed, falling back to memory: %v", err)
		} else {
			return "", false
		}
	}

	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()

	if !ok || time.Now().After(item.expiresAt) {
		return "", false
	}
	return item.caption, true
}

// Set stores a caption
func (c *CaptionCache) Set(ctx context.Context, image []byte, modelID, caption string) {
	key := cacheKey(image, modelID)

	if c.redisClient != nil {
		if err := c.redisClient.Set(ctx, key, caption, c.ttl).Err(); err == nil {
			return
		} else {
			logger.WarnCtx(ctx, "caption cache redis set failed, falling back to memory: %v", err)
		}
	}

	c.mu.Lock()
	c.items[key] = &cacheItem{
		caption:   caption,
		expiresAt: time.Now().Add(c.ttl),
	}
	c.mu.Unlock()
}

// Size reports the number of in-memory entries (expired ones included
// until next access)
func (c *CaptionCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// HasRedis reports whether a Redis backend is attached
func (c *CaptionCache) HasRedis() bool {
	return c.redisClient != nil
}

func cacheKey(image []byte, modelID string) string {
	sum := sha256.Sum256(image)
	return cacheKeyPrefix + hex.EncodeToString(sum[:]) + ":" + modelID
}
