package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/therealutkarshpriyadarshi/resumeai/pkg/models"
)

// Cache provides caching and coordination primitives on Redis
type Cache struct {
	client *redis.Client
}

// NewCache creates a new cache instance
func NewCache(host string, port int, password string, db int) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Cache{client: client}, nil
}

// Client exposes the underlying client for stores that run their own
// scripts
func (c *Cache) Client() *redis.Client {
	return c.client
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	return c.client.Close()
}

// API key resolution

// SetAPIKeyOwner caches the principal an API key resolves to
func (c *Cache) SetAPIKeyOwner(ctx context.Context, apiKey string, principal *models.Principal, ttl time.Duration) error {
	return c.SetWithJSON(ctx, apiKeyCacheKey(apiKey), principal, ttl)
}

// GetAPIKeyOwner returns the cached principal of an API key, or nil on a
// cache miss
func (c *Cache) GetAPIKeyOwner(ctx context.Context, apiKey string) (*models.Principal, error) {
	var principal models.Principal
	found, err := c.getJSON(ctx, apiKeyCacheKey(apiKey), &principal)
	if err != nil || !found {
		return nil, err
	}
	return &principal, nil
}

// DeleteAPIKeyOwner drops a cached API key, used when a key is revoked
func (c *Cache) DeleteAPIKeyOwner(ctx context.Context, apiKey string) error {
	return c.client.Del(ctx, apiKeyCacheKey(apiKey)).Err()
}

func apiKeyCacheKey(apiKey string) string {
	return fmt.Sprintf("apikey:%s", apiKey)
}

// Locking Operations for Distributed Systems

// AcquireLock attempts to acquire a distributed lock. It returns false when
// the lock is already held.
func (c *Cache) AcquireLock(ctx context.Context, resource string, ttl time.Duration) (bool, error) {
	key := fmt.Sprintf("lock:%s", resource)
	return c.client.SetNX(ctx, key, "locked", ttl).Result()
}

// ReleaseLock releases a distributed lock
func (c *Cache) ReleaseLock(ctx context.Context, resource string) error {
	key := fmt.Sprintf("lock:%s", resource)
	return c.client.Del(ctx, key).Err()
}

// SetWithJSON sets a value with JSON marshaling
func (c *Cache) SetWithJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	return c.client.Set(ctx, key, data, ttl).Err()
}

// getJSON reads a JSON value and reports whether the key was present. dest
// is left untouched on a cache miss.
func (c *Cache) getJSON(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil // Cache miss
		}
		return false, fmt.Errorf("failed to get value from cache: %w", err)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal value: %w", err)
	}

	return true, nil
}

// Ping is the health check
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
