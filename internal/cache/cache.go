// Package cache keeps verified checkpoints: the newest block of a chain a
// client has authenticated, so the next update starts from there instead of
// the genesis block.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/kjstillabower/skipchain/internal/skipchain"
)

// Cache defines the interface for checkpoint storage implementations.
// Get returns the checkpoint if present and not expired, Set stores it with TTL.
// Keys are hex chain IDs.
type Cache interface {
	Get(ctx context.Context, key string) (*skipchain.SkipBlock, bool, error)
	Set(ctx context.Context, key string, value *skipchain.SkipBlock, ttl time.Duration) error
}

// InMemoryCache implements Cache using an in-memory map with TTL-based expiration.
// Expired entries are removed on access. Safe for concurrent use.
type InMemoryCache struct {
	mu   sync.Mutex
	data map[string]cacheEntry
}

// cacheEntry stores a checkpoint with expiration timestamp.
type cacheEntry struct {
	value     *skipchain.SkipBlock
	expiresAt time.Time
}

// NewInMemoryCache creates a new in-memory cache instance.
func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{
		data: make(map[string]cacheEntry),
	}
}

// Get retrieves a copy of the checkpoint for the key if present and not expired.
// Returns (block, true, nil) on cache hit, (nil, false, nil) on miss or expiration.
func (c *InMemoryCache) Get(ctx context.Context, key string) (*skipchain.SkipBlock, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.data[key]
	if !ok {
		return nil, false, nil
	}

	if time.Now().After(entry.expiresAt) {
		delete(c.data, key)
		return nil, false, nil
	}

	return entry.value.Copy(), true, nil
}

// Set stores a copy of the checkpoint with the specified TTL duration.
func (c *InMemoryCache) Set(ctx context.Context, key string, value *skipchain.SkipBlock, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = cacheEntry{
		value:     value.Copy(),
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}
