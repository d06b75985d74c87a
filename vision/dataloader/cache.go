// Package dataloader caches decoded images between epochs.
package dataloader

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/tsawler/go-facetrain/tensor"
	"github.com/tsawler/go-facetrain/trainerr"
)

// CacheManager holds decoded images keyed by path, evicting the least
// recently used entry once maxSize is reached. Cached tensors are shared and
// must not be modified by callers.
type CacheManager struct {
	cache   *lru.Cache
	maxSize int

	mu     sync.Mutex
	hits   int64
	misses int64
}

// NewCacheManager creates a cache holding up to maxSize images.
func NewCacheManager(maxSize int) (*CacheManager, error) {
	cache, err := lru.New(maxSize)
	if err != nil {
		return nil, trainerr.Wrap(trainerr.Configuration, err, "creating image cache of size %d", maxSize)
	}
	return &CacheManager{cache: cache, maxSize: maxSize}, nil
}

// Get retrieves an item from the cache
func (cm *CacheManager) Get(key string) (*tensor.Tensor, bool) {
	value, ok := cm.cache.Get(key)

	cm.mu.Lock()
	if ok {
		cm.hits++
	} else {
		cm.misses++
	}
	cm.mu.Unlock()

	if !ok {
		return nil, false
	}
	return value.(*tensor.Tensor), true
}

// Put adds an item to the cache
func (cm *CacheManager) Put(key string, image *tensor.Tensor) {
	cm.cache.Add(key, image)
}

// GetOrLoad returns the cached image for key, calling load and caching its
// result on a miss. Failed loads are not cached.
func (cm *CacheManager) GetOrLoad(key string, load func() (*tensor.Tensor, error)) (*tensor.Tensor, error) {
	if image, ok := cm.Get(key); ok {
		return image, nil
	}
	image, err := load()
	if err != nil {
		return nil, err
	}
	cm.Put(key, image)
	return image, nil
}

// Stats returns cache statistics
func (cm *CacheManager) Stats() CacheStats {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	stats := CacheStats{
		Size:    cm.cache.Len(),
		MaxSize: cm.maxSize,
		Hits:    cm.hits,
		Misses:  cm.misses,
	}
	if total := cm.hits + cm.misses; total > 0 {
		stats.HitRate = float64(cm.hits) / float64(total) * 100
	}
	return stats
}

// Clear drops every cached image. Statistics are kept.
func (cm *CacheManager) Clear() {
	cm.cache.Purge()
}

// ResetStats resets the statistics
func (cm *CacheManager) ResetStats() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.hits = 0
	cm.misses = 0
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
	HitRate float64
}

// String returns a string representation of cache stats
func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d items, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.HitRate)
}
