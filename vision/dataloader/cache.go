package dataloader

import (
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
)

// CacheManager caches preprocessed images by path. It can be shared by
// several loaders and is safe for concurrent use.
type CacheManager struct {
	cache   *lru.Cache
	maxSize int

	hits   int64
	misses int64
}

// NewCacheManager creates a cache holding at most maxSize images
func NewCacheManager(maxSize int) (*CacheManager, error) {
	if maxSize <= 0 {
		maxSize = 1
	}
	cache, err := lru.New(maxSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create image cache: %v", err)
	}
	return &CacheManager{cache: cache, maxSize: maxSize}, nil
}

// Get retrieves an item from the cache. Callers must not modify the
// returned slice.
func (cm *CacheManager) Get(key string) ([]float32, bool) {
	if v, ok := cm.cache.Get(key); ok {
		atomic.AddInt64(&cm.hits, 1)
		return v.([]float32), true
	}
	atomic.AddInt64(&cm.misses, 1)
	return nil, false
}

// Put adds an item to the cache, evicting the least recently used entry
// when full
func (cm *CacheManager) Put(key string, data []float32) {
	cm.cache.Add(key, data)
}

// Stats returns cache statistics
func (cm *CacheManager) Stats() CacheStats {
	hits := atomic.LoadInt64(&cm.hits)
	misses := atomic.LoadInt64(&cm.misses)
	stats := CacheStats{
		Size:    cm.cache.Len(),
		MaxSize: cm.maxSize,
		Hits:    hits,
		Misses:  misses,
	}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total) * 100
	}
	return stats
}

// Clear clears the cache. Statistics stay cumulative.
func (cm *CacheManager) Clear() {
	cm.cache.Purge()
}

// ResetStats resets the statistics
func (cm *CacheManager) ResetStats() {
	atomic.StoreInt64(&cm.hits, 0)
	atomic.StoreInt64(&cm.misses, 0)
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
