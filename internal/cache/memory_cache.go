package cache

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/JWIMaster/Neocord-sub000/internal/metrics"
)

// MemoryCache is a count-bounded LRU safe for concurrent use. Racing Puts for
// the same key resolve to whichever write lands last.
type MemoryCache[K comparable, V any] struct {
	name     string
	lru      *lru.Cache[K, V]
	clearing atomic.Int32
}

// NewMemoryCache creates an LRU holding at most maxEntries items. name labels
// the cache in metrics.
func NewMemoryCache[K comparable, V any](name string, maxEntries int) (*MemoryCache[K, V], error) {
	c := &MemoryCache[K, V]{name: name}
	l, err := lru.NewWithEvict[K, V](maxEntries, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.lru = l
	return c, nil
}

func (c *MemoryCache[K, V]) onEvict(_ K, _ V) {
	reason := "capacity"
	if c.clearing.Load() > 0 {
		reason = "clear"
	}
	metrics.CacheEvictions.WithLabelValues(c.name, reason).Inc()
}

func (c *MemoryCache[K, V]) Get(key K) (V, bool) {
	return c.lru.Get(key)
}

func (c *MemoryCache[K, V]) Put(key K, value V) {
	c.lru.Add(key, value)
	metrics.CacheNumItems.WithLabelValues(c.name).Set(float64(c.lru.Len()))
}

func (c *MemoryCache[K, V]) Clear() {
	c.clearing.Add(1)
	defer c.clearing.Add(-1)

	c.lru.Purge()
	metrics.CacheNumItems.WithLabelValues(c.name).Set(0)
}

func (c *MemoryCache[K, V]) Len() int {
	return c.lru.Len()
}
