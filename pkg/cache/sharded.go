// Package cache provides a sharded in-memory cache for hot per-symbol values
// such as mark prices and applied leverage.
package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// Sharded is a concurrent float cache sharded by key hash to keep lock
// contention low on the stream hot path.
type Sharded struct {
	shards [numShards]*shard
}

type shard struct {
	mu    sync.RWMutex
	items map[string]entry
}

type entry struct {
	value     float64
	updatedAt time.Time
}

// NewSharded returns an empty cache.
func NewSharded() *Sharded {
	c := &Sharded{}
	for i := range c.shards {
		c.shards[i] = &shard{items: make(map[string]entry)}
	}
	return c
}

func (c *Sharded) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores a value under key.
func (c *Sharded) Set(key string, value float64) {
	s := c.shardFor(key)
	s.mu.Lock()
	s.items[key] = entry{value: value, updatedAt: time.Now()}
	s.mu.Unlock()
}

// Get returns the value for key.
func (c *Sharded) Get(key string) (float64, bool) {
	s := c.shardFor(key)
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	return e.value, ok
}

// GetFresh returns the value only when it is younger than maxAge.
func (c *Sharded) GetFresh(key string, maxAge time.Duration) (float64, bool) {
	s := c.shardFor(key)
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	if !ok || time.Since(e.updatedAt) > maxAge {
		return 0, false
	}
	return e.value, true
}

// Delete removes key.
func (c *Sharded) Delete(key string) {
	s := c.shardFor(key)
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
}

// Len counts items across all shards.
func (c *Sharded) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.RLock()
		n += len(s.items)
		s.mu.RUnlock()
	}
	return n
}

// Sweep removes entries older than maxAge and returns how many were dropped.
func (c *Sharded) Sweep(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for k, e := range s.items {
			if e.updatedAt.Before(cutoff) {
				delete(s.items, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}
