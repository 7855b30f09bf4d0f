package auth

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"moltjobs/internal/domain"
)

const (
	DefaultCacheTTL      = time.Hour
	DefaultCacheCapacity = 1000
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type cacheEntry struct {
	agent     domain.Agent
	expiresAt time.Time
}

// Cache maps key hashes to resolved agents for a bounded time. It holds at
// most capacity entries; inserting a new key into a full cache evicts the
// entry that was inserted longest ago.
type Cache struct {
	clock Clock
	ttl   time.Duration

	mu  sync.Mutex
	lru *simplelru.LRU[string, cacheEntry]
	gen uint64
}

func NewCache(ttl time.Duration, capacity int) *Cache {
	return NewCacheWithClock(ttl, capacity, realClock{})
}

// NewCacheWithClock creates a Cache with a custom clock (for testing).
// Non-positive ttl or capacity fall back to the defaults.
func NewCacheWithClock(ttl time.Duration, capacity int, clock Clock) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	if clock == nil {
		clock = realClock{}
	}
	// NewLRU only fails for a non-positive size.
	lru, _ := simplelru.NewLRU[string, cacheEntry](capacity, nil)
	return &Cache{clock: clock, ttl: ttl, lru: lru}
}

// Get returns the cached agent for hash. An expired entry is dropped and
// reported as a miss. Reads do not change eviction order.
func (c *Cache) Get(hash string) (domain.Agent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.Peek(hash)
	if !ok {
		return domain.Agent{}, false
	}
	if !e.expiresAt.After(c.clock.Now()) {
		c.lru.Remove(hash)
		return domain.Agent{}, false
	}
	return e.agent, true
}

// Set stores agent under hash with a fresh expiry.
func (c *Cache) Set(hash string, agent domain.Agent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(hash, cacheEntry{agent: agent, expiresAt: c.clock.Now().Add(c.ttl)})
}

// Generation counts invalidations. A lookup takes it before reading the
// store and hands it to SetIfCurrent.
func (c *Cache) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// SetIfCurrent stores agent only if nothing was invalidated since gen was
// taken, so a lookup that raced a profile update cannot cache the old row.
func (c *Cache) SetIfCurrent(hash string, agent domain.Agent, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	c.lru.Add(hash, cacheEntry{agent: agent, expiresAt: c.clock.Now().Add(c.ttl)})
	return true
}

func (c *Cache) Invalidate(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.lru.Remove(hash)
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
