package auth

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moltjobs/internal/domain"
)

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *mockClock {
	return &mockClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestCacheGetSet(t *testing.T) {
	c := NewCacheWithClock(time.Hour, 10, newClock())
	_, ok := c.Get("h1")
	assert.False(t, ok)

	c.Set("h1", domain.Agent{ID: "a1"})
	got, ok := c.Get("h1")
	require.True(t, ok)
	assert.Equal(t, "a1", got.ID)
}

func TestCacheExpiry(t *testing.T) {
	clock := newClock()
	c := NewCacheWithClock(time.Hour, 10, clock)
	c.Set("h1", domain.Agent{ID: "a1"})

	clock.Advance(59 * time.Minute)
	_, ok := c.Get("h1")
	assert.True(t, ok)

	clock.Advance(time.Minute)
	_, ok = c.Get("h1")
	assert.False(t, ok, "entry at its expiry instant is stale")
	assert.Equal(t, 0, c.Len(), "stale entry must be removed")
}

func TestCacheSetRefreshesExpiry(t *testing.T) {
	clock := newClock()
	c := NewCacheWithClock(time.Hour, 10, clock)
	c.Set("h1", domain.Agent{ID: "a1"})
	clock.Advance(50 * time.Minute)
	c.Set("h1", domain.Agent{ID: "a1", Karma: 3})
	clock.Advance(50 * time.Minute)

	got, ok := c.Get("h1")
	require.True(t, ok)
	assert.Equal(t, 3, got.Karma)
}

func TestCacheCapacityBound(t *testing.T) {
	c := NewCacheWithClock(time.Hour, DefaultCacheCapacity, newClock())
	for i := 0; i < DefaultCacheCapacity+250; i++ {
		c.Set(fmt.Sprintf("h%d", i), domain.Agent{ID: fmt.Sprintf("a%d", i)})
		require.LessOrEqual(t, c.Len(), DefaultCacheCapacity)
	}
	assert.Equal(t, DefaultCacheCapacity, c.Len())
}

func TestCacheEvictsOldestInserted(t *testing.T) {
	c := NewCacheWithClock(time.Hour, 2, newClock())
	c.Set("first", domain.Agent{ID: "1"})
	c.Set("second", domain.Agent{ID: "2"})
	// reading must not protect an entry from eviction
	_, _ = c.Get("first")
	c.Set("third", domain.Agent{ID: "3"})

	_, ok := c.Get("first")
	assert.False(t, ok)
	_, ok = c.Get("second")
	assert.True(t, ok)
	_, ok = c.Get("third")
	assert.True(t, ok)
}

func TestCacheOverwriteAtCapacityKeepsOthers(t *testing.T) {
	c := NewCacheWithClock(time.Hour, 2, newClock())
	c.Set("a", domain.Agent{ID: "1"})
	c.Set("b", domain.Agent{ID: "2"})
	c.Set("a", domain.Agent{ID: "1b"})

	assert.Equal(t, 2, c.Len())
	_, ok := c.Get("b")
	assert.True(t, ok)
}

func TestCacheInvalidate(t *testing.T) {
	c := NewCache(0, 0)
	c.Set("h1", domain.Agent{ID: "a1"})
	c.Invalidate("h1")
	c.Invalidate("missing")
	_, ok := c.Get("h1")
	assert.False(t, ok)
}

func TestCacheSetIfCurrentRefusesAfterInvalidate(t *testing.T) {
	c := NewCache(0, 0)
	gen := c.Generation()
	assert.True(t, c.SetIfCurrent("h1", domain.Agent{ID: "a1"}, gen))

	stale := c.Generation()
	c.Invalidate("h1")
	assert.False(t, c.SetIfCurrent("h1", domain.Agent{ID: "old"}, stale))
	_, ok := c.Get("h1")
	assert.False(t, ok)

	assert.True(t, c.SetIfCurrent("h1", domain.Agent{ID: "new"}, c.Generation()))
	a, ok := c.Get("h1")
	require.True(t, ok)
	assert.Equal(t, "new", a.ID)
}

func TestCacheConcurrentUse(t *testing.T) {
	c := NewCache(time.Minute, 50)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("h%d", (g*200+i)%75)
				c.Set(key, domain.Agent{ID: key})
				c.Get(key)
				if i%10 == 0 {
					c.Invalidate(key)
				}
			}
		}(g)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 50)
}
