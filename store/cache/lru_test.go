package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRUCacheSetGet(t *testing.T) {
	c := NewLRUCache[string, int](100, time.Minute)

	t.Run("set and get returns value", func(t *testing.T) {
		c.Set("k", 42, 0)
		v, ok := c.Get("k")
		require.True(t, ok)
		assert.Equal(t, 42, v)
	})

	t.Run("missing key returns false", func(t *testing.T) {
		_, ok := c.Get("missing")
		assert.False(t, ok)
	})

	t.Run("delete removes key", func(t *testing.T) {
		c.Set("gone", 1, 0)
		c.Delete("gone")
		_, ok := c.Get("gone")
		assert.False(t, ok)
	})
}

func TestLRUCacheTTL(t *testing.T) {
	c := NewLRUCache[string, string](10, time.Minute)
	c.Set("short", "v", 10*time.Millisecond)

	_, ok := c.Get("short")
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok = c.Get("short")
	assert.False(t, ok, "expired entry must not be returned")
	assert.Equal(t, 0, c.Size())
}

func TestLRUCacheEviction(t *testing.T) {
	c := NewLRUCache[int, int](2, time.Minute)
	c.Set(1, 1, 0)
	c.Set(2, 2, 0)

	// Touch 1 so 2 becomes the eviction candidate.
	_, _ = c.Get(1)
	c.Set(3, 3, 0)

	_, ok := c.Get(2)
	assert.False(t, ok, "least recently used entry should be evicted")
	_, ok = c.Get(1)
	assert.True(t, ok)
	assert.Equal(t, 2, c.Size())
}
