package cache_test

import (
	"testing"
	"time"

	"github.com/gated-run/gated/internal/cache"
	"github.com/stretchr/testify/assert"
)

func TestGet_MissingKeyReturnsFalse(t *testing.T) {
	c := cache.New[string, string](cache.Options{})
	_, ok := c.Get("missing")
	assert.False(t, ok)
}

func TestSetAndGet_RoundTrips(t *testing.T) {
	c := cache.New[string, int](cache.Options{})
	c.Set("k", 42)
	v, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, 42, v)
}

func TestGet_ExpiredEntryIsRemoved(t *testing.T) {
	c := cache.New[string, int](cache.Options{TTL: 5 * time.Millisecond})
	c.Set("k", 1)
	time.Sleep(20 * time.Millisecond)

	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestSet_EvictsOldestWhenAtCapacity(t *testing.T) {
	c := cache.New[string, int](cache.Options{MaxEntries: 2})
	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	_, ok := c.Get("a")
	assert.False(t, ok, "oldest entry should have been evicted")
	_, ok = c.Get("c")
	assert.True(t, ok)
}

func TestDelete_RemovesEntry(t *testing.T) {
	c := cache.New[string, int](cache.Options{})
	c.Set("k", 1)
	c.Delete("k")
	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestClear_RemovesAllEntries(t *testing.T) {
	c := cache.New[string, int](cache.Options{})
	c.Set("a", 1)
	c.Set("b", 2)
	c.Clear()
	assert.Equal(t, 0, c.Len())
}
