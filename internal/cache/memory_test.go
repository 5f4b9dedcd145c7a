package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCache_SetGet(t *testing.T) {
	mc, err := NewMemoryCache(10, time.Minute)
	require.NoError(t, err)
	defer mc.Close()

	_, ok := mc.Get("todos")
	assert.False(t, ok)

	mc.Set("todos", "abc123")
	id, ok := mc.Get("todos")
	assert.True(t, ok)
	assert.Equal(t, "abc123", id)

	mc.Remove("todos")
	_, ok = mc.Get("todos")
	assert.False(t, ok)
}

func TestMemoryCache_Expiry(t *testing.T) {
	mc, err := NewMemoryCache(10, 20*time.Millisecond)
	require.NoError(t, err)
	defer mc.Close()

	mc.Set("todos", "abc123")
	time.Sleep(40 * time.Millisecond)

	_, ok := mc.Get("todos")
	assert.False(t, ok)
	assert.Equal(t, 0, mc.Len())
}

func TestMemoryCache_RemoveExpired(t *testing.T) {
	mc, err := NewMemoryCache(10, 10*time.Millisecond)
	require.NoError(t, err)
	defer mc.Close()

	mc.Set("a", "1")
	mc.Set("b", "2")
	time.Sleep(20 * time.Millisecond)
	mc.removeExpired()

	assert.Equal(t, 0, mc.Len())
}

func TestMemoryCache_Eviction(t *testing.T) {
	mc, err := NewMemoryCache(2, time.Minute)
	require.NoError(t, err)
	defer mc.Close()

	mc.Set("a", "1")
	mc.Set("b", "2")
	mc.Get("a")
	mc.Set("c", "3")

	_, ok := mc.Get("b")
	assert.False(t, ok, "least recently used entry evicted")
	_, ok = mc.Get("a")
	assert.True(t, ok)
}

func TestMemoryCache_InvalidSize(t *testing.T) {
	_, err := NewMemoryCache(0, time.Minute)
	assert.Error(t, err)
}

func TestMemoryCache_CloseTwice(t *testing.T) {
	mc, err := NewMemoryCache(1, time.Minute)
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		mc.Close()
		mc.Close()
	})
}

func TestNoopCache(t *testing.T) {
	var c Cache = NewNoopCache()
	c.Set("todos", "abc123")

	_, ok := c.Get("todos")
	assert.False(t, ok)
	c.Remove("todos")
	c.Close()
}
