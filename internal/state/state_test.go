package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCachePutReplaces(t *testing.T) {
	c := NewCache()

	first, prev := c.Put("en-es", nil, nil)
	assert.Nil(t, prev)
	assert.Equal(t, 1, c.Len())

	second, prev := c.Put("en-es", nil, nil)
	require.NotNil(t, prev)
	assert.Same(t, first, prev)
	assert.Equal(t, 1, c.Len())
	assert.Greater(t, second.Generation, first.Generation)

	got, ok := c.Get("en-es")
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.Equal(t, ModelLoaded, got.State)
}

func TestCacheDeleteAndClear(t *testing.T) {
	c := NewCache()
	c.Put("en-es", nil, nil)
	c.Put("fr-de", nil, nil)

	assert.Equal(t, []string{"en-es", "fr-de"}, c.Keys())

	_, ok := c.Delete("en-es")
	assert.True(t, ok)
	_, ok = c.Delete("en-es")
	assert.False(t, ok)
	assert.Equal(t, []string{"fr-de"}, c.Keys())

	removed := c.Clear()
	assert.Len(t, removed, 1)
	assert.Empty(t, c.Keys())
	assert.Empty(t, c.Clear())
}

func TestCacheTouchAndSnapshot(t *testing.T) {
	c := NewCache()
	e, _ := c.Put("en-es", nil, nil)
	before := e.LastUsed

	c.Touch("en-es")
	c.Touch("missing")

	snap := c.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "en-es", snap[0].Route)
	assert.False(t, snap[0].LastUsed.Before(before))
}

func TestCacheRetiredEntryClosesAfterLastRelease(t *testing.T) {
	c := NewCache()
	c.Put("en-es", nil, nil)

	a, ok := c.Acquire("en-es")
	require.True(t, ok)
	b, ok := c.Acquire("en-es")
	require.True(t, ok)
	require.Same(t, a, b)

	_, prev := c.Put("en-es", nil, nil)
	require.Same(t, a, prev)
	assert.False(t, c.Retire(prev), "still held")

	assert.False(t, c.Release(a))
	assert.True(t, c.Release(b), "last holder closes")
	assert.False(t, c.Release(b), "closed only once")
	assert.False(t, c.Retire(prev))
}

func TestCacheRetireIdleEntry(t *testing.T) {
	c := NewCache()
	e, _ := c.Put("en-es", nil, nil)

	got, ok := c.Acquire("en-es")
	require.True(t, ok)
	assert.False(t, c.Release(got), "live entries are never closed")

	removed, ok := c.Delete("en-es")
	require.True(t, ok)
	require.Same(t, e, removed)
	assert.True(t, c.Retire(removed))

	_, ok = c.Acquire("en-es")
	assert.False(t, ok)
}
