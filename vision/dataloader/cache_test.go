package dataloader

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheManager(t *testing.T) {
	cm, err := NewCacheManager(2)
	require.NoError(t, err)

	cm.Put("a", []float32{1})
	cm.Put("b", []float32{2})

	v, ok := cm.Get("a")
	require.True(t, ok)
	assert.Equal(t, []float32{1}, v)

	// "b" is now the least recently used entry
	cm.Put("c", []float32{3})
	_, ok = cm.Get("b")
	assert.False(t, ok)
	_, ok = cm.Get("c")
	assert.True(t, ok)

	stats := cm.Stats()
	assert.Equal(t, 2, stats.Size)
	assert.Equal(t, 2, stats.MaxSize)
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 66.7, stats.HitRate, 0.1)
	assert.Contains(t, stats.String(), "Cache: 2/2 items")

	cm.Clear()
	assert.Equal(t, 0, cm.Stats().Size)
	assert.Equal(t, int64(2), cm.Stats().Hits)

	cm.ResetStats()
	assert.Zero(t, cm.Stats().Hits)
}
