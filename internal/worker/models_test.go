package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestModels_CachedSet tests the cached set operations.
func TestModels_CachedSet(t *testing.T) {
	m := NewModels()
	assert.Empty(t, m.Cached())
	assert.False(t, m.IsCached("blip"))

	m.AddCached("git")
	m.AddCached("blip")
	m.AddCached("blip") // idempotent

	assert.Equal(t, []string{"blip", "git"}, m.Cached())
	assert.True(t, m.IsCached("blip"))

	m.RemoveCached("blip")
	assert.Equal(t, []string{"git"}, m.Cached())
	assert.False(t, m.IsCached("blip"))
}

// TestModels_Handles tests loaded handle bookkeeping.
func TestModels_Handles(t *testing.T) {
	m := NewModels()

	_, ok := m.Handle("blip")
	assert.False(t, ok)

	m.StoreHandle("blip", "handle-blip")
	m.StoreHandle("git", "handle-git")
	assert.Equal(t, []string{"blip", "git"}, m.Loaded())

	h, ok := m.Handle("blip")
	require.True(t, ok)
	assert.Equal(t, "handle-blip", h)

	// Take removes
	h, ok = m.TakeHandle("blip")
	require.True(t, ok)
	assert.Equal(t, "handle-blip", h)
	assert.Equal(t, []string{"git"}, m.Loaded())

	_, ok = m.TakeHandle("blip")
	assert.False(t, ok)
}

// TestModels_Consumers tests consumer cancel bookkeeping.
func TestModels_Consumers(t *testing.T) {
	m := NewModels()

	ctx1, cancel1 := context.WithCancel(context.Background())
	m.SetConsumer("blip", cancel1)

	// Replacing a consumer cancels the old one
	_, cancel2 := context.WithCancel(context.Background())
	m.SetConsumer("blip", cancel2)
	assert.Error(t, ctx1.Err())

	ctx3, cancel3 := context.WithCancel(context.Background())
	m.SetConsumer("git", cancel3)

	m.StopConsumer("git")
	assert.Error(t, ctx3.Err())

	// Stopping an unknown consumer is a no-op
	m.StopConsumer("ghost")

	ctx4, cancel4 := context.WithCancel(context.Background())
	m.SetConsumer("vit", cancel4)
	m.StopAllConsumers()
	assert.Error(t, ctx4.Err())
}
