package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestWorkers_UpsertAndSnapshot tests registering workers and reading them back.
func TestWorkers_UpsertAndSnapshot(t *testing.T) {
	w := NewWorkers()
	assert.Empty(t, w.Snapshot())

	w.Upsert("worker-b", []string{"blip"}, nil)
	w.Upsert("worker-a", []string{"blip", "git"}, []string{"blip"})

	snapshot := w.Snapshot()
	require.Len(t, snapshot, 2)

	// Sorted by worker id
	assert.Equal(t, "worker-a", snapshot[0].ID)
	assert.Equal(t, "worker-b", snapshot[1].ID)
	assert.Equal(t, []string{"blip", "git"}, snapshot[0].CachedModels)
	assert.Equal(t, []string{"blip"}, snapshot[0].LoadedModels)
	assert.False(t, snapshot[0].LastSeen.IsZero())
}

// TestWorkers_UpsertReplacesModelSets tests that a snapshot replaces,
// never merges, the previous model sets.
func TestWorkers_UpsertReplacesModelSets(t *testing.T) {
	w := NewWorkers()

	w.Upsert("worker-1", []string{"blip", "git"}, []string{"blip"})
	w.Upsert("worker-1", []string{"vit"}, nil)

	assert.False(t, w.HasCached("worker-1", "blip"))
	assert.False(t, w.HasLoaded("worker-1", "blip"))
	assert.True(t, w.HasCached("worker-1", "vit"))
	assert.Equal(t, []string{"vit"}, w.AvailableModels())
}

// TestWorkers_AvailableModelsIsUnion tests that the available set is the
// union over all live workers.
func TestWorkers_AvailableModelsIsUnion(t *testing.T) {
	w := NewWorkers()

	w.Upsert("worker-1", []string{"blip", "git"}, nil)
	w.Upsert("worker-2", []string{"git", "vit"}, nil)

	assert.Equal(t, []string{"blip", "git", "vit"}, w.AvailableModels())

	// A model cached by only one worker disappears with that worker
	w.Remove("worker-2")
	assert.Equal(t, []string{"blip", "git"}, w.AvailableModels())

	// A shared model survives one worker leaving
	w.Upsert("worker-3", []string{"git"}, nil)
	w.Remove("worker-1")
	assert.Equal(t, []string{"git"}, w.AvailableModels())
}

// TestWorkers_Remove tests removal semantics.
func TestWorkers_Remove(t *testing.T) {
	w := NewWorkers()

	w.Upsert("worker-1", []string{"blip"}, nil)
	assert.True(t, w.Remove("worker-1"))
	assert.False(t, w.Has("worker-1"))
	assert.Empty(t, w.AvailableModels())

	// Removing an absent worker is a no-op
	assert.False(t, w.Remove("worker-1"))
	assert.False(t, w.Remove("never-seen"))
}

// TestWorkers_Sweep tests heartbeat-based eviction at the boundary.
func TestWorkers_Sweep(t *testing.T) {
	w := NewWorkers()
	timeout := 30 * time.Second

	w.Upsert("worker-stale", []string{"blip"}, nil)
	w.Upsert("worker-fresh", []string{"git"}, nil)

	// Exactly at the deadline nothing is evicted
	removed := w.Sweep(time.Now().Add(timeout), timeout)
	assert.Empty(t, removed)
	assert.True(t, w.Has("worker-stale"))

	// Past the deadline both are gone
	removed = w.Sweep(time.Now().Add(timeout+time.Second), timeout)
	assert.Len(t, removed, 2)
	assert.Empty(t, w.Snapshot())
	assert.Empty(t, w.AvailableModels())
}

// TestWorkers_SweepKeepsFreshWorkers tests that only workers past the
// eviction window are swept.
func TestWorkers_SweepKeepsFreshWorkers(t *testing.T) {
	w := NewWorkers()
	timeout := 30 * time.Second

	w.Upsert("worker-1", []string{"blip"}, nil)

	removed := w.Sweep(time.Now().Add(timeout/2), timeout)
	assert.Empty(t, removed)
	assert.True(t, w.Has("worker-1"))

	removed = w.Sweep(time.Now().Add(timeout+time.Second), timeout)
	require.Equal(t, []string{"worker-1"}, removed)
	assert.False(t, w.Has("worker-1"))
}

// TestWorkers_HasCachedAndLoaded tests per-worker model membership checks.
func TestWorkers_HasCachedAndLoaded(t *testing.T) {
	w := NewWorkers()

	w.Upsert("worker-1", []string{"blip", "git"}, []string{"blip"})

	assert.True(t, w.HasCached("worker-1", "blip"))
	assert.True(t, w.HasCached("worker-1", "git"))
	assert.False(t, w.HasCached("worker-1", "vit"))

	assert.True(t, w.HasLoaded("worker-1", "blip"))
	assert.False(t, w.HasLoaded("worker-1", "git"))

	// Unknown workers report false, not panic
	assert.False(t, w.HasCached("ghost", "blip"))
	assert.False(t, w.HasLoaded("ghost", "blip"))
}

// TestWorkers_OthersAdvertise tests the last-copy check used before task
// queue teardown.
func TestWorkers_OthersAdvertise(t *testing.T) {
	w := NewWorkers()

	w.Upsert("worker-1", []string{"blip"}, nil)
	w.Upsert("worker-2", []string{"blip", "git"}, nil)

	assert.True(t, w.OthersAdvertise("blip", "worker-1"))
	assert.False(t, w.OthersAdvertise("git", "worker-2"))
	assert.False(t, w.OthersAdvertise("vit", "worker-1"))
}

// TestWorkers_SnapshotIsolation tests that mutating a snapshot does not
// leak back into the registry.
func TestWorkers_SnapshotIsolation(t *testing.T) {
	w := NewWorkers()
	w.Upsert("worker-1", []string{"blip"}, []string{"blip"})

	snapshot := w.Snapshot()
	snapshot[0].CachedModels[0] = "mutated"
	snapshot[0].LoadedModels[0] = "mutated"

	assert.True(t, w.HasCached("worker-1", "blip"))
	assert.True(t, w.HasLoaded("worker-1", "blip"))
}
