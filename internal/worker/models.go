package worker

import (
	"context"
	"sort"
	"sync"

	"capfleet/pkg/interfaces"
)

// Models is the worker-local model state: which models sit in the cache,
// which are loaded with a live engine handle, and which task consumers
// are running. Only the worker's own consumers mutate it, but status
// snapshots are read from the broadcaster goroutine, so access is
// mutex-guarded.
type Models struct {
	mu        sync.Mutex
	cached    map[string]struct{}
	loaded    map[string]interfaces.ModelHandle
	consumers map[string]context.CancelFunc
}

// NewModels creates empty model state
func NewModels() *Models {
	return &Models{
		cached:    make(map[string]struct{}),
		loaded:    make(map[string]interfaces.ModelHandle),
		consumers: make(map[string]context.CancelFunc),
	}
}

// Cached returns the sorted cached model set
func (m *Models) Cached() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.cached))
	for id := range m.cached {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Loaded returns the sorted loaded model set
func (m *Models) Loaded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.loaded))
	for id := range m.loaded {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// IsCached reports whether a model is in the cache set
func (m *Models) IsCached(modelID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.cached[modelID]
	return ok
}

// AddCached records a model as cached
func (m *Models) AddCached(modelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cached[modelID] = struct{}{}
}

// RemoveCached drops a model from the cache set
func (m *Models) RemoveCached(modelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cached, modelID)
}

// Handle returns the engine handle for a loaded model
func (m *Models) Handle(modelID string) (interfaces.ModelHandle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.loaded[modelID]
	return h, ok
}

// StoreHandle records a model as loaded
func (m *Models) StoreHandle(modelID string, handle interfaces.ModelHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loaded[modelID] = handle
}

// TakeHandle removes and returns the handle of a loaded model
func (m *Models) TakeHandle(modelID string) (interfaces.ModelHandle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.loaded[modelID]
	if ok {
		delete(m.loaded, modelID)
	}
	return h, ok
}

// SetConsumer records the cancel function of a model's task consumer
func (m *Models) SetConsumer(modelID string, cancel context.CancelFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.consumers[modelID]; ok {
		old()
	}
	m.consumers[modelID] = cancel
}

// StopConsumer cancels a model's task consumer if one is running
func (m *Models) StopConsumer(modelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cancel, ok := m.consumers[modelID]; ok {
		cancel()
		delete(m.consumers, modelID)
	}
}

// StopAllConsumers cancels every task consumer
func (m *Models) StopAllConsumers() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, cancel := range m.consumers {
		cancel()
		delete(m.consumers, id)
	}
}
