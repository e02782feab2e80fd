// Package registry holds the coordinator's only shared mutable state:
// the worker membership table and the in-flight request table. Each is
// guarded by its own mutex and exposes a narrow operation set; the
// backing maps are never handed out.
package registry

import (
	"sort"
	"sync"
	"time"

	"capfleet/internal/model"
)

// Workers tracks live workers and derives the fleet-wide available
// model set. Mutation and derived-set recomputation happen under one
// lock so readers never observe a half-updated view.
type Workers struct {
	mu        sync.Mutex
	workers   map[string]*model.WorkerInfo
	available map[string]struct{} // union of cached models over live workers
}

// NewWorkers creates an empty worker registry
func NewWorkers() *Workers {
	return &Workers{
		workers:   make(map[string]*model.WorkerInfo),
		available: make(map[string]struct{}),
	}
}

// Upsert records a worker's full-state snapshot. Model sets are replaced
// wholesale, never merged; status events are snapshots, not deltas.
func (w *Workers) Upsert(workerID string, cachedModels, loadedModels []string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.workers[workerID] = &model.WorkerInfo{
		ID:           workerID,
		CachedModels: append([]string(nil), cachedModels...),
		LoadedModels: append([]string(nil), loadedModels...),
		LastSeen:     time.Now(),
	}
	w.recomputeLocked()
}

// Remove drops a worker; removing an absent id is a no-op. Reports
// whether a record was actually removed.
func (w *Workers) Remove(workerID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.workers[workerID]; !ok {
		return false
	}
	delete(w.workers, workerID)
	w.recomputeLocked()
	return true
}

// Sweep evicts every worker whose last heartbeat is older than timeout
// and returns the evicted ids.
func (w *Workers) Sweep(now time.Time, timeout time.Duration) []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	var removed []string
	for id, info := range w.workers {
		if now.Sub(info.LastSeen) > timeout {
			delete(w.workers, id)
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		w.recomputeLocked()
	}
	return removed
}

// Snapshot returns a deep copy of all records, sorted by worker id
func (w *Workers) Snapshot() []model.WorkerInfo {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]model.WorkerInfo, 0, len(w.workers))
	for _, info := range w.workers {
		out = append(out, model.WorkerInfo{
			ID:           info.ID,
			CachedModels: append([]string(nil), info.CachedModels...),
			LoadedModels: append([]string(nil), info.LoadedModels...),
			LastSeen:     info.LastSeen,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AvailableModels returns the sorted union of cached models over live
// workers. A point-in-time snapshot; routing decisions made from it can
// race with membership changes and callers must tolerate that.
func (w *Workers) AvailableModels() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]string, 0, len(w.available))
	for m := range w.available {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Has reports whether a worker is currently registered
func (w *Workers) Has(workerID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	_, ok := w.workers[workerID]
	return ok
}

// HasCached reports whether a registered worker advertises a model in
// its cache. Unknown workers report false.
func (w *Workers) HasCached(workerID, modelID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	info, ok := w.workers[workerID]
	if !ok {
		return false
	}
	for _, m := range info.CachedModels {
		if m == modelID {
			return true
		}
	}
	return false
}

// HasLoaded reports whether a registered worker has a model loaded
func (w *Workers) HasLoaded(workerID, modelID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	info, ok := w.workers[workerID]
	if !ok {
		return false
	}
	for _, m := range info.LoadedModels {
		if m == modelID {
			return true
		}
	}
	return false
}

// OthersAdvertise reports whether any worker other than excludeID still
// advertises a model. Used to decide when the last copy of a model is
// about to disappear.
func (w *Workers) OthersAdvertise(modelID, excludeID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	for id, info := range w.workers {
		if id == excludeID {
			continue
		}
		for _, m := range info.CachedModels {
			if m == modelID {
				return true
			}
		}
	}
	return false
}

func (w *Workers) recomputeLocked() {
	w.available = make(map[string]struct{})
	for _, info := range w.workers {
		for _, m := range info.CachedModels {
			w.available[m] = struct{}{}
		}
	}
}
