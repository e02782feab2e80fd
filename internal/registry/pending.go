package registry

import (
	"context"
	"errors"
	"strings"
	"sync"

	"capfleet/pkg/logger"
)

var (
	// ErrDuplicateKey means a second registration raced an in-flight
	// request for the same key. Keys embed both sides of the pair
	// (item+model, worker+model) exactly so this cannot happen; hitting
	// it is a caller bug.
	ErrDuplicateKey = errors.New("correlation key already pending")

	// ErrCancelled completes outstanding handles during shutdown
	ErrCancelled = errors.New("request cancelled")

	// ErrWorkerLost completes pending commands whose target worker was
	// evicted before acknowledging
	ErrWorkerLost = errors.New("worker disappeared before acknowledging")
)

type outcome struct {
	payload []byte
	err     error
}

// Handle is the awaitable side of one in-flight request
type Handle struct {
	done chan outcome
}

// Wait blocks until the request completes or ctx ends. On ctx expiry the
// caller owns cleanup via Pending.Discard; a reply arriving afterwards
// is dropped as stale.
func (h *Handle) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case o := <-h.done:
		return o.payload, o.err
	}
}

// Pending is the correlation registry: one completion handle per
// in-flight correlation key, completed exactly once. Registration
// happens before the corresponding publish so a reply can never arrive
// ahead of its map entry.
type Pending struct {
	mu      sync.Mutex
	handles map[string]*Handle
}

// NewPending creates an empty correlation registry
func NewPending() *Pending {
	return &Pending{handles: make(map[string]*Handle)}
}

// Register creates the pending entry for a key. Must be called before
// publishing the message that carries the key.
func (p *Pending) Register(key string) (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.handles[key]; ok {
		return nil, ErrDuplicateKey
	}

	// Buffered so completion never blocks on a waiter that already
	// timed out and walked away.
	h := &Handle{done: make(chan outcome, 1)}
	p.handles[key] = h
	return h, nil
}

// Resolve completes a pending key with a payload. Unknown keys are
// expected under timeout-then-late-reply races and are dropped with a
// log line.
func (p *Pending) Resolve(key string, payload []byte) bool {
	h := p.take(key)
	if h == nil {
		logger.Debugf("dropping reply for unknown correlation key %s", key)
		return false
	}
	h.done <- outcome{payload: payload}
	return true
}

// Fail completes a pending key with an error
func (p *Pending) Fail(key string, err error) bool {
	h := p.take(key)
	if h == nil {
		logger.Debugf("dropping failure for unknown correlation key %s", key)
		return false
	}
	h.done <- outcome{err: err}
	return true
}

// Discard removes a pending key without completing it. Used by waiters
// that gave up so late replies are treated as unknown.
func (p *Pending) Discard(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.handles, key)
}

// FailWorker fails every pending key belonging to a worker (keys are
// workerID_modelID). Called when a worker is evicted so command issuers
// do not wait on a ghost. Returns the number of failed entries.
func (p *Pending) FailWorker(workerID string) int {
	prefix := workerID + "_"

	p.mu.Lock()
	var keys []string
	var handles []*Handle
	for key, h := range p.handles {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
			handles = append(handles, h)
		}
	}
	for _, key := range keys {
		delete(p.handles, key)
	}
	p.mu.Unlock()

	for _, h := range handles {
		h.done <- outcome{err: ErrWorkerLost}
	}
	return len(handles)
}

// CancelAll fails every outstanding handle with ErrCancelled and returns
// how many there were. Run during shutdown, before transport teardown,
// so no awaiter hangs forever.
func (p *Pending) CancelAll() int {
	p.mu.Lock()
	handles := make([]*Handle, 0, len(p.handles))
	for _, h := range p.handles {
		handles = append(handles, h)
	}
	p.handles = make(map[string]*Handle)
	p.mu.Unlock()

	for _, h := range handles {
		h.done <- outcome{err: ErrCancelled}
	}
	return len(handles)
}

// Len reports the number of in-flight keys
func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}

func (p *Pending) take(key string) *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, ok := p.handles[key]
	if !ok {
		return nil
	}
	delete(p.handles, key)
	return h
}
