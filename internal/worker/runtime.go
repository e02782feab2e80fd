// Package worker implements the inference worker: it advertises its
// model set over the status fanout, consumes per-model task queues, and
// obeys lifecycle commands on its private control queue.
package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"capfleet/internal/model"
	"capfleet/pkg/interfaces"
	"capfleet/pkg/logger"
	"capfleet/pkg/modelcache"

	"github.com/google/uuid"
)

// Runtime is one worker process
type Runtime struct {
	id     string
	broker interfaces.Broker
	engine interfaces.Engine
	store  *modelcache.Store
	models *Models

	heartbeat time.Duration
	slots     chan struct{} // bounds concurrent inference calls

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRuntime creates a worker with a fresh id
func NewRuntime(b interfaces.Broker, engine interfaces.Engine, store *modelcache.Store, heartbeat time.Duration, concurrency int) *Runtime {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Runtime{
		id:        strings.ReplaceAll(uuid.NewString(), "-", "")[:8],
		broker:    b,
		engine:    engine,
		store:     store,
		models:    NewModels(),
		heartbeat: heartbeat,
		slots:     make(chan struct{}, concurrency),
	}
}

// ID returns the worker id
func (r *Runtime) ID() string {
	return r.id
}

// Start scans the local cache, wires all consumers and begins
// broadcasting status.
func (r *Runtime) Start(parent context.Context) error {
	r.ctx, r.cancel = context.WithCancel(parent)

	if err := r.declareTopology(); err != nil {
		return err
	}

	if err := r.scanCache(); err != nil {
		return err
	}

	if err := r.startControlConsumer(); err != nil {
		return err
	}

	for _, modelID := range r.models.Cached() {
		if err := r.startTaskConsumer(modelID); err != nil {
			logger.Errorf("failed to start task consumer for model %s: %v", modelID, err)
		}
	}

	r.wg.Add(1)
	go r.statusLoop()

	logger.Infof("worker %s started, cached models: %v", r.id, r.models.Cached())
	return nil
}

// Stop broadcasts offline and tears the worker down. Run before the
// broker connection is closed.
func (r *Runtime) Stop() {
	r.broadcast(model.WorkerStatusOffline, "", "")
	r.models.StopAllConsumers()
	r.cancel()
	r.wg.Wait()
	logger.Infof("worker %s stopped", r.id)
}

func (r *Runtime) declareTopology() error {
	if err := r.broker.DeclareTopic(model.TaskExchange); err != nil {
		return err
	}
	if err := r.broker.DeclareTopic(model.ControlExchange); err != nil {
		return err
	}
	if err := r.broker.DeclareFanout(model.StatusExchange); err != nil {
		return err
	}
	return nil
}

// scanCache restores model state from the local cache directory.
// Custom models are re-registered with the engine from their stored
// source; everything else loads lazily on first task.
func (r *Runtime) scanCache() error {
	cached, err := r.store.Scan()
	if err != nil {
		return fmt.Errorf("failed to scan model cache: %w", err)
	}

	for _, modelID := range cached {
		source, err := r.store.CustomSource(modelID)
		if err != nil {
			logger.Warnf("skipping model %s: %v", modelID, err)
			continue
		}
		if source != "" {
			if _, err := r.engine.LoadCustom(context.Background(), modelID, source); err != nil {
				logger.Warnf("failed to restore custom model %s: %v", modelID, err)
				continue
			}
		}
		r.models.AddCached(modelID)
	}
	return nil
}

// statusLoop broadcasts a full-state online snapshot at the heartbeat
// interval. State changes additionally broadcast immediately.
func (r *Runtime) statusLoop() {
	defer r.wg.Done()

	r.broadcast(model.WorkerStatusOnline, "", "")

	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.broadcast(model.WorkerStatusOnline, "", "")
		}
	}
}

// broadcast publishes a full-state status event to the status fanout
func (r *Runtime) broadcast(status model.WorkerStatus, modelID, errMsg string) {
	ev := model.StatusEvent{
		WorkerID:        r.id,
		AvailableModels: r.models.Cached(),
		LoadedModels:    r.models.Loaded(),
		Status:          status,
		Model:           modelID,
		Error:           errMsg,
	}

	body, err := model.Encode(ev)
	if err != nil {
		logger.Errorf("failed to encode status event: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.broker.Publish(ctx, model.StatusExchange, "", body, interfaces.PublishOptions{}); err != nil {
		logger.Errorf("failed to broadcast status %s: %v", status, err)
	}
}
