package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"capfleet/internal/model"
	"capfleet/internal/registry"
	"capfleet/pkg/interfaces"
	"capfleet/pkg/logger"
)

var (
	ErrWorkerNotFound     = errors.New("worker not found")
	ErrModelNotSupported  = errors.New("model not found or not an image-to-text model")
	ErrModelAlreadyCached = errors.New("model already cached on worker")
	ErrModelNotCached     = errors.New("model not cached on worker")
)

// ControlService issues worker lifecycle commands over the control
// exchange. Commands that mutate worker state (download, custom) are
// acknowledged asynchronously through the correlation registry, keyed
// by workerID_modelID; unload and delete are fire-and-forget.
type ControlService struct {
	broker   interfaces.Broker
	workers  *registry.Workers
	commands *registry.Pending
	verifier interfaces.Verifier
	timeout  time.Duration // 0 = wait for the caller's context
}

// NewControlService creates the control-plane service
func NewControlService(b interfaces.Broker, workers *registry.Workers, commands *registry.Pending, verifier interfaces.Verifier, timeout time.Duration) *ControlService {
	return &ControlService{
		broker:   b,
		workers:  workers,
		commands: commands,
		verifier: verifier,
		timeout:  timeout,
	}
}

// Download commands a worker to obtain a model and awaits its ack.
// Rejections happen at this boundary, before any message is published.
func (s *ControlService) Download(ctx context.Context, workerID, modelID string) error {
	if !s.workers.Has(workerID) {
		return ErrWorkerNotFound
	}
	if s.workers.HasCached(workerID, modelID) {
		return ErrModelAlreadyCached
	}

	ok, err := s.verifier.IsCaptionModel(ctx, modelID)
	if err != nil {
		return fmt.Errorf("failed to verify model %s: %w", modelID, err)
	}
	if !ok {
		return ErrModelNotSupported
	}

	return s.awaitCommand(ctx, workerID, model.ControlCommand{
		Action: model.ControlActionDownload,
		Model:  modelID,
	})
}

// Custom commands a worker to register a user-supplied model
// implementation and awaits its ack. The source travels in the command
// payload; executing it is entirely the worker engine's concern.
func (s *ControlService) Custom(ctx context.Context, workerID, modelID, source string) error {
	if !s.workers.Has(workerID) {
		return ErrWorkerNotFound
	}
	if s.workers.HasCached(workerID, modelID) {
		return ErrModelAlreadyCached
	}

	return s.awaitCommand(ctx, workerID, model.ControlCommand{
		Action: model.ControlActionCustom,
		Model:  modelID,
		Code:   source,
	})
}

// Unload commands a worker to drop a model from memory. Fire-and-forget:
// the worker's next status snapshot reflects the change. Unloading a
// model that is not loaded is not an error; the worker logs a warning
// and leaves its state untouched.
func (s *ControlService) Unload(ctx context.Context, workerID, modelID string) error {
	if !s.workers.Has(workerID) {
		return ErrWorkerNotFound
	}

	return s.send(ctx, workerID, model.ControlCommand{
		Action: model.ControlActionUnload,
		Model:  modelID,
	})
}

// Delete commands a worker to remove a model from its cache. When no
// other live worker still advertises the model, the model's task queue
// is torn down so stale tasks cannot accumulate unserved.
func (s *ControlService) Delete(ctx context.Context, workerID, modelID string) error {
	if !s.workers.Has(workerID) {
		return ErrWorkerNotFound
	}
	if !s.workers.HasCached(workerID, modelID) {
		return ErrModelNotCached
	}

	if err := s.send(ctx, workerID, model.ControlCommand{
		Action: model.ControlActionDelete,
		Model:  modelID,
	}); err != nil {
		return err
	}

	if !s.workers.OthersAdvertise(modelID, workerID) {
		if err := s.broker.DeleteQueue(modelID); err != nil {
			logger.WarnCtx(ctx, "failed to delete task queue for model %s: %v", modelID, err)
		} else {
			logger.InfoCtx(ctx, "task queue for model %s deleted, no worker advertises it anymore", modelID)
		}
	}
	return nil
}

// ListWorkers returns a snapshot of the registry
func (s *ControlService) ListWorkers() []model.WorkerInfo {
	return s.workers.Snapshot()
}

// ListModels returns the sorted fleet-wide available model set
func (s *ControlService) ListModels() []string {
	return s.workers.AvailableModels()
}

func (s *ControlService) send(ctx context.Context, workerID string, cmd model.ControlCommand) error {
	body, err := model.Encode(cmd)
	if err != nil {
		return err
	}
	if err := s.broker.Publish(ctx, model.ControlExchange, workerID, body, interfaces.PublishOptions{}); err != nil {
		return fmt.Errorf("failed to publish %s command for worker %s: %w", cmd.Action, workerID, err)
	}
	logger.InfoCtx(ctx, "control command sent, worker: %s, action: %s, model: %s", workerID, cmd.Action, cmd.Model)
	return nil
}

func (s *ControlService) awaitCommand(ctx context.Context, workerID string, cmd model.ControlCommand) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	key := model.CommandKey(workerID, cmd.Model)

	// Register before publish so the ack cannot race the map entry
	handle, err := s.commands.Register(key)
	if err != nil {
		return fmt.Errorf("command for %s already in flight: %w", key, err)
	}

	if err := s.send(ctx, workerID, cmd); err != nil {
		s.commands.Discard(key)
		return err
	}

	if _, err := handle.Wait(ctx); err != nil {
		s.commands.Discard(key)
		return fmt.Errorf("%s of model %s on worker %s failed: %w", cmd.Action, cmd.Model, workerID, err)
	}
	return nil
}
