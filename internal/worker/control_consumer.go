package worker

import (
	"context"

	"capfleet/internal/model"
	"capfleet/pkg/logger"
)

// startControlConsumer binds the worker's private control queue and
// processes lifecycle commands until shutdown.
func (r *Runtime) startControlConsumer() error {
	queue := model.ControlQueue(r.id)
	if _, err := r.broker.DeclareQueue(queue, true); err != nil {
		return err
	}
	if err := r.broker.BindQueue(queue, model.ControlExchange, r.id); err != nil {
		return err
	}

	deliveries, err := r.broker.Consume(r.ctx, queue)
	if err != nil {
		return err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for d := range deliveries {
			var cmd model.ControlCommand
			if err := model.Decode(d.Body, &cmd); err != nil {
				logger.Errorf("malformed control command: %v", err)
				continue
			}
			logger.Infof("control command received, action: %s, model: %s", cmd.Action, cmd.Model)

			// Downloads can take minutes; run every command off the
			// consumer goroutine so the control queue stays responsive.
			r.wg.Add(1)
			go func(cmd model.ControlCommand) {
				defer r.wg.Done()
				r.handleControl(r.ctx, cmd)
			}(cmd)
		}
	}()

	logger.Infof("control consumer started on queue %s", queue)
	return nil
}

func (r *Runtime) handleControl(ctx context.Context, cmd model.ControlCommand) {
	if cmd.Model == "" {
		logger.Warnf("control command %s without model, ignoring", cmd.Action)
		return
	}

	switch cmd.Action {
	case model.ControlActionDownload:
		r.downloadModel(ctx, cmd.Model)
	case model.ControlActionCustom:
		r.registerCustomModel(ctx, cmd.Model, cmd.Code)
	case model.ControlActionUnload:
		r.unloadModel(cmd.Model)
	case model.ControlActionDelete:
		r.deleteModel(cmd.Model)
	default:
		logger.Warnf("unknown control action %q for model %s", cmd.Action, cmd.Model)
	}
}

// downloadModel obtains a model via the engine and opens its task
// subscription. The coordinator resolves its pending command from the
// downloaded status event; the fresh online snapshot goes out first so
// the registry is current before the issuer's await returns.
func (r *Runtime) downloadModel(ctx context.Context, modelID string) {
	if r.models.IsCached(modelID) {
		logger.Warnf("model %s already cached, acknowledging download as no-op", modelID)
		r.broadcast(model.WorkerStatusDownloaded, modelID, "")
		return
	}

	handle, err := r.engine.Load(ctx, modelID)
	if err != nil {
		logger.Errorf("failed to download model %s: %v", modelID, err)
		r.broadcast(model.WorkerStatusDownloaded, modelID, err.Error())
		return
	}

	if err := r.store.Add(modelID); err != nil {
		r.engine.Unload(handle)
		logger.Errorf("failed to cache model %s: %v", modelID, err)
		r.broadcast(model.WorkerStatusDownloaded, modelID, err.Error())
		return
	}

	r.models.AddCached(modelID)
	r.models.StoreHandle(modelID, handle)

	if err := r.startTaskConsumer(modelID); err != nil {
		logger.Errorf("failed to open task subscription for model %s: %v", modelID, err)
	}

	logger.Infof("model %s downloaded", modelID)
	r.broadcast(model.WorkerStatusOnline, "", "")
	r.broadcast(model.WorkerStatusDownloaded, modelID, "")
}

// registerCustomModel stores a user-supplied implementation and treats
// it like a downloaded model from there on.
func (r *Runtime) registerCustomModel(ctx context.Context, modelID, source string) {
	if r.models.IsCached(modelID) {
		logger.Warnf("model %s already cached, acknowledging custom registration as no-op", modelID)
		r.broadcast(model.WorkerStatusCustom, modelID, "")
		return
	}

	handle, err := r.engine.LoadCustom(ctx, modelID, source)
	if err != nil {
		logger.Errorf("failed to register custom model %s: %v", modelID, err)
		r.broadcast(model.WorkerStatusCustom, modelID, err.Error())
		return
	}

	if err := r.store.AddCustom(modelID, source); err != nil {
		r.engine.Unload(handle)
		r.engine.ForgetCustom(modelID)
		logger.Errorf("failed to cache custom model %s: %v", modelID, err)
		r.broadcast(model.WorkerStatusCustom, modelID, err.Error())
		return
	}

	r.models.AddCached(modelID)
	r.models.StoreHandle(modelID, handle)

	if err := r.startTaskConsumer(modelID); err != nil {
		logger.Errorf("failed to open task subscription for model %s: %v", modelID, err)
	}

	logger.Infof("custom model %s registered", modelID)
	r.broadcast(model.WorkerStatusOnline, "", "")
	r.broadcast(model.WorkerStatusCustom, modelID, "")
}

// unloadModel releases a loaded model. Unloading a model that is not
// loaded is a no-op with a warning, not an error.
func (r *Runtime) unloadModel(modelID string) {
	handle, ok := r.models.TakeHandle(modelID)
	if !ok {
		logger.Warnf("model %s is not loaded, cannot unload", modelID)
		return
	}

	r.engine.Unload(handle)
	logger.Infof("model %s unloaded", modelID)
	r.broadcast(model.WorkerStatusOnline, "", "")
}

// deleteModel stops serving a model and removes it from the local cache
func (r *Runtime) deleteModel(modelID string) {
	r.models.StopConsumer(modelID)

	if handle, ok := r.models.TakeHandle(modelID); ok {
		r.engine.Unload(handle)
	}
	r.engine.ForgetCustom(modelID)
	r.models.RemoveCached(modelID)

	if err := r.store.Delete(modelID); err != nil {
		logger.Errorf("failed to delete model %s from cache: %v", modelID, err)
	} else {
		logger.Infof("model %s deleted from cache", modelID)
	}

	r.broadcast(model.WorkerStatusOnline, "", "")
}
