package worker

import (
	"context"
	"encoding/base64"
	"fmt"

	"capfleet/internal/model"
	"capfleet/pkg/interfaces"
	"capfleet/pkg/logger"
)

// startTaskConsumer declares and binds the model's task queue, then
// consumes it until the model is deleted or the worker stops.
func (r *Runtime) startTaskConsumer(modelID string) error {
	if _, err := r.broker.DeclareQueue(modelID, false); err != nil {
		return err
	}
	if err := r.broker.BindQueue(modelID, model.TaskExchange, modelID); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(r.ctx)
	deliveries, err := r.broker.Consume(ctx, modelID)
	if err != nil {
		cancel()
		return err
	}
	r.models.SetConsumer(modelID, cancel)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for d := range deliveries {
			// Inference runs on a bounded slot pool so a slow model
			// never stalls the consumer that owns the broker read.
			r.wg.Add(1)
			go func(d interfaces.Delivery) {
				defer r.wg.Done()

				select {
				case r.slots <- struct{}{}:
					defer func() { <-r.slots }()
				case <-ctx.Done():
					return
				}
				r.handleTask(ctx, d)
			}(d)
		}
		logger.Infof("task consumer for model %s stopped", modelID)
	}()

	logger.Infof("consuming tasks for model %s", modelID)
	return nil
}

func (r *Runtime) handleTask(ctx context.Context, d interfaces.Delivery) {
	var task model.TaskMessage
	if err := model.Decode(d.Body, &task); err != nil {
		logger.Errorf("malformed task message: %v", err)
		return
	}

	logger.Infof("task received, item: %s, model: %s", task.ID, task.Model)

	caption, err := r.caption(ctx, task)

	result := model.CaptionResult{Model: task.Model}
	if err != nil {
		logger.Errorf("inference failed, item: %s, model: %s, error: %v", task.ID, task.Model, err)
		result.Error = err.Error()
	} else {
		logger.Infof("caption generated, item: %s, model: %s", task.ID, task.Model)
		result.Caption = caption
	}

	if d.ReplyTo == "" {
		logger.Warnf("task %s has no reply address, dropping result", task.ID)
		return
	}

	body, err := model.Encode(model.TaskReply{
		ID:      task.ID,
		Results: []model.CaptionResult{result},
	})
	if err != nil {
		logger.Errorf("failed to encode task reply: %v", err)
		return
	}

	err = r.broker.Publish(ctx, "", d.ReplyTo, body, interfaces.PublishOptions{
		CorrelationID: d.CorrelationID,
	})
	if err != nil {
		logger.Errorf("failed to publish task reply for item %s: %v", task.ID, err)
	}
}

func (r *Runtime) caption(ctx context.Context, task model.TaskMessage) (string, error) {
	image, err := base64.StdEncoding.DecodeString(task.Image)
	if err != nil {
		return "", fmt.Errorf("invalid image payload: %w", err)
	}
	if len(image) == 0 {
		return "", fmt.Errorf("empty image payload")
	}

	handle, err := r.ensureLoaded(ctx, task.Model)
	if err != nil {
		return "", err
	}

	return r.engine.Infer(ctx, handle, image)
}

// ensureLoaded lazily loads a model on its first task. Loading flips
// the loaded set, so a fresh snapshot is broadcast.
func (r *Runtime) ensureLoaded(ctx context.Context, modelID string) (interfaces.ModelHandle, error) {
	if handle, ok := r.models.Handle(modelID); ok {
		return handle, nil
	}

	source, err := r.store.CustomSource(modelID)
	if err != nil {
		return nil, err
	}

	var handle interfaces.ModelHandle
	if source != "" {
		handle, err = r.engine.LoadCustom(ctx, modelID, source)
	} else {
		handle, err = r.engine.Load(ctx, modelID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load model %s: %w", modelID, err)
	}

	r.models.StoreHandle(modelID, handle)
	r.broadcast(model.WorkerStatusOnline, "", "")
	return handle, nil
}
