package service

import (
	"context"
	"errors"
	"fmt"

	"capfleet/internal/model"
	"capfleet/internal/registry"
	"capfleet/pkg/interfaces"
	"capfleet/pkg/logger"
)

// StatusListener consumes the worker status fanout and keeps the worker
// registry current. Every coordinator instance runs one; each gets its
// own exclusive queue bound to the fanout.
type StatusListener struct {
	broker   interfaces.Broker
	workers  *registry.Workers
	commands *registry.Pending
}

// NewStatusListener creates the status listener
func NewStatusListener(b interfaces.Broker, workers *registry.Workers, commands *registry.Pending) *StatusListener {
	return &StatusListener{
		broker:   b,
		workers:  workers,
		commands: commands,
	}
}

// Start binds an exclusive queue to the status fanout and processes
// events until ctx is cancelled.
func (l *StatusListener) Start(ctx context.Context) error {
	queue, err := l.broker.DeclareQueue("", true)
	if err != nil {
		return fmt.Errorf("failed to declare status queue: %w", err)
	}
	if err := l.broker.BindQueue(queue, model.StatusExchange, ""); err != nil {
		return fmt.Errorf("failed to bind status queue: %w", err)
	}

	deliveries, err := l.broker.Consume(ctx, queue)
	if err != nil {
		return fmt.Errorf("failed to consume status queue: %w", err)
	}

	go func() {
		for d := range deliveries {
			l.handle(ctx, d.Body)
		}
	}()

	logger.Info("worker status listener started")
	return nil
}

func (l *StatusListener) handle(ctx context.Context, body []byte) {
	var ev model.StatusEvent
	if err := model.Decode(body, &ev); err != nil {
		logger.WarnCtx(ctx, "malformed status event: %v", err)
		return
	}
	if ev.WorkerID == "" {
		return
	}

	switch ev.Status {
	case model.WorkerStatusOnline:
		// Full-state snapshot: always a replace, never a merge
		l.workers.Upsert(ev.WorkerID, ev.AvailableModels, ev.LoadedModels)
		logger.DebugCtx(ctx, "worker %s online, cached: %d, loaded: %d",
			ev.WorkerID, len(ev.AvailableModels), len(ev.LoadedModels))

	case model.WorkerStatusOffline:
		if l.workers.Remove(ev.WorkerID) {
			logger.InfoCtx(ctx, "worker %s went offline", ev.WorkerID)
		}
		if failed := l.commands.FailWorker(ev.WorkerID); failed > 0 {
			logger.WarnCtx(ctx, "failed %d pending commands for offline worker %s", failed, ev.WorkerID)
		}

	case model.WorkerStatusDownloaded, model.WorkerStatusCustom:
		key := model.CommandKey(ev.WorkerID, ev.Model)
		if ev.Error != "" {
			l.commands.Fail(key, errors.New(ev.Error))
		} else {
			l.commands.Resolve(key, nil)
		}

	default:
		logger.WarnCtx(ctx, "unknown worker status %q from %s", ev.Status, ev.WorkerID)
	}
}
