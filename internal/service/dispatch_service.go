package service

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"capfleet/internal/model"
	"capfleet/internal/registry"
	"capfleet/pkg/interfaces"
	"capfleet/pkg/logger"
)

// UploadItem is one client-supplied image awaiting captioning
type UploadItem struct {
	ID    string
	Image []byte
}

// DispatchService fans one upload out into per-model tasks and gathers
// the distributed replies back into per-item results.
type DispatchService struct {
	broker     interfaces.Broker
	workers    *registry.Workers
	replies    *registry.Pending
	replyQueue string
	timeout    time.Duration           // 0 = wait for the caller's context
	cache      interfaces.CaptionCache // optional
}

// NewDispatchService creates the task router
func NewDispatchService(b interfaces.Broker, workers *registry.Workers, replies *registry.Pending, replyQueue string, timeout time.Duration, cache interfaces.CaptionCache) *DispatchService {
	return &DispatchService{
		broker:     b,
		workers:    workers,
		replies:    replies,
		replyQueue: replyQueue,
		timeout:    timeout,
		cache:      cache,
	}
}

// StartReplyListener consumes the coordinator's response queue and
// resolves pending tasks by correlation id. Replies for keys that are
// no longer pending (late arrivals after a timeout) are dropped inside
// the correlation registry.
func (s *DispatchService) StartReplyListener(ctx context.Context) error {
	deliveries, err := s.broker.Consume(ctx, s.replyQueue)
	if err != nil {
		return fmt.Errorf("failed to consume reply queue: %w", err)
	}

	go func() {
		for d := range deliveries {
			if d.CorrelationID == "" {
				logger.Warn("reply without correlation id, dropping")
				continue
			}
			s.replies.Resolve(d.CorrelationID, d.Body)
		}
	}()

	logger.Infof("reply listener started on queue %s", s.replyQueue)
	return nil
}

// Dispatch routes a job to the fleet. Requested models that are not in
// the current availability snapshot are silently dropped; an item whose
// models were all dropped yields an empty result list, not an error.
// Items are processed concurrently with no cross-item ordering; within
// one item the merged entries follow reply arrival order. Per-model
// failures, timeouts included, surface as error entries inside the
// results, so there is no error return.
func (s *DispatchService) Dispatch(ctx context.Context, items []UploadItem, requestedModels []string) []model.ItemResult {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	available := make(map[string]struct{})
	for _, m := range s.workers.AvailableModels() {
		available[m] = struct{}{}
	}

	seen := make(map[string]struct{})
	valid := make([]string, 0, len(requestedModels))
	for _, m := range requestedModels {
		if _, ok := available[m]; !ok {
			continue
		}
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		valid = append(valid, m)
	}

	results := make([]model.ItemResult, len(items))
	var wg sync.WaitGroup
	for i := range items {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.dispatchItem(ctx, items[i], valid)
		}(i)
	}
	wg.Wait()

	return results
}

type taskWait struct {
	key     string
	modelID string
	handle  *registry.Handle
}

func (s *DispatchService) dispatchItem(ctx context.Context, item UploadItem, models []string) model.ItemResult {
	res := model.ItemResult{
		ID:      item.ID,
		Results: []model.CaptionResult{},
	}

	var waits []taskWait
	encoded := base64.StdEncoding.EncodeToString(item.Image)

	for _, modelID := range models {
		if s.cache != nil {
			if caption, ok := s.cache.Get(ctx, item.Image, modelID); ok {
				logger.DebugCtx(ctx, "caption cache hit, item: %s, model: %s", item.ID, modelID)
				res.Results = append(res.Results, model.CaptionResult{Model: modelID, Caption: caption})
				continue
			}
		}

		key := model.TaskKey(item.ID, modelID)

		// Register before publish so a fast reply cannot race the map entry
		handle, err := s.replies.Register(key)
		if err != nil {
			logger.ErrorCtx(ctx, "task already in flight, item: %s, model: %s", item.ID, modelID)
			res.Results = append(res.Results, model.CaptionResult{Model: modelID, Error: err.Error()})
			continue
		}

		body, err := model.Encode(model.TaskMessage{ID: item.ID, Image: encoded, Model: modelID})
		if err != nil {
			s.replies.Discard(key)
			res.Results = append(res.Results, model.CaptionResult{Model: modelID, Error: err.Error()})
			continue
		}

		err = s.broker.Publish(ctx, model.TaskExchange, modelID, body, interfaces.PublishOptions{
			CorrelationID: key,
			ReplyTo:       s.replyQueue,
		})
		if err != nil {
			s.replies.Discard(key)
			logger.ErrorCtx(ctx, "failed to publish task, item: %s, model: %s, error: %v", item.ID, modelID, err)
			res.Results = append(res.Results, model.CaptionResult{Model: modelID, Error: err.Error()})
			continue
		}

		waits = append(waits, taskWait{key: key, modelID: modelID, handle: handle})
	}

	// Gather in arrival order: each wait posts its entries as its reply
	// resolves.
	arrivals := make(chan []model.CaptionResult, len(waits))
	for _, w := range waits {
		go func(w taskWait) {
			arrivals <- s.awaitReply(ctx, item, w)
		}(w)
	}
	for range waits {
		res.Results = append(res.Results, <-arrivals...)
	}

	return res
}

func (s *DispatchService) awaitReply(ctx context.Context, item UploadItem, w taskWait) []model.CaptionResult {
	payload, err := w.handle.Wait(ctx)
	if err != nil {
		// Timed out or cancelled; drop the pending entry so a late
		// reply is discarded as stale instead of resolving into nothing.
		s.replies.Discard(w.key)
		return []model.CaptionResult{{Model: w.modelID, Error: err.Error()}}
	}

	var reply model.TaskReply
	if err := model.Decode(payload, &reply); err != nil {
		logger.ErrorCtx(ctx, "malformed task reply, key: %s, error: %v", w.key, err)
		return []model.CaptionResult{{Model: w.modelID, Error: "malformed reply"}}
	}

	if s.cache != nil {
		for _, r := range reply.Results {
			if r.Error == "" && r.Caption != "" {
				s.cache.Set(ctx, item.Image, r.Model, r.Caption)
			}
		}
	}

	return reply.Results
}
