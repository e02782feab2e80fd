package worker

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"capfleet/internal/model"
	"capfleet/pkg/broker/memory"
	"capfleet/pkg/interfaces"
	"capfleet/pkg/modelcache"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	mu      sync.Mutex
	caption string
	loadErr error
	custom  map[string]string
	unloads int
}

func newFakeEngine(caption string) *fakeEngine {
	return &fakeEngine{caption: caption, custom: make(map[string]string)}
}

func (e *fakeEngine) Load(_ context.Context, modelID string) (interfaces.ModelHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loadErr != nil {
		return nil, e.loadErr
	}
	return "handle:" + modelID, nil
}

func (e *fakeEngine) LoadCustom(_ context.Context, modelID, source string) (interfaces.ModelHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.custom[modelID] = source
	return "custom:" + modelID, nil
}

func (e *fakeEngine) Unload(_ interfaces.ModelHandle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unloads++
}

func (e *fakeEngine) Infer(_ context.Context, _ interfaces.ModelHandle, _ []byte) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.caption, nil
}

func (e *fakeEngine) IsCustom(modelID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.custom[modelID]
	return ok
}

func (e *fakeEngine) ForgetCustom(modelID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.custom, modelID)
}

type runtimeHarness struct {
	broker  *memory.Broker
	engine  *fakeEngine
	store   *modelcache.Store
	runtime *Runtime
	status  <-chan interfaces.Delivery
	ctx     context.Context
}

// newRuntimeHarness starts a worker runtime over an in-process broker
// with a status observer standing in for the coordinator.
func newRuntimeHarness(t *testing.T, engine *fakeEngine, precached ...string) *runtimeHarness {
	t.Helper()

	b := memory.New()
	store, err := modelcache.New(t.TempDir())
	require.NoError(t, err)
	for _, modelID := range precached {
		require.NoError(t, store.Add(modelID))
	}

	// Observer queue bound to the status fanout before the worker starts
	// so the initial online broadcast is not missed
	require.NoError(t, b.DeclareFanout(model.StatusExchange))
	statusQueue, err := b.DeclareQueue("", true)
	require.NoError(t, err)
	require.NoError(t, b.BindQueue(statusQueue, model.StatusExchange, ""))

	ctx, cancel := context.WithCancel(context.Background())
	status, err := b.Consume(ctx, statusQueue)
	require.NoError(t, err)

	rt := NewRuntime(b, engine, store, time.Hour, 2)
	require.NoError(t, rt.Start(ctx))

	t.Cleanup(func() {
		cancel()
		b.Close()
	})

	return &runtimeHarness{
		broker:  b,
		engine:  engine,
		store:   store,
		runtime: rt,
		status:  status,
		ctx:     ctx,
	}
}

// waitStatus reads status events until one matches or the timeout hits.
func (h *runtimeHarness) waitStatus(t *testing.T, match func(model.StatusEvent) bool) model.StatusEvent {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case d := <-h.status:
			var ev model.StatusEvent
			require.NoError(t, model.Decode(d.Body, &ev))
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for status event")
			return model.StatusEvent{}
		}
	}
}

func (h *runtimeHarness) sendControl(t *testing.T, cmd model.ControlCommand) {
	t.Helper()
	body, err := model.Encode(cmd)
	require.NoError(t, err)
	require.NoError(t, h.broker.Publish(h.ctx, model.ControlExchange, h.runtime.ID(), body, interfaces.PublishOptions{}))
}

// TestRuntime_StartAnnouncesCachedModels tests that a worker comes up
// advertising what its cache directory holds.
func TestRuntime_StartAnnouncesCachedModels(t *testing.T) {
	h := newRuntimeHarness(t, newFakeEngine("a caption"), "blip", "git")

	ev := h.waitStatus(t, func(ev model.StatusEvent) bool {
		return ev.Status == model.WorkerStatusOnline
	})
	assert.Equal(t, h.runtime.ID(), ev.WorkerID)
	assert.Equal(t, []string{"blip", "git"}, ev.AvailableModels)
	assert.Empty(t, ev.LoadedModels)
}

// TestRuntime_TaskRoundTrip tests consuming a task, lazy-loading the
// model and replying with the caption.
func TestRuntime_TaskRoundTrip(t *testing.T) {
	h := newRuntimeHarness(t, newFakeEngine("a dog on a beach"), "blip")

	_, err := h.broker.DeclareQueue("responses", false)
	require.NoError(t, err)
	replies, err := h.broker.Consume(h.ctx, "responses")
	require.NoError(t, err)

	task, err := model.Encode(model.TaskMessage{
		ID:    "item1",
		Image: base64.StdEncoding.EncodeToString([]byte("imagedata")),
		Model: "blip",
	})
	require.NoError(t, err)
	require.NoError(t, h.broker.Publish(h.ctx, model.TaskExchange, "blip", task, interfaces.PublishOptions{
		CorrelationID: "item1_blip",
		ReplyTo:       "responses",
	}))

	select {
	case d := <-replies:
		assert.Equal(t, "item1_blip", d.CorrelationID)
		var reply model.TaskReply
		require.NoError(t, model.Decode(d.Body, &reply))
		assert.Equal(t, "item1", reply.ID)
		require.Len(t, reply.Results, 1)
		assert.Equal(t, "blip", reply.Results[0].Model)
		assert.Equal(t, "a dog on a beach", reply.Results[0].Caption)
		assert.Empty(t, reply.Results[0].Error)
	case <-time.After(2 * time.Second):
		t.Fatal("no task reply received")
	}

	// Lazy load flipped the loaded set and broadcast a fresh snapshot
	h.waitStatus(t, func(ev model.StatusEvent) bool {
		return ev.Status == model.WorkerStatusOnline && len(ev.LoadedModels) == 1
	})
}

// TestRuntime_MalformedImageYieldsErrorResult tests that a bad payload
// comes back as a per-model error, not silence.
func TestRuntime_MalformedImageYieldsErrorResult(t *testing.T) {
	h := newRuntimeHarness(t, newFakeEngine("unused"), "blip")

	_, err := h.broker.DeclareQueue("responses", false)
	require.NoError(t, err)
	replies, err := h.broker.Consume(h.ctx, "responses")
	require.NoError(t, err)

	task, err := model.Encode(model.TaskMessage{
		ID:    "item1",
		Image: "not-base64!!!",
		Model: "blip",
	})
	require.NoError(t, err)
	require.NoError(t, h.broker.Publish(h.ctx, model.TaskExchange, "blip", task, interfaces.PublishOptions{
		CorrelationID: "item1_blip",
		ReplyTo:       "responses",
	}))

	select {
	case d := <-replies:
		var reply model.TaskReply
		require.NoError(t, model.Decode(d.Body, &reply))
		require.Len(t, reply.Results, 1)
		assert.Contains(t, reply.Results[0].Error, "invalid image payload")
	case <-time.After(2 * time.Second):
		t.Fatal("no task reply received")
	}
}

// TestRuntime_DownloadCommand tests the download lifecycle: command in,
// model cached, task subscription opened, ack out after a fresh snapshot.
func TestRuntime_DownloadCommand(t *testing.T) {
	h := newRuntimeHarness(t, newFakeEngine("caption"))

	h.sendControl(t, model.ControlCommand{Action: model.ControlActionDownload, Model: "git"})

	ack := h.waitStatus(t, func(ev model.StatusEvent) bool {
		return ev.Status == model.WorkerStatusDownloaded && ev.Model == "git"
	})
	assert.Empty(t, ack.Error)

	cached, err := h.store.Scan()
	require.NoError(t, err)
	assert.Equal(t, []string{"git"}, cached)

	// The new model serves tasks
	_, err = h.broker.DeclareQueue("responses", false)
	require.NoError(t, err)
	replies, err := h.broker.Consume(h.ctx, "responses")
	require.NoError(t, err)

	task, err := model.Encode(model.TaskMessage{
		ID:    "item1",
		Image: base64.StdEncoding.EncodeToString([]byte("img")),
		Model: "git",
	})
	require.NoError(t, err)
	require.NoError(t, h.broker.Publish(h.ctx, model.TaskExchange, "git", task, interfaces.PublishOptions{
		CorrelationID: "item1_git",
		ReplyTo:       "responses",
	}))

	select {
	case d := <-replies:
		var reply model.TaskReply
		require.NoError(t, model.Decode(d.Body, &reply))
		assert.Equal(t, "caption", reply.Results[0].Caption)
	case <-time.After(2 * time.Second):
		t.Fatal("downloaded model did not serve tasks")
	}
}

// TestRuntime_DownloadFailureAck tests that an engine failure travels
// back in the downloaded ack.
func TestRuntime_DownloadFailureAck(t *testing.T) {
	engine := newFakeEngine("caption")
	engine.loadErr = errors.New("no such model on hub")
	h := newRuntimeHarness(t, engine)

	h.sendControl(t, model.ControlCommand{Action: model.ControlActionDownload, Model: "ghost"})

	ack := h.waitStatus(t, func(ev model.StatusEvent) bool {
		return ev.Status == model.WorkerStatusDownloaded && ev.Model == "ghost"
	})
	assert.Contains(t, ack.Error, "no such model on hub")

	cached, err := h.store.Scan()
	require.NoError(t, err)
	assert.Empty(t, cached)
}

// TestRuntime_CustomModelCommand tests registering a user-supplied model
// and its persistence in the cache directory.
func TestRuntime_CustomModelCommand(t *testing.T) {
	h := newRuntimeHarness(t, newFakeEngine("custom caption"))

	h.sendControl(t, model.ControlCommand{
		Action: model.ControlActionCustom,
		Model:  "me/my-model",
		Code:   "def caption(image): ...",
	})

	ack := h.waitStatus(t, func(ev model.StatusEvent) bool {
		return ev.Status == model.WorkerStatusCustom && ev.Model == "me/my-model"
	})
	assert.Empty(t, ack.Error)
	assert.True(t, h.engine.IsCustom("me/my-model"))

	source, err := h.store.CustomSource("me/my-model")
	require.NoError(t, err)
	assert.Equal(t, "def caption(image): ...", source)
}

// TestRuntime_DeleteCommand tests removing a model from the worker.
func TestRuntime_DeleteCommand(t *testing.T) {
	h := newRuntimeHarness(t, newFakeEngine("caption"), "blip")

	h.sendControl(t, model.ControlCommand{Action: model.ControlActionDelete, Model: "blip"})

	h.waitStatus(t, func(ev model.StatusEvent) bool {
		return ev.Status == model.WorkerStatusOnline && len(ev.AvailableModels) == 0
	})

	cached, err := h.store.Scan()
	require.NoError(t, err)
	assert.Empty(t, cached)
}

// TestRuntime_StopBroadcastsOffline tests the shutdown announcement.
func TestRuntime_StopBroadcastsOffline(t *testing.T) {
	h := newRuntimeHarness(t, newFakeEngine("caption"), "blip")

	h.runtime.Stop()

	ev := h.waitStatus(t, func(ev model.StatusEvent) bool {
		return ev.Status == model.WorkerStatusOffline
	})
	assert.Equal(t, h.runtime.ID(), ev.WorkerID)
}
