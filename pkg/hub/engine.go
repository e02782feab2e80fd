package hub

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"capfleet/pkg/config"
	"capfleet/pkg/interfaces"
)

// Engine runs caption inference against the hub's hosted inference API.
// Hub-backed models are validated at load time; user-supplied models are
// forwarded to an optional custom-runtime sidecar, since this process
// does not execute foreign code itself.
type Engine struct {
	hub              *Client
	inferenceURL     string
	customRuntimeURL string
	token            string
	client           *http.Client

	mu     sync.Mutex
	custom map[string]string // model -> source
}

type engineHandle struct {
	model  string
	custom bool
}

// NewEngine creates a hub-backed inference engine
func NewEngine(cfg *config.HubConfig) *Engine {
	return &Engine{
		hub:              NewClient(cfg),
		inferenceURL:     cfg.InferenceURL,
		customRuntimeURL: cfg.CustomRuntimeURL,
		token:            cfg.Token,
		client: &http.Client{
			Timeout: 120 * time.Second, // model cold starts are slow
		},
		custom: make(map[string]string),
	}
}

// Load validates the model against the hub and returns a handle for it
func (e *Engine) Load(ctx context.Context, modelID string) (interfaces.ModelHandle, error) {
	ok, err := e.hub.IsCaptionModel(ctx, modelID)
	if err != nil {
		return nil, fmt.Errorf("failed to verify model %s: %w", modelID, err)
	}
	if !ok {
		return nil, fmt.Errorf("model %s is not an image-to-text model", modelID)
	}
	return &engineHandle{model: modelID}, nil
}

// LoadCustom registers a user-supplied implementation under modelID
func (e *Engine) LoadCustom(ctx context.Context, modelID, source string) (interfaces.ModelHandle, error) {
	_ = ctx
	if source == "" {
		return nil, fmt.Errorf("custom model %s has no source", modelID)
	}

	e.mu.Lock()
	e.custom[modelID] = source
	e.mu.Unlock()

	return &engineHandle{model: modelID, custom: true}, nil
}

// Unload releases a handle. Remote models hold no local resources;
// custom registrations persist until deleted via the model lifecycle.
func (e *Engine) Unload(handle interfaces.ModelHandle) {
	_ = handle
}

// IsCustom reports whether modelID was registered as user-supplied
func (e *Engine) IsCustom(modelID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.custom[modelID]
	return ok
}

// Infer produces a caption for an image
func (e *Engine) Infer(ctx context.Context, handle interfaces.ModelHandle, image []byte) (string, error) {
	h, ok := handle.(*engineHandle)
	if !ok {
		return "", fmt.Errorf("foreign model handle %T", handle)
	}
	if h.custom {
		return e.inferCustom(ctx, h.model, image)
	}
	return e.inferHosted(ctx, h.model, image)
}

type captionResponse struct {
	GeneratedText string `json:"generated_text"`
}

func (e *Engine) inferHosted(ctx context.Context, modelID string, image []byte) (string, error) {
	url := fmt.Sprintf("%s/models/%s", e.inferenceURL, modelID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(image))
	if err != nil {
		return "", fmt.Errorf("failed to build inference request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("inference request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("inference for %s returned %d: %s", modelID, resp.StatusCode, string(body))
	}

	var results []captionResponse
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return "", fmt.Errorf("failed to decode inference response: %w", err)
	}
	if len(results) == 0 {
		return "", fmt.Errorf("inference for %s returned no candidates", modelID)
	}
	return results[0].GeneratedText, nil
}

func (e *Engine) inferCustom(ctx context.Context, modelID string, image []byte) (string, error) {
	if e.customRuntimeURL == "" {
		return "", fmt.Errorf("no custom runtime configured for model %s", modelID)
	}

	e.mu.Lock()
	source := e.custom[modelID]
	e.mu.Unlock()

	payload, err := json.Marshal(map[string]string{
		"model":  modelID,
		"source": source,
		"image":  base64.StdEncoding.EncodeToString(image),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode custom inference request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.customRuntimeURL+"/infer", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build custom inference request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("custom inference request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("custom runtime returned %d for %s: %s", resp.StatusCode, modelID, string(body))
	}

	var result struct {
		Caption string `json:"caption"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode custom inference response: %w", err)
	}
	return result.Caption, nil
}

// ForgetCustom drops a custom model registration
func (e *Engine) ForgetCustom(modelID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.custom, modelID)
}
