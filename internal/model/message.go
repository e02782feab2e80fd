package model

import (
	"encoding/json"
	"fmt"
)

// Broker topology. Task and control exchanges route by model name and
// worker id respectively; status is a fanout every coordinator receives.
const (
	TaskExchange    = "caption.tasks"
	ControlExchange = "caption.control"
	StatusExchange  = "caption.status"
)

// ControlQueue returns the name of a worker's private control queue
func ControlQueue(workerID string) string {
	return "worker_" + workerID
}

// TaskKey builds the correlation key for one (item, model) task
func TaskKey(itemID, modelID string) string {
	return itemID + "_" + modelID
}

// CommandKey builds the correlation key for one (worker, model) command
func CommandKey(workerID, modelID string) string {
	return workerID + "_" + modelID
}

// TaskMessage is one per-model captioning job. Immutable once published.
type TaskMessage struct {
	ID    string `json:"id"`
	Image string `json:"image"` // base64
	Model string `json:"model"`
}

// CaptionResult is one model's answer for one item
type CaptionResult struct {
	Model   string `json:"model"`
	Caption string `json:"caption,omitempty"`
	Error   string `json:"error,omitempty"`
}

// TaskReply is a worker's reply to one TaskMessage
type TaskReply struct {
	ID      string          `json:"id"`
	Results []CaptionResult `json:"results"`
}

// ItemResult is the merged client-facing result for one uploaded item
type ItemResult struct {
	ID      string          `json:"id"`
	Results []CaptionResult `json:"results"`
}

// ControlCommand is a point-to-point worker lifecycle command
type ControlCommand struct {
	Action ControlAction `json:"action"`
	Model  string        `json:"model"`
	Code   string        `json:"code,omitempty"` // custom model source
}

// StatusEvent is a worker's full-state broadcast. Always a snapshot,
// never a delta, so registry updates are full replaces.
type StatusEvent struct {
	WorkerID        string       `json:"worker_id"`
	AvailableModels []string     `json:"available_models"`
	LoadedModels    []string     `json:"loaded_models"`
	Status          WorkerStatus `json:"status"`
	Model           string       `json:"model,omitempty"`
	Error           string       `json:"error,omitempty"`
}

// Encode marshals a wire message
func Encode(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

// Decode unmarshals a wire message
func Decode(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	return nil
}
