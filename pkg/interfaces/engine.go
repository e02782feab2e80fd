package interfaces

import (
	"context"
)

// ModelHandle is an opaque reference to a loaded model
type ModelHandle interface{}

// Engine is the inference execution boundary. The coordination core
// never inspects model internals beyond this contract; how a model is
// obtained (hub download vs. user-supplied implementation) is the
// engine's concern.
type Engine interface {
	// Load obtains and loads a model, downloading it if necessary
	Load(ctx context.Context, modelID string) (ModelHandle, error)

	// LoadCustom registers a user-supplied inference implementation
	// under modelID and loads it
	LoadCustom(ctx context.Context, modelID, source string) (ModelHandle, error)

	// Unload releases a loaded model and any accelerator memory
	Unload(handle ModelHandle)

	// Infer produces a caption for an image
	Infer(ctx context.Context, handle ModelHandle, image []byte) (string, error)

	// IsCustom reports whether modelID is a user-supplied implementation
	IsCustom(modelID string) bool

	// ForgetCustom drops a user-supplied registration; unknown models
	// are a no-op
	ForgetCustom(modelID string)
}

// Verifier checks whether a model identifier names a supported
// captioning model before any command is dispatched for it.
type Verifier interface {
	IsCaptionModel(ctx context.Context, modelID string) (bool, error)
}

// CaptionCache memoizes caption results by image content and model
type CaptionCache interface {
	// Get returns a cached caption and whether one was present
	Get(ctx context.Context, image []byte, modelID string) (string, bool)

	// Set stores a caption
	Set(ctx context.Context, image []byte, modelID, caption string)
}
