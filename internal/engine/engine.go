// Package engine is the thin binding to the native inference engine:
// load a validated model file, run one inference call, unload. It
// never reimplements the model's computation.
package engine

import "context"

// Handle identifies one loaded model instance. It is opaque to
// callers and owned by whoever performed the Load.
type Handle interface {
	ModelPath() string
}

// InferRequest carries one inference call's input.
type InferRequest struct {
	// Samples is 16 kHz mono float32 PCM.
	Samples []float32

	// Language is a lowercase language code. Empty or "auto" lets the
	// engine detect the language.
	Language string
}

// Runtime binds to the native speech-to-text engine.
//
// Infer must only ever be invoked from a single serialization point
// per handle; the engine is not guaranteed re-entrant. Unload must
// not be called while an Infer for the same handle is in flight.
// Enforcing both is the caller's job.
type Runtime interface {
	// Load brings a model file into memory. Depending on the variant
	// size this can take from hundreds of milliseconds to tens of
	// seconds, so it must run off any interactive thread.
	Load(ctx context.Context, modelPath string) (Handle, error)

	// Infer transcribes the request's samples. Blocking.
	Infer(ctx context.Context, handle Handle, req InferRequest) (string, error)

	// Unload releases native resources held by the handle. Safe to
	// call when idle.
	Unload(handle Handle)
}
