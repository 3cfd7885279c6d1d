// Package transcribe turns audio clips into text. A local provider
// owns the single resident model and serializes inference; a remote
// provider calls a hosted API; the orchestrator picks between them
// per request and implements fallback.
package transcribe

import (
	"context"

	"github.com/fmueller/voxengine/internal/audio"
)

// ServedBy values report which backend produced a result.
const (
	ServedByLocal  = "local"
	ServedByRemote = "remote"
)

// Options configures one transcription request.
type Options struct {
	// JobID is assigned by the caller; a fresh id is generated when
	// empty.
	JobID string

	// VariantID selects the local model variant. Ignored by remote
	// providers.
	VariantID string

	// Language is a BCP-47-ish language hint; "auto" or empty lets
	// the model detect it.
	Language string
}

// Result is a completed transcription.
type Result struct {
	JobID    string
	Text     string
	ServedBy string

	// LocalErr is set when a fallback served this result: it carries
	// the local failure that triggered the remote attempt.
	LocalErr error
}

// Provider is one transcription backend. Implementations are selected
// at call time by the orchestrator.
type Provider interface {
	Name() string
	Transcribe(ctx context.Context, clip audio.Clip, opts Options) (Result, error)
}
