package transcribe

import (
	"bytes"
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/fmueller/voxengine/internal/audio"
	"github.com/fmueller/voxengine/internal/fault"
)

// transcriptionAPI is the slice of the OpenAI client the remote
// provider uses. Narrowed for tests.
type transcriptionAPI interface {
	CreateTranscription(ctx context.Context, request openai.AudioRequest) (openai.AudioResponse, error)
}

// Remote transcribes through the hosted OpenAI transcription API.
type Remote struct {
	api    transcriptionAPI
	model  string
	logger *zap.Logger
}

// RemoteOptions configures a Remote provider.
type RemoteOptions struct {
	APIKey string
	Model  string
	Logger *zap.Logger

	// API overrides the OpenAI client, for tests.
	API transcriptionAPI
}

// NewRemote creates a provider backed by the OpenAI API.
func NewRemote(opts RemoteOptions) (*Remote, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Model == "" {
		opts.Model = openai.Whisper1
	}

	api := opts.API
	if api == nil {
		if opts.APIKey == "" {
			return nil, errors.New("api key is required")
		}
		api = openai.NewClient(opts.APIKey)
	}

	return &Remote{api: api, model: opts.Model, logger: opts.Logger}, nil
}

func (r *Remote) Name() string {
	return ServedByRemote
}

// Transcribe encodes the clip as WAV and submits it to the API.
func (r *Remote) Transcribe(ctx context.Context, clip audio.Clip, opts Options) (Result, error) {
	jobID := opts.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}

	var buf bytes.Buffer
	if err := audio.EncodeWAV(&buf, audio.Convert(clip)); err != nil {
		return Result{JobID: jobID}, err
	}

	request := openai.AudioRequest{
		Model:    r.model,
		FilePath: "clip.wav",
		Reader:   &buf,
	}
	if opts.Language != "" && opts.Language != "auto" {
		request.Language = opts.Language
	}

	response, err := r.api.CreateTranscription(ctx, request)
	if err != nil {
		r.logger.Warn("remote transcription failed", zap.String("job", jobID), zap.Error(err))
		return Result{JobID: jobID}, classifyRemoteError(err)
	}

	return Result{JobID: jobID, Text: response.Text, ServedBy: ServedByRemote}, nil
}

// classifyRemoteError separates credential problems from transport
// faults: a rejected or revoked key will not succeed on retry.
func classifyRemoteError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fault.Configuration("remote API rejected the credentials: %v", apiErr)
		}
	}
	return fault.Network("remote transcription failed", err)
}
