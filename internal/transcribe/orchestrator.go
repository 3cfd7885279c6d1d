package transcribe

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fmueller/voxengine/internal/audio"
	"github.com/fmueller/voxengine/internal/catalog"
	"github.com/fmueller/voxengine/internal/events"
	"github.com/fmueller/voxengine/internal/fault"
	"github.com/fmueller/voxengine/internal/settings"
)

// Orchestrator selects the provider per call and implements
// fallback-on-failure. Settings are read fresh on every request so
// changes take effect immediately.
type Orchestrator struct {
	source settings.Source
	local  Provider
	remote Provider
	bus    *events.Bus
	logger *zap.Logger
}

// OrchestratorOptions configures an Orchestrator. Either provider may
// be nil as long as one is set; requests routed to a missing provider
// fail with a configuration error, and fallback is skipped when no
// remote is configured.
type OrchestratorOptions struct {
	Source settings.Source
	Local  Provider
	Remote Provider
	Bus    *events.Bus
	Logger *zap.Logger
}

// NewOrchestrator wires up provider selection.
func NewOrchestrator(opts OrchestratorOptions) (*Orchestrator, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("settings source is required")
	}
	if opts.Local == nil && opts.Remote == nil {
		return nil, fmt.Errorf("at least one provider is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus(0)
	}

	return &Orchestrator{
		source: opts.Source,
		local:  opts.Local,
		remote: opts.Remote,
		bus:    opts.Bus,
		logger: opts.Logger,
	}, nil
}

// Transcribe serves one request according to the current settings and
// reports which provider actually produced the result.
func (o *Orchestrator) Transcribe(ctx context.Context, clip audio.Clip) (Result, error) {
	current, err := o.source.Current()
	if err != nil {
		return Result{}, fmt.Errorf("read settings: %w", err)
	}

	jobID := uuid.NewString()
	opts := Options{
		JobID:     jobID,
		VariantID: current.VariantID,
		Language:  current.Language,
	}

	switch current.Method {
	case settings.MethodAPI:
		return o.serveRemote(ctx, clip, opts)
	case settings.MethodLocal:
		return o.serveLocal(ctx, clip, opts, current.FallbackEnabled)
	default:
		return Result{JobID: jobID}, fault.Configuration("unknown transcription method %q", current.Method)
	}
}

func (o *Orchestrator) serveRemote(ctx context.Context, clip audio.Clip, opts Options) (Result, error) {
	if o.remote == nil {
		err := fault.Configuration("remote transcription is not configured")
		o.publishFailed(opts.JobID, err)
		return Result{JobID: opts.JobID}, err
	}

	result, err := o.remote.Transcribe(ctx, clip, opts)
	if err != nil {
		o.publishFailed(opts.JobID, err)
		return result, err
	}

	o.publishComplete(result)
	return result, nil
}

func (o *Orchestrator) serveLocal(ctx context.Context, clip audio.Clip, opts Options, fallbackEnabled bool) (Result, error) {
	if o.local == nil {
		err := fault.Configuration("local transcription is not configured")
		o.publishFailed(opts.JobID, err)
		return Result{JobID: opts.JobID}, err
	}
	if _, ok := catalog.Lookup(opts.VariantID); !ok {
		err := fault.Configuration("unknown model variant %q", opts.VariantID)
		o.publishFailed(opts.JobID, err)
		return Result{JobID: opts.JobID}, err
	}

	result, localErr := o.local.Transcribe(ctx, clip, opts)
	if localErr == nil {
		o.publishComplete(result)
		return result, nil
	}

	if !fallbackEnabled || o.remote == nil {
		o.publishFailed(opts.JobID, localErr)
		return result, localErr
	}

	o.logger.Warn("local transcription failed, falling back to remote",
		zap.String("job", opts.JobID), zap.Error(localErr))
	o.bus.Publish(events.Event{
		Type:   events.TypeFallbackTriggered,
		JobID:  opts.JobID,
		Reason: localErr.Error(),
	})

	remoteResult, remoteErr := o.remote.Transcribe(ctx, clip, opts)
	if remoteErr != nil {
		combined := fault.Fallback(localErr, remoteErr)
		o.publishFailed(opts.JobID, combined)
		return Result{JobID: opts.JobID}, combined
	}

	// The local failure stays attached so it is never silently
	// discarded by a successful fallback.
	remoteResult.LocalErr = localErr
	o.publishComplete(remoteResult)
	return remoteResult, nil
}

func (o *Orchestrator) publishComplete(result Result) {
	o.bus.Publish(events.Event{
		Type:  events.TypeTranscriptionComplete,
		JobID: result.JobID,
		Text:  result.Text,
	})
}

func (o *Orchestrator) publishFailed(jobID string, err error) {
	o.bus.Publish(events.Event{
		Type:   events.TypeTranscriptionFailed,
		JobID:  jobID,
		Reason: err.Error(),
	})
}
