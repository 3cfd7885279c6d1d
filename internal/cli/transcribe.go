package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fmueller/voxengine/internal/audio"
	"github.com/fmueller/voxengine/internal/engine"
	"github.com/fmueller/voxengine/internal/events"
	"github.com/fmueller/voxengine/internal/settings"
	"github.com/fmueller/voxengine/internal/transcribe"
)

func newTranscribeCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transcribe <audio-file>",
		Short: "Transcribe a WAV file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			transcribeFn := app.transcribeFn
			if transcribeFn == nil {
				transcribeFn = app.transcribeAudio
			}

			result, err := transcribeFn(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), result.Text)
			if result.LocalErr != nil {
				app.log().Warn("local transcription failed; result served by remote fallback",
					zap.Error(result.LocalErr))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&app.method, "method", app.method, "Transcription method: local|api (default from settings)")
	cmd.Flags().StringVar(&app.variant, "variant", app.variant, "Model variant for local transcription (default from settings)")
	cmd.Flags().StringVar(&app.language, "language", app.language, "Language code (auto|en|de|...) for transcription")
	cmd.Flags().BoolVar(&app.fallback, "fallback", app.fallback, "Fall back to the hosted API when local transcription fails")
	cmd.Flags().StringVar(&app.apiKey, "api-key", app.apiKey, "API key for the hosted API (defaults to OPENAI_API_KEY)")

	return cmd
}

func (a *appState) transcribeAudio(ctx context.Context, audioPath string) (transcribe.Result, error) {
	audioPath = filepath.Clean(audioPath)
	if _, err := os.Stat(audioPath); err != nil {
		return transcribe.Result{}, fmt.Errorf("audio file not found: %w", err)
	}

	clip, err := audio.DecodeWAV(audioPath)
	if err != nil {
		return transcribe.Result{}, err
	}

	cfg, err := a.currentSettings()
	if err != nil {
		return transcribe.Result{}, err
	}
	cfg = a.applyOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return transcribe.Result{}, err
	}

	orchestrator, closeProviders, err := a.buildOrchestrator(cfg)
	if err != nil {
		return transcribe.Result{}, err
	}
	defer closeProviders()

	a.log().Info("transcribing...",
		zap.String("audio", audioPath),
		zap.String("method", string(cfg.Method)),
		zap.String("variant", cfg.VariantID),
		zap.Duration("audio_duration", clip.Duration()),
	)
	stopSpinner := startSpinner(a.progressEnabled(), "Transcribing")
	started := time.Now()

	result, err := orchestrator.Transcribe(ctx, clip)
	stopSpinner()
	if err != nil {
		a.log().Warn("transcription failed", zap.Duration("elapsed", time.Since(started)), zap.Error(err))
		return transcribe.Result{}, err
	}

	a.log().Info("transcription finished",
		zap.Duration("elapsed", time.Since(started)),
		zap.String("served_by", result.ServedBy),
	)
	return result, nil
}

// applyOverrides folds command-line flags into the persisted settings.
// Only flags the user actually set take effect.
func (a *appState) applyOverrides(cfg settings.Settings) settings.Settings {
	if a.method != "" {
		cfg.Method = settings.Method(strings.ToLower(strings.TrimSpace(a.method)))
	}
	if a.variant != "" {
		cfg.VariantID = a.variant
	}
	if a.language != "" {
		cfg.Language = strings.ToLower(strings.TrimSpace(a.language))
	}
	cfg.FallbackEnabled = cfg.FallbackEnabled && a.fallback
	return cfg
}

func (a *appState) buildOrchestrator(cfg settings.Settings) (*transcribe.Orchestrator, func(), error) {
	var local transcribe.Provider
	closeProviders := func() {}

	modelStore, err := a.storeFn()
	if err != nil {
		return nil, nil, err
	}

	runtime, engineErr := engine.NewWhisperCLI(a.log())
	if engineErr == nil {
		localProvider, err := transcribe.NewLocal(transcribe.LocalOptions{
			Store:       modelStore,
			Runtime:     runtime,
			Logger:      a.log(),
			IdleTimeout: cfg.IdleTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		local = localProvider
		closeProviders = localProvider.Close
	} else if cfg.Method == settings.MethodLocal {
		return nil, nil, engineErr
	}

	var remote transcribe.Provider
	apiKey := a.apiKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey != "" {
		remoteProvider, err := transcribe.NewRemote(transcribe.RemoteOptions{
			APIKey: apiKey,
			Logger: a.log(),
		})
		if err != nil {
			return nil, nil, err
		}
		remote = remoteProvider
	}

	orchestrator, err := transcribe.NewOrchestrator(transcribe.OrchestratorOptions{
		Source: settings.Static{Settings: cfg},
		Local:  local,
		Remote: remote,
		Bus:    events.NewBus(0),
		Logger: a.log(),
	})
	if err != nil {
		closeProviders()
		return nil, nil, err
	}

	return orchestrator, closeProviders, nil
}
