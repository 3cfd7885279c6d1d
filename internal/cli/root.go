package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/fmueller/voxengine/internal/events"
	"github.com/fmueller/voxengine/internal/logging"
	"github.com/fmueller/voxengine/internal/platform"
	"github.com/fmueller/voxengine/internal/settings"
	"github.com/fmueller/voxengine/internal/store"
	"github.com/fmueller/voxengine/internal/transcribe"
	"github.com/fmueller/voxengine/internal/version"

	"github.com/spf13/cobra"
)

type appState struct {
	verbose      bool
	jsonLogs     bool
	noProgress   bool
	modelDir     string
	settingsPath string

	method   string
	variant  string
	language string
	fallback bool
	apiKey   string

	logger *zap.Logger
	now    func() time.Time
	out    io.Writer

	storeFn      func() (*store.Store, error)
	settingsFn   func() (*settings.Store, error)
	transcribeFn func(ctx context.Context, audioPath string) (transcribe.Result, error)
}

func NewRootCmd() *cobra.Command {
	app := &appState{
		method:   "",
		variant:  "",
		language: "",
		fallback: true,
		now:      time.Now,
		out:      os.Stdout,
	}
	app.storeFn = app.openStore
	app.settingsFn = app.openSettings
	app.transcribeFn = app.transcribeAudio

	cmd := &cobra.Command{
		Use:           "voxengine",
		Short:         "Manage speech models and transcribe audio locally or via the hosted API",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.Resolve(),
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			logger, err := logging.New(logging.Options{Verbose: app.verbose, JSON: app.jsonLogs})
			if err != nil {
				return fmt.Errorf("initialize logger: %w", err)
			}
			app.logger = logger
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	cmd.SetVersionTemplate("{{.Name}} v{{.Version}}\n")

	bindLoggingFlags(cmd, app)
	bindProgressFlag(cmd, app)
	bindStorageFlags(cmd, app)

	cmd.AddCommand(newModelsCmd(app))
	cmd.AddCommand(newTranscribeCmd(app))
	cmd.AddCommand(newSettingsCmd(app))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func bindLoggingFlags(cmd *cobra.Command, app *appState) {
	cmd.PersistentFlags().BoolVar(&app.verbose, "verbose", app.verbose, "Enable verbose logs")
	cmd.PersistentFlags().BoolVar(&app.jsonLogs, "json", app.jsonLogs, "Enable JSON logging")
}

func bindProgressFlag(cmd *cobra.Command, app *appState) {
	cmd.PersistentFlags().BoolVar(&app.noProgress, "no-progress", app.noProgress, "Disable progress indicators")
}

func bindStorageFlags(cmd *cobra.Command, app *appState) {
	cmd.PersistentFlags().StringVar(&app.modelDir, "model-dir", app.modelDir, "Directory where models are stored")
	cmd.PersistentFlags().StringVar(&app.settingsPath, "settings-file", app.settingsPath, "Path to the settings file")
}

func (a *appState) openStore() (*store.Store, error) {
	dir, err := platform.ResolveModelDir(a.modelDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create model directory %s: %w", dir, err)
	}

	cfg, err := a.currentSettings()
	if err != nil {
		return nil, err
	}

	return store.New(store.Options{
		Dir:          dir,
		Logger:       a.log(),
		Bus:          events.NewBus(0),
		SafetyFactor: cfg.DiskSafetyFactor,
	})
}

func (a *appState) openSettings() (*settings.Store, error) {
	path, err := platform.ResolveSettingsPath(a.settingsPath)
	if err != nil {
		return nil, err
	}
	return settings.NewStore(path), nil
}

func (a *appState) currentSettings() (settings.Settings, error) {
	settingsStore, err := a.settingsFn()
	if err != nil {
		return settings.Settings{}, err
	}
	return settingsStore.Load()
}

func (a *appState) log() *zap.Logger {
	if a.logger == nil {
		return zap.NewNop()
	}
	return a.logger
}

func (a *appState) progressEnabled() bool {
	if a.noProgress {
		return false
	}
	return term.IsTerminal(int(os.Stderr.Fd()))
}

func (a *appState) outWriter() io.Writer {
	if a.out == nil {
		return os.Stdout
	}
	return a.out
}
