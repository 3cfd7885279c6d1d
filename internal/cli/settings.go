package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fmueller/voxengine/internal/settings"
)

func parseIdleTimeout(raw string) (time.Duration, error) {
	timeout, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid idle timeout %q: %w", raw, err)
	}
	if timeout < 0 {
		return 0, fmt.Errorf("idle timeout must not be negative")
	}
	return timeout, nil
}

func newSettingsCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change transcription settings",
	}

	cmd.AddCommand(newSettingsShowCmd(app))
	cmd.AddCommand(newSettingsSetCmd(app))

	return cmd
}

func newSettingsShowCmd(app *appState) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the current settings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.currentSettings()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "method\t%s\n", cfg.Method)
			fmt.Fprintf(w, "variant\t%s\n", cfg.VariantID)
			fmt.Fprintf(w, "fallback\t%t\n", cfg.FallbackEnabled)
			fmt.Fprintf(w, "language\t%s\n", cfg.Language)
			fmt.Fprintf(w, "idle-timeout\t%s\n", cfg.IdleTimeout)
			return w.Flush()
		},
	}
}

func newSettingsSetCmd(app *appState) *cobra.Command {
	var (
		method      string
		variant     string
		language    string
		fallback    bool
		idleTimeout string
	)

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Change settings and persist them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			settingsStore, err := app.settingsFn()
			if err != nil {
				return err
			}

			cfg, err := settingsStore.Load()
			if err != nil {
				return err
			}

			if cmd.Flags().Changed("method") {
				cfg.Method = settings.Method(strings.ToLower(strings.TrimSpace(method)))
			}
			if cmd.Flags().Changed("variant") {
				cfg.VariantID = variant
			}
			if cmd.Flags().Changed("language") {
				cfg.Language = strings.ToLower(strings.TrimSpace(language))
			}
			if cmd.Flags().Changed("fallback") {
				cfg.FallbackEnabled = fallback
			}
			if cmd.Flags().Changed("idle-timeout") {
				timeout, err := parseIdleTimeout(idleTimeout)
				if err != nil {
					return err
				}
				cfg.IdleTimeout = timeout
			}

			if err := settingsStore.Save(cfg); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "settings saved")
			return nil
		},
	}

	cmd.Flags().StringVar(&method, "method", "", "Transcription method: local|api")
	cmd.Flags().StringVar(&variant, "variant", "", "Model variant for local transcription")
	cmd.Flags().StringVar(&language, "language", "", "Language code (auto|en|de|...)")
	cmd.Flags().BoolVar(&fallback, "fallback", true, "Fall back to the hosted API when local transcription fails")
	cmd.Flags().StringVar(&idleTimeout, "idle-timeout", "", "Evict the resident model after this idle duration, e.g. 5m")

	return cmd
}
