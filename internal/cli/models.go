package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newModelsCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Manage local speech model files",
	}

	cmd.AddCommand(newModelsListCmd(app))
	cmd.AddCommand(newModelsDownloadCmd(app))
	cmd.AddCommand(newModelsValidateCmd(app))
	cmd.AddCommand(newModelsDeleteCmd(app))

	return cmd
}

func newModelsListCmd(app *appState) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List model variants and their download status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			modelStore, err := app.storeFn()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "VARIANT\tSIZE\tACCURACY\tSPEED\tSTATUS")
			for _, entry := range modelStore.List() {
				fmt.Fprintf(w, "%s\t%s\t%d/5\t%d/5\t%s\n",
					entry.Variant.ID,
					formatByteSize(entry.Variant.ByteSize),
					entry.Variant.AccuracyRating,
					entry.Variant.SpeedRating,
					entry.File.Status,
				)
			}
			return w.Flush()
		},
	}
}

func newModelsDownloadCmd(app *appState) *cobra.Command {
	return &cobra.Command{
		Use:   "download <variant>",
		Short: "Download and verify a model variant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			modelStore, err := app.storeFn()
			if err != nil {
				return err
			}

			variantID := args[0]
			onProgress, finish := newDownloadProgress(app.progressEnabled(), "Downloading "+variantID)
			err = modelStore.Download(cmd.Context(), variantID, onProgress)
			finish()
			if err != nil {
				return err
			}

			app.log().Info("model ready", zap.String("variant", variantID))
			fmt.Fprintf(cmd.OutOrStdout(), "model %s downloaded and verified\n", variantID)
			return nil
		},
	}
}

func newModelsValidateCmd(app *appState) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <variant>",
		Short: "Re-verify a downloaded model against its checksum",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			modelStore, err := app.storeFn()
			if err != nil {
				return err
			}

			if err := modelStore.Validate(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "model %s is valid\n", args[0])
			return nil
		},
	}
}

func newModelsDeleteCmd(app *appState) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <variant>",
		Short: "Delete a downloaded model file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			modelStore, err := app.storeFn()
			if err != nil {
				return err
			}

			if err := modelStore.Delete(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "model %s deleted\n", args[0])
			return nil
		},
	}
}

func formatByteSize(n int64) string {
	const (
		mib = 1 << 20
		gib = 1 << 30
	)
	switch {
	case n >= gib:
		return fmt.Sprintf("%.1f GiB", float64(n)/gib)
	case n >= mib:
		return fmt.Sprintf("%.0f MiB", float64(n)/mib)
	default:
		return fmt.Sprintf("%d B", n)
	}
}
