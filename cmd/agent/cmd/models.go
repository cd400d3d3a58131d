package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var modelsRefresh bool

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Manage on-device inference model artifacts",
}

var modelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known model artifacts and their state",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if modelsRefresh {
			if err := eng.manager.RefreshCatalog(ctx); err != nil {
				return fmt.Errorf("refresh catalog: %w", err)
			}
		}

		artifacts, err := eng.manager.ListAvailable(ctx)
		if err != nil {
			return err
		}
		if len(artifacts) == 0 {
			fmt.Println("No models known; try --refresh while online")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "MODEL\tVERSION\tSTATE\tSIZE\tCAPABILITIES\n")
		for _, a := range artifacts {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				a.ModelID,
				a.Version,
				a.State,
				formatBytes(a.SizeBytes),
				strings.Join(a.Capabilities, ","),
			)
		}
		w.Flush()
		return nil
	},
}

var modelsDownloadCmd = &cobra.Command{
	Use:   "download <model-id>",
	Short: "Download and verify a model artifact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := eng.manager.Download(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Model %s downloaded and verified\n", args[0])
		return nil
	},
}

var modelsActivateCmd = &cobra.Command{
	Use:   "activate <model-id>",
	Short: "Make a ready model the active inference model",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := eng.manager.Activate(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Model %s is now active\n", args[0])
		return nil
	},
}

var modelsEvictCmd = &cobra.Command{
	Use:   "evict <model-id>",
	Short: "Remove a model's on-device bytes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := eng.manager.Evict(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Model %s evicted\n", args[0])
		return nil
	},
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%cB", float64(n)/float64(div), "KMGTPE"[exp])
}

func init() {
	modelsListCmd.Flags().BoolVar(&modelsRefresh, "refresh", false, "refresh the catalog from the server first")

	modelsCmd.AddCommand(modelsListCmd)
	modelsCmd.AddCommand(modelsDownloadCmd)
	modelsCmd.AddCommand(modelsActivateCmd)
	modelsCmd.AddCommand(modelsEvictCmd)
}
