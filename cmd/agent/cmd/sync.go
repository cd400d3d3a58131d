package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/plantsync/engine/internal/models"
)

var syncStatusOnly bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Drain the sync queue once",
	Long: `Performs a one-shot drain: claims due pending records, submits them
in batches and applies the server outcomes. Fails fast when the server is
unreachable.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if syncStatusOnly {
			return printQueueStatus(cmd)
		}

		if err := eng.api.Probe(ctx); err != nil {
			return fmt.Errorf("server unreachable: %w", err)
		}

		if err := eng.worker.Recover(ctx); err != nil {
			return fmt.Errorf("recover in-flight records: %w", err)
		}
		if err := eng.worker.Drain(ctx); err != nil {
			return fmt.Errorf("drain failed: %w", err)
		}

		return printQueueStatus(cmd)
	},
}

func printQueueStatus(cmd *cobra.Command) error {
	counts, err := eng.records.CountByStatus(cmd.Context())
	if err != nil {
		return err
	}

	statuses := make([]string, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)

	fmt.Println("Queue status:")
	if len(statuses) == 0 {
		fmt.Println("  (empty)")
		return nil
	}
	for _, s := range statuses {
		fmt.Printf("  %-10s %d\n", s, counts[models.SyncStatus(s)])
	}
	return nil
}

func init() {
	syncCmd.Flags().BoolVar(&syncStatusOnly, "status", false, "show queue counts without draining")
}
