package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/plantsync/engine/internal/models"
)

var (
	recordsStatus string
	recordsLimit  int
	purgeDays     int
)

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Inspect and manage the local record queue",
}

var recordsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List local records by sync status",
	RunE: func(cmd *cobra.Command, args []string) error {
		status := models.SyncStatus(recordsStatus)
		if !statusKnown(status) {
			return fmt.Errorf("unknown status %q", recordsStatus)
		}

		records, err := eng.records.ListByStatus(cmd.Context(), status, "", recordsLimit)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Printf("No %s records\n", status)
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "ID\tKIND\tSTATUS\tRETRIES\tCAPTURED\tLAST ERROR\n")
		for _, rec := range records {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				rec.ID,
				rec.Kind,
				rec.SyncStatus,
				rec.RetryCount,
				rec.DeviceTS.Format("2006-01-02 15:04:05"),
				truncate(rec.LastError, 40),
			)
		}
		w.Flush()
		fmt.Printf("\n%d records\n", len(records))
		return nil
	},
}

var recordsCancelCmd = &cobra.Command{
	Use:   "cancel <record-id>",
	Short: "Withdraw a pending or in-flight record from syncing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := eng.worker.Cancel(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Record %s cancelled\n", args[0])
		return nil
	},
}

var recordsResetCmd = &cobra.Command{
	Use:   "reset <record-id>",
	Short: "Requeue a failed or conflicted record",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) != 1 {
			return fmt.Errorf("expected exactly one record id")
		}
		if err := eng.worker.Reset(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Record %s reset to pending\n", args[0])
		return nil
	},
}

var recordsDeleteCmd = &cobra.Command{
	Use:   "delete <record-id>",
	Short: "Remove a record from the local store entirely",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := eng.records.Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Record %s deleted\n", args[0])
		return nil
	},
}

var recordsPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete synced and cancelled records older than the cutoff",
	RunE: func(cmd *cobra.Command, args []string) error {
		cutoff := time.Now().UTC().AddDate(0, 0, -purgeDays)
		n, err := eng.records.PurgeTerminal(cmd.Context(), cutoff)
		if err != nil {
			return err
		}
		fmt.Printf("Purged %d records older than %s\n", n, cutoff.Format("2006-01-02"))
		return nil
	},
}

func statusKnown(s models.SyncStatus) bool {
	switch s {
	case models.StatusPending, models.StatusSyncing, models.StatusSynced,
		models.StatusFailed, models.StatusConflict, models.StatusCancelled:
		return true
	}
	return false
}

func truncate(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length-3] + "..."
}

func init() {
	recordsListCmd.Flags().StringVarP(&recordsStatus, "status", "s", "pending", "sync status to list")
	recordsListCmd.Flags().IntVar(&recordsLimit, "limit", 50, "maximum records to show")
	recordsPurgeCmd.Flags().IntVar(&purgeDays, "older-than-days", 30, "age cutoff in days")

	recordsCmd.AddCommand(recordsListCmd)
	recordsCmd.AddCommand(recordsCancelCmd)
	recordsCmd.AddCommand(recordsResetCmd)
	recordsCmd.AddCommand(recordsDeleteCmd)
	recordsCmd.AddCommand(recordsPurgeCmd)
}
