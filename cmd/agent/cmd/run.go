package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync engine daemon",
	Long: `Runs the device engine until interrupted: recovers records left in
flight by a previous run, watches connectivity, and drains the sync queue
whenever records are enqueued or the server becomes reachable.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// Requeue anything a dead process left in flight before the worker
		// starts; the re-formed batches reuse the same idempotency keys.
		if err := eng.worker.Recover(ctx); err != nil {
			return fmt.Errorf("recover in-flight records: %w", err)
		}
		if err := eng.manager.Restore(ctx); err != nil {
			return fmt.Errorf("restore model state: %w", err)
		}

		// Catalog refresh is best-effort: the device may well be offline
		if err := eng.manager.RefreshCatalog(ctx); err != nil {
			log.Printf("Catalog refresh skipped: %v", err)
		}

		log.Printf("PlantSync agent running (device %s, server %s)", cfg.Agent.DeviceID, cfg.Agent.ServerURL)

		go eng.monitor.Run(ctx)
		eng.worker.Run(ctx)

		log.Println("Agent stopped")
		return nil
	},
}
