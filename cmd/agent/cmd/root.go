package cmd

import (
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/plantsync/engine/internal/client"
	"github.com/plantsync/engine/internal/config"
	"github.com/plantsync/engine/internal/observability"
	"github.com/plantsync/engine/internal/repository"
	"github.com/plantsync/engine/internal/services"
)

var (
	cfg       *config.Config
	serverURL string
	deviceID  string
	apiKey    string

	eng *engine
)

// engine wires the device-side components: local store, sync worker, model
// manager and connectivity monitor, all talking to one API client.
type engine struct {
	db        *sql.DB
	records   repository.RecordRepo
	artifacts repository.ArtifactRepo
	api       *client.APIClient
	events    *services.EventStream
	worker    *services.SyncWorker
	manager   *services.ModelManager
	monitor   *services.ConnectivityMonitor
}

func (e *engine) Close() {
	if e.db != nil {
		e.db.Close()
	}
}

var rootCmd = &cobra.Command{
	Use:   "plantsync-agent",
	Short: "PlantSync device agent",
	Long: `PlantSync device agent: queues captured plant records in a local
SQLite store, reconciles them with the server when connectivity allows, and
manages on-device inference model artifacts.`,
	PersistentPreRunE: setupEngine,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if eng != nil {
		eng.Close()
	}
}

func setupEngine(_ *cobra.Command, _ []string) error {
	var err error
	cfg, err = config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	// Flag overrides
	if serverURL != "" {
		cfg.Agent.ServerURL = serverURL
	}
	if deviceID != "" {
		cfg.Agent.DeviceID = deviceID
	}
	if apiKey != "" {
		cfg.Security.APIKey = apiKey
	}
	if cfg.Agent.DeviceID == "" {
		cfg.Agent.DeviceID = uuid.New().String()
	}

	db, err := repository.NewDeviceDB(cfg.Agent.DatabasePath)
	if err != nil {
		return fmt.Errorf("open device store: %w", err)
	}

	api := client.NewAPIClient(cfg.Agent.ServerURL, cfg.Security.APIKey, cfg.Agent.DeviceID)
	events := services.NewEventStream()
	recordRepo := repository.NewRecordRepository(db)
	artifactRepo := repository.NewArtifactRepository(db)

	metrics, err := observability.NewEngineMetrics()
	if err != nil {
		// A broken meter never blocks sync
		fmt.Fprintf(os.Stderr, "Warning: engine metrics unavailable: %v\n", err)
		metrics = nil
	}

	worker := services.NewSyncWorker(recordRepo, api, events, metrics, syncConfig())

	manager, err := services.NewModelManager(artifactRepo, api, cfg.Models.BlobPath, cfg.Models.QuotaBytes, events, metrics)
	if err != nil {
		db.Close()
		return fmt.Errorf("init model manager: %w", err)
	}

	monitor := services.NewConnectivityMonitor(api, probeInterval(), events)
	monitor.OnOnline(worker.Wake)

	eng = &engine{
		db:        db,
		records:   recordRepo,
		artifacts: artifactRepo,
		api:       api,
		events:    events,
		worker:    worker,
		manager:   manager,
		monitor:   monitor,
	}
	return nil
}

func syncConfig() services.SyncConfig {
	sc := services.DefaultSyncConfig()
	if cfg.Sync.MaxBatchSize > 0 {
		sc.MaxBatchSize = cfg.Sync.MaxBatchSize
	}
	if cfg.Sync.MaxParallelBatches > 0 {
		sc.MaxParallelBatches = cfg.Sync.MaxParallelBatches
	}
	if cfg.Sync.BaseDelay() > 0 {
		sc.BaseDelay = cfg.Sync.BaseDelay()
	}
	if cfg.Sync.MaxDelay() > 0 {
		sc.MaxDelay = cfg.Sync.MaxDelay()
	}
	if cfg.Sync.JitterMax() > 0 {
		sc.JitterMax = cfg.Sync.JitterMax()
	}
	if cfg.Sync.MaxRetries > 0 {
		sc.MaxRetries = cfg.Sync.MaxRetries
	}
	if cfg.Sync.BatchTimeout() > 0 {
		sc.BatchTimeout = cfg.Sync.BatchTimeout()
	}
	if cfg.Sync.DrainInterval() > 0 {
		sc.DrainInterval = cfg.Sync.DrainInterval()
	}
	if cfg.Sync.AutoAcceptCorrections != nil {
		sc.AutoAcceptCorrections = *cfg.Sync.AutoAcceptCorrections
	}
	sc.ClientModel.Name = cfg.Sync.ClientModelName
	sc.ClientModel.Version = cfg.Sync.ClientModelVersion
	sc.DeviceID = cfg.Agent.DeviceID
	return sc
}

func probeInterval() time.Duration {
	if cfg.Agent.ProbeIntervalSeconds > 0 {
		return time.Duration(cfg.Agent.ProbeIntervalSeconds) * time.Second
	}
	return 30 * time.Second
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "PlantSync server URL")
	rootCmd.PersistentFlags().StringVar(&deviceID, "device", "", "device identifier")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key for the server")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(recordsCmd)
	rootCmd.AddCommand(modelsCmd)
}
