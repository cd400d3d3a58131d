package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all application configuration. The server binary reads the
// Server, Security and Catalog sections; the agent reads Agent, Sync and
// Models.
type Config struct {
	Server   Server   `json:"server"`
	Security Security `json:"security"`
	Catalog  Catalog  `json:"catalog"`
	Agent    Agent    `json:"agent"`
	Sync     Sync     `json:"sync"`
	Models   Models   `json:"models"`
}

// Server configuration
type Server struct {
	Address      string `json:"address"`
	DatabasePath string `json:"databasePath"`
	DatabaseURL  string `json:"databaseUrl"`
}

// UsePostgres returns true if PostgreSQL should be used
func (s *Server) UsePostgres() bool {
	return s.DatabaseURL != ""
}

// Security configuration
type Security struct {
	APIKey       string `json:"apiKey"`
	APIKeyHeader string `json:"apiKeyHeader"`
}

// Catalog configuration for the server-side model catalog
type Catalog struct {
	BasePath string `json:"basePath"`
}

// Agent configuration for the device-side engine
type Agent struct {
	ServerURL            string `json:"serverUrl"`
	DeviceID             string `json:"deviceId"`
	DatabasePath         string `json:"databasePath"`
	ProbeIntervalSeconds int    `json:"probeIntervalSeconds"`
}

// Sync worker tuning
type Sync struct {
	MaxBatchSize          int    `json:"maxBatchSize"`
	MaxParallelBatches    int    `json:"maxParallelBatches"`
	BaseDelayMS           int    `json:"baseDelayMs"`
	MaxDelayMS            int    `json:"maxDelayMs"`
	JitterMaxMS           int    `json:"jitterMaxMs"`
	MaxRetries            int    `json:"maxRetries"`
	BatchTimeoutSeconds   int    `json:"batchTimeoutSeconds"`
	DrainIntervalSeconds  int    `json:"drainIntervalSeconds"`
	AutoAcceptCorrections *bool  `json:"autoAcceptCorrections"`
	ClientModelName       string `json:"clientModelName"`
	ClientModelVersion    string `json:"clientModelVersion"`
}

// Models configuration for the on-device artifact store
type Models struct {
	BlobPath   string `json:"blobPath"`
	QuotaBytes int64  `json:"quotaBytes"`
}

// BaseDelay returns the configured backoff base
func (s *Sync) BaseDelay() time.Duration { return time.Duration(s.BaseDelayMS) * time.Millisecond }

// MaxDelay returns the configured backoff ceiling
func (s *Sync) MaxDelay() time.Duration { return time.Duration(s.MaxDelayMS) * time.Millisecond }

// JitterMax returns the configured jitter bound
func (s *Sync) JitterMax() time.Duration { return time.Duration(s.JitterMaxMS) * time.Millisecond }

// BatchTimeout returns the per-batch submission deadline
func (s *Sync) BatchTimeout() time.Duration {
	return time.Duration(s.BatchTimeoutSeconds) * time.Second
}

// DrainInterval returns the fallback drain period
func (s *Sync) DrainInterval() time.Duration {
	return time.Duration(s.DrainIntervalSeconds) * time.Second
}

// Default configuration
func defaultConfig() *Config {
	autoAccept := true
	return &Config{
		Server: Server{
			Address:      ":5000",
			DatabasePath: "plantsync.db",
		},
		Security: Security{
			APIKey:       "CHANGE_THIS_TO_A_SECURE_API_KEY_AT_LEAST_32_CHARS",
			APIKeyHeader: "X-API-Key",
		},
		Catalog: Catalog{
			BasePath: "./catalog",
		},
		Agent: Agent{
			ServerURL:            "http://localhost:5000",
			DatabasePath:         "plantsync-agent.db",
			ProbeIntervalSeconds: 30,
		},
		Sync: Sync{
			MaxBatchSize:          50,
			MaxParallelBatches:    3,
			BaseDelayMS:           2000,
			MaxDelayMS:            300000,
			JitterMaxMS:           500,
			MaxRetries:            5,
			BatchTimeoutSeconds:   30,
			DrainIntervalSeconds:  60,
			AutoAcceptCorrections: &autoAccept,
			ClientModelName:       "plantnet-lite",
			ClientModelVersion:    "unknown",
		},
		Models: Models{
			BlobPath:   "./models",
			QuotaBytes: 512 * 1024 * 1024,
		},
	}
}

// Load loads configuration from file or environment
func Load() (*Config, error) {
	cfg := defaultConfig()

	// Try to load from config file
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.json"
	}

	if data, err := os.ReadFile(configPath); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	// Override from environment variables
	if addr := os.Getenv("SERVER_ADDRESS"); addr != "" {
		cfg.Server.Address = addr
	}
	if dbPath := os.Getenv("DATABASE_PATH"); dbPath != "" {
		cfg.Server.DatabasePath = dbPath
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Server.DatabaseURL = dbURL
	}
	if catalogPath := os.Getenv("CATALOG_PATH"); catalogPath != "" {
		cfg.Catalog.BasePath = catalogPath
	}
	if apiKey := os.Getenv("API_KEY"); apiKey != "" {
		cfg.Security.APIKey = apiKey
	}
	if serverURL := os.Getenv("AGENT_SERVER_URL"); serverURL != "" {
		cfg.Agent.ServerURL = serverURL
	}
	if deviceID := os.Getenv("AGENT_DEVICE_ID"); deviceID != "" {
		cfg.Agent.DeviceID = deviceID
	}
	if dbPath := os.Getenv("AGENT_DATABASE_PATH"); dbPath != "" {
		cfg.Agent.DatabasePath = dbPath
	}
	if blobPath := os.Getenv("MODEL_BLOB_PATH"); blobPath != "" {
		cfg.Models.BlobPath = blobPath
	}
	if quota := os.Getenv("MODEL_QUOTA_BYTES"); quota != "" {
		if n, err := strconv.ParseInt(quota, 10, 64); err == nil && n > 0 {
			cfg.Models.QuotaBytes = n
		}
	}
	if autoAccept := os.Getenv("SYNC_AUTO_ACCEPT_CORRECTIONS"); autoAccept != "" {
		v := autoAccept == "true" || autoAccept == "1"
		cfg.Sync.AutoAcceptCorrections = &v
	}

	// Make the catalog path absolute so artifact serving survives chdir
	absPath, err := filepath.Abs(cfg.Catalog.BasePath)
	if err != nil {
		return nil, err
	}
	cfg.Catalog.BasePath = absPath

	return cfg, nil
}
