package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"database/sql"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/plantsync/engine/internal/config"
	"github.com/plantsync/engine/internal/handlers"
	custommw "github.com/plantsync/engine/internal/middleware"
	"github.com/plantsync/engine/internal/observability"
	"github.com/plantsync/engine/internal/repository"
	"github.com/plantsync/engine/internal/services"
)

const serviceVersion = "1.0.0"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize telemetry
	telemetry, err := observability.Initialize(context.Background(),
		observability.NewConfig("plantsync-server", serviceVersion))
	if err != nil {
		log.Printf("Warning: telemetry initialization failed: %v", err)
	}

	// Initialize database and ingest repository
	var db *sql.DB
	dbSystem := "sqlite"
	if cfg.Server.UsePostgres() {
		log.Println("Using PostgreSQL database")
		dbSystem = "postgresql"
		db, err = repository.NewPostgresDB(cfg.Server.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to initialize PostgreSQL database: %v", err)
		}
	} else {
		log.Println("Using SQLite database")
		db, err = repository.NewSQLiteDB(cfg.Server.DatabasePath)
		if err != nil {
			log.Fatalf("Failed to initialize SQLite database: %v", err)
		}
	}
	defer db.Close()

	tracedDB, err := observability.NewTraceDB(db, dbSystem)
	if err != nil {
		log.Fatalf("Failed to initialize database tracing: %v", err)
	}

	ingestRepo := repository.NewIngestRepository(tracedDB)

	// Initialize services
	catalogService, err := services.NewCatalogService(cfg.Catalog.BasePath)
	if err != nil {
		log.Fatalf("Failed to initialize catalog service: %v", err)
	}

	hub := services.NewWebSocketHub()
	go hub.Run()

	reconciliation := services.NewReconciliationService(ingestRepo, nil)

	// Initialize handlers
	ingestHandler := handlers.NewIngestHandler(reconciliation, hub)
	catalogHandler := handlers.NewCatalogHandler(catalogService)
	healthHandler := handlers.NewHealthHandler(db)
	wsHandler := handlers.NewWebSocketHandler(hub)

	// HTTP metrics
	httpMetrics, err := observability.NewHTTPMetrics()
	if err != nil {
		log.Fatalf("Failed to initialize HTTP metrics: %v", err)
	}

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.TracingMiddleware("plantsync-server"))
	r.Use(observability.MetricsMiddleware(httpMetrics))
	r.Use(custommw.APIKeyAuth(cfg.Security.APIKey, cfg.Security.APIKeyHeader))

	// Routes
	r.Get("/health", healthHandler.HealthCheck)
	r.Head("/health", healthHandler.HealthCheck)
	r.Get("/api/health", healthHandler.HealthCheck)
	r.Head("/api/health", healthHandler.HealthCheck)

	r.Route("/api/sync", func(r chi.Router) {
		r.Post("/batch", ingestHandler.IngestBatch)
		r.Get("/status", ingestHandler.GetSyncStatus)
	})

	r.Route("/api/models", func(r chi.Router) {
		r.Get("/", catalogHandler.ListModels)
		r.Get("/{id}/content", catalogHandler.GetModelContent)
	})

	r.Get("/ws", wsHandler.HandleConnection)

	// Create server
	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // Longer for artifact downloads
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("PlantSync Server starting on %s", cfg.Server.Address)
		log.Printf("Model catalog path: %s", cfg.Catalog.BasePath)

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	if telemetry != nil {
		if err := telemetry.Shutdown(ctx); err != nil {
			log.Printf("Telemetry shutdown error: %v", err)
		}
	}

	log.Println("Server stopped")
}
