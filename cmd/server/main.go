// Package main is the entry point for the scatterbins server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/soma-tiles/scatterbins/internal/api"
	"github.com/soma-tiles/scatterbins/internal/cache"
	"github.com/soma-tiles/scatterbins/internal/config"
	"github.com/soma-tiles/scatterbins/internal/engine"
	"github.com/soma-tiles/scatterbins/internal/hypercube"
	"github.com/soma-tiles/scatterbins/internal/service"
	"github.com/soma-tiles/scatterbins/internal/snapshotstore"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join("data", "env", ".env"))

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting %s server on port %d", cfg.Server.Title, cfg.Server.Port)

	ctx := context.Background()

	// Initialize cache manager
	cacheManager, err := cache.NewManager(cache.Config{
		SnapshotCacheSizeMB: cfg.Cache.SnapshotCacheMB,
		SnapshotTTL:         cfg.Cache.SnapshotTTL(),
		QueryCacheSize:      cfg.Cache.QueryCacheSize,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()

	// Select the engine: a remote one over HTTP, or a local one over a
	// dataset file (synthetic points when none is configured).
	var (
		transport hypercube.Transport
		local     *engine.Engine
		cube      hypercube.Layout
	)
	if cfg.Engine.RemoteURL != "" {
		remote := hypercube.NewHTTPTransport(cfg.Engine.RemoteURL, cfg.Engine.RequestTimeout())
		layoutCtx, cancel := context.WithTimeout(ctx, cfg.Engine.RequestTimeout())
		cube, err = remote.Layout(layoutCtx)
		cancel()
		if err != nil {
			log.Fatalf("Failed to read layout from engine %s: %v", cfg.Engine.RemoteURL, err)
		}
		transport = remote
		log.Printf("Remote engine: %s (%d points)", cfg.Engine.RemoteURL, cube.HyperCube.Size.Cy)
	} else {
		ds, err := loadDataset(cfg.Engine)
		if err != nil {
			log.Fatalf("Failed to load dataset: %v", err)
		}
		local, err = engine.New(engine.Config{Dataset: ds, Cache: cacheManager})
		if err != nil {
			log.Fatalf("Failed to initialize engine: %v", err)
		}
		transport = local
		cube = local.Layout()
		b := ds.Bounds
		log.Printf("Local %s, x=[%g, %g] y=[%g, %g]", local, b.MinX, b.MaxX, b.MinY, b.MaxY)
	}

	// Initialize snapshot store (SQLite persistence)
	store, err := snapshotstore.NewStore(cfg.Snapshot.SQLitePath)
	if err != nil {
		log.Fatalf("Failed to initialize snapshot store: %v", err)
	}
	defer store.Close()
	log.Printf("Snapshot store: sqlite=%s, retention_days=%d", cfg.Snapshot.SQLitePath, cfg.Snapshot.RetentionDays)

	snapshots := service.NewSnapshotService(store, cacheManager)
	snapshots.StartCleanup(1*time.Hour, cfg.Snapshot.Retention())
	defer snapshots.Stop()

	registry := api.NewChartRegistry(api.ChartDefaults{
		Cube:              cube,
		Transport:         transport,
		DefaultResolution: cfg.Binned.DefaultResolution,
		MaxRows:           cfg.Binned.MaxRows,
		FetchTimeout:      cfg.Binned.FetchTimeout(),
	}, cfg.Server.Title)

	routerCfg := api.RouterConfig{
		Registry:    registry,
		Snapshots:   snapshots,
		CORSOrigins: cfg.Server.CORSOrigins,
	}
	if local != nil {
		routerCfg.Engine = local
	}
	router := api.NewRouter(routerCfg)

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}

func loadDataset(cfg config.EngineConfig) (*engine.Dataset, error) {
	if cfg.DatasetPath == "" {
		log.Printf("No dataset_path configured, generating %d synthetic points", cfg.SyntheticPoints)
		return engine.Synthetic("synthetic", cfg.SyntheticPoints, 1)
	}
	ds, err := engine.LoadFile(cfg.DatasetPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cfg.DatasetPath, err)
	}
	return ds, nil
}
