package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/dataveil/dataveil/internal/cache"
	"github.com/dataveil/dataveil/internal/config"
	"github.com/dataveil/dataveil/internal/dataset"
	"github.com/dataveil/dataveil/internal/detect"
	"github.com/dataveil/dataveil/internal/events"
	"github.com/dataveil/dataveil/internal/jobs"
	"github.com/dataveil/dataveil/internal/logger"
	"github.com/dataveil/dataveil/internal/risk"
	"github.com/dataveil/dataveil/internal/server"
	"github.com/dataveil/dataveil/internal/store"
)

var version = "0.1.0"

func main() {
	var (
		configPath  = flag.String("config", "", "path to configuration file")
		showVersion = flag.Bool("version", false, "print version and exit")
		healthCheck = flag.Bool("health-check", false, "probe a running instance and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("dataveil %s\n", version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *healthCheck {
		os.Exit(runHealthCheck(cfg.Server.Port))
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File: &logger.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting dataveil",
		zap.String("version", version),
		zap.String("storage_driver", cfg.Storage.Driver))

	db, err := openStore(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize storage", zap.Error(err))
	}
	defer db.Close()

	var reportCache *cache.Cache
	if cfg.Cache.Enabled {
		reportCache, err = cache.New(&cfg.Cache, log.Logger)
		if err != nil {
			// The cache is an accelerator, not a dependency.
			log.Warn("Cache unavailable, continuing without it", zap.Error(err))
			reportCache = nil
		} else {
			defer reportCache.Close()
		}
	}

	files, err := dataset.NewService(cfg.Dataset, db, log.WithComponent("dataset").Logger)
	if err != nil {
		log.Fatal("Failed to initialize dataset storage", zap.Error(err))
	}

	hub := events.NewHub(cfg.Events, log.WithComponent("events").Logger)
	detector := detect.NewService(db, log.WithComponent("detect").Logger)
	orchestrator := jobs.New(cfg.Pipeline, db, files, hub, log.WithComponent("jobs").Logger)
	assessor := risk.New(db, files, log.WithComponent("risk").Logger)

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	orchestrator.Start(workerCtx)

	srv := server.New(cfg, server.Deps{
		Datasets:     files,
		Detector:     detector,
		Orchestrator: orchestrator,
		Assessor:     assessor,
		Cache:        reportCache,
		Hub:          hub,
	}, log)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Fatal("Server failed", zap.Error(err))
	case sig := <-sigCh:
		log.Info("Shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Error("Graceful shutdown failed", zap.Error(err))
	}

	stopWorkers()
	orchestrator.Wait()
	log.Info("Shutdown complete")
}

// openStore selects the persistence backend from configuration.
func openStore(cfg *config.Config, log *logger.Logger) (store.Store, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		return store.NewPostgres(&cfg.Storage.Postgres, log.WithComponent("store").Logger)
	default:
		return store.NewMemory(), nil
	}
}

// runHealthCheck probes the local instance, for container health checks.
func runHealthCheck(port int) int {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://localhost:%d/health", port))
	if err != nil {
		fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Println("healthy")
	return 0
}
