package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopboxhq/shopbox/internal/api"
	"github.com/shopboxhq/shopbox/internal/config"
	"github.com/shopboxhq/shopbox/internal/db"
	"github.com/shopboxhq/shopbox/internal/docker"
	"github.com/shopboxhq/shopbox/internal/events"
	"github.com/shopboxhq/shopbox/internal/metrics"
	"github.com/shopboxhq/shopbox/internal/sandbox"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx := context.Background()

	// The container runtime is mandatory: without it no instance can be
	// provisioned and a restart is the only fix.
	dockerClient, err := docker.NewClient(ctx, cfg.DockerTimeout)
	if err != nil {
		log.Fatalf("failed to initialize docker: %v", err)
	}
	defer dockerClient.Close()

	if version, err := dockerClient.Version(ctx); err == nil {
		log.Printf("shopbox: using docker %s", version)
	}

	// Pick the record store: PostgreSQL when configured, SQLite otherwise.
	var store sandbox.RecordStore
	if cfg.DatabaseURL != "" {
		pg, err := db.NewStore(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to connect to database: %v", err)
		}
		defer pg.Close()

		log.Println("shopbox: running database migrations...")
		if err := pg.Migrate(ctx); err != nil {
			log.Fatalf("failed to run migrations: %v", err)
		}
		log.Println("shopbox: database migrations complete")
		store = pg
	} else {
		lite, err := db.OpenSQLiteStore(cfg.DataDir)
		if err != nil {
			log.Fatalf("failed to open sqlite store: %v", err)
		}
		defer lite.Close()

		log.Printf("shopbox: no SHOPBOX_DATABASE_URL configured, using SQLite in %s", cfg.DataDir)
		store = lite
	}

	lifecycle := sandbox.NewLifecycle(dockerClient, sandbox.LifecycleConfig{
		Image:          cfg.SandboxImage,
		InternalPort:   cfg.InternalPort,
		MemoryLimitMB:  cfg.MemoryLimitMB,
		CPUCount:       cfg.CPUCount,
		StopGraceSec:   cfg.StopGraceSec,
		HealthInterval: cfg.HealthInterval,
		HealthTimeout:  cfg.HealthTimeout,
		HealthRetries:  cfg.HealthRetries,
		BaseURL:        cfg.BaseURL,
	})
	alloc := sandbox.NewAllocator(store, dockerClient, cfg.MinPort, cfg.MaxPort, 30*time.Second)

	// Event publishing is optional; the provisioner runs fine without it.
	var sink sandbox.EventSink
	if cfg.NATSURL != "" {
		pub, err := events.NewPublisher(cfg.NATSURL)
		if err != nil {
			log.Printf("shopbox: NATS unavailable, events disabled: %v", err)
		} else {
			defer pub.Close()
			sink = pub
			log.Printf("shopbox: publishing events to %s", cfg.NATSURL)
		}
	}

	provisioner := sandbox.NewProvisioner(store, lifecycle, alloc, sink, cfg.BaseURL)

	reaper := sandbox.NewReaper(store, lifecycle, sandbox.ReaperConfig{
		Interval:      cfg.ReapInterval,
		OrphanGrace:   cfg.OrphanGrace,
		StuckCreating: cfg.StuckCreating,
	})
	reaper.Start(ctx)
	defer reaper.Stop()

	metricsSrv := metrics.StartMetricsServer(cfg.MetricsAddr)
	defer metricsSrv.Close()
	log.Printf("shopbox: metrics on %s/metrics", cfg.MetricsAddr)

	server := api.NewServer(provisioner, cfg.APIKey)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		log.Printf("shopbox: listening on %s", addr)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shopbox: shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Echo().Shutdown(shutdownCtx); err != nil {
		log.Printf("shopbox: shutdown: %v", err)
	}
}
