package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loomworks/loom/internal/archive"
	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/event"
	"github.com/loomworks/loom/internal/eventlog"
	"github.com/loomworks/loom/internal/eventlog/postgres"
	"github.com/loomworks/loom/internal/governance"
	"github.com/loomworks/loom/internal/realm"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the simulation coordinator",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

		// Load configuration.
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		// Load the loom file.
		loomFile, err := loadLoomFile(cfg.LoomFile)
		if err != nil {
			return err
		}

		// Open the event log.
		var store eventlog.Store
		if cfg.DatabaseURL != "" {
			pg, err := postgres.New(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			store = pg
			logger.Info("event log enabled", "backend", "postgres")
		} else {
			store = eventlog.NewMemoryStore()
			logger.Info("event log in memory (LOOM_DATABASE_URL not set)")
		}

		// Create the event publisher, with every event recorded to the log
		// before it reaches the bus.
		var bus event.Publisher
		if cfg.NATSURL != "" {
			pub, err := event.NewNATSPublisher(cfg.NATSURL)
			if err != nil {
				store.Close()
				return err
			}
			bus = pub
			logger.Info("event bus enabled", "nats_url", cfg.NATSURL)
		} else {
			bus = &event.NoopPublisher{}
			logger.Info("event bus disabled (LOOM_NATS_URL not set)")
		}
		publisher := eventlog.NewRecorder(store, bus, logger)

		// Build the governance engine from declared policies, with the
		// event log as durable audit sink.
		policies, err := loomFile.BuildPolicies()
		if err != nil {
			publisher.Close()
			store.Close()
			return err
		}
		gov, err := governance.NewEngine(policies,
			governance.WithAuditSink(eventlog.NewAuditRecorder(store, bus, logger)),
			governance.WithLogger(logger),
		)
		if err != nil {
			publisher.Close()
			store.Close()
			return err
		}

		// Create the coordinator and register declared realms.
		coordinator := realm.New(
			realm.CoordinatorConfig{MasterInterval: cfg.MasterInterval},
			gov,
			realm.WithPublisher(publisher),
			realm.WithLogger(logger),
		)
		for _, decl := range loomFile.Realms {
			rc, err := decl.realmConfig()
			if err != nil {
				publisher.Close()
				store.Close()
				return err
			}
			if _, err := coordinator.Register(decl.ID, rc); err != nil {
				publisher.Close()
				store.Close()
				return err
			}
			logger.Info("realm registered", "realm_id", decl.ID, "rules", len(decl.Rules))
		}

		// Drive the master tick.
		runCtx, cancelRun := context.WithCancel(context.Background())
		runDone := make(chan struct{})
		go func() {
			defer close(runDone)
			coordinator.Run(runCtx)
		}()

		// Start the archive scheduler if a destination is configured.
		var scheduler *archive.Scheduler
		if cfg.ArchiveInterval > 0 && cfg.ArchiveS3Bucket != "" {
			s3Dest, err := archive.NewS3Destination(
				context.Background(),
				cfg.ArchiveS3Bucket,
				cfg.ArchiveS3Prefix,
				cfg.ArchiveS3Region,
				cfg.ArchiveS3Endpoint,
			)
			if err != nil {
				logger.Error("failed to create S3 archive destination", "err", err)
			} else {
				scheduler = archive.NewScheduler(store, []archive.Destination{s3Dest}, cfg.ArchiveInterval, logger)
				scheduler.Start()
				logger.Info("archive scheduler started",
					"interval", cfg.ArchiveInterval,
					"bucket", cfg.ArchiveS3Bucket,
					"prefix", cfg.ArchiveS3Prefix,
				)
			}
		}

		logger.Info("loom coordinator started",
			"master_interval", cfg.MasterInterval,
			"realms", len(loomFile.Realms),
			"policies", len(policies),
		)

		// Wait for SIGINT or SIGTERM.
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)

		// Graceful shutdown.
		cancelRun()
		<-runDone
		logger.Info("master tick stopped")

		coordinator.Shutdown()
		logger.Info("realms deregistered")

		if scheduler != nil {
			scheduler.Stop()
			logger.Info("archive scheduler stopped")
		}

		if err := publisher.Close(); err != nil {
			logger.Error("error closing publisher", "err", err)
		}
		if err := store.Close(); err != nil {
			logger.Error("error closing event log", "err", err)
		}

		logger.Info("shutdown complete")
		return nil
	},
}
