package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/neboloop/ambient/internal/config"
	"github.com/neboloop/ambient/internal/db"
	"github.com/neboloop/ambient/internal/extract"
	"github.com/neboloop/ambient/internal/learning"
	"github.com/neboloop/ambient/internal/logging"
	"github.com/neboloop/ambient/internal/server"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the learning daemon (worker host process)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return runDaemon(cfg)
	},
}

func runDaemon(cfg config.Config) error {
	log := logging.New(cfg.Log.Level)

	// One instance per database; a second daemon would break the
	// single-flight guarantee.
	lock, err := acquireLock(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("another ambient instance is running: %w", err)
	}
	defer releaseLock(lock)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sqlDB, err := db.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	log.Info("database ready", "path", cfg.Database.Path)

	extractor := extract.NewLLMExtractor(cfg.Extraction)
	svc, err := learning.New(ctx, cfg, log, sqlDB, extractor)
	if err != nil {
		return err
	}

	janitor := cron.New()
	if _, err := janitor.AddFunc(cfg.Janitor.Schedule, func() {
		if err := svc.Prune(context.Background()); err != nil {
			log.Warn("janitor run failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("janitor schedule %q: %w", cfg.Janitor.Schedule, err)
	}
	janitor.Start()
	defer janitor.Stop()

	errCh := make(chan error, 2)
	go func() {
		if err := svc.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("scheduler: %w", err)
		} else {
			errCh <- nil
		}
	}()
	go func() {
		if err := server.New(svc, log).ListenAndServe(ctx, cfg.Server.Addr); err != nil {
			errCh <- fmt.Errorf("status server: %w", err)
		} else {
			errCh <- nil
		}
	}()

	if err := <-errCh; err != nil {
		stop()
		<-errCh
		return err
	}
	<-errCh
	log.Info("shutdown complete")
	return nil
}
