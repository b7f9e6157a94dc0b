package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/neboloop/ambient/internal/config"
	"github.com/neboloop/ambient/internal/crashlog"
	"github.com/neboloop/ambient/internal/db"
	"github.com/neboloop/ambient/internal/logging"
	"github.com/neboloop/ambient/internal/supervisor"
)

const (
	exitRestartBudget = 2
	exitLaunchFailure = 3
)

var (
	flagMaxRestarts    int
	flagRestartWindow  time.Duration
	flagRestartDelay   time.Duration
	flagGracePeriod    time.Duration
	flagCrashFreeReset time.Duration
)

var superviseCmd = &cobra.Command{
	Use:   "supervise [flags] -- <command> [args...]",
	Short: "Keep the worker host process alive with bounded restarts",
	Long: `supervise launches the target command (the daemon itself when no command
is given), records a crash record on abnormal exit, and restarts it with a
bounded budget. Exit code 0 means a clean or signal-driven stop, 2 means the
restart budget was exhausted, 3 means the child could not be launched.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return runSupervisor(cfg, args)
	},
}

func init() {
	superviseCmd.Flags().IntVar(&flagMaxRestarts, "max-restarts", 0, "restarts allowed within the rolling window (0 = config default)")
	superviseCmd.Flags().DurationVar(&flagRestartWindow, "restart-window", 0, "rolling window for the restart cap")
	superviseCmd.Flags().DurationVar(&flagRestartDelay, "restart-delay", 0, "base delay between restart attempts")
	superviseCmd.Flags().DurationVar(&flagGracePeriod, "grace-period", 0, "SIGTERM grace period before SIGKILL")
	superviseCmd.Flags().DurationVar(&flagCrashFreeReset, "crash-free-reset", 0, "clean uptime that resets the crash budget")
}

func runSupervisor(cfg config.Config, args []string) error {
	log := logging.New(cfg.Log.Level)

	command := args
	if len(command) == 0 {
		self, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolve own executable: %w", err)
		}
		command = []string{self, "run"}
		if configPath != "" {
			command = append(command, "--config", configPath)
		}
	}

	sup := cfg.Supervisor
	if flagMaxRestarts > 0 {
		sup.MaxRestarts = flagMaxRestarts
	}
	if flagRestartWindow > 0 {
		sup.RestartWindow = flagRestartWindow
	}
	if flagRestartDelay > 0 {
		sup.RestartDelay = flagRestartDelay
	}
	if flagGracePeriod > 0 {
		sup.GracePeriod = flagGracePeriod
	}
	if flagCrashFreeReset > 0 {
		sup.CrashFreeReset = flagCrashFreeReset
	}

	// Crash records live in the shared database so the daemon's status
	// surface can report them. If the database cannot be opened the
	// supervisor still runs, log-only.
	var crashes *crashlog.Log
	if sqlDB, err := db.Open(cfg.Database.Path); err == nil {
		defer sqlDB.Close()
		crashes = crashlog.New(sqlDB)
	} else {
		log.Warn("crash history disabled", "error", err)
	}

	ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	s := supervisor.New(supervisor.Config{
		Command:        command,
		MaxRestarts:    sup.MaxRestarts,
		RestartWindow:  sup.RestartWindow,
		RestartDelay:   sup.RestartDelay,
		GracePeriod:    sup.GracePeriod,
		CrashFreeReset: sup.CrashFreeReset,
		PidFile:        filepath.Join(cfg.DataDir, "ambient.child.pid"),
		StalePaths:     []string{filepath.Join(cfg.DataDir, "tmp")},
	}, log, crashes)

	err := s.Run(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, supervisor.ErrRestartBudget):
		return &exitError{code: exitRestartBudget, err: err}
	default:
		return &exitError{code: exitLaunchFailure, err: err}
	}
}
