// Package supervisor keeps the worker host process alive: it launches the
// target command, logs a crash record on abnormal exit, and restarts within
// a bounded budget. Exceeding the budget is terminal and surfaces as a
// non-zero exit instead of looping silently.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/neboloop/ambient/internal/crashlog"
)

// Config is the restart policy and child description.
type Config struct {
	// Command is the child argv. Command[0] is the executable path.
	Command []string

	// MaxRestarts caps restarts within RestartWindow. The crash after the
	// cap is terminal.
	MaxRestarts int

	// RestartWindow is the rolling window for the cap.
	RestartWindow time.Duration

	// RestartDelay seeds the backoff between restart attempts.
	RestartDelay time.Duration

	// GracePeriod bounds how long a SIGTERM'd child may take to exit
	// before escalation to SIGKILL.
	GracePeriod time.Duration

	// CrashFreeReset clears the crash history after this much clean
	// uptime, so an old burst of crashes does not count against a process
	// that has since stabilized.
	CrashFreeReset time.Duration

	// PidFile records the child pid for pre-start cleanup of strays left
	// by a previous supervisor.
	PidFile string

	// StalePaths are removed before each start (temp dirs, cache
	// artifacts a crashed child may have left behind).
	StalePaths []string
}

// ErrRestartBudget is returned when the child crashed more than MaxRestarts
// times within the rolling window.
var ErrRestartBudget = errors.New("restart budget exhausted")

// Supervisor runs the policy. Crash records go to the shared database so
// the daemon's status surface can report them.
type Supervisor struct {
	cfg     Config
	log     *slog.Logger
	crashes *crashlog.Log
}

// New builds a supervisor. crashes may be nil when no database is available;
// crash records are then log-only.
func New(cfg Config, log *slog.Logger, crashes *crashlog.Log) *Supervisor {
	return &Supervisor{cfg: cfg, log: log, crashes: crashes}
}

// Run launches and monitors the child until it exits cleanly, the restart
// budget is exhausted, or ctx is cancelled (graceful stop).
func (s *Supervisor) Run(ctx context.Context) error {
	if len(s.cfg.Command) == 0 {
		return fmt.Errorf("supervisor: no command configured")
	}

	var crashes []time.Time
	restarts := 0
	backoff := s.newBackoff()

	for {
		s.preStartCleanup()

		start := time.Now()
		cmd := exec.Command(s.cfg.Command[0], s.cfg.Command[1:]...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("launch %s: %w", s.cfg.Command[0], err)
		}
		s.writePidFile(cmd.Process.Pid)
		s.log.Info("child started", "pid", cmd.Process.Pid, "cmd", strings.Join(s.cfg.Command, " "))

		done := make(chan error, 1)
		go func() { done <- cmd.Wait() }()

		select {
		case <-ctx.Done():
			err := s.terminate(cmd, done)
			s.removePidFile()
			return err

		case waitErr := <-done:
			s.removePidFile()
			uptime := time.Since(start)
			code := exitCode(waitErr)

			if code == 0 {
				s.log.Info("child exited cleanly", "uptime", uptime)
				return nil
			}

			if uptime >= s.cfg.CrashFreeReset {
				// Long clean stretch before this crash: start a fresh
				// budget and backoff sequence.
				crashes = nil
				backoff = s.newBackoff()
			}

			restarts++
			now := time.Now()
			crashes = append(pruneOld(crashes, now.Add(-s.cfg.RestartWindow)), now)

			rec := crashlog.Record{
				Timestamp:    now,
				ExitCode:     code,
				RestartCount: restarts,
				PID:          cmd.Process.Pid,
				Note:         fmt.Sprintf("uptime %s", uptime.Round(time.Millisecond)),
			}
			if s.crashes != nil {
				if err := s.crashes.Append(context.Background(), rec); err != nil {
					s.log.Warn("crash record not persisted", "error", err)
				}
			}
			s.log.Warn("child crashed", "exit_code", code, "uptime", uptime,
				"crashes_in_window", len(crashes))

			if len(crashes) > s.cfg.MaxRestarts {
				s.log.Error("restart budget exhausted",
					"max_restarts", s.cfg.MaxRestarts, "window", s.cfg.RestartWindow)
				return ErrRestartBudget
			}

			delay, _ := backoff.Next()
			s.log.Info("restarting child", "delay", delay, "attempt", restarts)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
		}
	}
}

func (s *Supervisor) newBackoff() retry.Backoff {
	b := retry.NewFibonacci(s.cfg.RestartDelay)
	return retry.WithCappedDuration(10*s.cfg.RestartDelay, b)
}

// terminate performs graceful shutdown: SIGTERM, bounded wait, SIGKILL.
func (s *Supervisor) terminate(cmd *exec.Cmd, done chan error) error {
	s.log.Info("stopping child", "pid", cmd.Process.Pid, "grace", s.cfg.GracePeriod)
	_ = cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-done:
		s.log.Info("child stopped")
		return nil
	case <-time.After(s.cfg.GracePeriod):
		s.log.Warn("grace period elapsed, killing child", "pid", cmd.Process.Pid)
		_ = cmd.Process.Kill()
		<-done
		return nil
	}
}

// preStartCleanup kills a stray child recorded by a previous supervisor run
// and removes stale artifacts, so a crash loop does not compound.
func (s *Supervisor) preStartCleanup() {
	if s.cfg.PidFile != "" {
		if data, err := os.ReadFile(s.cfg.PidFile); err == nil {
			if pid, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil && pid > 0 {
				if proc, err := os.FindProcess(pid); err == nil {
					if proc.Signal(syscall.Signal(0)) == nil {
						s.log.Warn("killing stray child from previous run", "pid", pid)
						_ = proc.Kill()
					}
				}
			}
			_ = os.Remove(s.cfg.PidFile)
		}
	}

	for _, path := range s.cfg.StalePaths {
		if err := os.RemoveAll(path); err != nil {
			s.log.Warn("stale path not removed", "path", path, "error", err)
		}
	}
}

func (s *Supervisor) writePidFile(pid int) {
	if s.cfg.PidFile == "" {
		return
	}
	if err := os.WriteFile(s.cfg.PidFile, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		s.log.Warn("pid file not written", "path", s.cfg.PidFile, "error", err)
	}
}

func (s *Supervisor) removePidFile() {
	if s.cfg.PidFile != "" {
		_ = os.Remove(s.cfg.PidFile)
	}
}

func exitCode(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func pruneOld(times []time.Time, cutoff time.Time) []time.Time {
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
