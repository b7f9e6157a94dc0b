// Package learning wires the background-learning pipeline together and is
// the surface the chat/session manager and operators talk to. One Service
// is constructed at startup and shut down at process exit; there is no
// package-level instance.
package learning

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/neboloop/ambient/internal/activity"
	"github.com/neboloop/ambient/internal/config"
	"github.com/neboloop/ambient/internal/crashlog"
	"github.com/neboloop/ambient/internal/extract"
	"github.com/neboloop/ambient/internal/memory"
	"github.com/neboloop/ambient/internal/queue"
	"github.com/neboloop/ambient/internal/scheduler"
	"github.com/neboloop/ambient/internal/telemetry"
	"github.com/neboloop/ambient/internal/worker"
)

// Status is the polling-friendly diagnostic snapshot.
type Status struct {
	PendingCount int    `json:"pending_count"`
	IsRunning    bool   `json:"is_running"`
	State        string `json:"state"`
	UIActive     bool   `json:"ui_active"`
	LastError    string `json:"last_error,omitempty"`
}

// Service owns the tracker, queue, worker, and arbiter.
type Service struct {
	cfg     config.Config
	log     *slog.Logger
	queue   *queue.Store
	mems    *memory.Store
	tracker *activity.Tracker
	arbiter *scheduler.Arbiter
	crashes *crashlog.Log
}

// New builds the service over an open database and resets items a previous
// process left in flight, so they re-run from scratch on the same snapshot.
func New(ctx context.Context, cfg config.Config, log *slog.Logger, sqlDB *sql.DB, extractor extract.Service) (*Service, error) {
	tracker := activity.NewTracker(cfg.Scheduler.IdleThreshold)
	q := queue.NewStore(sqlDB)
	mems := memory.NewStore(sqlDB)

	w := worker.New(sqlDB, q, mems, extractor, log)
	arb := scheduler.New(scheduler.Config{
		HoldOff:         cfg.Scheduler.HoldOff,
		RecheckInterval: cfg.Scheduler.RecheckInterval,
		DrainInterval:   cfg.Scheduler.DrainInterval,
	}, tracker, q, w, log)
	w.SetStopCheck(arb.ShouldStop)

	if n, err := q.ResetInFlight(ctx); err != nil {
		return nil, fmt.Errorf("startup recovery: %w", err)
	} else if n > 0 {
		log.Info("recovered interrupted extraction items", "count", n)
	}

	return &Service{
		cfg:     cfg,
		log:     log,
		queue:   q,
		mems:    mems,
		tracker: tracker,
		arbiter: arb,
		crashes: crashlog.New(sqlDB),
	}, nil
}

// Run drives the scheduler loop until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	return s.arbiter.Run(ctx)
}

// SubmitChat records a completed exchange for later extraction. Idempotent
// per (user, session) while a non-terminal item exists.
func (s *Service) SubmitChat(ctx context.Context, userID, sessionID string, messages []queue.Message) error {
	if _, err := s.queue.Enqueue(ctx, userID, sessionID, messages); err != nil {
		return err
	}
	telemetry.EnqueuedTotal.Inc()
	s.arbiter.NotifyEnqueued()
	return nil
}

// SignalUIActive marks the foreground busy and pauses any run in flight
// after its current item.
func (s *Service) SignalUIActive() {
	s.tracker.MarkActive()
	s.arbiter.NotifyActivity()
}

// SignalUIIdle marks the foreground idle immediately, skipping the
// threshold (the hold-off still applies).
func (s *Service) SignalUIIdle() {
	s.tracker.MarkIdle()
	s.arbiter.NotifyEnqueued()
}

// ForceRunNow skips the hold-off gate on the next pass. Single-flight is
// still enforced.
func (s *Service) ForceRunNow() {
	s.arbiter.ForceRunNow()
}

// Status reports queue depth and scheduler state.
func (s *Service) Status(ctx context.Context) (Status, error) {
	pending, err := s.queue.PendingCount(ctx)
	if err != nil {
		return Status{}, err
	}
	state := s.arbiter.CurrentState()
	return Status{
		PendingCount: pending,
		IsRunning:    state == scheduler.StateRunning || state == scheduler.StatePaused,
		State:        string(state),
		UIActive:     s.tracker.IsActive(),
		LastError:    s.arbiter.LastError(),
	}, nil
}

// Queue exposes the store for read-only diagnostics (inspect).
func (s *Service) Queue() *queue.Store {
	return s.queue
}

// Memories exposes the memory store for diagnostics.
func (s *Service) Memories() *memory.Store {
	return s.mems
}

// RecentCrashes lists the newest supervisor crash records.
func (s *Service) RecentCrashes(ctx context.Context, limit int) ([]crashlog.Record, error) {
	return s.crashes.Recent(ctx, limit)
}

// Prune removes terminal queue items and crash records older than the
// configured retention. Invoked by the janitor schedule.
func (s *Service) Prune(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -s.cfg.Janitor.RetainDays)
	n, err := s.queue.PruneTerminal(ctx, cutoff)
	if err != nil {
		return err
	}
	m, err := s.crashes.Prune(ctx, cutoff)
	if err != nil {
		return err
	}
	if n+m > 0 {
		s.log.Info("janitor pruned", "queue_items", n, "crash_records", m)
	}
	return nil
}
