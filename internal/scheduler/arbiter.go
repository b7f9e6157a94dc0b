// Package scheduler is the single decision point for background extraction.
// One arbiter per process; it alone decides when the worker may claim work,
// so foreground inference and background learning never share the device.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/neboloop/ambient/internal/activity"
	"github.com/neboloop/ambient/internal/queue"
	"github.com/neboloop/ambient/internal/telemetry"
)

// State is the arbiter's position in its lifecycle.
type State string

const (
	StateIdle     State = "idle"
	StateEligible State = "eligible"
	StateRunning  State = "running"
	StatePaused   State = "paused"
)

// Runner executes at most one queue item per call. It reports whether an
// item was consumed (reached a terminal state) so the arbiter can shorten
// its recheck interval while a backlog drains.
type Runner interface {
	RunOne(ctx context.Context) (bool, error)
}

// Config holds the arbiter tunables.
type Config struct {
	// HoldOff is the minimum idle duration beyond the activity threshold
	// before work may start. It exists so extraction does not kick off the
	// instant a session goes quiet, only to contend with a foreground
	// resume seconds later.
	HoldOff time.Duration

	// RecheckInterval bounds the sleep between eligibility checks.
	RecheckInterval time.Duration

	// DrainInterval replaces RecheckInterval after a productive pass, so a
	// backlog drains quickly, then the cadence relaxes again.
	DrainInterval time.Duration
}

// Arbiter drives the Idle -> Eligible -> Running -> (Idle | Paused) state
// machine. Mutual exclusion of extraction jobs rests on the queue's atomic
// dequeue plus the single loop goroutine here, never on flags alone.
type Arbiter struct {
	cfg     Config
	tracker *activity.Tracker
	queue   *queue.Store
	runner  Runner
	log     *slog.Logger

	kick chan struct{}

	mu      sync.Mutex
	state   State
	paused  bool
	force   bool
	lastErr string
}

// New builds an arbiter. It does nothing until Run is called.
func New(cfg Config, tracker *activity.Tracker, q *queue.Store, runner Runner, log *slog.Logger) *Arbiter {
	return &Arbiter{
		cfg:     cfg,
		tracker: tracker,
		queue:   q,
		runner:  runner,
		log:     log,
		kick:    make(chan struct{}, 1),
		state:   StateIdle,
	}
}

// Run is the scheduler loop. It blocks until ctx is cancelled.
func (a *Arbiter) Run(ctx context.Context) error {
	interval := a.cfg.RecheckInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			a.setState(StateIdle)
			return ctx.Err()
		case <-timer.C:
		case <-a.kick:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		if a.pass(ctx) {
			interval = a.cfg.DrainInterval
		} else {
			interval = a.cfg.RecheckInterval
		}
		timer.Reset(interval)
	}
}

// pass performs one eligibility check and, when eligible, one extraction
// run. Returns true when an item was consumed and draining should continue.
func (a *Arbiter) pass(ctx context.Context) bool {
	force := a.takeForce()

	pending, err := a.queue.PendingCount(ctx)
	if err != nil {
		a.recordErr(err)
		a.log.Error("pending count failed", "error", err)
		return false
	}
	telemetry.PendingGauge.Set(float64(pending))

	if pending == 0 {
		a.setState(StateIdle)
		return false
	}
	if !force && !a.eligible() {
		a.setState(StateIdle)
		return false
	}
	a.setState(StateEligible)

	// Narrow re-check right before handing the device to the worker. The
	// eligibility gate above is the only sanctioned path here, so seeing
	// fresh activity now means a scheduling bug, not normal operation.
	if !force && a.tracker.IsActive() {
		telemetry.ContentionAnomaly.Inc()
		a.log.Error("resource contention: extraction attempted while foreground active",
			"idle_for", a.tracker.IdleFor())
		a.setState(StateIdle)
		return false
	}

	a.mu.Lock()
	a.state = StateRunning
	a.paused = false
	a.mu.Unlock()
	telemetry.RunningGauge.Set(1)

	processed, err := a.runner.RunOne(ctx)

	telemetry.RunningGauge.Set(0)
	a.mu.Lock()
	wasPaused := a.paused
	a.paused = false
	a.state = StateIdle
	if err != nil && !errors.Is(err, context.Canceled) {
		a.lastErr = err.Error()
	} else if err == nil && processed {
		a.lastErr = ""
	}
	a.mu.Unlock()

	if err != nil {
		if !errors.Is(err, context.Canceled) {
			a.log.Error("extraction run failed", "error", err)
		}
		return false
	}
	if wasPaused {
		// Foreground woke up mid-run. The finished item stands, but no
		// drain: wait for the next eligible window.
		return false
	}
	return processed
}

// eligible reports whether background work may start: foreground idle and
// the hold-off window elapsed on top of the idle threshold.
func (a *Arbiter) eligible() bool {
	if a.tracker.IsActive() {
		return false
	}
	return a.tracker.IdleFor() >= a.tracker.Threshold()+a.cfg.HoldOff
}

// NotifyEnqueued nudges the loop so fresh work is noticed without waiting a
// full recheck interval.
func (a *Arbiter) NotifyEnqueued() {
	select {
	case a.kick <- struct{}{}:
	default:
	}
}

// NotifyActivity reacts to a foreground activity signal. A run in flight is
// allowed to finish (interrupting mid-operation would corrupt shared device
// state) but the arbiter moves to Paused so nothing new starts.
func (a *Arbiter) NotifyActivity() {
	a.mu.Lock()
	if a.state == StateRunning {
		a.state = StatePaused
		a.paused = true
		telemetry.SchedulerPauses.Inc()
	}
	a.mu.Unlock()
}

// ForceRunNow is the operator escape hatch: the next pass skips the idle
// and hold-off gates. Single-flight still holds — the forced run goes
// through the same loop and atomic dequeue as any other.
func (a *Arbiter) ForceRunNow() {
	a.mu.Lock()
	a.force = true
	a.mu.Unlock()
	a.NotifyEnqueued()
}

// ShouldStop is the cooperative stop predicate the worker consults at its
// checkpoints. True once foreground activity has paused the current window.
func (a *Arbiter) ShouldStop() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.paused
}

// CurrentState returns the state for diagnostics.
func (a *Arbiter) CurrentState() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// LastError returns the most recent run failure, empty after a clean run.
func (a *Arbiter) LastError() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

func (a *Arbiter) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

func (a *Arbiter) takeForce() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	f := a.force
	a.force = false
	return f
}

func (a *Arbiter) recordErr(err error) {
	a.mu.Lock()
	a.lastErr = err.Error()
	a.mu.Unlock()
}
