// Package activity tracks foreground (UI) interaction so background work
// never contends with a live chat session for the inference device.
package activity

import (
	"sync"
	"time"
)

// Tracker records the most recent foreground interaction. State changes are
// driven entirely by explicit signals from the UI surface; nothing here
// polls a timer. A poll-based tracker either wastes cycles or races with
// fast activity bursts.
type Tracker struct {
	mu           sync.Mutex
	lastActivity time.Time
	threshold    time.Duration
}

// NewTracker creates a tracker considering the foreground idle after
// threshold without a signal. A fresh tracker starts idle.
func NewTracker(threshold time.Duration) *Tracker {
	return &Tracker{threshold: threshold}
}

// MarkActive records a foreground interaction (message sent, session
// opened).
func (t *Tracker) MarkActive() {
	t.mu.Lock()
	t.lastActivity = time.Now()
	t.mu.Unlock()
}

// MarkIdle forces the foreground idle immediately (session closed, explicit
// idle signal). The zero timestamp acts as a far-past sentinel.
func (t *Tracker) MarkIdle() {
	t.mu.Lock()
	t.lastActivity = time.Time{}
	t.mu.Unlock()
}

// IsActive reports whether the most recent signal is within the threshold.
// Pure read, no side effects.
func (t *Tracker) IsActive() bool {
	return t.IdleFor() < t.threshold
}

// IdleFor returns the time elapsed since the last foreground signal.
func (t *Tracker) IdleFor() time.Duration {
	t.mu.Lock()
	last := t.lastActivity
	t.mu.Unlock()

	if last.IsZero() {
		// Never active (or forced idle): effectively idle forever.
		return time.Duration(1<<62 - 1)
	}
	return time.Since(last)
}

// LastActivity returns the raw timestamp of the most recent signal.
func (t *Tracker) LastActivity() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastActivity
}

// Threshold returns the configured inactivity threshold.
func (t *Tracker) Threshold() time.Duration {
	return t.threshold
}
