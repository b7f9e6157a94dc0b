package activity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTrackerStartsIdle(t *testing.T) {
	tr := NewTracker(time.Minute)

	assert.False(t, tr.IsActive())
	assert.True(t, tr.LastActivity().IsZero())
	assert.Greater(t, tr.IdleFor(), time.Hour)
}

func TestMarkActive(t *testing.T) {
	tr := NewTracker(time.Minute)

	tr.MarkActive()
	assert.True(t, tr.IsActive())
	assert.Less(t, tr.IdleFor(), time.Second)
}

func TestMarkIdleForcesImmediateIdle(t *testing.T) {
	tr := NewTracker(time.Minute)

	tr.MarkActive()
	assert.True(t, tr.IsActive())

	tr.MarkIdle()
	assert.False(t, tr.IsActive())
	assert.True(t, tr.LastActivity().IsZero())
}

func TestThresholdElapses(t *testing.T) {
	tr := NewTracker(30 * time.Millisecond)

	tr.MarkActive()
	assert.True(t, tr.IsActive())

	time.Sleep(50 * time.Millisecond)
	assert.False(t, tr.IsActive())
}

func TestIsActiveHasNoSideEffects(t *testing.T) {
	tr := NewTracker(time.Minute)
	tr.MarkActive()
	last := tr.LastActivity()

	for i := 0; i < 10; i++ {
		tr.IsActive()
		tr.IdleFor()
	}
	assert.Equal(t, last, tr.LastActivity())
}
