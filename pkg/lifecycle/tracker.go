package lifecycle

import (
	"sync"
	"time"
)

// State is the conversation's activity state.
type State int

const (
	StateActive   State = iota // Turns arriving
	StateIdle                  // Quiet for IdleAfter
	StateSleeping              // Quiet for twice IdleAfter
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateIdle:
		return "idle"
	case StateSleeping:
		return "sleeping"
	}
	return "unknown"
}

// Tracker records turn activity so background work can wait for the
// conversation to go quiet.
type Tracker struct {
	idleAfter time.Duration
	now       func() time.Time

	lastActivity time.Time
	activity     uint64
	state        State

	onSleep func()
	onWake  func()

	mu sync.RWMutex
}

// NewTracker creates a tracker. A non-positive idleAfter makes the
// conversation idle as soon as a check runs.
func NewTracker(idleAfter time.Duration) *Tracker {
	if idleAfter < 0 {
		idleAfter = 0
	}
	return &Tracker{
		idleAfter: idleAfter,
		now:       time.Now,
		state:     StateSleeping,
	}
}

// SetClock replaces the time source.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// SetCallbacks configures transition callbacks. They run on their own
// goroutine.
func (t *Tracker) SetCallbacks(onSleep, onWake func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onSleep = onSleep
	t.onWake = onWake
}

// RecordActivity marks a turn.
func (t *Tracker) RecordActivity() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lastActivity = t.now()
	t.activity++
	if t.state == StateSleeping && t.onWake != nil {
		go t.onWake()
	}
	t.state = StateActive
}

// Activity is a counter of recorded turns. Callers compare snapshots to
// tell whether anything happened in between.
func (t *Tracker) Activity() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.activity
}

// State returns the state as of the last check.
func (t *Tracker) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// CheckAndTransition evaluates the elapsed quiet time and moves the state
// forward. Returns true if a transition occurred.
func (t *Tracker) CheckAndTransition() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := t.now().Sub(t.lastActivity)
	old := t.state

	switch t.state {
	case StateActive:
		if elapsed >= t.idleAfter {
			t.state = StateIdle
		}
	case StateIdle:
		if elapsed >= 2*t.idleAfter {
			t.state = StateSleeping
			if t.onSleep != nil {
				go t.onSleep()
			}
		}
	}
	return t.state != old
}

// Quiet runs a check and reports whether the conversation is not active.
func (t *Tracker) Quiet() bool {
	t.CheckAndTransition()
	return t.State() != StateActive
}

// Stats returns tracker statistics
func (t *Tracker) Stats() map[string]any {
	t.mu.RLock()
	defer t.mu.RUnlock()

	st := map[string]any{
		"state":      t.state.String(),
		"activity":   t.activity,
		"idle_after": t.idleAfter.String(),
	}
	if !t.lastActivity.IsZero() {
		st["last_activity"] = t.lastActivity
	}
	return st
}
