// Package busylock implements the per-node exclusive busy lock gating the
// HTTP chat endpoint: a single per-node lock plus observable state, so
// at most one session runtime is active per node at any moment.
package busylock

import (
	"fmt"
	"sync"
	"time"
)

// State is the observable snapshot exposed to the 503 JSON body and to the
// /healthz-style inspection surface.
type State struct {
	Locked      bool
	TaskPreview string
	SessionKey  string
	StartedAt   time.Time
}

// Lock is a single non-reentrant mutex with try-acquire semantics plus the
// metadata needed to answer "who's running and for how long".
type Lock struct {
	mu    sync.Mutex
	state State
}

// New returns a free lock.
func New() *Lock {
	return &Lock{}
}

// TryAcquire attempts a non-blocking acquire. On success it returns a
// release function that must be called on every exit path and
// binds the observable state to (sessionKey, taskPreview, now).
func (l *Lock) TryAcquire(sessionKey, taskPreview string) (release func(), ok bool) {
	l.mu.Lock()
	if l.state.Locked {
		l.mu.Unlock()
		return nil, false
	}
	l.state = State{Locked: true, TaskPreview: taskPreview, SessionKey: sessionKey, StartedAt: time.Now()}
	l.mu.Unlock()

	var once sync.Once
	release = func() {
		once.Do(func() {
			l.mu.Lock()
			l.state = State{}
			l.mu.Unlock()
		})
	}
	return release, true
}

// Snapshot returns the current observable state without mutating it.
func (l *Lock) Snapshot() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// RunningFor reports how long the current holder (if any) has been
// running, used to populate running_time_seconds in the 503 body.
func (s State) RunningFor() time.Duration {
	if !s.Locked {
		return 0
	}
	return time.Since(s.StartedAt)
}

// BusyResponse is the structured body returned on HTTP 503.
type BusyResponse struct {
	Status             string  `json:"status"`
	CurrentTask        string  `json:"current_task"`
	RunningTimeSeconds float64 `json:"running_time_seconds"`
	Suggestion         string  `json:"suggestion"`
}

// NewBusyResponse renders the 503 body from a snapshot.
func NewBusyResponse(s State) BusyResponse {
	return BusyResponse{
		Status:             "busy",
		CurrentTask:        s.TaskPreview,
		RunningTimeSeconds: s.RunningFor().Seconds(),
		Suggestion:         fmt.Sprintf("retry with the %q prefix to preempt, or call a peer node", "[URGENT_INTERRUPT] "),
	}
}
