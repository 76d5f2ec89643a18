package cli

import (
	"sort"
	"sync"
	"time"

	"github.com/Paintersrp/procwatch/internal/cliutil"
	"github.com/Paintersrp/procwatch/internal/engine"
)

const defaultHistorySize = 32

// processStatus captures runtime state for a process observed via events.
type processStatus struct {
	name       string
	firstSeen  time.Time
	lastEvent  time.Time
	startedAt  time.Time
	state      engine.EventType
	pid        int
	instance   string
	restarts   int
	lastStatus string
	message    string

	history []StatusTransition
}

// StatusTransition is one lifecycle change retained in a process's history.
type StatusTransition struct {
	Timestamp time.Time
	Type      engine.EventType
	Reason    string
	Message   string
}

// StatusTrackerOption configures a statusTracker.
type StatusTrackerOption func(*statusTracker)

// WithHistorySize bounds the number of transitions retained per process.
func WithHistorySize(n int) StatusTrackerOption {
	return func(t *statusTracker) {
		if n > 0 {
			t.historySize = n
		}
	}
}

// statusTracker maintains in-memory process state derived from engine events.
type statusTracker struct {
	mu          sync.RWMutex
	processes   map[string]*processStatus
	historySize int
}

func newStatusTracker(opts ...StatusTrackerOption) *statusTracker {
	t := &statusTracker{processes: make(map[string]*processStatus), historySize: defaultHistorySize}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Apply updates the tracker based on the supplied event.
func (t *statusTracker) Apply(evt engine.Event) {
	if evt.Process == "" {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	state := t.processes[evt.Process]
	if state == nil {
		state = &processStatus{name: evt.Process, firstSeen: evt.Timestamp}
		t.processes[evt.Process] = state
	}
	if evt.Timestamp.After(state.lastEvent) {
		state.lastEvent = evt.Timestamp
	}
	if evt.Type == engine.EventTypeLog {
		return
	}

	switch evt.Type {
	case engine.EventTypeSpawned:
		state.pid = evt.PID
		state.instance = evt.Instance
		state.startedAt = evt.Timestamp
	case engine.EventTypeExited, engine.EventTypeKilled:
		state.pid = 0
		state.startedAt = time.Time{}
		if evt.Status != nil {
			state.lastStatus = evt.Status.String()
		}
	case engine.EventTypeRestarting:
		if evt.Attempt > state.restarts {
			state.restarts = evt.Attempt
		}
	}

	state.state = evt.Type
	message := evt.Message
	if message == "" && evt.Err != nil {
		message = evt.Err.Error()
	}
	state.message = cliutil.RedactSecrets(message)

	state.history = append(state.history, StatusTransition{
		Timestamp: evt.Timestamp,
		Type:      evt.Type,
		Reason:    evt.Reason,
		Message:   state.message,
	})
	if len(state.history) > t.historySize {
		state.history = append([]StatusTransition(nil), state.history[len(state.history)-t.historySize:]...)
	}
}

// ProcessStatus is a snapshot of one tracked process for presentation.
type ProcessStatus struct {
	Name       string
	FirstSeen  time.Time
	LastEvent  time.Time
	StartedAt  time.Time
	State      engine.EventType
	PID        int
	Instance   string
	Running    bool
	Restarts   int
	LastStatus string
	Message    string
}

// Snapshot returns copies of the tracked state keyed by process name.
func (t *statusTracker) Snapshot() map[string]ProcessStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snapshot := make(map[string]ProcessStatus, len(t.processes))
	for name, state := range t.processes {
		snapshot[name] = ProcessStatus{
			Name:       state.name,
			FirstSeen:  state.firstSeen,
			LastEvent:  state.lastEvent,
			StartedAt:  state.startedAt,
			State:      state.state,
			PID:        state.pid,
			Instance:   state.instance,
			Running:    state.pid > 0,
			Restarts:   state.restarts,
			LastStatus: state.lastStatus,
			Message:    state.message,
		}
	}
	return snapshot
}

// History returns up to limit of the most recent transitions, oldest first.
func (t *statusTracker) History(name string, limit int) []StatusTransition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	state := t.processes[name]
	if state == nil {
		return nil
	}
	history := state.history
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	return append([]StatusTransition(nil), history...)
}

// Names returns the known processes sorted alphabetically.
func (t *statusTracker) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, 0, len(t.processes))
	for name := range t.processes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
