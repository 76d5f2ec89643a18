package engine

import (
	"time"

	"github.com/Paintersrp/procwatch/internal/posix/wait"
)

// EventType captures high level lifecycle notifications emitted by supervisors
// and the orchestrator.
type EventType string

const (
	EventTypeStarting   EventType = "starting"
	EventTypeSpawned    EventType = "spawned"
	EventTypeReady      EventType = "ready"
	EventTypeUnready    EventType = "unready"
	EventTypeSignaled   EventType = "signaled"
	EventTypeExited     EventType = "exited"
	EventTypeKilled     EventType = "killed"
	EventTypeRestarting EventType = "restarting"
	EventTypeStopping   EventType = "stopping"
	EventTypeStopped    EventType = "stopped"
	EventTypeFailed     EventType = "failed"
	EventTypeLog        EventType = "log"
	EventTypeError      EventType = "error"
)

// Log sources.
const (
	LogSourceStdout = "stdout"
	LogSourceStderr = "stderr"
	LogSourceSystem = "system"
)

// Event represents a single lifecycle or log notification.
type Event struct {
	Timestamp time.Time
	Process   string
	// Instance identifies one spawned child across restarts of the process.
	Instance string
	PID      int
	Type     EventType
	Message  string
	Level    string
	Source   string
	Err      error
	Attempt  int
	Reason   string
	// Status is set on exited and killed events when the wait status was
	// available.
	Status wait.Result
}

const (
	ReasonInitialStart   = "initial_start"
	ReasonRestart        = "restart"
	ReasonStartFailure   = "start_failure"
	ReasonChildExit      = "child_exit"
	ReasonRetriesExhaust = "retries_exhausted"
	ReasonLogStreamError = "log_stream_error"
	ReasonSignalRequest  = "signal_request"
	ReasonStopRequested  = "supervisor_stop"
	ReasonStopEscalated  = "stop_escalated"
	ReasonStopFailed     = "stop_failed"
	ReasonObserverFailed = "observer_failed"
	ReasonShutdown       = "shutdown"
	ReasonProbeReady     = "probe_ready"
	ReasonProbeFailed    = "probe_failed"
	ReasonProbeInvalid   = "probe_invalid"
	ReasonMemoryLimit    = "memory_limit"
)

func sendEvent(events chan<- Event, evt Event) {
	if events == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	if evt.Level == "" {
		evt.Level = "info"
	}
	if evt.Source == "" {
		evt.Source = LogSourceSystem
	}
	events <- evt
}
