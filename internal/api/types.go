package api

import (
	stdcontext "context"
	"errors"
	"time"

	"github.com/Paintersrp/procwatch/internal/engine"
	"github.com/Paintersrp/procwatch/internal/posix/signal"
)

var (
	ErrNoActiveDeployment = errors.New("no active deployment")
	ErrUnknownProcess     = errors.New("unknown process")
	ErrProcessNotRunning  = errors.New("process not running")
	ErrInvalidSignal      = errors.New("invalid signal")
)

// Transition is one lifecycle change in a process's recent history.
type Transition struct {
	Timestamp time.Time        `json:"timestamp"`
	Type      engine.EventType `json:"type"`
	Reason    string           `json:"reason"`
	Message   string           `json:"message"`
}

// ResourceUsage is a /proc sample of a running child.
type ResourceUsage struct {
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUSeconds float64 `json:"cpu_seconds"`
	Threads    int32   `json:"threads"`
	State      string  `json:"state"`
}

// ChildReport describes the runtime state of one supervised process.
type ChildReport struct {
	Name       string           `json:"name"`
	PID        int              `json:"pid"`
	Instance   string           `json:"instance"`
	State      engine.EventType `json:"state"`
	Running    bool             `json:"running"`
	Ready      bool             `json:"ready"`
	Restarts   int              `json:"restarts"`
	Message    string           `json:"message"`
	LastStatus string           `json:"last_status"`
	LastReason string           `json:"last_reason"`
	FirstSeen  time.Time        `json:"first_seen"`
	LastEvent  time.Time        `json:"last_event"`
	StartedAt  time.Time        `json:"started_at"`
	Resources  *ResourceUsage   `json:"resources,omitempty"`
	History    []Transition     `json:"history"`
}

// StatusReport aggregates the state of every supervised process.
type StatusReport struct {
	Manifest        string                 `json:"manifest"`
	Version         string                 `json:"version"`
	GeneratedAt     time.Time              `json:"generated_at"`
	TrackedChildren int                    `json:"tracked_children"`
	Processes       map[string]ChildReport `json:"processes"`
}

// SignalResult captures the outcome of a signal request.
type SignalResult struct {
	Process string    `json:"process"`
	PID     int       `json:"pid"`
	Signal  string    `json:"signal"`
	SentAt  time.Time `json:"sent_at"`
}

// Controller exposes supervisor operations required by control servers.
type Controller interface {
	Status(stdcontext.Context) (*StatusReport, error)
	Signal(stdcontext.Context, string, signal.Signal) (*SignalResult, error)
}
