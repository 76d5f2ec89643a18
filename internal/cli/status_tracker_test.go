package cli

import (
	"errors"
	"testing"
	"time"

	"github.com/Paintersrp/procwatch/internal/engine"
	"github.com/Paintersrp/procwatch/internal/posix/wait"
)

func TestStatusTrackerFollowsLifecycle(t *testing.T) {
	t.Parallel()

	tracker := newStatusTracker()
	base := time.Now().Add(-10 * time.Second)

	tracker.Apply(engine.Event{Process: "api", Type: engine.EventTypeStarting, Timestamp: base})
	tracker.Apply(engine.Event{Process: "api", Type: engine.EventTypeSpawned, PID: 77, Instance: "i-1", Timestamp: base.Add(time.Second)})

	snap := tracker.Snapshot()["api"]
	if !snap.Running || snap.PID != 77 || snap.Instance != "i-1" {
		t.Fatalf("expected running snapshot, got %+v", snap)
	}
	if !snap.StartedAt.Equal(base.Add(time.Second)) || !snap.FirstSeen.Equal(base) {
		t.Fatalf("unexpected timestamps: %+v", snap)
	}

	tracker.Apply(engine.Event{Process: "api", Type: engine.EventTypeLog, Message: "hello", Timestamp: base.Add(2 * time.Second)})
	if snap := tracker.Snapshot()["api"]; snap.State != engine.EventTypeSpawned || !snap.LastEvent.Equal(base.Add(2*time.Second)) {
		t.Fatalf("log lines must only bump lastEvent: %+v", snap)
	}

	tracker.Apply(engine.Event{Process: "api", Type: engine.EventTypeExited, Status: wait.Exited{Code: 2}, Message: "exited with code 2", Timestamp: base.Add(3 * time.Second)})
	tracker.Apply(engine.Event{Process: "api", Type: engine.EventTypeRestarting, Attempt: 1, Reason: engine.ReasonRestart, Timestamp: base.Add(4 * time.Second)})

	snap = tracker.Snapshot()["api"]
	if snap.Running || snap.PID != 0 {
		t.Fatalf("expected stopped snapshot, got %+v", snap)
	}
	if snap.LastStatus != "exited code=2" || snap.Restarts != 1 || snap.State != engine.EventTypeRestarting {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestStatusTrackerUsesErrorWhenMessageMissing(t *testing.T) {
	t.Parallel()

	tracker := newStatusTracker()
	tracker.Apply(engine.Event{Process: "db", Type: engine.EventTypeError, Err: errors.New("DB_PASSWORD=hunter2 rejected")})
	if msg := tracker.Snapshot()["db"].Message; msg != "DB_PASSWORD=[redacted] rejected" {
		t.Fatalf("unexpected message %q", msg)
	}
}

func TestStatusTrackerHistoryIsBounded(t *testing.T) {
	t.Parallel()

	tracker := newStatusTracker(WithHistorySize(3))
	for i := 1; i <= 5; i++ {
		tracker.Apply(engine.Event{Process: "api", Type: engine.EventTypeRestarting, Attempt: i})
	}
	history := tracker.History("api", 0)
	if len(history) != 3 {
		t.Fatalf("expected 3 history entries, got %d", len(history))
	}
	if last := tracker.History("api", 1); len(last) != 1 || last[0].Type != engine.EventTypeRestarting {
		t.Fatalf("unexpected limited history: %+v", last)
	}
	if tracker.History("missing", 5) != nil {
		t.Fatalf("expected nil history for unknown process")
	}
}

func TestStatusTrackerIgnoresAnonymousEvents(t *testing.T) {
	t.Parallel()

	tracker := newStatusTracker()
	tracker.Apply(engine.Event{Type: engine.EventTypeError, Message: "death observer stopped"})
	tracker.Apply(engine.Event{Process: "b", Type: engine.EventTypeStarting})
	tracker.Apply(engine.Event{Process: "a", Type: engine.EventTypeStarting})
	if names := tracker.Names(); len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Fatalf("unexpected names %v", names)
	}
}
