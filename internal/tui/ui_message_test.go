package tui

import (
	"errors"
	"fmt"
	"testing"

	"github.com/Paintersrp/procwatch/internal/engine"
	"github.com/Paintersrp/procwatch/internal/posix/signal"
	"github.com/Paintersrp/procwatch/internal/posix/wait"
)

func TestFormatEventMessage(t *testing.T) {
	tests := []struct {
		name string
		evt  engine.Event
		want string
	}{
		{name: "message only", evt: engine.Event{Message: "starting process"}, want: "starting process"},
		{name: "error only", evt: engine.Event{Err: errors.New("no such file")}, want: "no such file"},
		{
			name: "message and error",
			evt:  engine.Event{Message: "start failed", Err: errors.New("exec format error")},
			want: "start failed: exec format error",
		},
		{
			name: "message and reason",
			evt:  engine.Event{Message: "sent SIGKILL after 5s", Reason: engine.ReasonStopEscalated},
			want: "sent SIGKILL after 5s (stop_escalated)",
		},
		{name: "reason only", evt: engine.Event{Reason: engine.ReasonRestart}, want: "restart"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatEventMessage(tt.evt); got != tt.want {
				t.Fatalf("formatEventMessage() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRecordTracksProcessLifecycle(t *testing.T) {
	ui := newTestUI(t)

	ui.record(engine.Event{Process: "web", Type: engine.EventTypeSpawned, PID: 4242})
	state := ui.processes["web"]
	if state.pid != 4242 || state.startedAt.IsZero() {
		t.Fatalf("spawn not recorded: %+v", state)
	}
	if row := rowValues(state); row[2] != "4242" || row[5] != "-" {
		t.Fatalf("unexpected row %v", row)
	}

	ui.record(engine.Event{Process: "web", Type: engine.EventTypeKilled, Status: wait.Signaled{Signal: signal.Term}})
	ui.record(engine.Event{Process: "web", Type: engine.EventTypeRestarting, Attempt: 1, Reason: engine.ReasonRestart})
	row := rowValues(state)
	if row[1] != "Restarting" || row[2] != "-" || row[3] != "1" || row[5] != "signaled signal=SIGTERM" {
		t.Fatalf("unexpected row %v", row)
	}
}

func TestRecordTrimsLogs(t *testing.T) {
	ui := newTestUI(t, WithMaxLogs(3))
	for i := 0; i < 5; i++ {
		ui.record(engine.Event{Process: "web", Type: engine.EventTypeLog, Message: fmt.Sprintf("line %d", i)})
	}
	logs := ui.processes["web"].logs
	if len(logs) != 3 || logs[0].Message != "line 2" {
		t.Fatalf("unexpected retained logs: %+v", logs)
	}
	if ui.record(engine.Event{Type: engine.EventTypeLog}) {
		t.Fatalf("events without a process must be ignored")
	}
}
