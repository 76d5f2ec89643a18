package cliutil

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Paintersrp/procwatch/internal/engine"
	"github.com/Paintersrp/procwatch/internal/posix/signal"
	"github.com/Paintersrp/procwatch/internal/posix/wait"
)

func TestEncodeLogEventInfersLevel(t *testing.T) {
	tests := []struct {
		name     string
		message  string
		expected string
	}{
		{name: "errorToken", message: "[ERROR] failed to bind", expected: "error"},
		{name: "warnToken", message: "WARNING disk almost full", expected: "warn"},
		{name: "debugToken", message: "debug: cache primed", expected: "debug"},
		{name: "noTokenDefaults", message: "listening", expected: "info"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var out, errBuf bytes.Buffer
			EncodeLogEvent(json.NewEncoder(&out), &errBuf, engine.Event{Timestamp: time.Unix(0, 0), Message: tc.message})
			if errBuf.Len() != 0 {
				t.Fatalf("unexpected stderr output: %s", errBuf.String())
			}

			var record LogRecord
			if err := json.Unmarshal(out.Bytes(), &record); err != nil {
				t.Fatalf("failed to unmarshal log record: %v", err)
			}
			if record.Level != tc.expected {
				t.Fatalf("expected level %q, got %q", tc.expected, record.Level)
			}
			if record.Type != string(engine.EventTypeLog) || record.Source != engine.LogSourceSystem {
				t.Fatalf("unexpected defaults: %+v", record)
			}
		})
	}
}

func TestNewLogRecordCarriesLifecycleFields(t *testing.T) {
	record := NewLogRecord(engine.Event{
		Process:  "api",
		Instance: "6f1c",
		PID:      4242,
		Type:     engine.EventTypeKilled,
		Level:    "warn",
		Reason:   engine.ReasonChildExit,
		Status:   wait.Signaled{Signal: signal.Kill},
		Err:      errors.New("DB_PASSWORD=hunter2 rejected"),
	})

	if record.Process != "api" || record.Instance != "6f1c" || record.PID != 4242 {
		t.Fatalf("identity lost: %+v", record)
	}
	if record.Type != "killed" || record.Status != "signaled signal=SIGKILL" {
		t.Fatalf("unexpected type/status: %+v", record)
	}
	if strings.Contains(record.Error, "hunter2") {
		t.Fatalf("error not redacted: %q", record.Error)
	}
}

func TestNewLogRecordRedactsSecrets(t *testing.T) {
	record := NewLogRecord(engine.Event{
		Timestamp: time.Unix(0, 0),
		Message:   `sending ${API_TOKEN} AWS_SECRET_ACCESS_KEY="super-secret"`,
	})

	if strings.Contains(record.Message, "${API_TOKEN}") {
		t.Fatalf("expected template placeholder to be redacted, got %q", record.Message)
	}
	if !strings.Contains(record.Message, "${[redacted]}") {
		t.Fatalf("expected template placeholder marker, got %q", record.Message)
	}
	if !strings.Contains(record.Message, `AWS_SECRET_ACCESS_KEY="[redacted]"`) {
		t.Fatalf("expected known secret key redacted, got %q", record.Message)
	}
}

func TestFormatEvent(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 6_000_000, time.UTC)
	cases := []struct {
		name  string
		event engine.Event
		want  string
	}{
		{
			name:  "stdout",
			event: engine.Event{Timestamp: ts, Process: "api", PID: 10, Type: engine.EventTypeLog, Message: "ready", Source: engine.LogSourceStdout},
			want:  "03:04:05.006 api[10] | ready",
		},
		{
			name:  "stderr",
			event: engine.Event{Timestamp: ts, Process: "api", PID: 10, Type: engine.EventTypeLog, Message: "oops", Source: engine.LogSourceStderr},
			want:  "03:04:05.006 api[10] ! oops",
		},
		{
			name:  "lifecycle",
			event: engine.Event{Timestamp: ts, Process: "api", Type: engine.EventTypeError, Message: "start failed", Err: errors.New("no such file")},
			want:  "03:04:05.006 api error: start failed: no such file",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := FormatEvent(tc.event); got != tc.want {
				t.Fatalf("FormatEvent() = %q, want %q", got, tc.want)
			}
		})
	}
}
