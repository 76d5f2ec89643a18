package cliutil

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/Paintersrp/procwatch/internal/engine"
)

// LogRecord represents a structured event ready for JSON encoding.
type LogRecord struct {
	Timestamp time.Time `json:"ts"`
	Process   string    `json:"process,omitempty"`
	Instance  string    `json:"instance,omitempty"`
	PID       int       `json:"pid,omitempty"`
	Type      string    `json:"type"`
	Level     string    `json:"level"`
	Message   string    `json:"msg"`
	Source    string    `json:"source"`
	Reason    string    `json:"reason,omitempty"`
	Status    string    `json:"status,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// NewLogRecord converts an engine event into a structured record with secrets
// masked.
func NewLogRecord(event engine.Event) LogRecord {
	level := event.Level
	if level == "" {
		if inferred := inferLogLevel(event.Message); inferred != "" {
			level = inferred
		} else {
			level = "info"
		}
	}
	source := event.Source
	if source == "" {
		source = engine.LogSourceSystem
	}
	typ := event.Type
	if typ == "" {
		typ = engine.EventTypeLog
	}
	record := LogRecord{
		Timestamp: event.Timestamp,
		Process:   event.Process,
		Instance:  event.Instance,
		PID:       event.PID,
		Type:      string(typ),
		Level:     level,
		Message:   RedactSecrets(event.Message),
		Source:    source,
		Reason:    event.Reason,
	}
	if event.Status != nil {
		record.Status = event.Status.String()
	}
	if event.Err != nil {
		record.Error = RedactSecrets(event.Err.Error())
	}
	return record
}

var levelTokenPattern = regexp.MustCompile(`(?i)\b(error|warn|warning|info|debug)\b`)

func inferLogLevel(message string) string {
	matches := levelTokenPattern.FindStringSubmatch(message)
	if len(matches) < 2 {
		return ""
	}
	switch strings.ToLower(matches[1]) {
	case "error":
		return "error"
	case "warn", "warning":
		return "warn"
	case "debug":
		return "debug"
	default:
		return "info"
	}
}

// EncodeLogEvent encodes an event as one JSON line, reporting errors to stderr.
func EncodeLogEvent(enc *json.Encoder, stderr io.Writer, event engine.Event) {
	if enc == nil {
		return
	}
	record := NewLogRecord(event)
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}
	if err := enc.Encode(&record); err != nil {
		fmt.Fprintf(stderr, "error: encode log: %v\n", err)
	}
}

// FormatEvent renders an event as a single human readable line.
func FormatEvent(event engine.Event) string {
	record := NewLogRecord(event)
	ts := record.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	var b strings.Builder
	b.WriteString(ts.Format("15:04:05.000"))
	b.WriteByte(' ')
	if record.Process != "" {
		b.WriteString(record.Process)
		if record.PID > 0 {
			fmt.Fprintf(&b, "[%d]", record.PID)
		}
		b.WriteByte(' ')
	}
	if record.Type == string(engine.EventTypeLog) {
		if record.Source == engine.LogSourceStderr {
			b.WriteString("! ")
		} else {
			b.WriteString("| ")
		}
	} else {
		fmt.Fprintf(&b, "%s: ", record.Type)
	}
	b.WriteString(record.Message)
	if record.Error != "" {
		fmt.Fprintf(&b, ": %s", record.Error)
	}
	return b.String()
}
