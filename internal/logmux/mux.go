package logmux

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Paintersrp/procwatch/internal/engine"
)

// Mux merges the log events of several supervised processes into one bounded
// channel. When the consumer falls behind, lines are discarded and a
// "dropped=N" warning is emitted for the affected process as soon as there is
// room again.
type Mux struct {
	out    chan engine.Event
	filter map[string]struct{}

	mu     sync.Mutex
	drops  map[string]pendingDrop
	inputs sync.WaitGroup
}

type pendingDrop struct {
	count    int
	instance string
	pid      int
}

// Option configures a Mux.
type Option func(*Mux)

// WithProcesses restricts the mux to log lines of the named processes.
func WithProcesses(names ...string) Option {
	return func(m *Mux) {
		if len(names) == 0 {
			return
		}
		m.filter = make(map[string]struct{}, len(names))
		for _, name := range names {
			m.filter[name] = struct{}{}
		}
	}
}

// New constructs a mux whose output holds up to size events.
func New(size int, opts ...Option) *Mux {
	if size <= 0 {
		size = 1
	}
	m := &Mux{
		out:   make(chan engine.Event, size),
		drops: make(map[string]pendingDrop),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Output exposes the merged log stream. It is closed by Close.
func (m *Mux) Output() <-chan engine.Event {
	return m.out
}

// Add consumes source until it is closed. Events other than log lines are
// ignored.
func (m *Mux) Add(source <-chan engine.Event) {
	if source == nil {
		return
	}
	m.inputs.Add(1)
	go func() {
		defer m.inputs.Done()
		for evt := range source {
			if evt.Type != engine.EventTypeLog || !m.accepts(evt.Process) {
				continue
			}
			m.deliver(normalize(evt))
		}
	}()
}

// Close waits for every source to be closed, reports outstanding drops and
// closes the output channel.
func (m *Mux) Close() {
	m.inputs.Wait()
	for _, evt := range m.pendingEvents() {
		m.out <- evt
	}
	close(m.out)
}

func (m *Mux) accepts(process string) bool {
	if m.filter == nil {
		return true
	}
	_, ok := m.filter[process]
	return ok
}

func (m *Mux) deliver(evt engine.Event) {
	if m.flushPending(evt.Process) && m.trySend(evt) {
		return
	}
	m.recordDrop(evt.Process, pendingDrop{count: 1, instance: evt.Instance, pid: evt.PID})
}

// flushPending reports whether the process has no outstanding drop notice.
func (m *Mux) flushPending(process string) bool {
	m.mu.Lock()
	rec, ok := m.drops[process]
	if ok {
		delete(m.drops, process)
	}
	m.mu.Unlock()
	if !ok {
		return true
	}
	if m.trySend(dropEvent(process, rec)) {
		return true
	}
	m.recordDrop(process, rec)
	return false
}

func (m *Mux) recordDrop(process string, drop pendingDrop) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.drops[process]
	rec.count += drop.count
	if drop.instance != "" {
		rec.instance = drop.instance
		rec.pid = drop.pid
	}
	m.drops[process] = rec
}

func (m *Mux) pendingEvents() []engine.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.drops))
	for name := range m.drops {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]engine.Event, 0, len(names))
	for _, name := range names {
		out = append(out, dropEvent(name, m.drops[name]))
	}
	m.drops = make(map[string]pendingDrop)
	return out
}

func (m *Mux) trySend(evt engine.Event) bool {
	select {
	case m.out <- evt:
		return true
	default:
		return false
	}
}

func normalize(evt engine.Event) engine.Event {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	if evt.Source == "" {
		evt.Source = engine.LogSourceStdout
	}
	if evt.Level == "" {
		evt.Level = "info"
		if evt.Source == engine.LogSourceStderr {
			evt.Level = "warn"
		}
	}
	return evt
}

func dropEvent(process string, rec pendingDrop) engine.Event {
	return engine.Event{
		Timestamp: time.Now(),
		Process:   process,
		Instance:  rec.instance,
		PID:       rec.pid,
		Type:      engine.EventTypeLog,
		Message:   fmt.Sprintf("dropped=%d", rec.count),
		Level:     "warn",
		Source:    engine.LogSourceSystem,
	}
}
