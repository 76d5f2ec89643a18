package engine

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/Paintersrp/procwatch/internal/metrics"
	"github.com/Paintersrp/procwatch/internal/posix"
	"github.com/Paintersrp/procwatch/internal/posix/signal"
	"github.com/Paintersrp/procwatch/internal/posix/spawn"
	"github.com/Paintersrp/procwatch/internal/posix/wait"
	"github.com/Paintersrp/procwatch/internal/probe"
)

// childWatch runs a helper goroutine for the lifetime of one child. The zero
// value is inert.
type childWatch struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *supervisor) startWatch(fn func(ctx context.Context)) *childWatch {
	ctx, cancel := context.WithCancel(s.ctx)
	w := &childWatch{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(w.done)
		fn(ctx)
	}()
	return w
}

// stop cancels the helper and waits for it so that nothing it emits can
// follow the child's death event.
func (w *childWatch) stop() {
	if w == nil || w.cancel == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// readiness is the probe watcher of one child.
type readiness struct {
	*childWatch
	logs probe.LogObserver
}

func (s *supervisor) startReadiness(instance string, pid int) *readiness {
	if s.spec.Ready == nil {
		return &readiness{}
	}
	prober, err := probe.New(s.spec.Ready, probe.WithCommandRunner(s.runProbeCommand))
	if err != nil {
		s.emit(Event{Type: EventTypeError, Instance: instance, PID: pid, Message: "readiness probe disabled", Level: "error", Reason: ReasonProbeInvalid, Err: err})
		return &readiness{}
	}

	r := &readiness{}
	if observer, ok := prober.(probe.LogObserver); ok {
		r.logs = observer
	}
	r.childWatch = s.startWatch(func(ctx context.Context) {
		defer metrics.ClearProcessReady(s.name)
		for evt := range probe.Watch(ctx, prober, s.spec.Ready, nil) {
			s.recordReadiness(instance, pid, evt)
		}
	})
	return r
}

func (s *supervisor) recordReadiness(instance string, pid int, evt probe.Event) {
	ready := evt.Status == probe.StatusReady
	s.mu.Lock()
	if s.instance == instance {
		s.ready = ready
	}
	s.mu.Unlock()
	metrics.SetProcessReady(s.name, ready)

	if ready {
		s.logger.Debug("child ready", "process", s.name, "pid", pid)
		s.emit(Event{Timestamp: evt.At, Type: EventTypeReady, Instance: instance, PID: pid, Message: "process ready", Reason: ReasonProbeReady})
		return
	}
	s.logger.Warn("child unready", "process", s.name, "pid", pid, "reason", evt.Reason)
	s.emit(Event{Timestamp: evt.At, Type: EventTypeUnready, Instance: instance, PID: pid, Message: "process unready: " + evt.Reason, Level: "warn", Reason: ReasonProbeFailed, Err: evt.Err})
}

// runProbeCommand runs a readiness command as another tracked child so the
// death observer, which reaps every child of procwatch, reports its status
// instead of racing a direct wait.
func (s *supervisor) runProbeCommand(ctx context.Context, argv []string) (wait.Result, error) {
	if len(argv) == 0 {
		return nil, spawn.ErrEmptyCommand
	}
	child, err := s.start(spawn.Spec{
		Path:    argv[0],
		Args:    argv[1:],
		Env:     s.probeEnv(),
		Dir:     s.spec.ResolvedWorkdir,
		Streams: spawn.Stdout | spawn.Stderr,
	})
	if err != nil {
		return nil, err
	}
	defer child.Release()
	go io.Copy(io.Discard, child.Stdout())
	go io.Copy(io.Discard, child.Stderr())

	deaths := make(chan posix.Death, 1)
	unsubscribe := s.observer.Subscribe(func(d posix.Death) {
		if d.Child != child {
			return
		}
		select {
		case deaths <- d:
		default:
		}
	})
	defer unsubscribe()
	s.observer.Add(child)

	select {
	case d := <-deaths:
		return d.Status, nil
	case <-ctx.Done():
		if err := child.SendSignal(signal.Kill); err == nil {
			select {
			case <-deaths:
			case <-time.After(killWaitTimeout):
			}
		}
		return nil, ctx.Err()
	case <-s.observerDone:
		return nil, ErrObserverStopped
	}
}

// probeEnv mirrors the environment of the probed process. nil inherits
// procwatch's own.
func (s *supervisor) probeEnv() map[string]string {
	if len(s.env) == 0 && len(s.spec.Env) == 0 {
		return nil
	}
	env := make(map[string]string, len(s.env)+len(s.spec.Env))
	for k, v := range s.env {
		env[k] = v
	}
	for k, v := range s.spec.Env {
		env[k] = v
	}
	return env
}
