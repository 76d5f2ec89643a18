package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/Paintersrp/procwatch/internal/config"
	"github.com/Paintersrp/procwatch/internal/metrics"
	"github.com/Paintersrp/procwatch/internal/posix"
	"github.com/Paintersrp/procwatch/internal/posix/signal"
	"github.com/Paintersrp/procwatch/internal/posix/spawn"
)

// Observer is the subset of posix.DeathObserver the orchestrator drives.
type Observer interface {
	Add(child *posix.ChildProcess) bool
	Len() int
	Subscribe(fn func(posix.Death)) func()
	Run() error
	Quit()
}

// Orchestrator starts the processes of a manifest and keeps them running
// according to their restart policies.
type Orchestrator struct {
	observer Observer
	start    func(spawn.Spec) (*posix.ChildProcess, error)
	environ  func() []string
	logger   *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger used for lifecycle transitions.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithSpawner replaces spawn.Start.
func WithSpawner(start func(spawn.Spec) (*posix.ChildProcess, error)) Option {
	return func(o *Orchestrator) {
		if start != nil {
			o.start = start
		}
	}
}

// NewOrchestrator constructs an orchestrator that reaps through obs. The
// orchestrator runs obs for the lifetime of each deployment, so obs must
// not be running already.
func NewOrchestrator(obs Observer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		observer: obs,
		start:    spawn.Start,
		environ:  os.Environ,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ProcessStatus is a point-in-time view of one supervised process.
type ProcessStatus struct {
	Name     string
	PID      int
	Instance string
	Running  bool
	// Ready is true while the running child passes its readiness probe.
	// A process without a probe is ready whenever it is running.
	Ready      bool
	Restarts   int
	StartedAt  time.Time
	LastStatus string
}

// Deployment tracks state for processes started by the orchestrator.
type Deployment struct {
	handles  []*processHandle
	observer Observer
	logger   *slog.Logger

	observerDone chan struct{}
	observerErr  error

	cancel context.CancelFunc
	done   chan struct{}

	stopOnce sync.Once
	stopErr  error
}

type processHandle struct {
	name       string
	spec       *config.ProcessSpec
	supervisor *supervisor
}

func (h *processHandle) stop(ctx context.Context, events chan<- Event) error {
	if err := h.supervisor.Stop(ctx); err != nil {
		sendEvent(events, Event{Process: h.name, Type: EventTypeError, Message: "stop failed", Level: "error", Reason: ReasonStopFailed, Err: err})
		return fmt.Errorf("stop process %s: %w", h.name, err)
	}
	return nil
}

// Up starts the death observer and every process of the manifest, and waits
// until each process has been spawned once. Events are delivered to the
// supplied channel, which the caller must drain. The returned deployment
// must be stopped by the caller to release resources.
func (o *Orchestrator) Up(ctx context.Context, doc *config.Manifest, events chan<- Event) (*Deployment, error) {
	if doc == nil {
		return nil, errors.New("manifest is nil")
	}
	if o.observer == nil {
		return nil, errors.New("death observer is nil")
	}

	if doc.Observer.Subreaper {
		if err := posix.SetChildSubreaper(true); err != nil {
			return nil, err
		}
		o.logger.Debug("enabled child subreaper")
	}

	env := environMap(o.environ())
	dep := &Deployment{
		observer:     o.observer,
		logger:       o.logger,
		observerDone: make(chan struct{}),
		done:         make(chan struct{}),
	}

	runCtx, cancel := context.WithCancel(ctx)
	dep.cancel = cancel
	go dep.runObserver(events)

	for _, name := range doc.ProcessesSorted() {
		spec := doc.Processes[name].Clone()
		sup := newSupervisor(name, spec, o.observer, events)
		sup.env = env
		sup.start = o.start
		sup.logger = o.logger.With("process", name)
		sup.observerDone = dep.observerDone
		dep.handles = append(dep.handles, &processHandle{name: name, spec: spec, supervisor: sup})
	}

	for _, handle := range dep.handles {
		handle.supervisor.Start(runCtx)
	}
	go func() {
		for _, handle := range dep.handles {
			<-handle.supervisor.done
		}
		close(dep.done)
	}()

	for _, handle := range dep.handles {
		if err := handle.supervisor.AwaitStarted(ctx); err != nil {
			startErr := fmt.Errorf("process %s failed to start: %w", handle.name, err)
			if cleanupErr := cleanupDeployment(dep, events); cleanupErr != nil {
				startErr = fmt.Errorf("%w (cleanup failed: %v)", startErr, cleanupErr)
			}
			return nil, startErr
		}
	}

	o.logger.Info("deployment up", "processes", len(dep.handles))
	return dep, nil
}

func (d *Deployment) runObserver(events chan<- Event) {
	err := d.observer.Run()
	if err != nil {
		metrics.IncrementObserverError()
		d.logger.Error("death observer stopped", "err", err)
		sendEvent(events, Event{Type: EventTypeError, Message: "death observer stopped", Level: "error", Reason: ReasonObserverFailed, Err: err})
		d.observerErr = err
	}
	close(d.observerDone)
	if err != nil {
		d.cancel()
	}
}

// Processes returns the supervised process names in start order.
func (d *Deployment) Processes() []string {
	out := make([]string, 0, len(d.handles))
	for _, handle := range d.handles {
		out = append(out, handle.name)
	}
	return out
}

func (d *Deployment) handle(name string) (*processHandle, bool) {
	for _, handle := range d.handles {
		if handle.name == name {
			return handle, true
		}
	}
	return nil, false
}

// Signal delivers sig to the running child of the named process.
func (d *Deployment) Signal(name string, sig signal.Signal) error {
	handle, ok := d.handle(name)
	if !ok {
		return fmt.Errorf("process %s is not part of the deployment", name)
	}
	return handle.supervisor.Signal(sig)
}

// Status returns a snapshot of every process.
func (d *Deployment) Status() []ProcessStatus {
	out := make([]ProcessStatus, 0, len(d.handles))
	for _, handle := range d.handles {
		out = append(out, handle.supervisor.Status())
	}
	return out
}

// TrackedChildren reports how many children the death observer is waiting on.
func (d *Deployment) TrackedChildren() int {
	return d.observer.Len()
}

// Done is closed once every supervisor has finished, either because its
// process ran to completion or because the deployment was stopped.
func (d *Deployment) Done() <-chan struct{} {
	return d.done
}

// Err returns the first failure among the supervisors, or the observer's
// error if it stopped unexpectedly.
func (d *Deployment) Err() error {
	select {
	case <-d.observerDone:
		if d.observerErr != nil {
			return d.observerErr
		}
	default:
	}
	for _, handle := range d.handles {
		if err := handle.supervisor.getRunErr(); err != nil {
			return err
		}
	}
	return nil
}

// Stop terminates all processes in reverse order and then stops the death
// observer. The method is idempotent; subsequent calls return the first error
// that occurred.
func (d *Deployment) Stop(ctx context.Context, events chan<- Event) error {
	d.stopOnce.Do(func() {
		var firstErr error
		for i := len(d.handles) - 1; i >= 0; i-- {
			if err := d.handles[i].stop(ctx, events); err != nil && firstErr == nil {
				firstErr = err
			}
		}

		d.observer.Quit()
		select {
		case <-d.observerDone:
		case <-ctx.Done():
			if firstErr == nil {
				firstErr = fmt.Errorf("wait for death observer: %w", ctx.Err())
			}
		}
		d.cancel()
		d.stopErr = firstErr
	})
	return d.stopErr
}

// StopBudget bounds how long Stop may take for doc: every process is stopped
// in turn, each waiting out its stop timeout and then the SIGKILL grace.
func StopBudget(doc *config.Manifest) time.Duration {
	if doc == nil {
		return killWaitTimeout
	}
	var total time.Duration
	for _, spec := range doc.Processes {
		timeout := config.DefaultStopTimeout
		if spec != nil && spec.StopTimeout.IsSet() {
			timeout = spec.StopTimeout.Duration
		}
		total += timeout + killWaitTimeout
	}
	return total + killWaitTimeout
}

func cleanupDeployment(dep *Deployment, events chan<- Event) error {
	if dep == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return dep.Stop(ctx, events)
}

func environMap(environ []string) map[string]string {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			continue
		}
		env[key] = value
	}
	return env
}
