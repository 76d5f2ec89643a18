package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/Paintersrp/procwatch/internal/config"
	"github.com/Paintersrp/procwatch/internal/metrics"
	"github.com/Paintersrp/procwatch/internal/posix"
	"github.com/Paintersrp/procwatch/internal/posix/procstat"
	"github.com/Paintersrp/procwatch/internal/posix/signal"
	"github.com/Paintersrp/procwatch/internal/posix/spawn"
	"github.com/Paintersrp/procwatch/internal/posix/wait"
	"github.com/Paintersrp/procwatch/internal/probe"
)

const (
	defaultBackoffMin    = time.Second
	defaultBackoffMax    = 30 * time.Second
	defaultBackoffFactor = 2.0

	killWaitTimeout    = 5 * time.Second
	logDrainTimeout    = time.Second
	directPollInterval = 50 * time.Millisecond
	maxLogLineBytes    = 1 << 20
)

var (
	// ErrNotRunning is returned when signalling a process without a live child.
	ErrNotRunning = errors.New("process is not running")
	// ErrObserverStopped is returned by supervisors that lost their death
	// observer while a child was still running.
	ErrObserverStopped = errors.New("death observer stopped")
)

type restartPolicy struct {
	mode       string
	maxRetries int
	min        time.Duration
	max        time.Duration
	factor     float64
}

// supervisor is responsible for managing the lifecycle of a single process.
// It spawns the child in a dedicated goroutine, waits for the death observer
// to report its death and restarts it based on the configured restart
// policy.
type supervisor struct {
	name     string
	spec     *config.ProcessSpec
	env      map[string]string
	observer Observer
	start    func(spawn.Spec) (*posix.ChildProcess, error)
	sample   sampleFunc
	logger   *slog.Logger

	events chan<- Event

	policy restartPolicy

	jitter func(time.Duration) time.Duration
	sleep  func(context.Context, time.Duration) error

	observerDone <-chan struct{}

	startedOnce sync.Once
	startedCh   chan error

	ctx    context.Context
	cancel context.CancelFunc

	done chan struct{}

	deaths      chan posix.Death
	unsubscribe func()

	mu         sync.Mutex
	current    *posix.ChildProcess
	instance   string
	startedAt  time.Time
	ready      bool
	restarts   int
	lastStatus string
	stopErr    error
	runErr     error

	stopOnce sync.Once
}

func newSupervisor(name string, spec *config.ProcessSpec, obs Observer, events chan<- Event) *supervisor {
	sup := &supervisor{
		name:      name,
		spec:      spec,
		observer:  obs,
		start:     spawn.Start,
		sample:    procstat.Read,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		events:    events,
		startedCh: make(chan error, 1),
		done:      make(chan struct{}),
		deaths:    make(chan posix.Death, 1),
	}

	sup.policy = deriveRestartPolicy(spec)
	sup.jitter = defaultJitter
	sup.sleep = sleepWithContext

	return sup
}

func deriveRestartPolicy(spec *config.ProcessSpec) restartPolicy {
	pol := restartPolicy{mode: config.RestartNever, min: defaultBackoffMin, max: defaultBackoffMax, factor: defaultBackoffFactor}
	if spec == nil || spec.Restart == nil {
		return pol
	}

	rp := spec.Restart
	if rp.Policy != "" {
		pol.mode = rp.Policy
	}
	// Zero retries means no limit.
	if rp.MaxRetries > 0 {
		pol.maxRetries = rp.MaxRetries
	} else {
		pol.maxRetries = -1
	}
	if rp.Backoff != nil {
		if rp.Backoff.Min.Duration > 0 {
			pol.min = rp.Backoff.Min.Duration
		}
		if rp.Backoff.Max.Duration > 0 {
			pol.max = rp.Backoff.Max.Duration
		}
		if rp.Backoff.Factor > 0 {
			pol.factor = rp.Backoff.Factor
		}
	}

	if pol.max < pol.min {
		pol.max = pol.min
	}
	if pol.factor < 1 {
		pol.factor = defaultBackoffFactor
	}

	return pol
}

func defaultJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	// Full jitter: random duration in [0, d].
	return time.Duration(rand.Float64() * float64(d))
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *supervisor) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.unsubscribe = s.observer.Subscribe(s.onDeath)
	go s.run()
}

// onDeath runs on the observer's goroutine and must not block.
func (s *supervisor) onDeath(d posix.Death) {
	s.mu.Lock()
	mine := s.current != nil && s.current == d.Child
	s.mu.Unlock()
	if !mine {
		return
	}
	select {
	case s.deaths <- d:
	default:
	}
}

func (s *supervisor) run() {
	defer close(s.done)
	defer s.unsubscribe()

	restarts := 0
	backoffBase := s.policy.min

	for {
		if err := s.ctx.Err(); err != nil {
			s.deliverStarted(err)
			s.emit(Event{Type: EventTypeStopped, Message: "process stopped", Reason: ReasonShutdown})
			return
		}

		reason := ReasonInitialStart
		if restarts > 0 {
			reason = ReasonRestart
		}
		s.emit(Event{Type: EventTypeStarting, Message: "starting process", Attempt: restarts, Reason: reason})

		child, err := s.spawn()
		if err != nil {
			s.emit(Event{Type: EventTypeError, Message: "start failed", Level: "error", Attempt: restarts, Reason: ReasonStartFailure, Err: err})
			if !s.allowRestart(restarts, false) {
				s.fail(err, restarts)
				s.deliverStarted(err)
				return
			}
		} else {
			s.deliverStarted(nil)
			death, stopped := s.manageChild(child, restarts, reason)
			if stopped {
				s.setRunErr(s.stopCause())
				s.emit(Event{Type: EventTypeStopped, Message: "process stopped", Reason: ReasonShutdown})
				return
			}

			success := wait.Success(death.Status)
			if !s.allowRestart(restarts, success) {
				if success || s.policy.mode == config.RestartNever {
					if !success {
						s.setRunErr(fmt.Errorf("process %s %s", s.name, describeStatus(death.Status)))
					}
					s.emit(Event{Type: EventTypeStopped, Message: "process finished", Reason: ReasonChildExit, Status: death.Status})
					return
				}
				s.fail(fmt.Errorf("process %s %s", s.name, describeStatus(death.Status)), restarts)
				return
			}
		}

		restarts++
		s.mu.Lock()
		s.restarts = restarts
		s.mu.Unlock()
		metrics.IncrementProcessRestart(s.name)
		s.emit(Event{Type: EventTypeRestarting, Message: "restarting process", Attempt: restarts, Reason: ReasonRestart})
		if err := s.sleepBackoff(&backoffBase); err != nil {
			s.deliverStarted(err)
			s.emit(Event{Type: EventTypeStopped, Message: "process stopped", Reason: ReasonShutdown})
			return
		}
	}
}

func (s *supervisor) fail(err error, restarts int) {
	s.setRunErr(err)
	s.logger.Error("process failed", "process", s.name, "restarts", restarts, "err", err)
	s.emit(Event{Type: EventTypeFailed, Message: "process failed", Level: "error", Attempt: restarts, Reason: ReasonRetriesExhaust, Err: err})
}

func (s *supervisor) spawn() (*posix.ChildProcess, error) {
	spec, err := s.spec.SpawnSpec(s.env)
	if err != nil {
		return nil, err
	}
	return s.start(spec)
}

func (s *supervisor) allowRestart(restarts int, success bool) bool {
	switch s.policy.mode {
	case config.RestartAlways:
	case config.RestartOnFailure:
		if success {
			return false
		}
	default:
		return false
	}
	if s.policy.maxRetries < 0 {
		return true
	}
	return restarts < s.policy.maxRetries
}

func (s *supervisor) sleepBackoff(base *time.Duration) error {
	delay := *base
	if delay <= 0 {
		delay = s.policy.min
	}
	if delay > s.policy.max {
		delay = s.policy.max
	}

	jittered := s.jitter(delay)
	if jittered > s.policy.max {
		jittered = s.policy.max
	}
	if jittered < 0 {
		jittered = 0
	}

	if err := s.sleep(s.ctx, jittered); err != nil {
		return err
	}

	next := float64(delay) * s.policy.factor
	if math.IsInf(next, 0) || next > float64(s.policy.max) {
		*base = s.policy.max
		return nil
	}
	n := time.Duration(next)
	if n < s.policy.min {
		n = s.policy.min
	}
	*base = n
	return nil
}

// manageChild follows one child from spawn to death. The second result is
// true when the child was stopped by shutdown rather than dying on its own.
func (s *supervisor) manageChild(child *posix.ChildProcess, attempt int, reason string) (posix.Death, bool) {
	instance := uuid.NewString()
	startedAt := time.Now()
	s.setCurrent(child, instance, startedAt)
	defer s.clearCurrent()

	pid := child.PID()
	metrics.IncrementSpawned(s.name)
	metrics.SetProcessRunning(s.name, true)
	s.logger.Debug("spawned child", "process", s.name, "pid", pid, "instance", instance)
	s.emit(Event{Type: EventTypeSpawned, Instance: instance, PID: pid, Message: fmt.Sprintf("spawned pid %d", pid), Attempt: attempt, Reason: reason})

	readiness := s.startReadiness(instance, pid)
	defer readiness.stop()
	limits := s.startLimits(child, instance)
	defer limits.stop()

	var logWG sync.WaitGroup
	streams, _ := spawn.ParseStreams(s.spec.Streams)
	if streams.Has(spawn.Stdout) {
		logWG.Add(1)
		go s.streamLogs(child.Stdout(), LogSourceStdout, instance, pid, readiness.logs, &logWG)
	}
	if streams.Has(spawn.Stderr) {
		logWG.Add(1)
		go s.streamLogs(child.Stderr(), LogSourceStderr, instance, pid, readiness.logs, &logWG)
	}
	logsDone := make(chan struct{})
	go func() {
		logWG.Wait()
		close(logsDone)
	}()

	s.observer.Add(child)
	metrics.SetTrackedChildren(s.observer.Len())

	var death posix.Death
	stopped := false
	select {
	case death = <-s.deaths:
		readiness.stop()
		limits.stop()
	case <-s.ctx.Done():
		stopped = true
		readiness.stop()
		limits.stop()
		death = s.stopChild(child, instance)
	case <-s.observerDone:
		stopped = true
		readiness.stop()
		limits.stop()
		death = s.stopChild(child, instance)
	}

	// Descendants that inherited the pipes can keep them open after the
	// child is gone.
	select {
	case <-logsDone:
	case <-time.After(logDrainTimeout):
		s.emit(Event{Type: EventTypeError, Instance: instance, PID: pid, Message: "log streams still open after exit", Level: "warn", Reason: ReasonLogStreamError})
	}
	if err := child.Release(); err != nil {
		s.logger.Warn("release child", "process", s.name, "pid", pid, "err", err)
	}
	// Release closes the streams, which ends any reader still blocked.
	<-logsDone

	lifetime := time.Since(startedAt)
	metrics.ObserveDeath(s.name, statusLabel(death.Status), lifetime)
	metrics.SetProcessRunning(s.name, false)
	metrics.SetTrackedChildren(s.observer.Len())
	s.recordDeath(death.Status)
	s.logger.Debug("child died", "process", s.name, "pid", pid, "status", describeStatus(death.Status), "lifetime", lifetime)
	s.emit(deathEvent(instance, pid, attempt, death.Status))
	return death, stopped
}

func deathEvent(instance string, pid, attempt int, status wait.Result) Event {
	evt := Event{Instance: instance, PID: pid, Attempt: attempt, Reason: ReasonChildExit, Status: status}
	switch r := status.(type) {
	case wait.Signaled:
		evt.Type = EventTypeKilled
		evt.Level = "warn"
		evt.Message = describeStatus(r)
	default:
		evt.Type = EventTypeExited
		evt.Message = describeStatus(status)
		if !wait.Success(status) {
			evt.Level = "warn"
		}
	}
	return evt
}

func describeStatus(status wait.Result) string {
	switch r := status.(type) {
	case nil:
		return "exited with unknown status"
	case wait.Exited:
		return fmt.Sprintf("exited with code %d", r.Code)
	case wait.Signaled:
		if r.CoreDumped {
			return fmt.Sprintf("killed by %s (core dumped)", r.Signal)
		}
		return fmt.Sprintf("killed by %s", r.Signal)
	default:
		return r.String()
	}
}

func statusLabel(status wait.Result) string {
	if status == nil {
		return "unknown"
	}
	return string(status.Status())
}

// stopChild sends the stop signal, waits for the stop timeout and escalates
// to SIGKILL.
func (s *supervisor) stopChild(child *posix.ChildProcess, instance string) posix.Death {
	pid := child.PID()
	sig := s.spec.Signal()
	s.emit(Event{Type: EventTypeStopping, Instance: instance, PID: pid, Message: fmt.Sprintf("stopping with %s", sig), Reason: ReasonStopRequested})

	if err := s.signalChild(child, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		s.emit(Event{Type: EventTypeError, Instance: instance, PID: pid, Message: "stop signal failed", Level: "error", Reason: ReasonStopFailed, Err: err})
	}
	if death, ok := s.awaitDeath(child, s.spec.StopTimeout.Duration); ok {
		return death
	}

	s.emit(Event{Type: EventTypeSignaled, Instance: instance, PID: pid, Message: fmt.Sprintf("sent %s after %s", signal.Kill, s.spec.StopTimeout.Duration), Level: "warn", Reason: ReasonStopEscalated})
	if err := s.signalChild(child, signal.Kill); err != nil && !errors.Is(err, syscall.ESRCH) {
		s.emit(Event{Type: EventTypeError, Instance: instance, PID: pid, Message: "kill failed", Level: "error", Reason: ReasonStopFailed, Err: err})
	}
	if death, ok := s.awaitDeath(child, killWaitTimeout); ok {
		return death
	}

	err := fmt.Errorf("process %s pid %d survived %s", s.name, pid, signal.Kill)
	s.setStopErr(err)
	s.emit(Event{Type: EventTypeError, Instance: instance, PID: pid, Message: "child did not exit", Level: "error", Reason: ReasonStopFailed, Err: err})
	return posix.Death{Child: child}
}

// awaitDeath waits up to timeout for the observer to report child's death.
// Once the observer is gone the child is polled directly instead.
func (s *supervisor) awaitDeath(child *posix.ChildProcess, timeout time.Duration) (posix.Death, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	observerDone := s.observerDone
	var poll <-chan time.Time
	for {
		select {
		case d := <-s.deaths:
			return d, true
		case <-timer.C:
			return posix.Death{}, false
		case <-observerDone:
			observerDone = nil
			ticker := time.NewTicker(directPollInterval)
			defer ticker.Stop()
			poll = ticker.C
		case <-poll:
			if child.Reaped() {
				return posix.Death{Child: child}, true
			}
			r, err := child.WaitFor(wait.FlagNoHang)
			if err != nil {
				return posix.Death{Child: child}, true
			}
			if wait.IsTerminal(r) {
				return posix.Death{Child: child, Status: r}, true
			}
		}
	}
}

func (s *supervisor) signalChild(child *posix.ChildProcess, sig signal.Signal) error {
	if child.Reaped() {
		return ErrNotRunning
	}
	var err error
	if s.spec.NewGroup {
		var group posix.ProcessGroup
		if group, err = child.ProcessGroup(); err == nil {
			err = group.SendSignal(sig)
		}
	} else {
		err = child.SendSignal(sig)
	}
	if err == nil {
		metrics.IncrementSignal(sig.String())
	}
	return err
}

// Signal delivers sig to the running child.
func (s *supervisor) Signal(sig signal.Signal) error {
	s.mu.Lock()
	child, instance := s.current, s.instance
	s.mu.Unlock()
	if child == nil {
		return fmt.Errorf("signal %s: %w", s.name, ErrNotRunning)
	}
	if err := s.signalChild(child, sig); err != nil {
		return fmt.Errorf("signal %s: %w", s.name, err)
	}
	s.emit(Event{Type: EventTypeSignaled, Instance: instance, PID: child.PID(), Message: fmt.Sprintf("sent %s", sig), Reason: ReasonSignalRequest})
	return nil
}

func (s *supervisor) streamLogs(r *bufio.Reader, source, instance string, pid int, observer probe.LogObserver, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLogLineBytes)
	var dropped int
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if dropped > 0 {
			if !s.emitDropped(dropped, instance, pid, false) {
				dropped++
				continue
			}
			dropped = 0
		}
		evt := s.logEvent(line, source, instance, pid)
		if observer != nil {
			observer.ObserveLog(probe.LogEntry{Message: line, Source: source, Level: evt.Level})
		}
		if !s.emitLog(evt, false) {
			dropped++
		}
	}
	if err := scanner.Err(); err != nil {
		s.emitLog(Event{
			Timestamp: time.Now(),
			Process:   s.name,
			Instance:  instance,
			PID:       pid,
			Type:      EventTypeError,
			Message:   fmt.Sprintf("%s stream failed", source),
			Level:     "warn",
			Source:    LogSourceSystem,
			Reason:    ReasonLogStreamError,
			Err:       err,
		}, false)
	}
	if dropped > 0 {
		s.emitDropped(dropped, instance, pid, true)
	}
}

func (s *supervisor) logEvent(line, source, instance string, pid int) Event {
	level := "info"
	if source == LogSourceStderr {
		level = "warn"
	}
	return Event{
		Timestamp: time.Now(),
		Process:   s.name,
		Instance:  instance,
		PID:       pid,
		Type:      EventTypeLog,
		Message:   line,
		Level:     level,
		Source:    source,
	}
}

func (s *supervisor) emitLog(evt Event, block bool) bool {
	if s.events == nil {
		return true
	}
	if block {
		select {
		case s.events <- evt:
			return true
		case <-s.ctx.Done():
			return false
		}
	}
	select {
	case s.events <- evt:
		return true
	default:
		return false
	}
}

func (s *supervisor) emitDropped(count int, instance string, pid int, block bool) bool {
	evt := Event{
		Timestamp: time.Now(),
		Process:   s.name,
		Instance:  instance,
		PID:       pid,
		Type:      EventTypeLog,
		Message:   fmt.Sprintf("dropped=%d", count),
		Level:     "warn",
		Source:    LogSourceSystem,
	}
	return s.emitLog(evt, block)
}

func (s *supervisor) emit(evt Event) {
	evt.Process = s.name
	sendEvent(s.events, evt)
}

func (s *supervisor) setCurrent(child *posix.ChildProcess, instance string, startedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = child
	s.instance = instance
	s.startedAt = startedAt
}

func (s *supervisor) clearCurrent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = nil
	s.ready = false
}

func (s *supervisor) recordDeath(status wait.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastStatus = describeStatus(status)
}

func (s *supervisor) stopCause() error {
	if s.ctx.Err() != nil {
		return nil
	}
	return ErrObserverStopped
}

// Status reports the supervisor's current view of its process.
func (s *supervisor) Status() ProcessStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := ProcessStatus{
		Name:       s.name,
		Restarts:   s.restarts,
		LastStatus: s.lastStatus,
	}
	if s.current != nil {
		st.Running = true
		st.Ready = s.ready || s.spec.Ready == nil
		st.PID = s.current.PID()
		st.Instance = s.instance
		st.StartedAt = s.startedAt
	}
	return st
}

func (s *supervisor) setStopErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopErr = err
}

func (s *supervisor) getStopErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopErr
}

func (s *supervisor) setRunErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runErr = err
}

func (s *supervisor) getRunErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runErr
}

func (s *supervisor) deliverStarted(err error) {
	s.startedOnce.Do(func() {
		s.startedCh <- err
		close(s.startedCh)
	})
}

func (s *supervisor) AwaitStarted(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-s.startedCh:
		return err
	}
}

func (s *supervisor) Stop(ctx context.Context) error {
	var result error
	s.stopOnce.Do(func() {
		alreadyDone := false
		select {
		case <-s.done:
			alreadyDone = true
		default:
		}

		if s.cancel != nil {
			s.cancel()
		}
		if ctx == nil {
			ctx = context.Background()
		}
		if alreadyDone {
			return
		}

		select {
		case <-s.done:
			result = s.getStopErr()
		case <-ctx.Done():
			result = ctx.Err()
		}
	})
	return result
}
