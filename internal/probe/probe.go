// Package probe decides whether a supervised child is ready by polling an
// HTTP endpoint, dialing a TCP address, running a command or waiting for a
// log line.
package probe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Paintersrp/procwatch/internal/config"
)

// Status is the readiness condition reported by Watch.
type Status string

const (
	// StatusUnknown is the state before the first transition. It is never
	// emitted.
	StatusUnknown Status = "unknown"
	// StatusReady means the success threshold was reached.
	StatusReady Status = "ready"
	// StatusUnready means the failure threshold was reached.
	StatusUnready Status = "unready"
)

// Event is a readiness transition emitted by Watch.
type Event struct {
	Status Status
	Reason string
	Err    error
	At     time.Time
}

// Prober performs a single readiness check.
type Prober interface {
	Probe(ctx context.Context) error
}

// LogEntry is one line written by the probed child.
type LogEntry struct {
	Message string
	Source  string
	Level   string
}

// LogObserver is implemented by probers that watch the child's output.
type LogObserver interface {
	ObserveLog(LogEntry)
}

type readyReporter interface {
	Ready() bool
}

// Option configures the probers built by New.
type Option func(*options)

type options struct {
	run CommandRunner
}

// WithCommandRunner replaces the runner used by command probes. Programs
// that reap children with a death observer must supply a runner that goes
// through it.
func WithCommandRunner(run CommandRunner) Option {
	return func(o *options) {
		if run != nil {
			o.run = run
		}
	}
}

var probeAliases = []string{"http", "tcp", "cmd", "log"}

// New builds the prober for spec. It returns nil when spec is nil.
func New(spec *config.ReadySpec, opts ...Option) (Prober, error) {
	if spec == nil {
		return nil, nil
	}
	o := options{run: RunCommand}
	for _, opt := range opts {
		opt(&o)
	}

	probes := make(map[string]Prober, len(probeAliases))
	if spec.HTTP != nil {
		probes["http"] = newHTTPProber(spec.HTTP)
	}
	if spec.TCP != nil {
		probes["tcp"] = newTCPProber(spec.TCP)
	}
	if spec.Command != nil {
		prober, err := newCommandProber(spec.Command, o.run)
		if err != nil {
			return nil, err
		}
		probes["cmd"] = prober
	}
	if spec.Log != nil {
		prober, err := newLogProber(spec.Log)
		if err != nil {
			return nil, err
		}
		probes["log"] = prober
	}
	if len(probes) == 0 {
		return nil, errors.New("probe: missing configuration")
	}

	order, err := probeOrder(spec.Expression, probes)
	if err != nil {
		return nil, err
	}
	if len(order) == 1 {
		return probes[order[0]], nil
	}
	return newAnyProber(order, probes), nil
}

// probeOrder lists the probes to evaluate. Without an expression every
// configured probe takes part in the fixed alias order.
func probeOrder(expression string, probes map[string]Prober) ([]string, error) {
	if strings.TrimSpace(expression) == "" {
		order := make([]string, 0, len(probes))
		for _, alias := range probeAliases {
			if _, ok := probes[alias]; ok {
				order = append(order, alias)
			}
		}
		return order, nil
	}

	refs, err := parseExpression(expression)
	if err != nil {
		return nil, fmt.Errorf("probe: %w", err)
	}
	order := make([]string, 0, len(refs))
	seen := make(map[string]bool, len(refs))
	for _, ref := range refs {
		if _, ok := probes[ref]; !ok {
			return nil, fmt.Errorf("probe: expression references undefined probe %q", ref)
		}
		if seen[ref] {
			continue
		}
		seen[ref] = true
		order = append(order, ref)
	}
	return order, nil
}

// parseExpression accepts probe aliases joined by "or" or "||".
func parseExpression(expr string) ([]string, error) {
	tokens := strings.Fields(expr)
	if len(tokens) == 0 {
		return nil, errors.New("expression is empty")
	}
	refs := make([]string, 0, (len(tokens)+1)/2)
	expectProbe := true
	for _, token := range tokens {
		lower := strings.ToLower(token)
		if !expectProbe {
			if lower != "or" && token != "||" {
				return nil, fmt.Errorf("unsupported operator %q", token)
			}
			expectProbe = true
			continue
		}
		switch lower {
		case "http", "tcp", "cmd", "log":
			refs = append(refs, lower)
			expectProbe = false
		default:
			return nil, fmt.Errorf("invalid probe reference %q", token)
		}
	}
	if expectProbe {
		return nil, errors.New("expression is incomplete")
	}
	return refs, nil
}

// Watch runs prober every interval until ctx is done and emits an event each
// time the readiness state flips. The channel is closed when ctx is done.
func Watch(ctx context.Context, prober Prober, spec *config.ReadySpec, now func() time.Time) <-chan Event {
	events := make(chan Event, 1)
	if ctx == nil || prober == nil || spec == nil {
		close(events)
		return events
	}
	if now == nil {
		now = time.Now
	}

	go func() {
		defer close(events)

		successNeeded := max(spec.SuccessThreshold, 1)
		failuresAllowed := max(spec.FailureThreshold, 1)
		timeout := attemptTimeout(spec)

		if grace := spec.GracePeriod.Duration; grace > 0 {
			if !sleep(ctx, grace) {
				return
			}
		}

		var successes, failures int
		status := StatusUnknown
		for {
			attemptCtx, cancel := ctx, context.CancelFunc(func() {})
			if timeout > 0 {
				attemptCtx, cancel = context.WithTimeout(ctx, timeout)
			}
			err := prober.Probe(attemptCtx)
			deadline := attemptCtx.Err() == context.DeadlineExceeded
			cancel()
			if ctx.Err() != nil {
				return
			}

			if err == nil {
				successes++
				failures = 0
				if successes >= successNeeded && status != StatusReady {
					status = StatusReady
					if !send(ctx, events, Event{Status: StatusReady, At: now()}) {
						return
					}
				}
			} else {
				if deadline && errors.Is(err, context.DeadlineExceeded) {
					err = fmt.Errorf("timeout after %s", timeout)
				}
				successes = 0
				failures++
				if failures >= failuresAllowed && status != StatusUnready {
					status = StatusUnready
					if !send(ctx, events, Event{Status: StatusUnready, Reason: err.Error(), Err: err, At: now()}) {
						return
					}
				}
			}

			if interval := spec.Interval.Duration; interval > 0 {
				if !sleep(ctx, interval) {
					return
				}
			} else if ctx.Err() != nil {
				return
			}
		}
	}()
	return events
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func send(ctx context.Context, events chan<- Event, evt Event) bool {
	select {
	case <-ctx.Done():
		return false
	case events <- evt:
		return true
	}
}

// attemptTimeout prefers the command probe's own timeout.
func attemptTimeout(spec *config.ReadySpec) time.Duration {
	if spec.Command != nil && spec.Command.Timeout.Duration > 0 {
		return spec.Command.Timeout.Duration
	}
	return spec.Timeout.Duration
}

// anyProber succeeds as soon as one of its probes succeeds.
type anyProber struct {
	terms     []probeTerm
	observers []LogObserver
}

type probeTerm struct {
	alias string
	probe Prober
}

func newAnyProber(order []string, probes map[string]Prober) *anyProber {
	p := &anyProber{terms: make([]probeTerm, 0, len(order))}
	for _, alias := range order {
		prober := probes[alias]
		p.terms = append(p.terms, probeTerm{alias: alias, probe: prober})
		if observer, ok := prober.(LogObserver); ok {
			p.observers = append(p.observers, observer)
		}
	}
	return p
}

func (p *anyProber) ObserveLog(entry LogEntry) {
	for _, observer := range p.observers {
		observer.ObserveLog(entry)
	}
}

func (p *anyProber) Probe(ctx context.Context) error {
	for _, term := range p.terms {
		if rr, ok := term.probe.(readyReporter); ok && rr.Ready() {
			return nil
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		alias string
		err   error
	}
	results := make(chan outcome, len(p.terms))
	for _, term := range p.terms {
		go func(term probeTerm) {
			results <- outcome{alias: term.alias, err: term.probe.Probe(ctx)}
		}(term)
	}

	errs := make([]error, 0, len(p.terms))
	for range p.terms {
		res := <-results
		if res.err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", res.alias, res.err))
	}
	return errors.Join(errs...)
}

var (
	_ Prober      = (*anyProber)(nil)
	_ LogObserver = (*anyProber)(nil)
)
