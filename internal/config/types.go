package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Paintersrp/procwatch/internal/posix/signal"
	"github.com/Paintersrp/procwatch/internal/posix/spawn"
)

const (
	// DefaultStopTimeout bounds the wait between the stop signal and SIGKILL.
	DefaultStopTimeout = 5 * time.Second

	defaultBackoffMin    = time.Second
	defaultBackoffMax    = 30 * time.Second
	defaultBackoffFactor = 2.0
)

// Restart policies.
const (
	RestartNever     = "never"
	RestartOnFailure = "on-failure"
	RestartAlways    = "always"
)

// Duration wraps time.Duration for YAML unmarshalling.
type Duration struct {
	time.Duration
	explicit bool
}

// UnmarshalText parses a textual duration, accepting empty strings.
func (d *Duration) UnmarshalText(text []byte) error {
	d.explicit = true
	if len(text) == 0 {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = dur
	return nil
}

// MarshalText renders the duration using time.Duration formatting.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// IsSet reports whether the duration was explicitly provided or non-zero.
func (d Duration) IsSet() bool {
	return d.explicit || d.Duration != 0
}

// Manifest mirrors the procwatch.yaml document structure.
type Manifest struct {
	Version   string                  `yaml:"version"`
	Workdir   string                  `yaml:"workdir"`
	Observer  ObserverSpec            `yaml:"observer"`
	Defaults  Defaults                `yaml:"defaults"`
	Processes map[string]*ProcessSpec `yaml:"processes"`
}

// ObserverSpec configures the process-wide death observer.
type ObserverSpec struct {
	// Subreaper makes procwatch adopt orphaned descendants so their deaths
	// are reaped as well.
	Subreaper bool `yaml:"subreaper"`
}

// Defaults captures default policies applied to processes.
type Defaults struct {
	Restart     *RestartPolicy `yaml:"restart"`
	StopSignal  string         `yaml:"stopSignal"`
	StopTimeout Duration       `yaml:"stopTimeout"`
}

// ProcessSpec describes a supervised child process.
type ProcessSpec struct {
	Command     []string          `yaml:"command"`
	Env         map[string]string `yaml:"env"`
	EnvFromFile string            `yaml:"envFromFile"`
	Workdir     string            `yaml:"workdir"`
	Streams     []string          `yaml:"streams"`
	NewGroup    bool              `yaml:"newProcessGroup"`
	StopSignal  string            `yaml:"stopSignal"`
	StopTimeout Duration          `yaml:"stopTimeout"`
	Restart     *RestartPolicy    `yaml:"restart"`
	Ready       *ReadySpec        `yaml:"ready"`
	Limits      *LimitsSpec       `yaml:"limits"`

	ResolvedWorkdir string `yaml:"-"`
}

// RestartPolicy defines restart behaviour for a process.
type RestartPolicy struct {
	Policy     string       `yaml:"policy"`
	MaxRetries int          `yaml:"maxRetries"`
	Backoff    *BackoffSpec `yaml:"backoff"`
}

// BackoffSpec describes exponential backoff configuration.
type BackoffSpec struct {
	Min    Duration `yaml:"min"`
	Max    Duration `yaml:"max"`
	Factor float64  `yaml:"factor"`
}

// ApplyDefaults merges defaults onto processes.
func (m *Manifest) ApplyDefaults() error {
	for name, proc := range m.Processes {
		if proc == nil {
			return fmt.Errorf("process %q is null", name)
		}
		if len(proc.Streams) == 0 {
			proc.Streams = []string{"stdout", "stderr"}
		}
		if strings.TrimSpace(proc.StopSignal) == "" {
			proc.StopSignal = m.Defaults.StopSignal
		}
		if strings.TrimSpace(proc.StopSignal) == "" {
			proc.StopSignal = signal.Term.String()
		}
		if !proc.StopTimeout.IsSet() {
			proc.StopTimeout = m.Defaults.StopTimeout
		}
		if !proc.StopTimeout.IsSet() {
			proc.StopTimeout = Duration{Duration: DefaultStopTimeout}
		}
		if proc.Restart == nil && m.Defaults.Restart != nil {
			proc.Restart = m.Defaults.Restart.Clone()
		}
		if proc.Restart == nil {
			proc.Restart = &RestartPolicy{Policy: RestartNever}
		}
		proc.Restart.applyDefaults()
		if proc.Ready != nil {
			proc.Ready.applyDefaults()
		}
		if proc.Limits != nil {
			proc.Limits.applyDefaults()
		}
	}
	return nil
}

func (r *RestartPolicy) applyDefaults() {
	r.Policy = strings.ToLower(strings.TrimSpace(r.Policy))
	if r.Policy == "" {
		r.Policy = RestartOnFailure
	}
	if r.Backoff == nil {
		r.Backoff = &BackoffSpec{}
	}
	if !r.Backoff.Min.IsSet() {
		r.Backoff.Min = Duration{Duration: defaultBackoffMin}
	}
	if !r.Backoff.Max.IsSet() {
		r.Backoff.Max = Duration{Duration: defaultBackoffMax}
	}
	if r.Backoff.Factor == 0 {
		r.Backoff.Factor = defaultBackoffFactor
	}
}

// Signal returns the parsed stop signal. Validate guarantees it parses.
func (p *ProcessSpec) Signal() signal.Signal {
	sig, err := signal.Parse(p.StopSignal)
	if err != nil {
		return signal.Term
	}
	return sig
}

// SpawnSpec translates the process into a spawn request. env is the base
// environment the process's own variables are layered onto.
func (p *ProcessSpec) SpawnSpec(env map[string]string) (spawn.Spec, error) {
	streams, err := spawn.ParseStreams(p.Streams)
	if err != nil {
		return spawn.Spec{}, err
	}
	merged := make(map[string]string, len(env)+len(p.Env))
	for k, v := range env {
		merged[k] = v
	}
	for k, v := range p.Env {
		merged[k] = v
	}
	return spawn.Spec{
		Path:    p.Command[0],
		Args:    append([]string(nil), p.Command[1:]...),
		Env:     merged,
		Dir:     p.ResolvedWorkdir,
		Streams: streams,
		Setpgid: p.NewGroup,
	}, nil
}

// Clone creates a deep copy of the process specification.
func (p *ProcessSpec) Clone() *ProcessSpec {
	if p == nil {
		return nil
	}
	cp := *p
	if p.Command != nil {
		cp.Command = append([]string(nil), p.Command...)
	}
	if p.Streams != nil {
		cp.Streams = append([]string(nil), p.Streams...)
	}
	if p.Env != nil {
		cp.Env = make(map[string]string, len(p.Env))
		for k, v := range p.Env {
			cp.Env[k] = v
		}
	}
	cp.Restart = p.Restart.Clone()
	cp.Ready = p.Ready.Clone()
	if p.Limits != nil {
		limits := *p.Limits
		cp.Limits = &limits
	}
	return &cp
}

// Clone creates a deep copy of the restart policy.
func (r *RestartPolicy) Clone() *RestartPolicy {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Backoff != nil {
		cp.Backoff = &BackoffSpec{
			Min:    r.Backoff.Min,
			Max:    r.Backoff.Max,
			Factor: r.Backoff.Factor,
		}
	}
	return &cp
}

func fieldPath(parts ...string) string {
	return strings.Join(parts, ".")
}

func processField(process string, parts ...string) string {
	pathParts := append([]string{"processes", process}, parts...)
	return fieldPath(pathParts...)
}

// ProcessesSorted returns process names sorted alphabetically.
func (m *Manifest) ProcessesSorted() []string {
	out := make([]string, 0, len(m.Processes))
	for name := range m.Processes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
