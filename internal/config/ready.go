package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	defaultReadyInterval = time.Second
	defaultReadyTimeout  = time.Second
)

// ReadySpec describes how procwatch decides that a running child is ready.
// At least one of HTTP, TCP, Command or Log must be set.
type ReadySpec struct {
	GracePeriod      Duration          `yaml:"gracePeriod"`
	Interval         Duration          `yaml:"interval"`
	Timeout          Duration          `yaml:"timeout"`
	FailureThreshold int               `yaml:"failureThreshold"`
	SuccessThreshold int               `yaml:"successThreshold"`
	HTTP             *HTTPProbeSpec    `yaml:"http"`
	TCP              *TCPProbeSpec     `yaml:"tcp"`
	Command          *CommandProbeSpec `yaml:"cmd"`
	Log              *LogProbeSpec     `yaml:"log"`
	// Expression combines the configured probes, e.g. "http || log".
	Expression string `yaml:"expression"`
}

// HTTPProbeSpec polls an HTTP endpoint.
type HTTPProbeSpec struct {
	URL          string `yaml:"url"`
	ExpectStatus []int  `yaml:"expectStatus"`
}

// TCPProbeSpec dials a TCP address.
type TCPProbeSpec struct {
	Address string `yaml:"address"`
}

// CommandProbeSpec runs a command and treats exit code zero as ready.
type CommandProbeSpec struct {
	Command []string `yaml:"command"`
	Timeout Duration `yaml:"timeout"`
}

// LogProbeSpec waits for a log line of the child matching Pattern.
type LogProbeSpec struct {
	Pattern string   `yaml:"pattern"`
	Sources []string `yaml:"sources"`
	Levels  []string `yaml:"levels"`
}

func (r *ReadySpec) applyDefaults() {
	if !r.Interval.IsSet() {
		r.Interval = Duration{Duration: defaultReadyInterval}
	}
	if !r.Timeout.IsSet() {
		r.Timeout = Duration{Duration: defaultReadyTimeout}
	}
	if r.SuccessThreshold <= 0 {
		r.SuccessThreshold = 1
	}
	if r.FailureThreshold <= 0 {
		r.FailureThreshold = 3
	}
}

// Clone creates a deep copy of the readiness specification.
func (r *ReadySpec) Clone() *ReadySpec {
	if r == nil {
		return nil
	}
	cp := *r
	if r.HTTP != nil {
		http := *r.HTTP
		http.ExpectStatus = append([]int(nil), r.HTTP.ExpectStatus...)
		cp.HTTP = &http
	}
	if r.TCP != nil {
		tcp := *r.TCP
		cp.TCP = &tcp
	}
	if r.Command != nil {
		cmd := *r.Command
		cmd.Command = append([]string(nil), r.Command.Command...)
		cp.Command = &cmd
	}
	if r.Log != nil {
		log := *r.Log
		log.Sources = append([]string(nil), r.Log.Sources...)
		log.Levels = append([]string(nil), r.Log.Levels...)
		cp.Log = &log
	}
	return &cp
}

func validateReady(name string, r *ReadySpec) error {
	if r == nil {
		return nil
	}
	if r.HTTP == nil && r.TCP == nil && r.Command == nil && r.Log == nil {
		return fmt.Errorf("%s: must define at least one of http, tcp, cmd or log", processField(name, "ready"))
	}
	durations := []struct {
		field string
		value Duration
	}{
		{"gracePeriod", r.GracePeriod},
		{"interval", r.Interval},
		{"timeout", r.Timeout},
	}
	for _, d := range durations {
		if d.value.Duration < 0 {
			return fmt.Errorf("%s: must be non-negative", processField(name, "ready", d.field))
		}
	}
	if r.HTTP != nil {
		url := strings.TrimSpace(r.HTTP.URL)
		if url == "" {
			return fmt.Errorf("%s: is required", processField(name, "ready", "http", "url"))
		}
		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
			return fmt.Errorf("%s: must use http or https, got %q", processField(name, "ready", "http", "url"), url)
		}
		for _, code := range r.HTTP.ExpectStatus {
			if code < 100 || code > 599 {
				return fmt.Errorf("%s: invalid status code %d", processField(name, "ready", "http", "expectStatus"), code)
			}
		}
	}
	if r.TCP != nil && strings.TrimSpace(r.TCP.Address) == "" {
		return fmt.Errorf("%s: is required", processField(name, "ready", "tcp", "address"))
	}
	if r.Command != nil {
		if len(r.Command.Command) == 0 || strings.TrimSpace(r.Command.Command[0]) == "" {
			return fmt.Errorf("%s: must specify a command", processField(name, "ready", "cmd", "command"))
		}
		if r.Command.Timeout.Duration < 0 {
			return fmt.Errorf("%s: must be non-negative", processField(name, "ready", "cmd", "timeout"))
		}
	}
	if r.Log != nil {
		if r.Log.Pattern == "" {
			return fmt.Errorf("%s: is required", processField(name, "ready", "log", "pattern"))
		}
		if _, err := regexp.Compile(r.Log.Pattern); err != nil {
			return fmt.Errorf("%s: %w", processField(name, "ready", "log", "pattern"), err)
		}
		for _, src := range r.Log.Sources {
			switch strings.ToLower(strings.TrimSpace(src)) {
			case "stdout", "stderr":
			default:
				return fmt.Errorf("%s: unknown source %q", processField(name, "ready", "log", "sources"), src)
			}
		}
	}
	if err := validateReadyExpression(r); err != nil {
		return fmt.Errorf("%s: %w", processField(name, "ready", "expression"), err)
	}
	return nil
}

func validateReadyExpression(r *ReadySpec) error {
	expr := strings.TrimSpace(r.Expression)
	if expr == "" {
		return nil
	}
	defined := map[string]bool{
		"http": r.HTTP != nil,
		"tcp":  r.TCP != nil,
		"cmd":  r.Command != nil,
		"log":  r.Log != nil,
	}
	expectProbe := true
	for _, token := range strings.Fields(expr) {
		lower := strings.ToLower(token)
		if expectProbe {
			isDefined, known := defined[lower]
			if !known {
				return fmt.Errorf("invalid probe reference %q", token)
			}
			if !isDefined {
				return fmt.Errorf("references undefined probe %q", lower)
			}
			expectProbe = false
			continue
		}
		if lower != "or" && token != "||" {
			return fmt.Errorf("unsupported operator %q", token)
		}
		expectProbe = true
	}
	if expectProbe {
		return errors.New("expression is incomplete")
	}
	return nil
}
