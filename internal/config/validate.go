package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Paintersrp/procwatch/internal/posix/signal"
	"github.com/Paintersrp/procwatch/internal/posix/spawn"
)

// Validate enforces schema invariants.
func (m *Manifest) Validate() error {
	if m.Version == "" {
		return fmt.Errorf("%s: is required", fieldPath("version"))
	}
	if len(m.Processes) == 0 {
		return fmt.Errorf("%s: must define at least one process", fieldPath("processes"))
	}
	if m.Defaults.StopSignal != "" {
		if _, err := signal.Parse(m.Defaults.StopSignal); err != nil {
			return fmt.Errorf("%s: %w", fieldPath("defaults", "stopSignal"), err)
		}
	}

	for _, name := range m.ProcessesSorted() {
		if err := validateProcess(name, m.Processes[name]); err != nil {
			return err
		}
	}
	return nil
}

func validateProcess(name string, p *ProcessSpec) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%s: process name must be non-empty", fieldPath("processes"))
	}
	if p == nil {
		return fmt.Errorf("%s: is null", processField(name))
	}
	if len(p.Command) == 0 || strings.TrimSpace(p.Command[0]) == "" {
		return fmt.Errorf("%s: must specify a command", processField(name, "command"))
	}
	for key := range p.Env {
		if key == "" || strings.ContainsAny(key, "=\x00") {
			return fmt.Errorf("%s: invalid variable name %q", processField(name, "env"), key)
		}
	}
	if _, err := spawn.ParseStreams(p.Streams); err != nil {
		return fmt.Errorf("%s: %w", processField(name, "streams"), err)
	}
	if _, err := signal.Parse(p.StopSignal); err != nil {
		return fmt.Errorf("%s: %w", processField(name, "stopSignal"), err)
	}
	if p.StopTimeout.Duration < 0 {
		return fmt.Errorf("%s: must be non-negative", processField(name, "stopTimeout"))
	}
	if err := validateRestart(name, p.Restart); err != nil {
		return err
	}
	if err := validateReady(name, p.Ready); err != nil {
		return err
	}
	return validateLimits(name, p.Limits)
}

func validateRestart(name string, r *RestartPolicy) error {
	if r == nil {
		return nil
	}
	switch r.Policy {
	case RestartNever, RestartOnFailure, RestartAlways:
	default:
		return fmt.Errorf("%s: unknown policy %q (expected %s, %s or %s)", processField(name, "restart", "policy"), r.Policy, RestartNever, RestartOnFailure, RestartAlways)
	}
	if r.MaxRetries < 0 {
		return fmt.Errorf("%s: must be non-negative", processField(name, "restart", "maxRetries"))
	}
	if r.Backoff == nil {
		return nil
	}
	if r.Backoff.Min.Duration < 0 {
		return fmt.Errorf("%s: must be non-negative", processField(name, "restart", "backoff", "min"))
	}
	if r.Backoff.Max.Duration < r.Backoff.Min.Duration {
		return fmt.Errorf("%s: must be greater than or equal to min", processField(name, "restart", "backoff", "max"))
	}
	if r.Backoff.Factor < 1 {
		return fmt.Errorf("%s: must be at least 1", processField(name, "restart", "backoff", "factor"))
	}
	return nil
}

// Warnings reports suspicious but valid settings.
func (m *Manifest) Warnings() []string {
	var warnings []string
	for _, name := range m.ProcessesSorted() {
		p := m.Processes[name]
		if p == nil {
			continue
		}
		if p.Restart != nil && p.Restart.Policy == RestartNever && p.Restart.MaxRetries > 0 {
			warnings = append(warnings, fmt.Sprintf("%s: maxRetries has no effect with policy %q", processField(name, "restart"), RestartNever))
		}
		if p.Restart != nil && p.Restart.Policy == RestartAlways && p.Restart.MaxRetries == 0 {
			warnings = append(warnings, fmt.Sprintf("%s: policy %q without maxRetries restarts forever", processField(name, "restart"), RestartAlways))
		}
		if sig, err := signal.Parse(p.StopSignal); err == nil && sig == signal.Kill {
			warnings = append(warnings, fmt.Sprintf("%s: SIGKILL skips graceful shutdown", processField(name, "stopSignal")))
		}
	}
	sort.Strings(warnings)
	return warnings
}
