package config

import (
	"fmt"
	"time"

	"github.com/Paintersrp/procwatch/internal/resources"
)

const defaultLimitCheckInterval = time.Second

// LimitsSpec bounds the resources of a running child. A child over its
// memory limit is stopped like on shutdown and then follows its restart
// policy.
type LimitsSpec struct {
	Memory        string   `yaml:"memory"`
	CheckInterval Duration `yaml:"checkInterval"`
}

// MemoryBytes returns the memory limit in bytes, or 0 when unset.
// Validate guarantees it parses.
func (l *LimitsSpec) MemoryBytes() int64 {
	if l == nil || l.Memory == "" {
		return 0
	}
	n, err := resources.ParseMemory(l.Memory)
	if err != nil {
		return 0
	}
	return n
}

func (l *LimitsSpec) applyDefaults() {
	if !l.CheckInterval.IsSet() {
		l.CheckInterval = Duration{Duration: defaultLimitCheckInterval}
	}
}

func validateLimits(name string, l *LimitsSpec) error {
	if l == nil {
		return nil
	}
	if l.Memory != "" {
		if _, err := resources.ParseMemory(l.Memory); err != nil {
			return fmt.Errorf("%s: %w", processField(name, "limits", "memory"), err)
		}
	}
	if l.CheckInterval.Duration < 0 {
		return fmt.Errorf("%s: must be non-negative", processField(name, "limits", "checkInterval"))
	}
	return nil
}
