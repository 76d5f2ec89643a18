// Package resources parses resource quantities written in manifests.
package resources

import (
	"fmt"
	"strings"

	units "github.com/docker/go-units"
)

// ParseMemory converts a memory quantity such as "512Mi", "1.5GiB", "64m" or
// "1048576" into bytes. Units are binary; Kubernetes style suffixes without
// the trailing "B" are accepted.
func ParseMemory(value string) (int64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, fmt.Errorf("invalid memory quantity %q: empty", value)
	}
	lower := strings.ToLower(trimmed)
	for _, suffix := range []string{"ki", "mi", "gi", "ti", "pi"} {
		if strings.HasSuffix(lower, suffix) {
			trimmed += "B"
			break
		}
	}
	n, err := units.RAMInBytes(trimmed)
	if err != nil {
		return 0, fmt.Errorf("invalid memory quantity %q: %w", value, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid memory quantity %q: must be positive", value)
	}
	return n, nil
}

// FormatMemory renders n bytes with binary units, e.g. "512MiB".
func FormatMemory(n int64) string {
	return units.BytesSize(float64(n))
}
