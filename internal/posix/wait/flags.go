package wait

import (
	"strings"

	"golang.org/x/sys/unix"
)

// Flags is a bitmask of options understood by ChildProcess.WaitFor.
type Flags int

const (
	// FlagContinued reports children resumed by SIGCONT.
	FlagContinued Flags = unix.WCONTINUED
	// FlagUntraced reports children stopped by a signal.
	FlagUntraced Flags = unix.WUNTRACED
	// FlagNoHang returns NoStateChange instead of blocking.
	FlagNoHang Flags = unix.WNOHANG
)

// Has reports whether all bits of f are set.
func (fl Flags) Has(f Flags) bool {
	return fl&f == f
}

func (fl Flags) String() string {
	if fl == 0 {
		return "none"
	}
	var parts []string
	if fl.Has(FlagContinued) {
		parts = append(parts, "continued")
	}
	if fl.Has(FlagUntraced) {
		parts = append(parts, "untraced")
	}
	if fl.Has(FlagNoHang) {
		parts = append(parts, "no_hang")
	}
	return strings.Join(parts, "|")
}
