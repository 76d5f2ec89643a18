// Package signal enumerates the POSIX signals procwatch knows how to deliver
// and report. Raw signal numbers only appear at the syscall boundary.
package signal

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Signal is one of the enumerated POSIX signals.
type Signal int

const (
	Hup    = Signal(unix.SIGHUP)
	Int    = Signal(unix.SIGINT)
	Quit   = Signal(unix.SIGQUIT)
	Ill    = Signal(unix.SIGILL)
	Trap   = Signal(unix.SIGTRAP)
	Abrt   = Signal(unix.SIGABRT)
	Bus    = Signal(unix.SIGBUS)
	Fpe    = Signal(unix.SIGFPE)
	Kill   = Signal(unix.SIGKILL)
	Usr1   = Signal(unix.SIGUSR1)
	Segv   = Signal(unix.SIGSEGV)
	Usr2   = Signal(unix.SIGUSR2)
	Pipe   = Signal(unix.SIGPIPE)
	Alrm   = Signal(unix.SIGALRM)
	Term   = Signal(unix.SIGTERM)
	Chld   = Signal(unix.SIGCHLD)
	Cont   = Signal(unix.SIGCONT)
	Stop   = Signal(unix.SIGSTOP)
	Tstp   = Signal(unix.SIGTSTP)
	Ttin   = Signal(unix.SIGTTIN)
	Ttou   = Signal(unix.SIGTTOU)
	Urg    = Signal(unix.SIGURG)
	Xcpu   = Signal(unix.SIGXCPU)
	Xfsz   = Signal(unix.SIGXFSZ)
	Vtalrm = Signal(unix.SIGVTALRM)
	Prof   = Signal(unix.SIGPROF)
	Winch  = Signal(unix.SIGWINCH)
	Io     = Signal(unix.SIGIO)
	Sys    = Signal(unix.SIGSYS)
)

var known = map[Signal]struct{}{
	Hup: {}, Int: {}, Quit: {}, Ill: {}, Trap: {}, Abrt: {}, Bus: {}, Fpe: {},
	Kill: {}, Usr1: {}, Segv: {}, Usr2: {}, Pipe: {}, Alrm: {}, Term: {},
	Chld: {}, Cont: {}, Stop: {}, Tstp: {}, Ttin: {}, Ttou: {}, Urg: {},
	Xcpu: {}, Xfsz: {}, Vtalrm: {}, Prof: {}, Winch: {}, Io: {}, Sys: {},
}

// FromUnix converts a kernel signal number into the enumeration. Numbers
// outside the enumeration (real-time signals) are reported as not ok.
func FromUnix(s unix.Signal) (Signal, bool) {
	sig := Signal(s)
	_, ok := known[sig]
	return sig, ok
}

// Unix returns the raw signal number for the delivery syscall.
func (s Signal) Unix() unix.Signal {
	return unix.Signal(s)
}

// Valid reports whether s is a member of the enumeration.
func (s Signal) Valid() bool {
	_, ok := known[s]
	return ok
}

func (s Signal) String() string {
	if name := unix.SignalName(unix.Signal(s)); name != "" {
		return name
	}
	return "SIG" + strconv.Itoa(int(s))
}

// Parse accepts "TERM", "SIGTERM", "sigterm" or "15".
func Parse(value string) (Signal, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, fmt.Errorf("empty signal")
	}
	if n, err := strconv.Atoi(trimmed); err == nil {
		sig := Signal(n)
		if !sig.Valid() {
			return 0, fmt.Errorf("unknown signal %d", n)
		}
		return sig, nil
	}
	name := strings.ToUpper(trimmed)
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	raw := unix.SignalNum(name)
	if raw == 0 {
		return 0, fmt.Errorf("unknown signal %q", value)
	}
	sig, ok := FromUnix(raw)
	if !ok {
		return 0, fmt.Errorf("unsupported signal %q", value)
	}
	return sig, nil
}

// All returns every enumerated signal ordered by number.
func All() []Signal {
	out := make([]Signal, 0, len(known))
	for sig := range known {
		out = append(out, sig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
