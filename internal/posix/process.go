package posix

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/Paintersrp/procwatch/internal/posix/signal"
)

// InvalidPID marks a Process that refers to no process at all.
const InvalidPID = -1

// Process identifies a process by pid and can deliver signals to it. It does
// not own the process. Two values are equal when their pids are equal.
type Process struct {
	pid int
}

// NewProcess wraps pid, which must be positive.
func NewProcess(pid int) (Process, error) {
	if pid <= 0 {
		return Process{}, fmt.Errorf("new process %d: %w", pid, ErrInvalidProcess)
	}
	return Process{pid: pid}, nil
}

// Invalid returns the sentinel process. Every operation on it fails.
func Invalid() Process {
	return Process{pid: InvalidPID}
}

// Self returns the calling process.
func Self() Process {
	return Process{pid: unix.Getpid()}
}

// Parent returns the parent of the calling process.
func Parent() Process {
	return Process{pid: unix.Getppid()}
}

// PID returns the process id.
func (p Process) PID() int {
	return p.pid
}

// Valid reports whether p refers to a real pid.
func (p Process) Valid() bool {
	return p.pid > 0
}

func (p Process) String() string {
	if !p.Valid() {
		return "process(invalid)"
	}
	return fmt.Sprintf("process(%d)", p.pid)
}

// SendSignal delivers sig to the process.
func (p Process) SendSignal(sig signal.Signal) error {
	if !p.Valid() {
		return fmt.Errorf("send %s: %w", sig, ErrInvalidProcess)
	}
	if err := unix.Kill(p.pid, sig.Unix()); err != nil {
		return fmt.Errorf("send %s to pid %d: %w", sig, p.pid, syscallError("kill", err))
	}
	return nil
}

// ProcessGroup resolves the group the process belongs to.
func (p Process) ProcessGroup() (ProcessGroup, error) {
	if !p.Valid() {
		return ProcessGroup{}, fmt.Errorf("process group: %w", ErrInvalidProcess)
	}
	pgid, err := unix.Getpgid(p.pid)
	if err != nil {
		return ProcessGroup{}, fmt.Errorf("process group of pid %d: %w", p.pid, syscallError("getpgid", err))
	}
	return ProcessGroup{id: pgid}, nil
}

// ProcessGroup is a kernel process group.
type ProcessGroup struct {
	id int
}

// ID returns the process group id.
func (g ProcessGroup) ID() int {
	return g.id
}

// SendSignal delivers sig to every member of the group.
func (g ProcessGroup) SendSignal(sig signal.Signal) error {
	if g.id <= 0 {
		return fmt.Errorf("send %s to group: %w", sig, ErrInvalidProcess)
	}
	if err := unix.Kill(-g.id, sig.Unix()); err != nil {
		return fmt.Errorf("send %s to group %d: %w", sig, g.id, syscallError("kill", err))
	}
	return nil
}

// SetChildSubreaper marks the calling process as a subreaper, so orphaned
// descendants are re-parented to it instead of to init and their deaths
// reach this process's DeathObserver.
func SetChildSubreaper(enabled bool) error {
	var arg uintptr
	if enabled {
		arg = 1
	}
	if err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, arg, 0, 0, 0); err != nil {
		return fmt.Errorf("set child subreaper: %w", syscallError("prctl", err))
	}
	return nil
}

// IsChildSubreaper reports whether the calling process is a subreaper.
func IsChildSubreaper() (bool, error) {
	var value int32
	if err := unix.Prctl(unix.PR_GET_CHILD_SUBREAPER, uintptr(unsafe.Pointer(&value)), 0, 0, 0); err != nil {
		return false, fmt.Errorf("get child subreaper: %w", syscallError("prctl", err))
	}
	return value != 0, nil
}
