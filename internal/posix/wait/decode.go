package wait

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/Paintersrp/procwatch/internal/posix/signal"
)

// ErrUnrecognizedStatus is returned for a status that matches none of the
// kernel encodings. It indicates a bug rather than an environmental failure.
var ErrUnrecognizedStatus = errors.New("unrecognized wait status")

// Decode classifies the status reported by wait4 for pid. A pid of zero is
// the kernel's way of saying nothing changed.
func Decode(pid int, status unix.WaitStatus) (Result, error) {
	if pid == 0 {
		return NoStateChange{}, nil
	}

	switch {
	case status.Exited():
		return Exited{Code: status.ExitStatus()}, nil
	case status.Signaled():
		return Signaled{Signal: signal.Signal(status.Signal()), CoreDumped: status.CoreDump()}, nil
	case status.Stopped():
		return Stopped{Signal: signal.Signal(status.StopSignal())}, nil
	case status.Continued():
		return Continued{}, nil
	default:
		return nil, fmt.Errorf("pid %d status %#x: %w", pid, uint32(status), ErrUnrecognizedStatus)
	}
}
