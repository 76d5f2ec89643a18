package posix

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

var (
	// ErrInvalidProcess is returned for operations on the invalid process
	// sentinel. It matches unix.ESRCH.
	ErrInvalidProcess = fmt.Errorf("invalid process: %w", unix.ESRCH)

	// ErrInvalidPipeAssign is returned when assigning into the shared invalid pipe.
	ErrInvalidPipeAssign = errors.New("cannot assign to the invalid pipe")
)

func syscallError(name string, err error) error {
	return os.NewSyscallError(name, err)
}
