// Package wait decodes kernel wait statuses into typed results.
package wait

import (
	"fmt"

	"github.com/Paintersrp/procwatch/internal/posix/signal"
)

// Status names the active variant of a Result.
type Status string

const (
	StatusNoStateChange Status = "no_state_change"
	StatusExited        Status = "exited"
	StatusSignaled      Status = "signaled"
	StatusStopped       Status = "stopped"
	StatusContinued     Status = "continued"
)

// Result is the outcome of waiting for a process state change. It is
// implemented by exactly NoStateChange, Exited, Signaled, Stopped and
// Continued; use a type switch to reach the payload.
type Result interface {
	Status() Status
	String() string
	isResult()
}

// NoStateChange is returned when nothing changed, typically with FlagNoHang.
type NoStateChange struct{}

// Exited reports a normal exit.
type Exited struct {
	Code int
}

// Signaled reports termination by a signal.
type Signaled struct {
	Signal     signal.Signal
	CoreDumped bool
}

// Stopped reports a child stopped by a signal.
type Stopped struct {
	Signal signal.Signal
}

// Continued reports a child resumed after a stop.
type Continued struct{}

func (NoStateChange) Status() Status { return StatusNoStateChange }
func (Exited) Status() Status        { return StatusExited }
func (Signaled) Status() Status      { return StatusSignaled }
func (Stopped) Status() Status       { return StatusStopped }
func (Continued) Status() Status     { return StatusContinued }

func (NoStateChange) isResult() {}
func (Exited) isResult()        {}
func (Signaled) isResult()      {}
func (Stopped) isResult()       {}
func (Continued) isResult()     {}

func (NoStateChange) String() string { return string(StatusNoStateChange) }

func (r Exited) String() string { return fmt.Sprintf("exited code=%d", r.Code) }

func (r Signaled) String() string {
	if r.CoreDumped {
		return fmt.Sprintf("signaled signal=%s core_dumped", r.Signal)
	}
	return fmt.Sprintf("signaled signal=%s", r.Signal)
}

func (r Stopped) String() string {
	return fmt.Sprintf("stopped signal=%s", r.Signal)
}

func (Continued) String() string { return string(StatusContinued) }

// IsTerminal reports whether r means the process is gone and has been reaped.
func IsTerminal(r Result) bool {
	switch r.(type) {
	case Exited, Signaled:
		return true
	default:
		return false
	}
}

// Success reports whether r is a zero exit.
func Success(r Result) bool {
	exited, ok := r.(Exited)
	return ok && exited.Code == 0
}
