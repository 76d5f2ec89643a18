package posix

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/Paintersrp/procwatch/internal/posix/signal"
	"github.com/Paintersrp/procwatch/internal/posix/wait"
)

// ChildProcess is a Process created by this process, with its standard
// streams connected to pipes. Pipe directions are from the child's point of
// view: the parent writes Stdin and reads Stdout and Stderr.
//
// Release must be called once the handle is no longer needed. It kills a
// child that was never reaped, but only when called from the process that
// constructed the handle.
type ChildProcess struct {
	Process

	stdin  *Pipe
	stdout *Pipe
	stderr *Pipe

	inFile  *os.File
	outFile *os.File
	errFile *os.File

	in  *bufio.Writer
	out *bufio.Reader
	err *bufio.Reader

	originalParent int
	originalChild  int

	reaped      atomic.Bool
	releaseOnce sync.Once
	releaseErr  error
}

// NewChildProcess wraps pid together with duplicates of the three pipes. The
// caller keeps ownership of the pipes it passed in.
func NewChildProcess(pid int, stdin, stdout, stderr *Pipe) (*ChildProcess, error) {
	if pid <= 0 && pid != InvalidPID {
		return nil, fmt.Errorf("new child process %d: %w", pid, ErrInvalidProcess)
	}

	pipes := make([]*Pipe, 0, 3)
	for _, src := range []*Pipe{stdin, stdout, stderr} {
		if src == nil {
			src = InvalidPipe()
		}
		dup, err := src.Dup()
		if err != nil {
			for _, p := range pipes {
				_ = p.Close()
			}
			return nil, fmt.Errorf("new child process %d: %w", pid, err)
		}
		pipes = append(pipes, dup)
	}

	c := &ChildProcess{
		Process:        Process{pid: pid},
		stdin:          pipes[0],
		stdout:         pipes[1],
		stderr:         pipes[2],
		originalParent: unix.Getpid(),
		originalChild:  pid,
	}
	if err := c.openStreams(); err != nil {
		_ = c.closeAll()
		return nil, fmt.Errorf("new child process %d: %w", pid, err)
	}
	c.in = bufio.NewWriter(streamWriter{f: c.inFile})
	c.out = bufio.NewReader(streamReader{f: c.outFile})
	c.err = bufio.NewReader(streamReader{f: c.errFile})
	return c, nil
}

// openStreams wraps the parent-side ends. The ends are switched to
// non-blocking mode, which the poller behind the files requires.
func (c *ChildProcess) openStreams() error {
	var err error
	if c.inFile, err = streamFile(c.stdin.WriteFD(), "stdin"); err != nil {
		return err
	}
	if c.outFile, err = streamFile(c.stdout.ReadFD(), "stdout"); err != nil {
		return err
	}
	c.errFile, err = streamFile(c.stderr.ReadFD(), "stderr")
	return err
}

func (c *ChildProcess) closeAll() error {
	var errs []error
	for _, f := range []*os.File{c.inFile, c.outFile, c.errFile} {
		if err := closeFile(f); err != nil {
			errs = append(errs, err)
		}
	}
	for _, p := range []*Pipe{c.stdin, c.stdout, c.stderr} {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// InvalidChildProcess returns a handle with the invalid pid and no streams.
func InvalidChildProcess() *ChildProcess {
	c, _ := NewChildProcess(InvalidPID, InvalidPipe(), InvalidPipe(), InvalidPipe())
	return c
}

// Stdin is the buffered writer feeding the child's standard input. Flush
// after writing; a full pipe blocks the writer.
func (c *ChildProcess) Stdin() *bufio.Writer {
	return c.in
}

// Stdout reads the child's standard output until the child closes it.
func (c *ChildProcess) Stdout() *bufio.Reader {
	return c.out
}

// Stderr reads the child's standard error until the child closes it.
func (c *ChildProcess) Stderr() *bufio.Reader {
	return c.err
}

// CloseStdin closes the parent's end of the child's standard input so the
// child observes end-of-stream.
func (c *ChildProcess) CloseStdin() error {
	flushErr := c.in.Flush()
	closeErr := errors.Join(closeFile(c.inFile), c.stdin.CloseWrite())
	if flushErr != nil && !errors.Is(flushErr, unix.EPIPE) && !errors.Is(flushErr, os.ErrClosed) {
		return fmt.Errorf("flush stdin: %w", flushErr)
	}
	return closeErr
}

// Reaped reports whether a wait on this child has consumed its exit status.
func (c *ChildProcess) Reaped() bool {
	return c.reaped.Load()
}

func (c *ChildProcess) markReaped() {
	c.reaped.Store(true)
}

// WaitFor waits for a state change of exactly this child. Unless flags
// contain wait.FlagNoHang it blocks. Exited and Signaled results reap the child;
// neither WaitFor nor a DeathObserver may reap it again afterwards.
func (c *ChildProcess) WaitFor(flags wait.Flags) (wait.Result, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("wait: %w", ErrInvalidProcess)
	}

	var status unix.WaitStatus
	for {
		pid, err := unix.Wait4(c.pid, &status, int(flags), nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("wait for pid %d: %w", c.pid, syscallError("wait4", err))
		}

		result, err := wait.Decode(pid, status)
		if err != nil {
			return nil, err
		}
		if wait.IsTerminal(result) {
			c.markReaped()
		}
		return result, nil
	}
}

// Release closes the handle. In the process that created it, a valid child
// that has not been reaped is killed first so that it cannot be orphaned. In
// any other process, for example after the handle was inherited across a
// fork, only descriptors are closed. Release is idempotent.
func (c *ChildProcess) Release() error {
	c.releaseOnce.Do(func() {
		var errs []error
		if c.originalParent == unix.Getpid() && c.originalChild > 0 && !c.Reaped() {
			if err := c.SendSignal(signal.Kill); err != nil && !errors.Is(err, unix.ESRCH) {
				errs = append(errs, err)
			}
		}
		if err := c.closeAll(); err != nil {
			errs = append(errs, err)
		}
		c.releaseErr = errors.Join(errs...)
	})
	return c.releaseErr
}
