package posix

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

const closedFD = -1

// Pipe owns both ends of a unidirectional kernel pipe. A closed end holds -1
// and is never passed to the kernel again. Copies made with Dup or Assign
// hold their own duplicated descriptors.
type Pipe struct {
	mu  sync.Mutex
	fds [2]int
}

var (
	invalidPipe     *Pipe
	invalidPipeOnce sync.Once
)

// NewPipe allocates a pipe. Both ends are close-on-exec; a spawner dup2s the
// child side onto the standard descriptors, which clears the flag there.
func NewPipe() (*Pipe, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("create pipe: %w", syscallError("pipe2", err))
	}
	return &Pipe{fds: fds}, nil
}

// InvalidPipe returns the shared placeholder with both ends closed.
func InvalidPipe() *Pipe {
	invalidPipeOnce.Do(func() {
		invalidPipe = &Pipe{fds: [2]int{closedFD, closedFD}}
	})
	return invalidPipe
}

// ReadFD returns the read end or -1.
func (p *Pipe) ReadFD() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fds[0]
}

// WriteFD returns the write end or -1.
func (p *Pipe) WriteFD() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fds[1]
}

// CloseRead closes the read end. Closing a closed end is a no-op.
func (p *Pipe) CloseRead() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeLocked(0)
}

// CloseWrite closes the write end. Closing a closed end is a no-op.
func (p *Pipe) CloseWrite() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeLocked(1)
}

// Close releases every open descriptor.
func (p *Pipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return errors.Join(p.closeLocked(0), p.closeLocked(1))
}

func (p *Pipe) closeLocked(end int) error {
	fd := p.fds[end]
	if fd == closedFD {
		return nil
	}
	p.fds[end] = closedFD
	if err := unix.Close(fd); err != nil {
		return fmt.Errorf("close pipe fd %d: %w", fd, syscallError("close", err))
	}
	return nil
}

// Dup returns an independent copy. Ends closed in p stay closed in the copy.
func (p *Pipe) Dup() (*Pipe, error) {
	fds, err := p.dupFDs()
	if err != nil {
		return nil, err
	}
	return &Pipe{fds: fds}, nil
}

// Assign releases p's open ends and replaces them with duplicates of src's.
// On failure p is left unchanged.
func (p *Pipe) Assign(src *Pipe) error {
	if p == src {
		return nil
	}
	if p == InvalidPipe() {
		return ErrInvalidPipeAssign
	}
	fds, err := src.dupFDs()
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	closeErr := errors.Join(p.closeLocked(0), p.closeLocked(1))
	p.fds = fds
	return closeErr
}

func (p *Pipe) dupFDs() ([2]int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := [2]int{closedFD, closedFD}
	for end, fd := range p.fds {
		if fd == closedFD {
			continue
		}
		dup, err := dupCloexec(fd)
		if err != nil {
			for _, opened := range out {
				if opened != closedFD {
					_ = unix.Close(opened)
				}
			}
			return [2]int{closedFD, closedFD}, err
		}
		out[end] = dup
	}
	return out, nil
}

func dupCloexec(fd int) (int, error) {
	dup, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return closedFD, fmt.Errorf("dup fd %d: %w", fd, syscallError("fcntl", err))
	}
	return dup, nil
}
