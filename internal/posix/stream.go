package posix

import (
	"errors"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// streamFile duplicates a parent-side pipe end into an *os.File served by
// the runtime poller. Close on the file wakes a blocked Read or Write, and
// the descriptor is not released while one is in flight, so a restarted
// child reusing the number is never read by a stale reader. A closed end
// yields a nil file.
func streamFile(fd int, name string) (*os.File, error) {
	if fd == closedFD {
		return nil, nil
	}
	dup, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, syscallError("fcntl", err)
	}
	// os.NewFile only registers non-blocking descriptors with the poller.
	if err := unix.SetNonblock(dup, true); err != nil {
		_ = unix.Close(dup)
		return nil, syscallError("fcntl", err)
	}
	return os.NewFile(uintptr(dup), name), nil
}

// streamReader reads a child's output. A missing or closed stream reads as
// end-of-stream.
type streamReader struct {
	f *os.File
}

func (r streamReader) Read(p []byte) (int, error) {
	if r.f == nil {
		return 0, io.EOF
	}
	n, err := r.f.Read(p)
	if errors.Is(err, os.ErrClosed) {
		return n, io.EOF
	}
	return n, err
}

// streamWriter feeds a child's input, blocking while the pipe is full.
type streamWriter struct {
	f *os.File
}

func (w streamWriter) Write(p []byte) (int, error) {
	if w.f == nil {
		return 0, os.ErrClosed
	}
	return w.f.Write(p)
}

func closeFile(f *os.File) error {
	if f == nil {
		return nil
	}
	err := f.Close()
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}
