package posix

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// spawnShell starts /bin/sh -c script with all three standard streams
// connected to pipes. The child is killed and reaped on cleanup unless the
// test reaped it already.
func spawnShell(t *testing.T, script string) *ChildProcess {
	t.Helper()

	stdin, err := NewPipe()
	require.NoError(t, err)
	stdout, err := NewPipe()
	require.NoError(t, err)
	stderr, err := NewPipe()
	require.NoError(t, err)

	attr := &syscall.ProcAttr{
		Env:   []string{"PATH=/usr/bin:/bin"},
		Files: []uintptr{uintptr(stdin.ReadFD()), uintptr(stdout.WriteFD()), uintptr(stderr.WriteFD())},
	}
	pid, err := syscall.ForkExec("/bin/sh", []string{"/bin/sh", "-c", script}, attr)
	require.NoError(t, err)

	require.NoError(t, stdin.CloseRead())
	require.NoError(t, stdout.CloseWrite())
	require.NoError(t, stderr.CloseWrite())

	child, err := NewChildProcess(pid, stdin, stdout, stderr)
	require.NoError(t, err)
	require.NoError(t, stdin.Close())
	require.NoError(t, stdout.Close())
	require.NoError(t, stderr.Close())

	t.Cleanup(func() {
		reaped := child.Reaped()
		_ = child.Release()
		if !reaped {
			_, _ = child.WaitFor(0)
		}
	})
	return child
}

// awaitZombie blocks until pid has exited without consuming its status.
func awaitZombie(t *testing.T, pid int) {
	t.Helper()
	var info unix.Siginfo
	for {
		err := unix.Waitid(unix.P_PID, pid, &info, unix.WEXITED|unix.WNOWAIT, nil)
		if err == unix.EINTR {
			continue
		}
		require.NoError(t, err)
		return
	}
}
