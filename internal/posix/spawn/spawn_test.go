package spawn

import (
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Paintersrp/procwatch/internal/posix"
	"github.com/Paintersrp/procwatch/internal/posix/signal"
	"github.com/Paintersrp/procwatch/internal/posix/wait"
)

func startChild(t *testing.T, spec Spec) *posix.ChildProcess {
	t.Helper()
	child, err := Start(spec)
	require.NoError(t, err)
	t.Cleanup(func() {
		reaped := child.Reaped()
		_ = child.Release()
		if !reaped {
			_, _ = child.WaitFor(0)
		}
	})
	return child
}

func readAll(t *testing.T, child *posix.ChildProcess) string {
	t.Helper()
	data, err := io.ReadAll(child.Stdout())
	require.NoError(t, err)
	return string(data)
}

func TestExecCapturesStdout(t *testing.T) {
	t.Parallel()

	child, err := Exec("/bin/echo", []string{"hello", "world"}, nil, Stdout)
	require.NoError(t, err)
	defer child.Release()

	require.Equal(t, "hello world\n", readAll(t, child))
	result, err := child.WaitFor(0)
	require.NoError(t, err)
	require.Equal(t, wait.Exited{Code: 0}, result)
}

func TestStartResolvesCommandFromPath(t *testing.T) {
	t.Parallel()

	child := startChild(t, Spec{Path: "sh", Args: []string{"-c", "exit 6"}})
	result, err := child.WaitFor(0)
	require.NoError(t, err)
	require.Equal(t, wait.Exited{Code: 6}, result)
}

func TestStartUsesExplicitEnvironment(t *testing.T) {
	t.Parallel()

	child := startChild(t, Spec{
		Path:    "/bin/sh",
		Args:    []string{"-c", `echo "$GREETING:${HOME:-unset}"`},
		Env:     map[string]string{"GREETING": "hi"},
		Streams: Stdout,
	})
	require.Equal(t, "hi:unset\n", readAll(t, child))
}

func TestStartRunsInWorkingDirectory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	want, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)

	child := startChild(t, Spec{Path: "/bin/sh", Args: []string{"-c", "pwd -P"}, Dir: dir, Streams: Stdout})
	require.Equal(t, want, strings.TrimSpace(readAll(t, child)))
}

func TestStartConnectsAllStreams(t *testing.T) {
	t.Parallel()

	child := startChild(t, Spec{
		Path:    "/bin/sh",
		Args:    []string{"-c", "read line; echo out:$line; echo err:$line >&2"},
		Streams: All,
	})

	_, err := child.Stdin().WriteString("ping\n")
	require.NoError(t, err)
	require.NoError(t, child.Stdin().Flush())

	out, err := child.Stdout().ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "out:ping\n", out)

	errLine, err := child.Stderr().ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "err:ping\n", errLine)
}

func TestStartWithSetpgidLeadsGroup(t *testing.T) {
	t.Parallel()

	child := startChild(t, Spec{Path: "/bin/sh", Args: []string{"-c", "exec sleep 30"}, Setpgid: true})

	group, err := child.ProcessGroup()
	require.NoError(t, err)
	require.Equal(t, child.PID(), group.ID())

	require.NoError(t, group.SendSignal(signal.Term))
	result, err := child.WaitFor(0)
	require.NoError(t, err)
	require.Equal(t, wait.Signaled{Signal: signal.Term}, result)
}

func TestStartErrors(t *testing.T) {
	t.Parallel()

	_, err := Start(Spec{})
	require.ErrorIs(t, err, ErrEmptyCommand)

	_, err = Start(Spec{Path: "procwatch-command-that-does-not-exist"})
	require.Error(t, err)

	_, err = Start(Spec{Path: "/nonexistent/binary", Streams: All})
	require.Error(t, err)
}

func TestStreams(t *testing.T) {
	t.Parallel()

	require.Equal(t, "none", None.String())
	require.Equal(t, "stdin|stdout|stderr", All.String())
	require.Equal(t, "stdout|stderr", (Stdout | Stderr).String())
	require.True(t, All.Has(Stdin|Stderr))
	require.False(t, Stdout.Has(Stdout|Stderr))

	got, err := ParseStreams([]string{"stdout", " STDERR "})
	require.NoError(t, err)
	require.Equal(t, Stdout|Stderr, got)

	_, err = ParseStreams([]string{"stdlog"})
	require.Error(t, err)
}

func TestSpecArgvAndEnviron(t *testing.T) {
	t.Parallel()

	spec := Spec{Path: "/bin/true", Args: []string{"a"}, Env: map[string]string{"B": "2", "A": "1"}}
	require.Equal(t, []string{"/bin/true", "a"}, spec.Argv())
	require.Equal(t, []string{"A=1", "B=2"}, spec.Environ())
	require.Nil(t, Spec{}.Environ())
}
