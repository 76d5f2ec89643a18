package cli

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/Paintersrp/procwatch/internal/posix/signal"
	"github.com/Paintersrp/procwatch/internal/posix/wait"
)

func runExecCommand(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	cmd, _ := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"exec"}, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestExecReportsExit(t *testing.T) {
	stdout, stderr, err := runExecCommand(t, "", "--", "/bin/sh", "-c", "echo hi; echo warn >&2")
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if stdout != "hi\n" {
		t.Fatalf("unexpected stdout %q", stdout)
	}
	if !strings.Contains(stderr, "warn\n") || !strings.Contains(stderr, ": exited code=0") {
		t.Fatalf("unexpected stderr %q", stderr)
	}
}

func TestExecMirrorsExitCode(t *testing.T) {
	_, stderr, err := runExecCommand(t, "", "/bin/sh", "-c", "exit 3")
	var exit *exitError
	if !errors.As(err, &exit) || exit.code != 3 {
		t.Fatalf("expected exit code 3, got %v", err)
	}
	if !strings.Contains(stderr, "exited code=3") {
		t.Fatalf("unexpected stderr %q", stderr)
	}
}

func TestExecReportsSignal(t *testing.T) {
	_, stderr, err := runExecCommand(t, "", "/bin/sh", "-c", "kill -KILL $$")
	var exit *exitError
	if !errors.As(err, &exit) || exit.code != 128+int(signal.Kill) {
		t.Fatalf("expected exit code %d, got %v", 128+int(signal.Kill), err)
	}
	if !strings.Contains(stderr, "signaled signal=SIGKILL") {
		t.Fatalf("unexpected stderr %q", stderr)
	}
}

func TestExecForwardsStdin(t *testing.T) {
	stdout, _, err := runExecCommand(t, "one\ntwo\n", "--stdin", "/bin/sh", "-c", "wc -l")
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if strings.TrimSpace(stdout) != "2" {
		t.Fatalf("unexpected stdout %q", stdout)
	}
}

func TestExecEnvAndDir(t *testing.T) {
	dir := t.TempDir()
	stdout, _, err := runExecCommand(t, "", "--env", "GREETING=hello", "--dir", dir, "/bin/sh", "-c", `echo "$GREETING $(pwd)"`)
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if strings.TrimSpace(stdout) != "hello "+dir {
		t.Fatalf("unexpected stdout %q", stdout)
	}
}

func TestExecRejectsInvalidEnv(t *testing.T) {
	_, _, err := runExecCommand(t, "", "--env", "NOVALUE", "/bin/true")
	if err == nil || !strings.Contains(err.Error(), "KEY=VALUE") {
		t.Fatalf("expected env error, got %v", err)
	}
}

func TestExecMissingBinary(t *testing.T) {
	_, _, err := runExecCommand(t, "", "/nonexistent/procwatch-test-binary")
	if err == nil {
		t.Fatalf("expected start error")
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		result wait.Result
		want   int
	}{
		{wait.Exited{Code: 0}, 0},
		{wait.Exited{Code: 7}, 7},
		{wait.Signaled{Signal: signal.Term}, 128 + int(signal.Term)},
		{wait.NoStateChange{}, 0},
	}
	for _, tc := range tests {
		if got := exitCode(tc.result); got != tc.want {
			t.Fatalf("exitCode(%s) = %d, want %d", tc.result, got, tc.want)
		}
	}
}

func TestExecReturnsWhileDescendantHoldsOutput(t *testing.T) {
	start := time.Now()
	stdout, stderr, err := runExecCommand(t, "", "/bin/sh", "-c", "sleep 30 & echo $!")
	if pid, convErr := strconv.Atoi(strings.TrimSpace(stdout)); convErr == nil {
		t.Cleanup(func() { _ = syscall.Kill(pid, syscall.SIGKILL) })
	} else {
		t.Fatalf("expected background pid on stdout, got %q", stdout)
	}
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("exec waited %s for the descendant's output", elapsed)
	}
	if !strings.Contains(stderr, "exited code=0") {
		t.Fatalf("unexpected stderr %q", stderr)
	}
}
