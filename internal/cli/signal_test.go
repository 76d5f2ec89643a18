package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/Paintersrp/procwatch/internal/posix/signal"
	"github.com/Paintersrp/procwatch/internal/posix/spawn"
	"github.com/Paintersrp/procwatch/internal/posix/wait"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd, _ := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), err
}

func TestSignalCommandDelivers(t *testing.T) {
	child, err := spawn.Start(spawn.Spec{Path: "/bin/sleep", Args: []string{"30"}})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	t.Cleanup(func() { _ = child.Release() })

	out, err := runCommand(t, "signal", fmt.Sprint(child.PID()), "usr1")
	if err != nil {
		t.Fatalf("signal: %v", err)
	}
	if out != fmt.Sprintf("sent SIGUSR1 to pid %d\n", child.PID()) {
		t.Fatalf("unexpected output %q", out)
	}

	result, err := child.WaitFor(0)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if sig, ok := result.(wait.Signaled); !ok || sig.Signal != signal.Usr1 {
		t.Fatalf("expected SIGUSR1 death, got %s", result)
	}
}

func TestSignalCommandGroup(t *testing.T) {
	child, err := spawn.Start(spawn.Spec{Path: "/bin/sleep", Args: []string{"30"}, Setpgid: true})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	t.Cleanup(func() { _ = child.Release() })

	out, err := runCommand(t, "signal", "--group", fmt.Sprint(child.PID()), "TERM")
	if err != nil {
		t.Fatalf("signal: %v", err)
	}
	if !strings.Contains(out, fmt.Sprintf("process group %d", child.PID())) {
		t.Fatalf("unexpected output %q", out)
	}
	result, err := child.WaitFor(0)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if sig, ok := result.(wait.Signaled); !ok || sig.Signal != signal.Term {
		t.Fatalf("expected SIGTERM death, got %s", result)
	}
}

func TestSignalCommandRejectsBadInput(t *testing.T) {
	if _, err := runCommand(t, "signal", "0", "TERM"); err == nil || !strings.Contains(err.Error(), "invalid pid") {
		t.Fatalf("expected invalid pid error, got %v", err)
	}
	if _, err := runCommand(t, "signal", "1", "NOPE"); err == nil {
		t.Fatalf("expected invalid signal error")
	}
}

func TestStatCommandSelf(t *testing.T) {
	out, err := runCommand(t, "stat", "self")
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	for _, want := range []string{"PID", fmt.Sprint(os.Getpid()), "MEMORY", "THREADS"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestStatCommandJSON(t *testing.T) {
	out, err := runCommand(t, "stat", "--json", fmt.Sprint(os.Getpid()))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	var got statOutput
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if got.PID != os.Getpid() || got.PPID != os.Getppid() || got.RSSBytes == 0 {
		t.Fatalf("unexpected stat %+v", got)
	}
}

func TestForkrunCommand(t *testing.T) {
	out, err := runCommand(t, "forkrun", "--service", "exec sleep 30", "--client", "exit 0")
	if err != nil {
		t.Fatalf("forkrun: %v", err)
	}
	if out != "ok\n" {
		t.Fatalf("unexpected output %q", out)
	}

	out, err = runCommand(t, "forkrun", "--service", "exit 2", "--client", "sleep 0.5; exit 1")
	var exit *exitError
	if !errors.As(err, &exit) || exit.code != 3 {
		t.Fatalf("expected exit code 3, got %v", err)
	}
	if out != "client_failed|service_failed\n" {
		t.Fatalf("unexpected output %q", out)
	}

	if _, err := runCommand(t, "forkrun", "--service", "true"); err == nil {
		t.Fatalf("expected error without client")
	}
}
