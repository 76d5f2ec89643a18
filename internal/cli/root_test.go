package cli

import (
	"bytes"
	stdcontext "context"
	"log/slog"
	"strings"
	"testing"
)

const lintManifest = `version: "1"
processes:
  web:
    command: ["/bin/true"]
`

func executeRoot(t *testing.T, args ...string) (*context, string, string, error) {
	t.Helper()
	cmd, ctx := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return ctx, stdout.String(), stderr.String(), err
}

func TestRootCommandLogLevelFromEnv(t *testing.T) {
	path := writeManifest(t, lintManifest)
	t.Setenv("PROCWATCH_LOG_LEVEL", "debug")

	ctx, _, _, err := executeRoot(t, "config", "lint", "-f", path)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if ctx.logLevel != "debug" {
		t.Fatalf("expected log level from env, got %q", ctx.logLevel)
	}
	if !ctx.log().Enabled(stdcontext.Background(), slog.LevelDebug) {
		t.Fatalf("expected debug logging to be enabled")
	}
}

func TestRootCommandFlagOverridesEnv(t *testing.T) {
	path := writeManifest(t, lintManifest)
	t.Setenv("PROCWATCH_LOG_LEVEL", "debug")

	ctx, _, _, err := executeRoot(t, "config", "lint", "-f", path, "--log-level", "error")
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if ctx.logLevel != "error" {
		t.Fatalf("expected flag to win over env, got %q", ctx.logLevel)
	}
	if ctx.log().Enabled(stdcontext.Background(), slog.LevelWarn) {
		t.Fatalf("expected warn logging to be disabled")
	}
}

func TestRootCommandManifestFromEnv(t *testing.T) {
	path := writeManifest(t, lintManifest)
	t.Setenv("PROCWATCH_FILE", path)

	_, stdout, _, err := executeRoot(t, "config", "lint")
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if stdout != path+": OK\n" {
		t.Fatalf("unexpected stdout %q", stdout)
	}
}

func TestRootCommandRejectsInvalidLogFormat(t *testing.T) {
	path := writeManifest(t, lintManifest)
	t.Setenv("PROCWATCH_LOG_FORMAT", "xml")

	_, _, _, err := executeRoot(t, "config", "lint", "-f", path)
	if err == nil || !strings.Contains(err.Error(), "invalid log format") {
		t.Fatalf("expected invalid log format error, got %v", err)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, "info", "json")
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	logger.Info("hello", "process", "web")
	if !strings.Contains(buf.String(), `"process":"web"`) {
		t.Fatalf("expected json output, got %q", buf.String())
	}

	if _, err := newLogger(&buf, "loud", "text"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestExitErrorMessage(t *testing.T) {
	if got := (&exitError{code: 3}).Error(); got != "exit status 3" {
		t.Fatalf("unexpected message %q", got)
	}
	if got := (&exitError{code: 1, msg: "boom"}).Error(); got != "boom" {
		t.Fatalf("unexpected message %q", got)
	}
}
