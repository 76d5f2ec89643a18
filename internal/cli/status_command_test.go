package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Paintersrp/procwatch/internal/api"
	"github.com/Paintersrp/procwatch/internal/engine"
)

func newStatusServer(t *testing.T, status int, payload any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/children" || r.Method != http.MethodGet {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(payload)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func runStatusCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd, _ := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"status"}, args...))
	err := cmd.Execute()
	return stdout.String(), err
}

func findProcessLine(output, name string) string {
	for _, line := range strings.Split(output, "\n") {
		if strings.HasPrefix(line, name+" ") {
			return line
		}
	}
	return ""
}

func sampleReport() api.StatusReport {
	now := time.Now()
	return api.StatusReport{
		Manifest:        "/srv/procwatch.yaml",
		Version:         "1",
		GeneratedAt:     now,
		TrackedChildren: 1,
		Processes: map[string]api.ChildReport{
			"web": {
				Name:      "web",
				PID:       4242,
				State:     engine.EventTypeReady,
				Running:   true,
				Ready:     true,
				Restarts:  2,
				StartedAt: now.Add(-90 * time.Second),
				Resources: &api.ResourceUsage{RSSBytes: 3 << 20, CPUSeconds: 1.5},
				History: []api.Transition{
					{Timestamp: now.Add(-2 * time.Minute), Type: engine.EventTypeStarting, Reason: engine.ReasonInitialStart},
					{Timestamp: now.Add(-100 * time.Second), Type: engine.EventTypeExited, Reason: engine.ReasonChildExit, Message: "exited with code 1"},
					{Timestamp: now.Add(-90 * time.Second), Type: engine.EventTypeSpawned, Reason: engine.ReasonRestart},
				},
			},
			"batch": {
				Name:       "batch",
				State:      engine.EventTypeExited,
				LastStatus: "exited code=0",
				Message:    "exited with code 0",
			},
		},
	}
}

func TestStatusCommandRendersTable(t *testing.T) {
	t.Parallel()

	srv := newStatusServer(t, http.StatusOK, sampleReport())
	output, err := runStatusCommand(t, "--api-addr", srv.URL)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(output, "PROCESS") || !strings.Contains(output, "CPU/MEM") {
		t.Fatalf("expected status header, got: %s", output)
	}

	web := findProcessLine(output, "web")
	for _, want := range []string{"Ready", "yes", "4242", "2", "1.50s / 3MiB"} {
		if !strings.Contains(web, want) {
			t.Fatalf("expected %q in web line, got: %s", want, web)
		}
	}
	batch := findProcessLine(output, "batch")
	if !strings.Contains(batch, "Exited") || !strings.Contains(batch, "exited code=0") || strings.Contains(batch, "yes") {
		t.Fatalf("unexpected batch line: %s", batch)
	}
	if strings.Index(output, "batch") > strings.Index(output, "web") {
		t.Fatalf("expected processes sorted by name:\n%s", output)
	}
	if !strings.Contains(output, "Manifest: /srv/procwatch.yaml (version 1)") {
		t.Fatalf("expected manifest footer, got: %s", output)
	}
	if !strings.Contains(output, "Tracked children: 1") {
		t.Fatalf("expected tracked children, got: %s", output)
	}
	if strings.Contains(output, "history:") {
		t.Fatalf("history should be hidden by default: %s", output)
	}
}

func TestStatusCommandHistoryLimit(t *testing.T) {
	t.Parallel()

	srv := newStatusServer(t, http.StatusOK, sampleReport())
	output, err := runStatusCommand(t, "--api-addr", srv.URL, "--history", "2")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(output, "web history:") {
		t.Fatalf("expected web history, got: %s", output)
	}
	if strings.Contains(output, engine.ReasonInitialStart) {
		t.Fatalf("expected oldest transition to be trimmed: %s", output)
	}
	if !strings.Contains(output, engine.ReasonChildExit) || !strings.Contains(output, engine.ReasonRestart) {
		t.Fatalf("expected recent transitions, got: %s", output)
	}
	if strings.Contains(output, "batch history:") {
		t.Fatalf("batch has no history: %s", output)
	}
}

func TestStatusCommandJSON(t *testing.T) {
	t.Parallel()

	srv := newStatusServer(t, http.StatusOK, sampleReport())
	output, err := runStatusCommand(t, "--api-addr", strings.TrimPrefix(srv.URL, "http://"), "--json")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var report api.StatusReport
	if err := json.Unmarshal([]byte(output), &report); err != nil {
		t.Fatalf("decode output: %v\n%s", err, output)
	}
	if report.Processes["web"].PID != 4242 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestStatusCommandSurfacesAPIError(t *testing.T) {
	t.Parallel()

	srv := newStatusServer(t, http.StatusConflict, map[string]any{
		"code":    "no_active_deployment",
		"message": "no active deployment for status",
	})
	_, err := runStatusCommand(t, "--api-addr", srv.URL)
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "no_active_deployment") || !strings.Contains(err.Error(), "no active deployment") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestStatusCommandUnreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	_, err := runStatusCommand(t, "--api-addr", addr)
	if err == nil || !strings.Contains(err.Error(), "query control API") {
		t.Fatalf("expected connection error, got %v", err)
	}
}
