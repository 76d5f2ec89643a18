package httpapi

import (
	stdcontext "context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Paintersrp/procwatch/internal/api"
	"github.com/Paintersrp/procwatch/internal/metrics"
	"github.com/Paintersrp/procwatch/internal/posix/signal"
)

type mockController struct {
	statusFn func(stdcontext.Context) (*api.StatusReport, error)
	signalFn func(stdcontext.Context, string, signal.Signal) (*api.SignalResult, error)
}

func (m *mockController) Status(ctx stdcontext.Context) (*api.StatusReport, error) {
	if m.statusFn != nil {
		return m.statusFn(ctx)
	}
	return &api.StatusReport{}, nil
}

func (m *mockController) Signal(ctx stdcontext.Context, name string, sig signal.Signal) (*api.SignalResult, error) {
	if m.signalFn != nil {
		return m.signalFn(ctx, name, sig)
	}
	return &api.SignalResult{Process: name, Signal: sig.String()}, nil
}

func newTestServer(t *testing.T, ctrl api.Controller) *Server {
	t.Helper()
	server, err := NewServer(Config{Controller: ctrl})
	if err != nil {
		t.Fatalf("failed creating server: %v", err)
	}
	return server
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	return body
}

func TestNewServerRejectsMissingController(t *testing.T) {
	_, err := NewServer(Config{})
	if err == nil || !strings.Contains(err.Error(), "controller is required") {
		t.Fatalf("expected error without controller, got %v", err)
	}
}

func TestNormalizeAddr(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"":           defaultAddr,
		":80":        "127.0.0.1:80",
		"0.0.0.0:80": "0.0.0.0:80",
		"host:9000":  "host:9000",
		"[::1]:443":  "[::1]:443",
		"garbage":    "garbage",
	}
	for input, expected := range tests {
		input, expected := input, expected
		t.Run(fmt.Sprintf("%s->%s", input, expected), func(t *testing.T) {
			t.Parallel()
			if got := normalizeAddr(input); got != expected {
				t.Fatalf("normalizeAddr(%q)=%q, want %q", input, got, expected)
			}
		})
	}
}

func TestHandleChildren(t *testing.T) {
	ctrl := &mockController{
		statusFn: func(stdcontext.Context) (*api.StatusReport, error) {
			return &api.StatusReport{
				Manifest:        "procwatch.yaml",
				TrackedChildren: 1,
				Processes: map[string]api.ChildReport{
					"web": {Name: "web", PID: 4242, Running: true},
				},
			}, nil
		},
	}
	server := newTestServer(t, ctrl)

	rec := httptest.NewRecorder()
	server.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/children", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d", rec.Code)
	}
	var body api.StatusReport
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed decoding response: %v", err)
	}
	if body.TrackedChildren != 1 || body.Processes["web"].PID != 4242 {
		t.Fatalf("unexpected report: %+v", body)
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("expected no-store cache header")
	}
}

func TestHandleChildrenErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "internal", err: errors.New("boom"), status: http.StatusInternalServerError, code: "internal_error"},
		{name: "noDeployment", err: api.ErrNoActiveDeployment, status: http.StatusConflict, code: "no_active_deployment"},
		{name: "canceled", err: stdcontext.Canceled, status: 499, code: "context_canceled"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := newTestServer(t, &mockController{
				statusFn: func(stdcontext.Context) (*api.StatusReport, error) { return nil, tc.err },
			})
			rec := httptest.NewRecorder()
			server.handleChildren(rec, httptest.NewRequest(http.MethodGet, "/api/v1/children", nil))
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rec.Code)
			}
			if body := decodeError(t, rec); body.Code != tc.code {
				t.Fatalf("expected code %q, got %q", tc.code, body.Code)
			}
		})
	}
}

func TestHandleChildrenMethodNotAllowed(t *testing.T) {
	server := newTestServer(t, &mockController{})
	rec := httptest.NewRecorder()
	server.handleChildren(rec, httptest.NewRequest(http.MethodPost, "/api/v1/children", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	if allow := rec.Header().Get("Allow"); allow != http.MethodGet {
		t.Fatalf("expected Allow header %q, got %q", http.MethodGet, allow)
	}
}

func TestHandleSignal(t *testing.T) {
	var gotName string
	var gotSig signal.Signal
	server := newTestServer(t, &mockController{
		signalFn: func(_ stdcontext.Context, name string, sig signal.Signal) (*api.SignalResult, error) {
			gotName, gotSig = name, sig
			return &api.SignalResult{Process: name, PID: 99, Signal: sig.String()}, nil
		},
	})

	rec := httptest.NewRecorder()
	server.handleSignal(rec, httptest.NewRequest(http.MethodPost, "/api/v1/signal/web?signal=hup", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if gotName != "web" || gotSig != signal.Hup {
		t.Fatalf("controller received %q %v", gotName, gotSig)
	}
	var body map[string]api.SignalResult
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["signal"].PID != 99 || body["signal"].Signal != "SIGHUP" {
		t.Fatalf("unexpected result: %+v", body)
	}
}

func TestHandleSignalDefaultsToTerm(t *testing.T) {
	var gotSig signal.Signal
	server := newTestServer(t, &mockController{
		signalFn: func(_ stdcontext.Context, name string, sig signal.Signal) (*api.SignalResult, error) {
			gotSig = sig
			return &api.SignalResult{}, nil
		},
	})
	rec := httptest.NewRecorder()
	server.handleSignal(rec, httptest.NewRequest(http.MethodPost, "/api/v1/signal/web", nil))
	if rec.Code != http.StatusOK || gotSig != signal.Term {
		t.Fatalf("expected SIGTERM, got %v (status %d)", gotSig, rec.Code)
	}
}

func TestHandleSignalErrors(t *testing.T) {
	cases := []struct {
		name   string
		method string
		path   string
		ctrl   error
		status int
		code   string
	}{
		{name: "missingProcess", method: http.MethodPost, path: "/api/v1/signal/", status: http.StatusNotFound, code: "unknown_process"},
		{name: "nestedPath", method: http.MethodPost, path: "/api/v1/signal/a/b", status: http.StatusNotFound, code: "unknown_process"},
		{name: "badSignal", method: http.MethodPost, path: "/api/v1/signal/web?signal=NOPE", status: http.StatusBadRequest, code: "invalid_signal"},
		{name: "unknown", method: http.MethodPost, path: "/api/v1/signal/ghost", ctrl: fmt.Errorf("%w: ghost", api.ErrUnknownProcess), status: http.StatusNotFound, code: "unknown_process"},
		{name: "notRunning", method: http.MethodPost, path: "/api/v1/signal/web", ctrl: api.ErrProcessNotRunning, status: http.StatusConflict, code: "process_not_running"},
		{name: "wrongMethod", method: http.MethodGet, path: "/api/v1/signal/web", status: http.StatusMethodNotAllowed, code: "method_not_allowed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := newTestServer(t, &mockController{
				signalFn: func(stdcontext.Context, string, signal.Signal) (*api.SignalResult, error) {
					if tc.ctrl == nil {
						t.Fatalf("controller should not be reached")
					}
					return nil, tc.ctrl
				},
			})
			rec := httptest.NewRecorder()
			server.handleSignal(rec, httptest.NewRequest(tc.method, tc.path, nil))
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rec.Code)
			}
			if body := decodeError(t, rec); body.Code != tc.code {
				t.Fatalf("expected code %q, got %q", tc.code, body.Code)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	server := newTestServer(t, &mockController{})

	process := "http_metrics"
	metrics.SetProcessRunning(process, true)
	metrics.ObserveDeath(process, "exited", 200*time.Millisecond)
	metrics.EmitBuildInfo()

	rec := httptest.NewRecorder()
	server.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from metrics endpoint, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		fmt.Sprintf("procwatch_process_running{process=\"%s\"} 1", process),
		fmt.Sprintf("procwatch_child_lifetime_seconds_count{process=\"%s\"} 1", process),
		"procwatch_build_info{",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected body to contain %q, got:\n%s", want, body)
		}
	}
}

func TestRunServesUntilCancelled(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	server, err := NewServer(Config{Controller: &mockController{}, Listener: ln})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	ctx, cancel := stdcontext.WithCancel(stdcontext.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- server.Run(ctx) }()

	resp, err := http.Get("http://" + server.Addr() + "/api/v1/children")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not shut down")
	}
}
