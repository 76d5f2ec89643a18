package forkrun

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Paintersrp/procwatch/internal/posix/spawn"
)

func sh(script string) spawn.Spec {
	return spawn.Spec{Path: "/bin/sh", Args: []string{"-c", script}}
}

func TestRun(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		service spawn.Spec
		client  spawn.Spec
		want    Result
	}{
		{name: "both succeed", service: sh("exec sleep 30"), client: sh("exit 0"), want: Empty},
		{name: "client exits non-zero", service: sh("exec sleep 30"), client: sh("exit 1"), want: ClientFailed},
		{name: "client killed by signal", service: sh("exec sleep 30"), client: sh("kill -TERM $$"), want: ClientFailed},
		{name: "service exits early with failure", service: sh("exit 2"), client: sh("sleep 0.5"), want: ServiceFailed},
		{name: "service exits early cleanly", service: sh("exit 0"), client: sh("sleep 0.5"), want: Empty},
		{name: "both fail", service: sh("exit 3"), client: sh("sleep 0.5; exit 4"), want: ClientFailed | ServiceFailed},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := Run(context.Background(), tc.service, tc.client)
			require.NoError(t, err)
			require.Equal(t, tc.want, got, got.String())
		})
	}
}

func TestRunCancelledKillsClient(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	got, err := Run(ctx, sh("exec sleep 30"), sh("exec sleep 30"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, ClientFailed, got)
	require.Less(t, time.Since(start), 10*time.Second)
}

func TestRunStartFailures(t *testing.T) {
	t.Parallel()

	_, err := Run(context.Background(), spawn.Spec{}, sh("exit 0"))
	require.ErrorContains(t, err, "start service")

	_, err = Run(context.Background(), sh("exec sleep 30"), spawn.Spec{Path: "/nonexistent/client"})
	require.ErrorContains(t, err, "start client")
}

func TestResultString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "ok", Empty.String())
	require.Equal(t, "client_failed", ClientFailed.String())
	require.Equal(t, "client_failed|service_failed", (ClientFailed | ServiceFailed).String())
	require.True(t, (ClientFailed | ServiceFailed).Has(ServiceFailed))
	require.False(t, ClientFailed.Has(ServiceFailed))
}
