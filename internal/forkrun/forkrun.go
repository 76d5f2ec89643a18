// Package forkrun runs a service process together with a client process that
// exercises it, and reports which of the two failed.
package forkrun

import (
	"context"
	"fmt"
	"strings"

	"github.com/Paintersrp/procwatch/internal/posix"
	"github.com/Paintersrp/procwatch/internal/posix/signal"
	"github.com/Paintersrp/procwatch/internal/posix/spawn"
	"github.com/Paintersrp/procwatch/internal/posix/wait"
)

// Result is a bitset of failures.
type Result uint8

const (
	ClientFailed Result = 1 << iota
	ServiceFailed

	Empty Result = 0
)

// Has reports whether r contains every bit of other.
func (r Result) Has(other Result) bool {
	return r&other == other
}

func (r Result) String() string {
	if r == Empty {
		return "ok"
	}
	var parts []string
	if r.Has(ClientFailed) {
		parts = append(parts, "client_failed")
	}
	if r.Has(ServiceFailed) {
		parts = append(parts, "service_failed")
	}
	return strings.Join(parts, "|")
}

// Run starts service, then client, and waits for the client to finish. The
// service is then killed. The client fails unless it exits with status 0.
// The service fails if it exited on its own with a non-zero status or by a
// signal; being killed by Run after the client finished is not a failure.
//
// Cancelling ctx kills the client; Run still reaps both processes and
// returns ctx.Err().
func Run(ctx context.Context, service, client spawn.Spec) (Result, error) {
	svc, err := spawn.Start(service)
	if err != nil {
		return Empty, fmt.Errorf("start service: %w", err)
	}
	defer svc.Release()

	cl, err := spawn.Start(client)
	if err != nil {
		_ = settle(svc)
		return Empty, fmt.Errorf("start client: %w", err)
	}
	defer cl.Release()

	result := Empty
	clientResult, waitErr := waitClient(ctx, cl)
	if waitErr != nil && ctx.Err() == nil {
		_ = settle(svc)
		return Empty, fmt.Errorf("wait for client: %w", waitErr)
	}
	if !wait.Success(clientResult) {
		result |= ClientFailed
	}
	if err := settle(cl); err != nil {
		return result, fmt.Errorf("reap client: %w", err)
	}

	serviceFailed, err := finishService(svc)
	if err != nil {
		return result, err
	}
	if serviceFailed {
		result |= ServiceFailed
	}
	return result, ctx.Err()
}

func waitClient(ctx context.Context, child *posix.ChildProcess) (wait.Result, error) {
	type outcome struct {
		result wait.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := child.WaitFor(wait.FlagUntraced)
		done <- outcome{result: r, err: err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-ctx.Done():
		_ = child.SendSignal(signal.Kill)
		o := <-done
		if o.err != nil {
			return nil, o.err
		}
		return o.result, ctx.Err()
	}
}

func finishService(svc *posix.ChildProcess) (bool, error) {
	r, err := svc.WaitFor(wait.FlagNoHang)
	if err != nil {
		return false, fmt.Errorf("wait for service: %w", err)
	}
	if _, running := r.(wait.NoStateChange); running {
		if err := settle(svc); err != nil {
			return false, fmt.Errorf("stop service: %w", err)
		}
		return false, nil
	}
	if !wait.IsTerminal(r) {
		// Stopped or continued: it never finished on its own.
		return true, settle(svc)
	}
	return !wait.Success(r), nil
}

// settle kills child if it has not been reaped yet and reaps it.
func settle(child *posix.ChildProcess) error {
	if child.Reaped() {
		return nil
	}
	if err := child.SendSignal(signal.Kill); err != nil {
		return err
	}
	_, err := child.WaitFor(0)
	return err
}
