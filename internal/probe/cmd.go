package probe

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/Paintersrp/procwatch/internal/config"
	"github.com/Paintersrp/procwatch/internal/posix/signal"
	"github.com/Paintersrp/procwatch/internal/posix/spawn"
	"github.com/Paintersrp/procwatch/internal/posix/wait"
)

// CommandRunner runs argv to completion and reports how it ended. It must
// kill the command and return ctx's error once ctx is done.
type CommandRunner func(ctx context.Context, argv []string) (wait.Result, error)

// RunCommand is the default CommandRunner. It waits for the command
// directly, so it must not be used while a death observer reaps children of
// this process.
func RunCommand(ctx context.Context, argv []string) (wait.Result, error) {
	if len(argv) == 0 {
		return nil, spawn.ErrEmptyCommand
	}
	child, err := spawn.Start(spawn.Spec{Path: argv[0], Args: argv[1:], Streams: spawn.Stdout | spawn.Stderr})
	if err != nil {
		return nil, err
	}
	defer child.Release()
	go io.Copy(io.Discard, child.Stdout())
	go io.Copy(io.Discard, child.Stderr())

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = child.SendSignal(signal.Kill)
		case <-done:
		}
	}()

	result, err := child.WaitFor(0)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	return result, err
}

type commandProber struct {
	command []string
	run     CommandRunner
}

func newCommandProber(spec *config.CommandProbeSpec, run CommandRunner) (Prober, error) {
	if len(spec.Command) == 0 {
		return nil, errors.New("probe: command requires at least one argument")
	}
	return &commandProber{command: append([]string(nil), spec.Command...), run: run}, nil
}

func (p *commandProber) Probe(ctx context.Context) error {
	result, err := p.run(ctx, p.command)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("command failed: %w", err)
	}
	switch r := result.(type) {
	case wait.Exited:
		if r.Code == 0 {
			return nil
		}
		return fmt.Errorf("exit %d", r.Code)
	case wait.Signaled:
		return fmt.Errorf("killed by %s", r.Signal)
	case nil:
		return errors.New("exit status unavailable")
	default:
		return fmt.Errorf("unexpected status %s", r)
	}
}
