package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/procwatch/internal/cliutil"
	"github.com/Paintersrp/procwatch/internal/posix"
	"github.com/Paintersrp/procwatch/internal/posix/signal"
	"github.com/Paintersrp/procwatch/internal/posix/spawn"
	"github.com/Paintersrp/procwatch/internal/posix/wait"
)

const outputDrainTimeout = time.Second

type execOptions struct {
	stdin    bool
	untraced bool
	setpgid  bool
	dir      string
	env      []string
}

func newExecCmd(ctx *context) *cobra.Command {
	var opts execOptions
	cmd := &cobra.Command{
		Use:   "exec [flags] -- command [args...]",
		Short: "Run one command with piped streams and report how it ended",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExec(cmd, ctx, opts, args)
		},
	}
	flags := cmd.Flags()
	flags.SetInterspersed(false)
	flags.BoolVar(&opts.stdin, "stdin", false, "Forward standard input to the command")
	flags.BoolVar(&opts.untraced, "untraced", false, "Also report stop and continue transitions")
	flags.BoolVar(&opts.setpgid, "setpgid", false, "Run the command in its own process group")
	flags.StringVar(&opts.dir, "dir", "", "Working directory of the command")
	flags.StringArrayVar(&opts.env, "env", nil, "Set an environment variable (KEY=VALUE)")
	return cmd
}

func execSpec(opts execOptions, args []string) (spawn.Spec, error) {
	spec := spawn.Spec{
		Path:    args[0],
		Args:    args[1:],
		Dir:     opts.dir,
		Streams: spawn.Stdout | spawn.Stderr,
		Setpgid: opts.setpgid,
	}
	if opts.stdin {
		spec.Streams |= spawn.Stdin
	}
	if len(opts.env) > 0 {
		spec.Env = make(map[string]string)
		for _, kv := range os.Environ() {
			if key, value, ok := strings.Cut(kv, "="); ok {
				spec.Env[key] = value
			}
		}
		for _, kv := range opts.env {
			key, value, ok := strings.Cut(kv, "=")
			if !ok || key == "" {
				return spawn.Spec{}, fmt.Errorf("invalid --env %q: expected KEY=VALUE", kv)
			}
			spec.Env[key] = value
		}
	}
	return spec, nil
}

func runExec(cmd *cobra.Command, ctx *context, opts execOptions, args []string) error {
	spec, err := execSpec(opts, args)
	if err != nil {
		return err
	}
	child, err := spawn.Start(spec)
	if err != nil {
		return err
	}
	defer child.Release()

	logger := ctx.log()
	logger.Debug("started command", "pid", child.PID(), "command", cliutil.RedactedCommand(spec.Argv()))

	var copies sync.WaitGroup
	copies.Add(2)
	go func() {
		defer copies.Done()
		_, _ = io.Copy(cmd.OutOrStdout(), child.Stdout())
	}()
	go func() {
		defer copies.Done()
		_, _ = io.Copy(cmd.ErrOrStderr(), child.Stderr())
	}()
	if opts.stdin {
		// The copy may stay blocked on our own stdin after the child exits.
		go func() {
			if _, err := io.Copy(child.Stdin(), cmd.InOrStdin()); err != nil {
				logger.Debug("forward stdin", "err", err)
			}
			if err := child.CloseStdin(); err != nil {
				logger.Debug("close stdin", "err", err)
			}
		}()
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-cmd.Context().Done():
			if err := terminate(child.Process, opts.setpgid); err != nil {
				logger.Debug("forward termination", "pid", child.PID(), "err", err)
			}
		case <-done:
		}
	}()

	var flags wait.Flags
	if opts.untraced {
		flags |= wait.FlagUntraced | wait.FlagContinued
	}
	var result wait.Result
	for {
		result, err = child.WaitFor(flags)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "pid %d: %s\n", child.PID(), result)
		if wait.IsTerminal(result) {
			break
		}
	}
	drained := make(chan struct{})
	go func() {
		copies.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(outputDrainTimeout):
		// A descendant still holds the pipes open.
		logger.Debug("output still open after exit", "pid", child.PID())
		if err := child.Release(); err != nil {
			logger.Debug("release streams", "pid", child.PID(), "err", err)
		}
		<-drained
	}

	if code := exitCode(result); code != 0 {
		return &exitError{code: code}
	}
	return nil
}

func terminate(proc posix.Process, group bool) error {
	if !group {
		return proc.SendSignal(signal.Term)
	}
	pg, err := proc.ProcessGroup()
	if err != nil {
		return err
	}
	err = pg.SendSignal(signal.Term)
	if errors.Is(err, posix.ErrInvalidProcess) {
		return proc.SendSignal(signal.Term)
	}
	return err
}

// exitCode maps a terminal wait result to a shell style exit status.
func exitCode(result wait.Result) int {
	switch r := result.(type) {
	case wait.Exited:
		return r.Code
	case wait.Signaled:
		return 128 + int(r.Signal)
	default:
		return 0
	}
}
