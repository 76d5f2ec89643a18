package cli

import (
	stdcontext "context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/cobra"

	apihttp "github.com/Paintersrp/procwatch/internal/api/http"
	"github.com/Paintersrp/procwatch/internal/cliutil"
	"github.com/Paintersrp/procwatch/internal/engine"
	"github.com/Paintersrp/procwatch/internal/logmux"
	"github.com/Paintersrp/procwatch/internal/metrics"
	"github.com/Paintersrp/procwatch/internal/posix/signal"
	"github.com/Paintersrp/procwatch/internal/tui"
)

const (
	eventBuffer   = 256
	logMuxBuffer  = 1024
	apiReadyDelay = 200 * time.Millisecond
)

var newAPIServer = apihttp.NewServer

type runOptions struct {
	tui       bool
	json      bool
	apiAddr   string
	processes []string
}

func newRunCmd(ctx *context) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start every process of the manifest and supervise it until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.tui && !supportsInteractiveOutput(cmd) {
				return errors.New("--tui requires an interactive terminal")
			}
			return runManifest(cmd, ctx, opts)
		},
	}
	flags := cmd.Flags()
	flags.BoolVar(&opts.tui, "tui", false, "Show the interactive status interface")
	flags.BoolVar(&opts.json, "json", false, "Print events as JSON lines")
	flags.StringVar(&opts.apiAddr, "api-addr", "", "Serve the HTTP control API on this address")
	flags.StringSliceVar(&opts.processes, "process", nil, "Only print logs of these processes")
	return cmd
}

// eventPrinter serialises writes from the lifecycle and log consumers.
type eventPrinter struct {
	mu     sync.Mutex
	out    io.Writer
	stderr io.Writer
	enc    *json.Encoder
}

func newEventPrinter(out, stderr io.Writer, asJSON bool) *eventPrinter {
	p := &eventPrinter{out: out, stderr: stderr}
	if asJSON {
		p.enc = json.NewEncoder(out)
	}
	return p
}

func (p *eventPrinter) print(evt engine.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.enc != nil {
		cliutil.EncodeLogEvent(p.enc, p.stderr, evt)
		return
	}
	fmt.Fprintln(p.out, cliutil.FormatEvent(evt))
}

func runManifest(cmd *cobra.Command, ctx *context, opts runOptions) error {
	doc, err := ctx.loadManifest()
	if err != nil {
		return err
	}
	logger := ctx.log()
	for _, warning := range doc.Warnings {
		logger.Warn("manifest warning", "file", doc.Source, "warning", warning)
	}
	for name := range doc.Manifest.Processes {
		metrics.ResetProcess(name)
	}

	runCtx, cancel := stdcontext.WithCancel(cmd.Context())
	defer cancel()

	tracker := ctx.statusTracker()
	events := make(chan engine.Event, eventBuffer)

	var ui *tui.UI
	var uiDone <-chan struct{}
	uiErr := make(chan error, 1)
	if opts.tui {
		ui = tui.New(tui.WithSignaler(func(process string, sig signal.Signal) error {
			dep, _ := ctx.currentDeployment()
			if dep == nil {
				return errors.New("deployment is not running")
			}
			return dep.Signal(process, sig)
		}))
		uiDone = ui.Done()
		go func() { uiErr <- ui.Run(runCtx) }()
	}

	printer := newEventPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr(), opts.json)
	logs := make(chan engine.Event, eventBuffer)
	mux := logmux.New(logMuxBuffer, logmux.WithProcesses(opts.processes...))
	mux.Add(logs)

	var printWG sync.WaitGroup
	printWG.Add(1)
	go func() {
		defer printWG.Done()
		for evt := range mux.Output() {
			printer.print(evt)
		}
	}()

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		defer close(logs)
		for evt := range events {
			tracker.Apply(evt)
			if ui != nil {
				select {
				case ui.EventSink() <- evt:
				case <-uiDone:
				}
				continue
			}
			if evt.Type == engine.EventTypeLog {
				logs <- evt
				continue
			}
			printer.print(evt)
		}
	}()

	finish := func() {
		close(events)
		<-consumerDone
		mux.Close()
		printWG.Wait()
		if ui != nil {
			ui.CloseEvents()
			ui.Stop()
			<-uiErr
		}
	}

	orch := engine.NewOrchestrator(ctx.newObserver(), engine.WithLogger(logger))
	dep, err := orch.Up(runCtx, doc.Manifest, events)
	if err != nil {
		finish()
		return err
	}
	ctx.setDeployment(dep, doc)
	defer ctx.clearDeployment(dep)

	var stopAPI func() error
	if opts.apiAddr != "" {
		stopAPI, err = startAPIServer(runCtx, cmd.ErrOrStderr(), opts.apiAddr, NewControlAPI(ctx))
		if err != nil {
			err = fmt.Errorf("start control API: %w", err)
		}
	}

	if err == nil {
		select {
		case <-runCtx.Done():
			logger.Info("shutting down", "reason", stdcontext.Cause(runCtx))
		case <-dep.Done():
			logger.Debug("all processes finished")
		case <-uiDone:
			logger.Debug("interface closed")
		}
	}

	stopCtx, stopCancel := stdcontext.WithTimeout(stdcontext.Background(), engine.StopBudget(doc.Manifest))
	defer stopCancel()
	stopErr := dep.Stop(stopCtx, events)
	if stopAPI != nil {
		if apiErr := stopAPI(); apiErr != nil {
			logger.Error("control API stopped", "err", apiErr)
		}
	}
	finish()

	switch {
	case err != nil:
		return err
	case stopErr != nil:
		return stopErr
	default:
		return dep.Err()
	}
}

// startAPIServer serves the control API until the returned stop function is
// called. Startup errors surfacing within apiReadyDelay are returned directly.
func startAPIServer(ctx stdcontext.Context, out io.Writer, addr string, control *ControlAPI) (func() error, error) {
	if control == nil {
		return nil, errors.New("control API unavailable")
	}
	server, err := newAPIServer(apihttp.Config{Addr: addr, Controller: control})
	if err != nil {
		return nil, err
	}
	metrics.EmitBuildInfo()

	serverCtx, cancel := stdcontext.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run(serverCtx)
	}()

	ready := time.NewTimer(apiReadyDelay)
	defer ready.Stop()
	select {
	case err := <-errCh:
		cancel()
		if err == nil {
			err = errors.New("server exited during startup")
		}
		return nil, err
	case <-ready.C:
	}
	fmt.Fprintf(out, "Control API listening on %s\n", server.Addr())

	return func() error {
		cancel()
		err := <-errCh
		if err != nil && !errors.Is(err, stdcontext.Canceled) && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}, nil
}
