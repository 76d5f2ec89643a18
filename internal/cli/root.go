package cli

import (
	stdcontext "context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/Paintersrp/procwatch/internal/cliutil"
	"github.com/Paintersrp/procwatch/internal/engine"
	"github.com/Paintersrp/procwatch/internal/posix"
)

const envPrefix = "procwatch"

func NewRootCmd() *cobra.Command {
	root, _ := newRootCommand()
	return root
}

func newRootCommand() (*cobra.Command, *context) {
	ctx := &context{
		viper:       newViper(),
		newObserver: func() engine.Observer { return posix.DefaultDeathObserver() },
	}

	root := &cobra.Command{
		Use:   "procwatch",
		Short: "Supervise child processes and reap them as they die",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := bindFlags(cmd, ctx.viper); err != nil {
				return err
			}
			logger, err := newLogger(cmd.ErrOrStderr(), ctx.logLevel, ctx.logFormat)
			if err != nil {
				return err
			}
			ctx.logger = logger
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&ctx.manifestFile, "file", "f", "procwatch.yaml", "Path to the process manifest")
	flags.StringVar(&ctx.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flags.StringVar(&ctx.logFormat, "log-format", "text", "Log format (text or json)")

	root.AddCommand(newRunCmd(ctx))
	root.AddCommand(newStatusCmd(ctx))
	root.AddCommand(newExecCmd(ctx))
	root.AddCommand(newSignalCmd(ctx))
	root.AddCommand(newStatCmd(ctx))
	root.AddCommand(newForkrunCmd(ctx))
	root.AddCommand(newConfigCmd(ctx))

	root.SilenceUsage = true
	root.SilenceErrors = true

	return root, ctx
}

// Execute runs the CLI entrypoint.
func Execute() {
	ctx, stop := signal.NotifyContext(stdcontext.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCmd()
	err := root.ExecuteContext(ctx)
	stop()

	var exit *exitError
	switch {
	case err == nil:
	case errors.As(err, &exit):
		if exit.msg != "" {
			fmt.Fprintln(os.Stderr, exit.msg)
		}
		os.Exit(exit.code)
	default:
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// exitError makes the process exit with code without counting as a failure
// of procwatch itself.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string {
	if e.msg != "" {
		return e.msg
	}
	return fmt.Sprintf("exit status %d", e.code)
}

type context struct {
	manifestFile string
	logLevel     string
	logFormat    string

	viper       *viper.Viper
	logger      *slog.Logger
	newObserver func() engine.Observer

	mu         sync.RWMutex
	deployment *engine.Deployment
	manifest   *cliutil.ManifestDocument
	tracker    *statusTracker
}

func (c *context) loadManifest() (*cliutil.ManifestDocument, error) {
	return cliutil.LoadManifestFromFile(c.manifestFile)
}

func (c *context) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c.logger
}

func (c *context) setDeployment(dep *engine.Deployment, doc *cliutil.ManifestDocument) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deployment = dep
	c.manifest = doc
}

func (c *context) clearDeployment(dep *engine.Deployment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deployment == dep {
		c.deployment = nil
	}
}

func (c *context) currentDeployment() (*engine.Deployment, *cliutil.ManifestDocument) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deployment, c.manifest
}

func (c *context) statusTracker() *statusTracker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tracker == nil {
		var opts []StatusTrackerOption
		if size := c.viper.GetInt("status-history"); size > 0 {
			opts = append(opts, WithHistorySize(size))
		}
		c.tracker = newStatusTracker(opts...)
	}
	return c.tracker
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// bindFlags lets PROCWATCH_<FLAG> environment variables supply values for
// flags that were not set on the command line.
func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	var errs []error
	apply := func(f *pflag.Flag) {
		if err := v.BindPFlag(f.Name, f); err != nil {
			errs = append(errs, err)
			return
		}
		if f.Changed || !v.IsSet(f.Name) {
			return
		}
		if err := f.Value.Set(v.GetString(f.Name)); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s_%s: %w", strings.ToUpper(envPrefix), strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_")), err))
		}
	}
	cmd.Flags().VisitAll(apply)
	cmd.InheritedFlags().VisitAll(apply)
	return errors.Join(errs...)
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}

// supportsInteractiveOutput reports whether the command writes to a terminal.
func supportsInteractiveOutput(cmd *cobra.Command) bool {
	f, ok := cmd.OutOrStdout().(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}
