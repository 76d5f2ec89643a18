package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/procwatch/internal/metrics"
	"github.com/Paintersrp/procwatch/internal/posix"
	"github.com/Paintersrp/procwatch/internal/posix/signal"
)

func newSignalCmd(ctx *context) *cobra.Command {
	var group bool
	cmd := &cobra.Command{
		Use:   "signal PID SIGNAL",
		Short: "Send a signal to a process or its process group",
		Example: `  procwatch signal 4242 TERM
  procwatch signal --group 4242 SIGHUP`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := parsePID(args[0])
			if err != nil {
				return err
			}
			sig, err := signal.Parse(args[1])
			if err != nil {
				return err
			}
			proc, err := posix.NewProcess(pid)
			if err != nil {
				return err
			}

			target := fmt.Sprintf("pid %d", pid)
			if group {
				pg, err := proc.ProcessGroup()
				if err != nil {
					return err
				}
				if err := pg.SendSignal(sig); err != nil {
					return err
				}
				target = fmt.Sprintf("process group %d", pg.ID())
			} else if err := proc.SendSignal(sig); err != nil {
				return err
			}
			metrics.IncrementSignal(sig.String())
			ctx.log().Debug("signal sent", "pid", pid, "signal", sig, "group", group)
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s to %s\n", sig, target)
			return nil
		},
	}
	cmd.Flags().BoolVar(&group, "group", false, "Signal every member of the process's group")
	return cmd
}

func parsePID(value string) (int, error) {
	pid, err := strconv.Atoi(value)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid %q", value)
	}
	return pid, nil
}
