package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/procwatch/internal/forkrun"
	"github.com/Paintersrp/procwatch/internal/posix/spawn"
)

func newForkrunCmd(ctx *context) *cobra.Command {
	var service, client string
	cmd := &cobra.Command{
		Use:   "forkrun --service CMD --client CMD",
		Short: "Run a client against a throwaway service and report which failed",
		Long: `forkrun starts the service, then the client, waits for the client and
kills the service. Both commands run through /bin/sh -c. The exit status is a
bitset: 1 when the client failed, 2 when the service failed on its own.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if service == "" || client == "" {
				return errors.New("both --service and --client are required")
			}
			result, err := forkrun.Run(cmd.Context(), shellSpec(service), shellSpec(client))
			if err != nil {
				return err
			}
			ctx.log().Debug("forkrun finished", "result", result.String())
			fmt.Fprintln(cmd.OutOrStdout(), result)
			if result != forkrun.Empty {
				return &exitError{code: int(result)}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&service, "service", "", "Service command line")
	cmd.Flags().StringVar(&client, "client", "", "Client command line")
	return cmd
}

func shellSpec(script string) spawn.Spec {
	return spawn.Spec{Path: "/bin/sh", Args: []string{"-c", script}}
}
