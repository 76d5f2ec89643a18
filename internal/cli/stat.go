package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/Paintersrp/procwatch/internal/posix"
	"github.com/Paintersrp/procwatch/internal/posix/procstat"
)

type statOutput struct {
	PID        int       `json:"pid"`
	PPID       int       `json:"ppid"`
	PGRP       int       `json:"pgrp"`
	Session    int       `json:"session"`
	Name       string    `json:"name"`
	Cmdline    string    `json:"cmdline"`
	State      string    `json:"state"`
	CreateTime time.Time `json:"create_time"`
	UserCPU    float64   `json:"user_cpu_seconds"`
	SystemCPU  float64   `json:"system_cpu_seconds"`
	RSSBytes   uint64    `json:"rss_bytes"`
	VMSBytes   uint64    `json:"vms_bytes"`
	Threads    int       `json:"threads"`
}

func newStatCmd(ctx *context) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stat PID|self",
		Short: "Show what /proc knows about a process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid := posix.Self().PID()
			if args[0] != "self" {
				var err error
				if pid, err = parsePID(args[0]); err != nil {
					return err
				}
			}
			snap, err := procstat.Read(cmd.Context(), pid)
			if err != nil {
				return err
			}
			ctx.log().Debug("read process stat", "pid", pid)

			out := statOutput{
				PID:        snap.PID,
				PPID:       snap.PPID,
				PGRP:       snap.PGRP,
				Session:    snap.Session,
				Name:       snap.Name,
				Cmdline:    snap.Cmdline,
				State:      snap.State,
				CreateTime: snap.CreateTime,
				UserCPU:    snap.UserCPU.Seconds(),
				SystemCPU:  snap.SystemCPU.Seconds(),
				RSSBytes:   snap.RSS,
				VMSBytes:   snap.VMS,
				Threads:    snap.Threads,
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}
			writeStat(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the sample as JSON")
	return cmd
}

func writeStat(w io.Writer, s statOutput) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	age := "-"
	if !s.CreateTime.IsZero() {
		age = units.HumanDuration(time.Since(s.CreateTime))
	}
	cmdline := s.Cmdline
	if cmdline == "" {
		cmdline = "-"
	}
	fmt.Fprintf(tw, "PID\t%d\n", s.PID)
	fmt.Fprintf(tw, "NAME\t%s\n", s.Name)
	fmt.Fprintf(tw, "COMMAND\t%s\n", cmdline)
	fmt.Fprintf(tw, "STATE\t%s\n", s.State)
	fmt.Fprintf(tw, "PPID\t%d\n", s.PPID)
	fmt.Fprintf(tw, "PGRP\t%d\n", s.PGRP)
	fmt.Fprintf(tw, "SESSION\t%d\n", s.Session)
	fmt.Fprintf(tw, "AGE\t%s\n", age)
	fmt.Fprintf(tw, "CPU\t%.2fs user, %.2fs system\n", s.UserCPU, s.SystemCPU)
	fmt.Fprintf(tw, "MEMORY\t%s rss, %s vms\n", units.BytesSize(float64(s.RSSBytes)), units.BytesSize(float64(s.VMSBytes)))
	fmt.Fprintf(tw, "THREADS\t%d\n", s.Threads)
	tw.Flush()
}
