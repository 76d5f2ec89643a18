package cli

import (
	stdcontext "context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/Paintersrp/procwatch/internal/api"
	"github.com/Paintersrp/procwatch/internal/engine"
)

const (
	defaultStatusAddr    = "127.0.0.1:7664"
	statusRequestTimeout = 5 * time.Second
)

func newStatusCmd(ctx *context) *cobra.Command {
	var (
		addr         string
		historyLimit int
		asJSON       bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the processes of a running procwatch instance",
		Long:  "status queries the control API of a procwatch started with run --api-addr.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := fetchStatus(cmd.Context(), addr)
			if err != nil {
				return err
			}
			ctx.log().Debug("fetched status", "addr", addr, "processes", len(report.Processes))
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			writeStatus(cmd.OutOrStdout(), report, historyLimit)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&addr, "api-addr", defaultStatusAddr, "Address of the control API")
	flags.IntVar(&historyLimit, "history", 0, "Show last N transitions per process")
	flags.BoolVar(&asJSON, "json", false, "Print the raw status report")
	return cmd
}

type apiErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func fetchStatus(ctx stdcontext.Context, addr string) (*api.StatusReport, error) {
	base := strings.TrimRight(addr, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	ctx, cancel := stdcontext.WithTimeout(ctx, statusRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/v1/children", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query control API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read status: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr apiErrorBody
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("control API: %s (%s)", apiErr.Message, apiErr.Code)
		}
		return nil, fmt.Errorf("control API: unexpected status %s", resp.Status)
	}

	var report api.StatusReport
	if err := json.Unmarshal(body, &report); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	if report.Processes == nil {
		return nil, errors.New("decode status: missing processes")
	}
	return &report, nil
}

func writeStatus(out io.Writer, report *api.StatusReport, historyLimit int) {
	names := make([]string, 0, len(report.Processes))
	for name := range report.Processes {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROCESS\tSTATE\tREADY\tPID\tRESTARTS\tUPTIME\tCPU/MEM\tLAST EXIT\tMESSAGE")
	for _, name := range names {
		child := report.Processes[name]
		pid := "-"
		uptime := "-"
		if child.Running && child.PID > 0 {
			pid = fmt.Sprintf("%d", child.PID)
			if !child.StartedAt.IsZero() {
				uptime = units.HumanDuration(time.Since(child.StartedAt))
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			name,
			formatStatusState(child.State),
			formatReady(child),
			pid,
			child.Restarts,
			uptime,
			formatResources(child.Resources),
			valueOrDash(child.LastStatus),
			valueOrDash(child.Message))
	}
	w.Flush()

	manifest := valueOrDash(report.Manifest)
	fmt.Fprintf(out, "\nManifest: %s (version %s)\n", manifest, valueOrDash(report.Version))
	fmt.Fprintf(out, "Tracked children: %d\n", report.TrackedChildren)
	fmt.Fprintf(out, "Generated at %s\n", report.GeneratedAt.Format(time.RFC3339))

	if historyLimit <= 0 {
		return
	}
	for _, name := range names {
		history := report.Processes[name].History
		if len(history) > historyLimit {
			history = history[len(history)-historyLimit:]
		}
		if len(history) == 0 {
			continue
		}
		fmt.Fprintf(out, "\n%s history:\n", name)
		for _, entry := range history {
			fmt.Fprintf(out, "  %s  %-10s  %-20s  %s\n",
				entry.Timestamp.Format(time.RFC3339),
				formatStatusState(entry.Type),
				valueOrDash(entry.Reason),
				entry.Message)
		}
	}
}

func formatStatusState(t engine.EventType) string {
	if t == "" {
		return "-"
	}
	s := string(t)
	return strings.ToUpper(s[:1]) + s[1:]
}

func formatReady(child api.ChildReport) string {
	switch {
	case !child.Running:
		return "-"
	case child.Ready:
		return "yes"
	default:
		return "no"
	}
}

func formatResources(usage *api.ResourceUsage) string {
	if usage == nil {
		return "-"
	}
	return fmt.Sprintf("%.2fs / %s", usage.CPUSeconds, units.BytesSize(float64(usage.RSSBytes)))
}

func valueOrDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
