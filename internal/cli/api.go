package cli

import (
	stdcontext "context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/Paintersrp/procwatch/internal/api"
	"github.com/Paintersrp/procwatch/internal/engine"
	"github.com/Paintersrp/procwatch/internal/posix/procstat"
	"github.com/Paintersrp/procwatch/internal/posix/signal"
)

const defaultHistoryDepth = 10

// ControlAPI exposes the running deployment to the HTTP control plane.
type ControlAPI struct {
	ctx *context
}

// NewControlAPI constructs a ControlAPI around the shared CLI context.
func NewControlAPI(ctx *context) *ControlAPI {
	if ctx == nil {
		return nil
	}
	return &ControlAPI{ctx: ctx}
}

// Status merges the supervisors' view with tracked history and a /proc
// sample of every running child.
func (c *ControlAPI) Status(ctx stdcontext.Context) (*api.StatusReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dep, doc := c.ctx.currentDeployment()
	if dep == nil {
		return nil, fmt.Errorf("%w for status", api.ErrNoActiveDeployment)
	}

	tracker := c.ctx.statusTracker()
	tracked := tracker.Snapshot()
	processes := make(map[string]api.ChildReport)
	for _, st := range dep.Status() {
		seen := tracked[st.Name]
		report := api.ChildReport{
			Name:       st.Name,
			PID:        st.PID,
			Instance:   st.Instance,
			State:      seen.State,
			Running:    st.Running,
			Ready:      st.Ready,
			Restarts:   st.Restarts,
			Message:    seen.Message,
			LastStatus: st.LastStatus,
			FirstSeen:  seen.FirstSeen,
			LastEvent:  seen.LastEvent,
			StartedAt:  st.StartedAt,
		}
		for _, entry := range tracker.History(st.Name, defaultHistoryDepth) {
			report.History = append(report.History, api.Transition{
				Timestamp: entry.Timestamp,
				Type:      entry.Type,
				Reason:    entry.Reason,
				Message:   entry.Message,
			})
		}
		for i := len(report.History) - 1; i >= 0; i-- {
			if reason := report.History[i].Reason; reason != "" {
				report.LastReason = reason
				break
			}
		}
		if st.Running {
			report.Resources = c.sample(ctx, st.Name, st.PID)
		}
		processes[st.Name] = report
	}

	report := &api.StatusReport{
		GeneratedAt:     time.Now(),
		TrackedChildren: dep.TrackedChildren(),
		Processes:       processes,
	}
	if doc != nil {
		report.Manifest = doc.Source
		report.Version = doc.Manifest.Version
	}
	return report, nil
}

// sample returns nil when the child died between the status read and the
// /proc lookup.
func (c *ControlAPI) sample(ctx stdcontext.Context, name string, pid int) *api.ResourceUsage {
	snap, err := procstat.Read(ctx, pid)
	if err != nil {
		c.ctx.log().Debug("sample child", "process", name, "pid", pid, "err", err)
		return nil
	}
	return &api.ResourceUsage{
		RSSBytes:   snap.RSS,
		CPUSeconds: (snap.UserCPU + snap.SystemCPU).Seconds(),
		Threads:    int32(snap.Threads),
		State:      snap.State,
	}
}

// Signal delivers sig to the named process's running child.
func (c *ControlAPI) Signal(ctx stdcontext.Context, name string, sig signal.Signal) (*api.SignalResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dep, _ := c.ctx.currentDeployment()
	if dep == nil {
		return nil, fmt.Errorf("%w for signal", api.ErrNoActiveDeployment)
	}
	if !slices.Contains(dep.Processes(), name) {
		return nil, fmt.Errorf("%w: %s", api.ErrUnknownProcess, name)
	}

	var pid int
	for _, st := range dep.Status() {
		if st.Name == name {
			pid = st.PID
		}
	}
	if err := dep.Signal(name, sig); err != nil {
		if errors.Is(err, engine.ErrNotRunning) {
			return nil, fmt.Errorf("%w: %s", api.ErrProcessNotRunning, name)
		}
		return nil, err
	}
	c.ctx.log().Info("signal delivered", "process", name, "pid", pid, "signal", sig)
	return &api.SignalResult{Process: name, PID: pid, Signal: sig.String(), SentAt: time.Now()}, nil
}

var _ api.Controller = (*ControlAPI)(nil)
