package engine

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/Paintersrp/procwatch/internal/metrics"
	"github.com/Paintersrp/procwatch/internal/posix"
	"github.com/Paintersrp/procwatch/internal/posix/procstat"
	"github.com/Paintersrp/procwatch/internal/posix/signal"
	"github.com/Paintersrp/procwatch/internal/resources"
)

// sampleFunc reads the current resource usage of pid.
type sampleFunc func(ctx context.Context, pid int) (procstat.Snapshot, error)

func (s *supervisor) startLimits(child *posix.ChildProcess, instance string) *childWatch {
	limit := s.spec.Limits.MemoryBytes()
	if limit <= 0 {
		return &childWatch{}
	}
	interval := s.spec.Limits.CheckInterval.Duration
	if interval <= 0 {
		interval = time.Second
	}
	return s.startWatch(func(ctx context.Context) {
		s.watchMemory(ctx, child, instance, limit, interval)
	})
}

// watchMemory stops the child the first time its resident set exceeds
// limit, escalating to SIGKILL after the stop timeout.
func (s *supervisor) watchMemory(ctx context.Context, child *posix.ChildProcess, instance string, limit int64, interval time.Duration) {
	pid := child.PID()
	if !s.awaitOverLimit(ctx, pid, limit, interval) {
		return
	}

	sig := s.spec.Signal()
	msg := fmt.Sprintf("memory limit %s exceeded, sending %s", resources.FormatMemory(limit), sig)
	s.logger.Warn("memory limit exceeded", "process", s.name, "pid", pid, "limit", limit)
	metrics.IncrementLimitExceeded(s.name, "memory")
	s.emit(Event{Type: EventTypeSignaled, Instance: instance, PID: pid, Message: msg, Level: "warn", Reason: ReasonMemoryLimit})
	if err := s.signalChild(child, sig); err != nil {
		if !errors.Is(err, syscall.ESRCH) && !errors.Is(err, ErrNotRunning) {
			s.emit(Event{Type: EventTypeError, Instance: instance, PID: pid, Message: "stop signal failed", Level: "error", Reason: ReasonStopFailed, Err: err})
		}
		return
	}

	timer := time.NewTimer(s.spec.StopTimeout.Duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	s.emit(Event{Type: EventTypeSignaled, Instance: instance, PID: pid, Message: fmt.Sprintf("sent %s after %s", signal.Kill, s.spec.StopTimeout.Duration), Level: "warn", Reason: ReasonMemoryLimit})
	if err := s.signalChild(child, signal.Kill); err != nil && !errors.Is(err, syscall.ESRCH) && !errors.Is(err, ErrNotRunning) {
		s.emit(Event{Type: EventTypeError, Instance: instance, PID: pid, Message: "kill failed", Level: "error", Reason: ReasonStopFailed, Err: err})
	}
}

// awaitOverLimit samples pid every interval and reports true once its
// resident set exceeds limit. Failed samples are skipped; the child may be
// exiting.
func (s *supervisor) awaitOverLimit(ctx context.Context, pid int, limit int64, interval time.Duration) bool {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
		snap, err := s.sample(ctx, pid)
		if err == nil && int64(snap.RSS) > limit {
			return true
		}
	}
}
