// Package procstat inspects running processes through /proc.
package procstat

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/Paintersrp/procwatch/internal/posix"
)

// Stat holds the job-control fields of /proc/<pid>/stat that gopsutil does
// not expose.
type Stat struct {
	PID        int
	Comm       string
	State      string
	PPID       int
	PGRP       int
	Session    int
	TTY        int
	StartTicks uint64
}

// Snapshot describes a process at one point in time.
type Snapshot struct {
	Stat

	Name       string
	Cmdline    string
	Status     []string
	CreateTime time.Time
	UserCPU    time.Duration
	SystemCPU  time.Duration
	RSS        uint64
	VMS        uint64
	Threads    int
}

// Read collects a snapshot of pid. A pid that does not exist yields an
// error matching posix.ErrInvalidProcess.
func Read(ctx context.Context, pid int) (Snapshot, error) {
	stat, err := ReadStat(pid)
	if err != nil {
		return Snapshot{}, err
	}

	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return Snapshot{}, fmt.Errorf("stat pid %d: %w", pid, posix.ErrInvalidProcess)
		}
		return Snapshot{}, fmt.Errorf("stat pid %d: %w", pid, err)
	}

	snap := Snapshot{Stat: stat}
	if snap.Name, err = proc.NameWithContext(ctx); err != nil {
		return Snapshot{}, fmt.Errorf("stat pid %d name: %w", pid, err)
	}
	// A zombie has no command line; leave it empty.
	snap.Cmdline, _ = proc.CmdlineWithContext(ctx)
	if snap.Status, err = proc.StatusWithContext(ctx); err != nil {
		return Snapshot{}, fmt.Errorf("stat pid %d status: %w", pid, err)
	}
	if created, err := proc.CreateTimeWithContext(ctx); err == nil {
		snap.CreateTime = time.UnixMilli(created)
	}
	if times, err := proc.TimesWithContext(ctx); err == nil {
		snap.UserCPU = seconds(times.User)
		snap.SystemCPU = seconds(times.System)
	}
	if mem, err := proc.MemoryInfoWithContext(ctx); err == nil {
		snap.RSS = mem.RSS
		snap.VMS = mem.VMS
	}
	if threads, err := proc.NumThreadsWithContext(ctx); err == nil {
		snap.Threads = int(threads)
	}
	return snap, nil
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// ReadStat parses /proc/<pid>/stat.
func ReadStat(pid int) (Stat, error) {
	if pid <= 0 {
		return Stat{}, fmt.Errorf("stat pid %d: %w", pid, posix.ErrInvalidProcess)
	}

	raw, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Stat{}, fmt.Errorf("stat pid %d: %w", pid, posix.ErrInvalidProcess)
		}
		return Stat{}, fmt.Errorf("stat pid %d: %w", pid, err)
	}
	return ParseStat(string(raw))
}

// ParseStat parses one line in the /proc/<pid>/stat format. The command name
// may itself contain spaces and parentheses, so it is delimited by the first
// "(" and the last ")".
func ParseStat(line string) (Stat, error) {
	line = strings.TrimSpace(line)
	opening := strings.Index(line, "(")
	closing := strings.LastIndex(line, ")")
	if opening < 0 || closing < opening || closing+1 >= len(line) {
		return Stat{}, errors.New("unexpected /proc stat format")
	}

	pid, err := strconv.Atoi(strings.TrimSpace(line[:opening]))
	if err != nil {
		return Stat{}, fmt.Errorf("parse /proc stat pid: %w", err)
	}

	fields := strings.Fields(line[closing+1:])
	if len(fields) <= 19 {
		return Stat{}, errors.New("unexpected /proc stat field count")
	}

	stat := Stat{PID: pid, Comm: line[opening+1 : closing], State: fields[0]}
	ints := []struct {
		index int
		dest  *int
		name  string
	}{
		{1, &stat.PPID, "ppid"},
		{2, &stat.PGRP, "pgrp"},
		{3, &stat.Session, "session"},
		{4, &stat.TTY, "tty_nr"},
	}
	for _, f := range ints {
		v, err := strconv.Atoi(fields[f.index])
		if err != nil {
			return Stat{}, fmt.Errorf("parse /proc stat %s: %w", f.name, err)
		}
		*f.dest = v
	}
	if stat.StartTicks, err = strconv.ParseUint(fields[19], 10, 64); err != nil {
		return Stat{}, fmt.Errorf("parse /proc stat starttime: %w", err)
	}
	return stat, nil
}
