// Package spawn starts child processes whose standard streams are connected
// to posix pipes. It never waits for the children it starts: reaping belongs
// to ChildProcess.WaitFor or to a DeathObserver.
package spawn

import (
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/Paintersrp/procwatch/internal/posix"
)

// Streams selects which standard streams are redirected to pipes. Streams
// that are not selected are inherited from the calling process.
type Streams uint8

const (
	Stdin Streams = 1 << iota
	Stdout
	Stderr

	None Streams = 0
	All          = Stdin | Stdout | Stderr
)

// Has reports whether s includes every stream in other.
func (s Streams) Has(other Streams) bool {
	return s&other == other
}

func (s Streams) String() string {
	if s == None {
		return "none"
	}
	var parts []string
	for _, stream := range []struct {
		bit  Streams
		name string
	}{{Stdin, "stdin"}, {Stdout, "stdout"}, {Stderr, "stderr"}} {
		if s.Has(stream.bit) {
			parts = append(parts, stream.name)
		}
	}
	return strings.Join(parts, "|")
}

// ParseStreams converts stream names as written in a manifest.
func ParseStreams(names []string) (Streams, error) {
	var s Streams
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "stdin":
			s |= Stdin
		case "stdout":
			s |= Stdout
		case "stderr":
			s |= Stderr
		default:
			return None, fmt.Errorf("unknown stream %q", name)
		}
	}
	return s, nil
}

// ErrEmptyCommand is returned for a Spec without a path.
var ErrEmptyCommand = errors.New("spawn: command is required")

// Spec describes a process to start.
type Spec struct {
	// Path is the executable. A path without a slash is looked up in PATH.
	Path string
	// Args follow argv[0], which is always Path.
	Args []string
	// Env replaces the environment when non-nil. A nil Env inherits the
	// caller's environment.
	Env map[string]string
	// Dir is the working directory; empty inherits the caller's.
	Dir string
	// Streams chooses which standard streams become pipes.
	Streams Streams
	// Setpgid places the child in a new process group led by itself.
	Setpgid bool
}

// Argv returns the argument vector the child receives.
func (s Spec) Argv() []string {
	argv := make([]string, 0, len(s.Args)+1)
	argv = append(argv, s.Path)
	return append(argv, s.Args...)
}

// Environ returns the environment block for the child, or nil to inherit.
func (s Spec) Environ() []string {
	if s.Env == nil {
		return nil
	}
	env := make([]string, 0, len(s.Env))
	for k, v := range s.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

// Exec starts path with the given arguments and environment.
func Exec(path string, args []string, env map[string]string, streams Streams) (*posix.ChildProcess, error) {
	return Start(Spec{Path: path, Args: args, Env: env, Streams: streams})
}

// Start creates a pipe for every requested stream, forks and executes the
// program, and hands the parent ends to a new ChildProcess.
func Start(spec Spec) (*posix.ChildProcess, error) {
	if spec.Path == "" {
		return nil, ErrEmptyCommand
	}

	path := spec.Path
	if !strings.Contains(path, "/") {
		resolved, err := exec.LookPath(path)
		if err != nil {
			return nil, fmt.Errorf("spawn %s: %w", spec.Path, err)
		}
		path = resolved
	}

	pipes, err := openPipes(spec.Streams)
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", spec.Path, err)
	}
	defer pipes.close()

	attr := &syscall.ProcAttr{
		Dir:   spec.Dir,
		Env:   spec.Environ(),
		Files: pipes.childFiles(),
		Sys:   &syscall.SysProcAttr{Setpgid: spec.Setpgid},
	}
	if attr.Env == nil {
		attr.Env = syscall.Environ()
	}

	pid, err := syscall.ForkExec(path, spec.Argv(), attr)
	// The parent must not keep the child's ends open or the child never
	// sees end-of-file on stdin, and readers never see it on stdout.
	pipes.closeChildEnds()
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", spec.Path, err)
	}

	child, err := posix.NewChildProcess(pid, pipes.stdin, pipes.stdout, pipes.stderr)
	if err != nil {
		_ = unix.Kill(pid, unix.SIGKILL)
		var status unix.WaitStatus
		_, _ = unix.Wait4(pid, &status, 0, nil)
		return nil, fmt.Errorf("spawn %s: %w", spec.Path, err)
	}
	return child, nil
}

type pipeSet struct {
	stdin, stdout, stderr *posix.Pipe
}

func openPipes(streams Streams) (*pipeSet, error) {
	set := &pipeSet{}
	for _, want := range []struct {
		bit  Streams
		dest **posix.Pipe
	}{{Stdin, &set.stdin}, {Stdout, &set.stdout}, {Stderr, &set.stderr}} {
		if !streams.Has(want.bit) {
			continue
		}
		p, err := posix.NewPipe()
		if err != nil {
			set.close()
			return nil, err
		}
		*want.dest = p
	}
	return set, nil
}

func (s *pipeSet) childFiles() []uintptr {
	files := []uintptr{0, 1, 2}
	if s.stdin != nil {
		files[0] = uintptr(s.stdin.ReadFD())
	}
	if s.stdout != nil {
		files[1] = uintptr(s.stdout.WriteFD())
	}
	if s.stderr != nil {
		files[2] = uintptr(s.stderr.WriteFD())
	}
	return files
}

func (s *pipeSet) closeChildEnds() {
	if s.stdin != nil {
		_ = s.stdin.CloseRead()
	}
	if s.stdout != nil {
		_ = s.stdout.CloseWrite()
	}
	if s.stderr != nil {
		_ = s.stderr.CloseWrite()
	}
}

// close releases the originals; the ChildProcess holds duplicates.
func (s *pipeSet) close() {
	for _, p := range []*posix.Pipe{s.stdin, s.stdout, s.stderr} {
		if p != nil {
			_ = p.Close()
		}
	}
}
