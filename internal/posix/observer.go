package posix

import (
	"fmt"
	"os"
	ossignal "os/signal"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/Paintersrp/procwatch/internal/posix/wait"
)

// Death is delivered to subscribers once per tracked child.
type Death struct {
	Child *ChildProcess
	// Status is nil when the exit status was consumed by another waiter
	// before the child could be checked.
	Status wait.Result
}

// Wait4Func matches unix.Wait4.
type Wait4Func func(pid int, status *unix.WaitStatus, options int, rusage *unix.Rusage) (int, error)

// ObserverOption configures a DeathObserver.
type ObserverOption func(*DeathObserver)

// WithWait4 replaces the reaping syscall.
func WithWait4(fn Wait4Func) ObserverOption {
	return func(o *DeathObserver) {
		if fn != nil {
			o.wait4 = fn
		}
	}
}

// WithSignalSource replaces os/signal registration for SIGCHLD.
func WithSignalSource(notify func(chan<- os.Signal, ...os.Signal), stop func(chan<- os.Signal)) ObserverOption {
	return func(o *DeathObserver) {
		if notify != nil && stop != nil {
			o.notify = notify
			o.stopNotify = stop
		}
	}
}

// DeathObserver tracks child processes and reports each one's death exactly
// once. SIGCHLD is received on a channel while Run executes; every delivery
// drains all reapable children with non-blocking wait4 calls.
//
// Run has a single-runner contract. Add, Has, Subscribe and Quit are safe
// for concurrent use, including from inside a subscriber.
type DeathObserver struct {
	mu       sync.Mutex
	children map[int]*ChildProcess
	// unclaimed remembers the statuses of recently reaped untracked pids so
	// that an Add racing the drain still learns how its child ended.
	unclaimed      map[int]unclaimedDeath
	unclaimedOrder []unclaimedKey
	unclaimedSeq   uint64

	running atomic.Bool
	wakeup  chan struct{}

	subsMu  sync.RWMutex
	subs    map[uint64]func(Death)
	nextSub uint64

	wait4      Wait4Func
	notify     func(chan<- os.Signal, ...os.Signal)
	stopNotify func(chan<- os.Signal)
}

const maxUnclaimed = 64

type unclaimedDeath struct {
	status wait.Result
	seq    uint64
}

type unclaimedKey struct {
	pid int
	seq uint64
}

var (
	defaultObserver     *DeathObserver
	defaultObserverOnce sync.Once
)

// DefaultDeathObserver returns the process-wide observer. Only one observer
// should reap children in a process; prefer passing this instance to
// constructors over calling it from deep inside a component.
func DefaultDeathObserver() *DeathObserver {
	defaultObserverOnce.Do(func() {
		defaultObserver = NewDeathObserver()
	})
	return defaultObserver
}

// NewDeathObserver constructs an observer. Tests use it with fakes; programs
// use DefaultDeathObserver.
func NewDeathObserver(opts ...ObserverOption) *DeathObserver {
	o := &DeathObserver{
		children:   make(map[int]*ChildProcess),
		unclaimed:  make(map[int]unclaimedDeath),
		wakeup:     make(chan struct{}, 1),
		subs:       make(map[uint64]func(Death)),
		wait4:      unix.Wait4,
		notify:     ossignal.Notify,
		stopNotify: ossignal.Stop,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Add starts tracking child. It returns false for an invalid pid and for a
// child that turned out to be dead already, in which case subscribers have
// been notified before Add returns.
func (o *DeathObserver) Add(child *ChildProcess) bool {
	if child == nil || !child.Valid() {
		return false
	}

	o.mu.Lock()
	if _, exists := o.children[child.pid]; exists {
		o.mu.Unlock()
		return true
	}
	o.children[child.pid] = child

	// The child may have died before it was registered, and its SIGCHLD may
	// already have been consumed by a drain that did not know about it.
	var status unix.WaitStatus
	var (
		pid int
		err error
	)
	for {
		pid, err = o.wait4(child.pid, &status, unix.WNOHANG, nil)
		if err != unix.EINTR {
			break
		}
	}
	prior, hasPrior := o.unclaimed[child.pid]
	delete(o.unclaimed, child.pid)
	if err == nil && pid == 0 {
		o.mu.Unlock()
		return true
	}
	delete(o.children, child.pid)
	o.mu.Unlock()

	death := Death{Child: child}
	switch {
	case err == nil:
		if result, decodeErr := wait.Decode(pid, status); decodeErr == nil {
			death.Status = result
		}
	case err == unix.ECHILD && hasPrior:
		death.Status = prior.status
	}
	child.markReaped()
	o.publish(death)
	return false
}

// Has reports whether child is currently tracked.
func (o *DeathObserver) Has(child *ChildProcess) bool {
	if child == nil {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.children[child.pid]
	return ok
}

// Len returns the number of tracked children.
func (o *DeathObserver) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.children)
}

// Tracked returns the tracked children ordered by pid.
func (o *DeathObserver) Tracked() []*ChildProcess {
	o.mu.Lock()
	out := make([]*ChildProcess, 0, len(o.children))
	for _, child := range o.children {
		out = append(out, child)
	}
	o.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].pid < out[j].pid })
	return out
}

// Subscribe registers fn for death notifications. fn runs synchronously on
// the goroutine executing Run, or on the caller of Add for children that
// were already dead; it must not block. The returned function unsubscribes.
func (o *DeathObserver) Subscribe(fn func(Death)) func() {
	if fn == nil {
		return func() {}
	}
	o.subsMu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = fn
	o.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.subsMu.Lock()
			delete(o.subs, id)
			o.subsMu.Unlock()
		})
	}
}

func (o *DeathObserver) publish(death Death) {
	o.subsMu.RLock()
	ids := make([]uint64, 0, len(o.subs))
	for id := range o.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(Death), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, o.subs[id])
	}
	o.subsMu.RUnlock()

	for _, fn := range fns {
		fn(death)
	}
}

// Running reports whether Run is executing.
func (o *DeathObserver) Running() bool {
	return o.running.Load()
}

// Run receives SIGCHLD and reaps children until Quit is called. It returns
// nil after Quit and an error if reaping fails with anything other than
// EINTR or ECHILD. Calling Run while it is already running panics.
func (o *DeathObserver) Run() error {
	if !o.running.CompareAndSwap(false, true) {
		panic("posix: DeathObserver.Run called while already running")
	}
	defer o.running.Store(false)

	sigs := make(chan os.Signal, 1)
	o.notify(sigs, unix.SIGCHLD)
	defer o.stopNotify(sigs)

	// SIGCHLD is discarded while nobody listens, so children that died
	// before Run started are only found by draining once up front.
	if err := o.drain(); err != nil {
		return err
	}

	for {
		select {
		case <-sigs:
			if err := o.drain(); err != nil {
				return err
			}
		case <-o.wakeup:
			return nil
		}
	}
}

// Quit wakes Run and makes it return. A Quit issued while Run is not
// executing is remembered and ends the next Run immediately.
func (o *DeathObserver) Quit() {
	select {
	case o.wakeup <- struct{}{}:
	default:
	}
}

// drain reaps every child that has changed state, not only tracked ones.
func (o *DeathObserver) drain() error {
	for {
		death, more, err := o.reapNext()
		if err != nil || !more {
			return err
		}
		if death.Child != nil {
			o.publish(death)
		}
	}
}

// reapNext reaps one child. mu is held across wait4 and the bookkeeping so
// that an Add for the same pid either reaps the child itself or finds its
// status among the unclaimed ones. The returned Death has a nil Child when
// nothing needs publishing.
func (o *DeathObserver) reapNext() (Death, bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var status unix.WaitStatus
	var (
		pid int
		err error
	)
	for {
		pid, err = o.wait4(-1, &status, unix.WNOHANG, nil)
		if err != unix.EINTR {
			break
		}
	}
	switch {
	case err == unix.ECHILD:
		return Death{}, false, nil
	case err != nil:
		return Death{}, false, fmt.Errorf("reap children: %w", syscallError("wait4", err))
	case pid == 0:
		return Death{}, false, nil
	}

	result, err := wait.Decode(pid, status)
	if err != nil {
		return Death{}, false, err
	}
	if !wait.IsTerminal(result) {
		return Death{}, true, nil
	}
	child, ok := o.children[pid]
	if !ok {
		o.rememberLocked(pid, result)
		return Death{}, true, nil
	}
	delete(o.children, pid)
	child.markReaped()
	return Death{Child: child, Status: result}, true, nil
}

func (o *DeathObserver) rememberLocked(pid int, result wait.Result) {
	o.unclaimedSeq++
	o.unclaimed[pid] = unclaimedDeath{status: result, seq: o.unclaimedSeq}
	o.unclaimedOrder = append(o.unclaimedOrder, unclaimedKey{pid: pid, seq: o.unclaimedSeq})
	for len(o.unclaimedOrder) > maxUnclaimed {
		oldest := o.unclaimedOrder[0]
		o.unclaimedOrder = o.unclaimedOrder[1:]
		if entry, ok := o.unclaimed[oldest.pid]; ok && entry.seq == oldest.seq {
			delete(o.unclaimed, oldest.pid)
		}
	}
}
