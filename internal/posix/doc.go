// Package posix models processes on Linux: signal delivery to a pid, child
// processes with redirected standard streams, synchronous waits and a
// process-wide death observer.
//
// The death observer is the only component that reaps children
// asynchronously. It receives SIGCHLD on a channel rather than through an
// asynchronous handler, drains every reapable child with non-blocking wait4
// calls, and notifies subscribers exactly once per tracked child:
//
//	obs := posix.DefaultDeathObserver()
//	unsubscribe := obs.Subscribe(func(d posix.Death) {
//		fmt.Println("child", d.Child.PID(), "died:", d.Status)
//	})
//	defer unsubscribe()
//
//	go func() { errCh <- obs.Run() }()
//	obs.Add(child)
//	...
//	obs.Quit()
//
// Children that are not registered with an observer must be waited for with
// ChildProcess.WaitFor. Only one of the two may reap a given child.
package posix
