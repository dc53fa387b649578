//go:build linux

package backend

import "golang.org/x/sys/unix"

// Backend is the interface the reactor drives regardless of which of
// the three kernel I/O mechanisms (Linux AIO, epoll, io_uring) backs it.
// Every method here is called from the reactor's own thread; none of
// them are safe to call concurrently from a second goroutine, matching
// the shard-per-core model the rest of this module assumes.
type Backend interface {
	// ReapKernelCompletions drains whatever the kernel has ready without
	// blocking and dispatches it. Returns whether any work happened.
	ReapKernelCompletions() bool

	// KernelSubmitWork pushes any backend-buffered submissions (queued
	// poll registrations, disk I/O) out to the kernel. Returns whether
	// any work happened.
	KernelSubmitWork() bool

	// KernelEventsCanSleep reports whether it is safe for the reactor to
	// block in WaitAndProcessEvents: every outstanding kernel-side
	// registration is one that will actually wake the reactor up.
	KernelEventsCanSleep() bool

	// WaitAndProcessEvents blocks, bounded by timeout (nil means
	// indefinitely) and the supplied signal mask, until at least one
	// event is ready, then dispatches everything available. UringBackend
	// applies neither the timeout nor the signal mask.
	WaitAndProcessEvents(timeout *unix.Timespec, sigmask *unix.Sigset_t) bool

	// Readable/Writeable return a future that resolves once fd becomes
	// ready in the requested direction, registering with the kernel as
	// needed. ReadableOrWriteable registers both directions and returns
	// the readable direction's future; writeable readiness alone does
	// not resolve it.
	Readable(fd *PollableFdState) *FutureCompletion
	Writeable(fd *PollableFdState) *FutureCompletion
	ReadableOrWriteable(fd *PollableFdState) *FutureCompletion

	// Forget cancels any kernel-side registration for fd and releases
	// it. After Forget returns, fd must not be reused.
	Forget(fd *PollableFdState)

	// MakePollableFdState switches desc to non-blocking mode and wraps it
	// in the tracking state this backend expects. No kernel-side
	// registration happens here; EpollBackend issues its epoll_ctl ADD on
	// the first readiness request.
	MakePollableFdState(desc *FileDescriptor) (*PollableFdState, error)

	// Accept/Connect/Shutdown are the readiness-gated socket operations
	// every backend must be able to drive to completion asynchronously.
	Accept(fd *PollableFdState) (int, unix.Sockaddr, error)
	Connect(fd *PollableFdState, addr unix.Sockaddr) error
	Shutdown(fd *PollableFdState, how int) error

	// ArmHighresTimer schedules a one-shot wakeup at the given absolute
	// monotonic deadline, used by the reactor's timer wheel.
	ArmHighresTimer(deadlineNanos int64) error

	// StartTick/StopTick switch the process-wide preemption monitor to
	// this backend's preferred backing memory for the duration of a
	// task-processing tick.
	StartTick()
	StopTick()

	// RequestPreemption asks for the current tick to be interrupted as
	// soon as possible, even if this call happens from outside the
	// reactor thread (e.g. a signal handler or a cross-shard poke).
	RequestPreemption()

	// ResetPreemptionMonitor clears and re-arms the preemption signal
	// after a tick has observed and handled it.
	ResetPreemptionMonitor()

	// StartHandlingSignal notifies the backend that the reactor is now
	// ready to receive self-pipe/signalfd-delivered signals through its
	// own wait path instead of a dedicated signal thread.
	StartHandlingSignal()
}
