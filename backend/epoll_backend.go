//go:build linux

package backend

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// EpollBackend drives fd readiness through epoll and disk I/O through
// the shared AioStorageContext, the same split the reference
// implementation uses: epoll has no AIO-backed mechanism for disk, and
// AIO has no cheap way to multiplex thousands of sockets the way epoll
// does.
//
// Because epoll_wait cannot deliver sub-millisecond preemption ticks
// the way a kernel-maintained AIO ring counter can, this backend runs a
// dedicated helper goroutine, pinned to its own OS thread, that sleeps
// for the task quota and raises the software preemption monitor itself.
type EpollBackend struct {
	epfd int

	storage *AioStorageContext
	ioSink  IoSink

	mu     sync.Mutex
	states map[int]*PollableFdState

	monitor *PreemptionMonitor

	helperMu      sync.Mutex
	helperStop    chan struct{}
	helperArm     chan time.Duration
	helperRunning bool
	quota         time.Duration
}

// NewEpollBackend constructs the backend. quota is the task-processing
// quota the helper thread ticks preemption at.
func NewEpollBackend(maxAio int, threads ThreadPool, fields *ReactorFields, quota time.Duration) (*EpollBackend, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	storage, err := NewAioStorageContext(maxAio, threads, fields)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	return &EpollBackend{
		epfd:    epfd,
		storage: storage,
		states:  make(map[int]*PollableFdState),
		monitor: &PreemptionMonitor{},
		quota:   quota,
	}, nil
}

// SetIoSink wires the reactor's pending-disk-I/O collaborator in.
func (b *EpollBackend) SetIoSink(sink IoSink) {
	b.ioSink = sink
}

func epollMask(dir PollEvents) uint32 {
	var m uint32
	if dir&EventRead != 0 {
		m |= unix.EPOLLIN
	}
	if dir&EventWrite != 0 {
		m |= unix.EPOLLOUT
	}
	return m | unix.EPOLLET
}

// ReapKernelCompletions implements Backend.
func (b *EpollBackend) ReapKernelCompletions() bool {
	return b.storage.ReapCompletions(true)
}

// KernelSubmitWork implements Backend.
func (b *EpollBackend) KernelSubmitWork() bool {
	if b.ioSink == nil {
		return false
	}
	return b.storage.SubmitWork(b.ioSink)
}

// KernelEventsCanSleep implements Backend.
func (b *EpollBackend) KernelEventsCanSleep() bool {
	return b.storage.CanSleep()
}

// WaitAndProcessEvents implements Backend: blocks in epoll_pwait, then
// dispatches every descriptor that came back ready before also giving
// the storage context a chance to reap.
func (b *EpollBackend) WaitAndProcessEvents(timeout *unix.Timespec, sigmask *unix.Sigset_t) bool {
	var events [128]unix.EpollEvent
	millis := -1
	if timeout != nil {
		millis = int(timeout.Sec*1000 + timeout.Nsec/1e6)
	}
	n, err := unix.EpollPwait(b.epfd, events[:], millis, sigmask)
	if err != nil {
		if err == unix.EINTR {
			return false
		}
		panic(fmt.Sprintf("epoll_pwait: fatal error %v", err))
	}
	for i := 0; i < n; i++ {
		b.completeEpollEvent(int(events[i].Fd), events[i].Events)
	}
	if n == 0 {
		b.storage.ReapCompletions(true)
	}
	return n > 0
}

func (b *EpollBackend) completeEpollEvent(fd int, mask uint32) {
	b.mu.Lock()
	state, ok := b.states[fd]
	b.mu.Unlock()
	if !ok {
		return
	}
	if mask&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		if slot := state.TakeWaiter(EventRead); slot != nil {
			slot.CompleteWith(0)
		} else {
			state.CompleteKnown(EventRead)
		}
	}
	if mask&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		if slot := state.TakeWaiter(EventWrite); slot != nil {
			slot.CompleteWith(0)
		} else {
			state.CompleteKnown(EventWrite)
		}
	}
}

func (b *EpollBackend) pollFor(fd *PollableFdState, dir PollEvents) *FutureCompletion {
	if fd.ConsumeKnown(dir) {
		slot := fd.NewSlot(dir)
		slot.CompleteWith(0)
		return slot.Future()
	}
	slot := fd.NewSlot(dir)
	current := fd.EpollMask()
	newMask := current | dir
	fd.MarkRequested(dir)

	if newMask != current || current == 0 {
		ev := unix.EpollEvent{Events: epollMask(newMask), Fd: int32(fd.Fd().Fd())}
		op := unix.EPOLL_CTL_MOD
		if current == 0 {
			op = unix.EPOLL_CTL_ADD
		}
		if err := unix.EpollCtl(b.epfd, op, fd.Fd().Fd(), &ev); err != nil {
			slot.Abort(err)
			return slot.Future()
		}
		fd.SetEpollMask(newMask)
	}
	return slot.Future()
}

// Readable implements Backend.
func (b *EpollBackend) Readable(fd *PollableFdState) *FutureCompletion {
	return b.pollFor(fd, EventRead)
}

// Writeable implements Backend.
func (b *EpollBackend) Writeable(fd *PollableFdState) *FutureCompletion {
	return b.pollFor(fd, EventWrite)
}

// ReadableOrWriteable implements Backend.
func (b *EpollBackend) ReadableOrWriteable(fd *PollableFdState) *FutureCompletion {
	fd.MarkRw(EventRead | EventWrite)
	b.pollFor(fd, EventWrite)
	return b.pollFor(fd, EventRead)
}

// Forget implements Backend.
func (b *EpollBackend) Forget(fd *PollableFdState) {
	fdNum := fd.Fd().Fd()
	b.mu.Lock()
	delete(b.states, fdNum)
	b.mu.Unlock()
	fd.Forget()
}

// MakePollableFdState implements Backend.
func (b *EpollBackend) MakePollableFdState(desc *FileDescriptor) (*PollableFdState, error) {
	if err := desc.SetNonBlocking(); err != nil {
		return nil, err
	}
	fdNum := desc.Fd()
	epfd := b.epfd
	state := NewPollableFdState(desc, func(s *PollableFdState) {
		if s.EpollMask() != 0 {
			unix.EpollCtl(epfd, unix.EPOLL_CTL_DEL, fdNum, nil)
		}
	})
	b.mu.Lock()
	b.states[fdNum] = state
	b.mu.Unlock()
	return state, nil
}

// Accept implements Backend.
func (b *EpollBackend) Accept(fd *PollableFdState) (int, unix.Sockaddr, error) {
	for {
		nfd, sa, err := unix.Accept(fd.Fd().Fd())
		if err == nil {
			unix.SetNonblock(nfd, true)
			return nfd, sa, nil
		}
		if err != unix.EAGAIN {
			return -1, nil, err
		}
		if _, err := b.Readable(fd).Wait(); err != nil {
			return -1, nil, err
		}
	}
}

// Connect implements Backend.
func (b *EpollBackend) Connect(fd *PollableFdState, addr unix.Sockaddr) error {
	err := unix.Connect(fd.Fd().Fd(), addr)
	if err == nil || err == unix.EINPROGRESS {
		if _, werr := b.Writeable(fd).Wait(); werr != nil {
			return werr
		}
		if errno, serr := unix.GetsockoptInt(fd.Fd().Fd(), unix.SOL_SOCKET, unix.SO_ERROR); serr == nil && errno != 0 {
			return unix.Errno(errno)
		}
		return nil
	}
	return err
}

// Shutdown implements Backend.
func (b *EpollBackend) Shutdown(fd *PollableFdState, how int) error {
	return unix.Shutdown(fd.Fd().Fd(), how)
}

// ArmHighresTimer implements Backend: epoll has no per-call high-res
// timer primitive of its own, so the deadline is handed to the helper
// thread's independent one-shot timer, which fires alongside (not
// instead of) the periodic task-quota tick.
func (b *EpollBackend) ArmHighresTimer(deadlineNanos int64) error {
	var now unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &now); err != nil {
		return err
	}
	nowNanos := now.Sec*1e9 + now.Nsec
	delay := time.Duration(deadlineNanos - nowNanos)
	if delay < 0 {
		delay = 0
	}

	b.helperMu.Lock()
	if !b.helperRunning {
		b.startHelperLocked(b.quota)
	}
	arm := b.helperArm
	b.helperMu.Unlock()

	arm <- delay
	return nil
}

// StartTick implements Backend: installs this backend's software
// monitor and starts the helper thread ticking at the task quota.
func (b *EpollBackend) StartTick() {
	SetNeedPreemptVar(b.monitor)
	b.helperMu.Lock()
	defer b.helperMu.Unlock()
	if !b.helperRunning {
		b.startHelperLocked(b.quota)
	}
}

// StopTick implements Backend: stops the helper thread.
func (b *EpollBackend) StopTick() {
	b.helperMu.Lock()
	defer b.helperMu.Unlock()
	b.stopHelperLocked()
}

// startHelperLocked launches the timer helper goroutine. Callers must
// hold helperMu and have already confirmed no helper is running.
func (b *EpollBackend) startHelperLocked(quota time.Duration) {
	stop := make(chan struct{})
	arm := make(chan time.Duration, 1)
	b.helperStop = stop
	b.helperArm = arm
	b.helperRunning = true
	go b.runHelper(quota, stop, arm)
}

// runHelper is the epoll backend's timer thread: a periodic task-quota
// tick and an independently re-armable high-res deadline, both raising
// the software preemption monitor when they fire. It never touches
// reactor-owned data structures beyond that atomic flag, and runs for
// as long as ticking is active — from start_tick until stop_tick, not
// just for a single quota period.
func (b *EpollBackend) runHelper(quota time.Duration, stop chan struct{}, arm chan time.Duration) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	ticker := time.NewTicker(quota)
	defer ticker.Stop()

	hires := time.NewTimer(quota)
	if !hires.Stop() {
		<-hires.C
	}
	defer hires.Stop()

	for {
		select {
		case <-ticker.C:
			RaiseSoftwarePreempt()
		case <-hires.C:
			RaiseSoftwarePreempt()
		case d := <-arm:
			if !hires.Stop() {
				select {
				case <-hires.C:
				default:
				}
			}
			hires.Reset(d)
		case <-stop:
			return
		}
	}
}

func (b *EpollBackend) stopHelperLocked() {
	if b.helperRunning {
		close(b.helperStop)
		b.helperRunning = false
	}
}

// RequestPreemption implements Backend: raises the software monitor
// directly, since there is no kernel-maintained counter to poke.
func (b *EpollBackend) RequestPreemption() {
	RaiseSoftwarePreempt()
}

// ResetPreemptionMonitor implements Backend.
func (b *EpollBackend) ResetPreemptionMonitor() {
	ClearPreempt()
}

// StartHandlingSignal implements Backend. Signals are delivered through
// a signalfd the caller polls via Readable like any other descriptor,
// so there is nothing additional to arm.
func (b *EpollBackend) StartHandlingSignal() {}
