//go:build linux

package backend

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// UringBackend drives disk I/O and fd readiness through one io_uring
// ring, unlike AioBackend and EpollBackend which split disk I/O off
// into a separate AIO context. Task preemption rides on a dedicated
// PreemptIoContext with the same software monitor the other backends
// use.
type UringBackend struct {
	ring     *UringRing
	registry *CompletionRegistry
	preempt  *PreemptIoContext
	ioSink   IoSink
	fields   *ReactorFields

	mu          sync.Mutex
	pollUserData map[*PollableFdState]map[PollEvents]uint64

	cqeBuffer []UringCqe
}

// NewUringBackend creates a ring sized for entries concurrent
// submissions and wires a dedicated preemption context alongside it.
func NewUringBackend(entries uint32, fields *ReactorFields) (*UringBackend, error) {
	ring, err := NewUringRing(entries)
	if err != nil {
		return nil, err
	}
	hrTimer, err := TimerfdCreateMonotonic()
	if err != nil {
		ring.Close()
		return nil, fmt.Errorf("uring backend hrtimer: %w", err)
	}
	preempt, err := NewPreemptIoContext(fields.TaskQuotaTimer, hrTimer, nil)
	if err != nil {
		ring.Close()
		return nil, err
	}
	return &UringBackend{
		ring:         ring,
		registry:     NewCompletionRegistry(),
		preempt:      preempt,
		fields:       fields,
		pollUserData: make(map[*PollableFdState]map[PollEvents]uint64),
		cqeBuffer:    make([]UringCqe, entries),
	}, nil
}

// SetIoSink wires the reactor's pending-disk-I/O collaborator in.
func (b *UringBackend) SetIoSink(sink IoSink) {
	b.ioSink = sink
}

func (b *UringBackend) dispatch(n int) bool {
	for i := 0; i < n; i++ {
		cqe := b.cqeBuffer[i]
		if c := b.registry.Lookup(cqe.UserData); c != nil {
			b.registry.Release(cqe.UserData)
			c.CompleteWith(int64(cqe.Res))
		}
	}
	return n > 0
}

// ReapKernelCompletions implements Backend.
func (b *UringBackend) ReapKernelCompletions() bool {
	n := b.ring.ReapCqes(b.cqeBuffer)
	return b.dispatch(n)
}

// KernelSubmitWork implements Backend.
func (b *UringBackend) KernelSubmitWork() bool {
	submitted := false
	if b.ioSink != nil {
		b.ioSink.Drain(func(req *IoRequest, completion *IoCompletion) bool {
			sqe := b.ring.NextSqe()
			if sqe == nil {
				return false
			}
			prepareUringSqe(req, sqe)
			sqe.UserData = b.registry.Register(completion)
			submitted = true
			return true
		})
	}
	n, err := b.ring.Submit(0, false)
	if n == -1 {
		panic(fmt.Sprintf("uring backend: io_uring_enter submit fatal: %v", err))
	}
	return submitted || n > 0
}

func prepareUringSqe(req *IoRequest, sqe *UringSqe) {
	switch req.Op {
	case OpRead:
		sqe.Opcode = ioringOpRead
		sqe.Fd = int32(req.Fd)
		sqe.Off = uint64(req.Offset)
		if len(req.Buf) > 0 {
			sqe.Addr = uint64(uintptr(unsafe.Pointer(&req.Buf[0])))
		}
		sqe.Len = uint32(len(req.Buf))
	case OpWrite:
		sqe.Opcode = ioringOpWrite
		sqe.Fd = int32(req.Fd)
		sqe.Off = uint64(req.Offset)
		if len(req.Buf) > 0 {
			sqe.Addr = uint64(uintptr(unsafe.Pointer(&req.Buf[0])))
		}
		sqe.Len = uint32(len(req.Buf))
	case OpReadv:
		sqe.Opcode = ioringOpReadv
		sqe.Fd = int32(req.Fd)
		sqe.Off = uint64(req.Offset)
		if len(req.Iov) > 0 {
			sqe.Addr = uint64(uintptr(unsafe.Pointer(&req.Iov[0])))
		}
		sqe.Len = uint32(len(req.Iov))
	case OpWritev:
		sqe.Opcode = ioringOpWritev
		sqe.Fd = int32(req.Fd)
		sqe.Off = uint64(req.Offset)
		if len(req.Iov) > 0 {
			sqe.Addr = uint64(uintptr(unsafe.Pointer(&req.Iov[0])))
		}
		sqe.Len = uint32(len(req.Iov))
	case OpFdatasync:
		sqe.Opcode = ioringOpFsync
		sqe.Fd = int32(req.Fd)
	default:
		panic(fmt.Sprintf("uring backend: invalid io_request opcode %d", req.Op))
	}
}

// KernelEventsCanSleep implements Backend: io_uring always wakes via its
// own completion queue, and KernelSubmitWork has already pushed any
// pending SQEs before the reactor sleeps, so this always reports true.
func (b *UringBackend) KernelEventsCanSleep() bool {
	return true
}

// WaitAndProcessEvents implements Backend: a single io_uring_enter with
// IORING_ENTER_GETEVENTS blocks until at least one completion is ready,
// then every ready completion (poll, disk I/O, preemption ring aside)
// is drained and dispatched in one pass. timeout and sigmask are not
// applied: the wait has no deadline and runs under the thread's current
// signal mask.
func (b *UringBackend) WaitAndProcessEvents(timeout *unix.Timespec, sigmask *unix.Sigset_t) bool {
	n, err := b.ring.Submit(1, true)
	if n == -1 {
		if errno, _ := err.(unix.Errno); errno == unix.EINTR {
			return false
		}
		panic(fmt.Sprintf("uring backend: io_uring_enter wait fatal: %v", err))
	}
	reaped := b.ring.ReapCqes(b.cqeBuffer)
	return b.dispatch(reaped)
}

func (b *UringBackend) pollFor(fd *PollableFdState, dir PollEvents) *FutureCompletion {
	if fd.ConsumeKnown(dir) {
		slot := fd.NewSlot(dir)
		slot.CompleteWith(0)
		return slot.Future()
	}
	slot := fd.NewSlot(dir)
	sqe := b.ring.NextSqe()
	if sqe == nil {
		// Ring saturated: submit what's pending to make room, then retry
		// once. A persistently full ring is a sizing problem for the
		// caller to address, not something to spin on indefinitely here.
		b.ring.Submit(0, false)
		sqe = b.ring.NextSqe()
		if sqe == nil {
			slot.Abort(fmt.Errorf("uring backend: submission ring saturated"))
			return slot.Future()
		}
	}
	sqe.Opcode = ioringOpPollAdd
	sqe.Fd = int32(fd.Fd().Fd())
	if dir&EventRead != 0 {
		sqe.Len |= unix.POLLIN
	}
	if dir&EventWrite != 0 {
		sqe.Len |= unix.POLLOUT
	}
	token := b.registry.Register(slot)
	sqe.UserData = token

	b.mu.Lock()
	if b.pollUserData[fd] == nil {
		b.pollUserData[fd] = make(map[PollEvents]uint64)
	}
	b.pollUserData[fd][dir] = token
	b.mu.Unlock()

	fd.MarkRequested(dir)
	b.ring.Submit(0, false)
	return slot.Future()
}

// Readable implements Backend.
func (b *UringBackend) Readable(fd *PollableFdState) *FutureCompletion {
	return b.pollFor(fd, EventRead)
}

// Writeable implements Backend.
func (b *UringBackend) Writeable(fd *PollableFdState) *FutureCompletion {
	return b.pollFor(fd, EventWrite)
}

// ReadableOrWriteable implements Backend.
func (b *UringBackend) ReadableOrWriteable(fd *PollableFdState) *FutureCompletion {
	fd.MarkRw(EventRead | EventWrite)
	b.pollFor(fd, EventWrite)
	return b.pollFor(fd, EventRead)
}

// Forget implements Backend: releases the registry entry for any
// outstanding poll registration before issuing IORING_OP_POLL_REMOVE,
// so neither the original poll CQE racing the removal nor the
// removal's own -ECANCELED CQE finds a completion still registered
// under that token to deliver a second time.
func (b *UringBackend) Forget(fd *PollableFdState) {
	b.mu.Lock()
	userData := b.pollUserData[fd]
	delete(b.pollUserData, fd)
	b.mu.Unlock()

	fd.Forget()
	for _, token := range userData {
		b.registry.Release(token)
		if sqe := b.ring.NextSqe(); sqe != nil {
			sqe.Opcode = ioringOpPollRemove
			sqe.Addr = token
		}
	}
	if len(userData) > 0 {
		b.ring.Submit(0, false)
	}
}

// MakePollableFdState implements Backend.
func (b *UringBackend) MakePollableFdState(desc *FileDescriptor) (*PollableFdState, error) {
	if err := desc.SetNonBlocking(); err != nil {
		return nil, err
	}
	return NewPollableFdState(desc, nil), nil
}

// Accept implements Backend.
func (b *UringBackend) Accept(fd *PollableFdState) (int, unix.Sockaddr, error) {
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
func (b *UringBackend) Connect(fd *PollableFdState, addr unix.Sockaddr) error {
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
func (b *UringBackend) Shutdown(fd *PollableFdState, how int) error {
	return unix.Shutdown(fd.Fd().Fd(), how)
}

// ArmHighresTimer implements Backend.
func (b *UringBackend) ArmHighresTimer(deadlineNanos int64) error {
	return b.preempt.hrTimer.TimerfdSettimeAbs(deadlineNanos)
}

// StartTick implements Backend.
func (b *UringBackend) StartTick() { b.preempt.StartTick() }

// StopTick implements Backend.
func (b *UringBackend) StopTick() { b.preempt.StopTick() }

// RequestPreemption implements Backend.
func (b *UringBackend) RequestPreemption() { b.preempt.RequestPreemption() }

// ResetPreemptionMonitor implements Backend.
func (b *UringBackend) ResetPreemptionMonitor() { b.preempt.ResetPreemptionMonitor() }

// StartHandlingSignal implements Backend. Signals are polled through a
// signalfd the same way any other descriptor is, so there is nothing
// additional to arm here.
func (b *UringBackend) StartHandlingSignal() {}
