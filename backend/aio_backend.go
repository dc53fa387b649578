//go:build linux

package backend

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// AioBackend drives the reactor entirely off Linux AIO: disk I/O through
// AioStorageContext, fd readiness through IOCB_CMD_POLL registrations on
// a shared AioGeneralContext, and task preemption through a dedicated
// PreemptIoContext. Poll registrations reap from the general ring's
// io_pgetevents call; disk completions and preemption-timer completions
// each sit on their own ring and are reaped separately.
type AioBackend struct {
	general  *AioGeneralContext
	storage  *AioStorageContext
	preempt  *PreemptIoContext
	registry *CompletionRegistry
	fields   *ReactorFields
	ioSink   IoSink

	mu       sync.Mutex
	pollIocb map[*PollableFdState]map[PollEvents]pollRegistration

	evBuffer []IOEvent
}

// NewAioBackend constructs the backend. threads runs retries the kernel
// page cache would otherwise force synchronous. Pending disk I/O is
// wired in afterwards with SetIoSink.
func NewAioBackend(maxAio int, threads ThreadPool, fields *ReactorFields) (*AioBackend, error) {
	general, err := NewAioGeneralContext(maxAio)
	if err != nil {
		return nil, err
	}
	storage, err := NewAioStorageContext(maxAio, threads, fields)
	if err != nil {
		general.Close()
		return nil, err
	}
	taskQuota := fields.TaskQuotaTimer
	hrTimer, err := TimerfdCreateMonotonic()
	if err != nil {
		general.Close()
		storage.Close()
		return nil, fmt.Errorf("aio backend hrtimer: %w", err)
	}
	preempt, err := NewPreemptIoContext(taskQuota, hrTimer, nil)
	if err != nil {
		general.Close()
		storage.Close()
		return nil, err
	}
	return &AioBackend{
		general:  general,
		storage:  storage,
		preempt:  preempt,
		registry: NewCompletionRegistry(),
		fields:   fields,
		pollIocb: make(map[*PollableFdState]map[PollEvents]pollRegistration),
		evBuffer: make([]IOEvent, maxAio),
	}, nil
}

// SetIoSink wires the reactor's pending-disk-I/O collaborator in. It
// must be called once before the first KernelSubmitWork.
func (b *AioBackend) SetIoSink(sink IoSink) {
	b.ioSink = sink
}

func (b *AioBackend) dispatch(token uint64, res int64) {
	if c := b.registry.Lookup(token); c != nil {
		b.registry.Release(token)
		c.CompleteWith(res)
	}
}

// ReapKernelCompletions implements Backend.
func (b *AioBackend) ReapKernelCompletions() bool {
	did := b.storage.ReapCompletions(true)
	n := b.general.ReapInto(b.evBuffer, b.dispatch)
	return did || n > 0
}

// KernelSubmitWork implements Backend.
func (b *AioBackend) KernelSubmitWork() bool {
	flushed := b.general.Flush() > 0
	var submitted bool
	if b.ioSink != nil {
		submitted = b.storage.SubmitWork(b.ioSink)
	}
	return flushed || submitted
}

// KernelEventsCanSleep implements Backend.
func (b *AioBackend) KernelEventsCanSleep() bool {
	return b.storage.CanSleep()
}

// WaitAndProcessEvents implements Backend: it blocks in io_pgetevents on
// the general ring, which carries the poll registrations. Disk
// completions live on the storage ring and are reaped here only when
// that wait returns no event.
func (b *AioBackend) WaitAndProcessEvents(timeout *unix.Timespec, sigmask *unix.Sigset_t) bool {
	n := b.general.WaitInto(b.evBuffer, timeout, sigmask, b.dispatch)
	if n == 0 {
		b.storage.ReapCompletions(true)
	}
	return n > 0
}

// pollRegistration tracks the iocb and registry token an outstanding
// poll registration used, so Forget can release the token before it
// issues io_cancel: a straggling completion the kernel delivers because
// cancellation didn't land synchronously then finds nothing registered
// under that token and is dropped, instead of racing a second delivery
// against the abort Forget already gave the caller.
type pollRegistration struct {
	iocb  *Iocb
	token uint64
}

func (b *AioBackend) pollFor(fd *PollableFdState, dir PollEvents) *FutureCompletion {
	if fd.ConsumeKnown(dir) {
		slot := fd.NewSlot(dir)
		slot.CompleteWith(0)
		return slot.Future()
	}
	slot := fd.NewSlot(dir)
	iocbVal := makePollIocb(fd.Fd().Fd(), dir)
	io := &iocbVal
	token := b.registry.Register(slot)
	setUserData(io, token)

	b.mu.Lock()
	if b.pollIocb[fd] == nil {
		b.pollIocb[fd] = make(map[PollEvents]pollRegistration)
	}
	b.pollIocb[fd][dir] = pollRegistration{iocb: io, token: token}
	b.mu.Unlock()

	fd.MarkRequested(dir)
	b.general.Queue(io)
	b.general.Flush()
	return slot.Future()
}

// Readable implements Backend.
func (b *AioBackend) Readable(fd *PollableFdState) *FutureCompletion {
	return b.pollFor(fd, EventRead)
}

// Writeable implements Backend.
func (b *AioBackend) Writeable(fd *PollableFdState) *FutureCompletion {
	return b.pollFor(fd, EventWrite)
}

// ReadableOrWriteable implements Backend by registering both directions
// and returning the readable direction's future. The writeable
// registration stays outstanding, but writeable readiness alone does not
// resolve the returned future.
func (b *AioBackend) ReadableOrWriteable(fd *PollableFdState) *FutureCompletion {
	fd.MarkRw(EventRead | EventWrite)
	b.pollFor(fd, EventWrite)
	return b.pollFor(fd, EventRead)
}

// Forget implements Backend: releases the registry entry for any
// outstanding poll iocb before cancelling it, so a straggling
// completion the kernel delivers because cancellation didn't land
// synchronously finds nothing registered under that token and is
// dropped instead of completing an already-aborted future a second
// time.
func (b *AioBackend) Forget(fd *PollableFdState) {
	b.mu.Lock()
	regs := b.pollIocb[fd]
	delete(b.pollIocb, fd)
	b.mu.Unlock()

	fd.Forget()
	for _, reg := range regs {
		b.registry.Release(reg.token)
		b.general.Cancel(reg.iocb)
	}
}

// MakePollableFdState implements Backend.
func (b *AioBackend) MakePollableFdState(desc *FileDescriptor) (*PollableFdState, error) {
	if err := desc.SetNonBlocking(); err != nil {
		return nil, err
	}
	return NewPollableFdState(desc, nil), nil
}

// Accept implements Backend.
func (b *AioBackend) Accept(fd *PollableFdState) (int, unix.Sockaddr, error) {
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
func (b *AioBackend) Connect(fd *PollableFdState, addr unix.Sockaddr) error {
	err := unix.Connect(fd.Fd().Fd(), addr)
	if err == nil || err == unix.EINPROGRESS {
		_, werr := b.Writeable(fd).Wait()
		if werr != nil {
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
func (b *AioBackend) Shutdown(fd *PollableFdState, how int) error {
	return unix.Shutdown(fd.Fd().Fd(), how)
}

// ArmHighresTimer implements Backend.
func (b *AioBackend) ArmHighresTimer(deadlineNanos int64) error {
	return b.preempt.hrTimer.TimerfdSettimeAbs(deadlineNanos)
}

// StartTick implements Backend.
func (b *AioBackend) StartTick() { b.preempt.StartTick() }

// StopTick implements Backend.
func (b *AioBackend) StopTick() { b.preempt.StopTick() }

// RequestPreemption implements Backend.
func (b *AioBackend) RequestPreemption() { b.preempt.RequestPreemption() }

// ResetPreemptionMonitor implements Backend.
func (b *AioBackend) ResetPreemptionMonitor() { b.preempt.ResetPreemptionMonitor() }

// StartHandlingSignal implements Backend. Linux AIO has no dedicated
// signal-delivery path beyond the generic signalfd readiness polling
// callers already get through Readable, so there is nothing extra to
// arm here.
func (b *AioBackend) StartHandlingSignal() {}
