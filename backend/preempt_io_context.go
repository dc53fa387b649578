//go:build linux

package backend

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// PreemptIoContext is the preemption engine: a dedicated two-iocb AIO
// context plus a task-quota timerfd and a hi-res timerfd. While ticking,
// it installs a software-maintained preemption word as the process-wide
// monitor and raises it itself as each timer fires, so a yield check on
// the hot path still costs a plain load with no syscall.
type PreemptIoContext struct {
	ctx      aioContextT
	pool     *IocbPool
	registry *CompletionRegistry

	taskQuotaTimer *FileDescriptor
	hrTimer        *FileDescriptor

	taskQuotaCompletion *CompletionWithIocb
	hrTimerCompletion   *CompletionWithIocb

	// reactorMonitor is the software-maintained preemption word StartTick
	// points the process-wide monitor at. Pointing at a counter the
	// kernel maintains inside the AIO ring's mapped header (io_context+8)
	// is tempting but that offset is not part of any stable kernel ABI,
	// and a wrong guess dereferences memory the Go runtime knows nothing
	// about, which is not a recoverable panic the way an io_submit errno
	// is. This implementation always uses the software monitor, which is
	// also the documented fallback for kernels where the ring-counter
	// trick can't be verified.
	reactorMonitor *PreemptionMonitor

	onHighresTimer func()
}

// NewPreemptIoContext sets up the two-entry AIO ring and wires its
// completions to the task-quota and hi-res timers.
func NewPreemptIoContext(taskQuotaTimer, hrTimer *FileDescriptor, onHighresTimer func()) (*PreemptIoContext, error) {
	ctx, err := ioSetup(2)
	if err != nil {
		return nil, fmt.Errorf("preempt io context setup: %w", err)
	}
	p := &PreemptIoContext{
		ctx:            ctx,
		pool:           NewIocbPool(2),
		registry:       NewCompletionRegistry(),
		taskQuotaTimer: taskQuotaTimer,
		hrTimer:        hrTimer,
		reactorMonitor: &PreemptionMonitor{},
		onHighresTimer: onHighresTimer,
	}

	taskQuotaIocb := p.pool.Acquire()
	*taskQuotaIocb = makePollIocb(taskQuotaTimer.Fd(), EventRead)
	p.taskQuotaCompletion = NewCompletionWithIocb(taskQuotaIocb, func(res int64) {
		taskQuotaTimer.DrainExpiryCounter()
		RaiseSoftwarePreempt()
	})
	token := p.registry.Register(p.taskQuotaCompletion)
	setUserData(taskQuotaIocb, token)

	hrIocb := p.pool.Acquire()
	*hrIocb = makePollIocb(hrTimer.Fd(), EventRead)
	p.hrTimerCompletion = NewCompletionWithIocb(hrIocb, func(res int64) {
		hrTimer.DrainExpiryCounter()
		RaiseSoftwarePreempt()
		if p.onHighresTimer != nil {
			p.onHighresTimer()
		}
	})
	token = p.registry.Register(p.hrTimerCompletion)
	setUserData(hrIocb, token)

	p.flushRearm()
	return p, nil
}

// StartTick installs this context's software preemption monitor as the
// process-wide one. Requests submitted through this ring raise it via
// RequestPreemption rather than the kernel bumping it directly.
func (p *PreemptIoContext) StartTick() {
	SetNeedPreemptVar(p.reactorMonitor)
}

// StopTick restores the process-wide preemption monitor to the
// per-reactor software location.
func (p *PreemptIoContext) StopTick() {
	SetNeedPreemptVar(p.reactorMonitor)
}

// ResetPreemptionMonitor drains this context's events (servicing any
// timer/quota completion), re-arms the task-quota and hi-res timer
// completions, and flushes the result.
func (p *PreemptIoContext) ResetPreemptionMonitor() {
	p.ServicePreemptingIo()
	ClearPreempt()
	p.flushRearm()
}

func (p *PreemptIoContext) flushRearm() {
	var batch []*Iocb
	if p.taskQuotaCompletion != nil && !p.taskQuotaCompletion.inContext.Load() {
		p.taskQuotaCompletion.inContext.Store(true)
		batch = append(batch, p.taskQuotaCompletion.Iocb())
	}
	if p.hrTimerCompletion != nil && !p.hrTimerCompletion.inContext.Load() {
		p.hrTimerCompletion.inContext.Store(true)
		batch = append(batch, p.hrTimerCompletion.Iocb())
	}
	if len(batch) == 0 {
		return
	}
	for len(batch) > 0 {
		n, err := ioSubmit(p.ctx, batch)
		if n == -1 {
			if errno, _ := err.(unix.Errno); int(errno) == eagain {
				continue
			}
			panic(fmt.Sprintf("preempt_io_context: io_submit fatal: %v", err))
		}
		batch = batch[n:]
	}
}

// ServicePreemptingIo reaps whatever is ready on the preemption ring
// without blocking and dispatches each completion. Returns whether any
// event was reaped.
func (p *PreemptIoContext) ServicePreemptingIo() bool {
	events := make([]IOEvent, 2)
	n, err := ioGetevents(p.ctx, 0, events, &unix.Timespec{})
	if n == -1 {
		panic(fmt.Sprintf("preempt_io_context: io_getevents fatal: %v", err))
	}
	for i := 0; i < n; i++ {
		if c := p.registry.Lookup(events[i].Data); c != nil {
			c.CompleteWith(events[i].Res)
		}
	}
	return n > 0
}

// RequestPreemption arms the hi-res timer for +1ns, ensures its iocb is
// queued, flushes, then spins on NeedPreempt, reaping this ring on each
// pass, until the timer's completion is delivered and raises the
// monitor. This is a
// rare, bounded-wait path: used when a sibling code path wants the
// current shard to yield as soon as possible.
func (p *PreemptIoContext) RequestPreemption() {
	if err := p.hrTimer.TimerfdSettimeAbs(1); err != nil {
		panic(fmt.Sprintf("preempt_io_context: timerfd_settime fatal: %v", err))
	}
	// flushRearm only submits entries not already in_context; the hi-res
	// timer completion is re-armed by ResetPreemptionMonitor after every
	// prior fire, so it is normally already queued here.
	p.flushRearm()
	for !NeedPreempt() {
		p.ServicePreemptingIo()
		runtime.Gosched()
	}
}
