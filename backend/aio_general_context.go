//go:build linux

package backend

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// AioGeneralContext is the networking-facing AIO ring: a bounded queue
// of ready-to-submit control blocks that flush drains as a single batch,
// retrying on EAGAIN and yielding to task preemption between attempts
// rather than spinning through it. It is deliberately simpler than
// AioStorageContext: there is no retry thread-pool offload here, because
// poll/timerfd/eventfd submissions never block on the kernel page cache.
type AioGeneralContext struct {
	ctx      aioContextT
	pending  []*Iocb
	capacity int
}

// NewAioGeneralContext sets up an AIO ring sized for capacity concurrent
// poll/timer registrations.
func NewAioGeneralContext(capacity int) (*AioGeneralContext, error) {
	ctx, err := ioSetup(uint32(capacity))
	if err != nil {
		return nil, fmt.Errorf("aio general context setup: %w", err)
	}
	return &AioGeneralContext{ctx: ctx, capacity: capacity}, nil
}

// Close tears down the kernel context.
func (g *AioGeneralContext) Close() error {
	return ioDestroy(g.ctx)
}

// Queue appends io to the pending batch. The caller is responsible for
// not exceeding capacity between Flush calls.
func (g *AioGeneralContext) Queue(io *Iocb) {
	g.pending = append(g.pending, io)
}

// Flush submits every queued iocb, retrying on EAGAIN and yielding to
// the preemption monitor between attempts so a saturated ring never
// starves the reactor's own task quota. Returns the number submitted.
func (g *AioGeneralContext) Flush() int {
	submitted := 0
	for len(g.pending) > 0 {
		n, err := ioSubmit(g.ctx, g.pending)
		if n == -1 {
			errno, _ := err.(unix.Errno)
			if int(errno) == eagain {
				if NeedPreempt() {
					break
				}
				continue
			}
			panic(fmt.Sprintf("aio_general_context: io_submit fatal: %v", err))
		}
		g.pending = g.pending[n:]
		submitted += n
	}
	return submitted
}

// Cancel requests the kernel cancel a previously submitted iocb. Per the
// cancellation policy, the corresponding completion will resolve to
// ErrAborted rather than deliver a spurious success; io_cancel's own
// return value is advisory only.
func (g *AioGeneralContext) Cancel(io *Iocb) error {
	return ioCancel(g.ctx, io)
}

// ReapInto drains up to len(events) ready completions without blocking,
// delegating dispatch to the caller's registry lookup via dispatch.
func (g *AioGeneralContext) ReapInto(events []IOEvent, dispatch func(token uint64, res int64)) int {
	n, err := ioGetevents(g.ctx, 0, events, &unix.Timespec{})
	if n == -1 {
		panic(fmt.Sprintf("aio_general_context: io_getevents fatal: %v", err))
	}
	for i := 0; i < n; i++ {
		dispatch(events[i].Data, events[i].Res)
	}
	return n
}

// WaitInto blocks (optionally bounded by timeout, nil meaning
// indefinite) until at least one event is ready, then dispatches
// everything currently available. sigmask is applied atomically for the
// duration of the wait via io_pgetevents, so a signal delivered between
// the reactor unblocking and this call re-entering the kernel is never
// missed — the same guarantee epoll_pwait gives the epoll backend.
func (g *AioGeneralContext) WaitInto(events []IOEvent, timeout *unix.Timespec, sigmask *unix.Sigset_t, dispatch func(token uint64, res int64)) int {
	n, err := ioPgetevents(g.ctx, 1, events, timeout, sigmask)
	if n == -1 {
		if err == unix.EINTR {
			return 0
		}
		panic(fmt.Sprintf("aio_general_context: io_pgetevents fatal: %v", err))
	}
	for i := 0; i < n; i++ {
		dispatch(events[i].Data, events[i].Res)
	}
	return n
}
