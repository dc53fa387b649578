//go:build linux

package backend

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// PollEvents is a bitset of readiness directions, mirroring POLLIN/POLLOUT
// so backends can share one representation across the AIO poll path and
// the epoll mask-tracking path.
type PollEvents uint32

const (
	EventRead  PollEvents = 1 << 0
	EventWrite PollEvents = 1 << 1
	EventError PollEvents = 1 << 2
	EventHup   PollEvents = 1 << 3
)

// KernelCompletion is the polymorphic base of every object the kernel can
// notify: it receives exactly one signed result, at-most-once, for the
// submission that carried it as user_data. A negative result is -errno;
// a non-negative result is a byte count or readiness mask, depending on
// the submission kind.
type KernelCompletion interface {
	CompleteWith(res int64)
}

// Abortable is implemented by completions that can resolve to a
// cancelled/forgotten state instead of a normal result, e.g. when the
// owning PollableFdState is torn down while a completion is still
// in-flight.
type Abortable interface {
	Abort(err error)
}

// ErrAborted is delivered to any future still waiting on a completion
// whose PollableFdState was forgotten, or whose I/O was cancelled.
var ErrAborted = &abortedError{}

type abortedError struct{}

func (*abortedError) Error() string { return "pollable fd state aborted" }

// FutureCompletion is a minimal single-assignment future: it is the
// bridge between a KernelCompletion and the code awaiting its result.
// The reactor's real futures/promises library is an external
// collaborator (see Collaborators); this type is the narrow contract
// this package needs from it.
type FutureCompletion struct {
	done      chan struct{}
	closeOnce sync.Once
	res       int64
	err       error
}

// NewFutureCompletion returns a completion/future pair ready to be handed
// to the kernel (as user_data) and to the caller (as an awaitable),
// respectively.
func NewFutureCompletion() *FutureCompletion {
	return &FutureCompletion{done: make(chan struct{})}
}

// CompleteWith implements KernelCompletion. At most one of CompleteWith
// or Abort ever takes effect: a straggling kernel completion that
// arrives after forget has already aborted this future (or vice versa,
// a duplicate cancellation notice after a real result was delivered)
// is a no-op rather than a double close.
func (f *FutureCompletion) CompleteWith(res int64) {
	f.closeOnce.Do(func() {
		f.res = res
		close(f.done)
	})
}

// Abort implements Abortable. See CompleteWith for the idempotence
// guarantee shared between the two.
func (f *FutureCompletion) Abort(err error) {
	if err == nil {
		err = ErrAborted
	}
	f.closeOnce.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Wait blocks until the completion fires and returns its result, or an
// error if it was aborted.
func (f *FutureCompletion) Wait() (int64, error) {
	<-f.done
	return f.res, f.err
}

// Ready reports whether the completion has already fired, without
// blocking.
func (f *FutureCompletion) Ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// IoCompletion is the completion object associated with one submitted
// disk I/O request (read/write/readv/writev/fdatasync).
type IoCompletion = FutureCompletion

// PollableFdCompletion completes a single readiness direction
// (readable or writeable) for a PollableFdState. It understands
// in_forget: once the owning state is being torn down, any result it
// receives is reinterpreted as an abort rather than delivered normally.
type PollableFdCompletion struct {
	future   *FutureCompletion
	inForget *bool
}

// NewPollableFdCompletion creates a fresh completion slot bound to the
// in_forget flag of its owning PollableFdState.
func NewPollableFdCompletion(inForget *bool) *PollableFdCompletion {
	return &PollableFdCompletion{future: NewFutureCompletion(), inForget: inForget}
}

// CompleteWith implements KernelCompletion.
func (p *PollableFdCompletion) CompleteWith(res int64) {
	if p.inForget != nil && *p.inForget {
		p.future.Abort(nil)
		return
	}
	if res == -int64(unix.ECANCELED) {
		p.future.Abort(nil)
		return
	}
	p.future.CompleteWith(res)
}

// Abort implements Abortable.
func (p *PollableFdCompletion) Abort(err error) {
	p.future.Abort(err)
}

// Future returns the awaitable backing this completion slot.
func (p *PollableFdCompletion) Future() *FutureCompletion {
	return p.future
}

// CompletionWithIocb is the base for any recurring AIO poll entry
// (timerfd, eventfd, the preemption hi-res timer): it holds a
// preallocated poll Iocb and an in-context flag so MaybeQueue is
// idempotent between enqueueing the iocb and the kernel completing it.
type CompletionWithIocb struct {
	iocb      *Iocb
	inContext atomic.Bool
	onFire    func(res int64)
}

// NewCompletionWithIocb wires a recurring completion to the iocb the
// kernel will notify and the callback to run on each firing.
func NewCompletionWithIocb(iocb *Iocb, onFire func(res int64)) *CompletionWithIocb {
	return &CompletionWithIocb{iocb: iocb, onFire: onFire}
}

// CompleteWith implements KernelCompletion; it clears in-context so the
// entry becomes eligible for MaybeQueue again, then invokes the callback.
func (c *CompletionWithIocb) CompleteWith(res int64) {
	c.inContext.Store(false)
	if c.onFire != nil {
		c.onFire(res)
	}
}

// MaybeQueue enqueues the held iocb onto ctx unless it is already
// in-flight. Returns true if it queued new work.
func (c *CompletionWithIocb) MaybeQueue(ctx *AioGeneralContext) bool {
	if c.inContext.Load() {
		return false
	}
	c.inContext.Store(true)
	ctx.Queue(c.iocb)
	return true
}

// Iocb returns the control block this completion re-arms on every fire.
func (c *CompletionWithIocb) Iocb() *Iocb {
	return c.iocb
}

// CompletionRegistry maps the opaque user_data the kernel hands back on
// a completion to the live KernelCompletion it identifies. Storing a raw
// Go pointer in an iocb's 64-bit user_data field would hide it from the
// garbage collector, so every backend threads completions through one
// of these instead of pointer arithmetic.
type CompletionRegistry struct {
	mu      sync.Mutex
	entries map[uint64]KernelCompletion
	next    uint64
}

// NewCompletionRegistry returns an empty registry.
func NewCompletionRegistry() *CompletionRegistry {
	return &CompletionRegistry{entries: make(map[uint64]KernelCompletion)}
}

// Register assigns a fresh user_data token to c and returns it.
func (r *CompletionRegistry) Register(c KernelCompletion) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	id := r.next
	r.entries[id] = c
	return id
}

// Lookup resolves a user_data token back to its completion, or nil if it
// has already been delivered or was never registered.
func (r *CompletionRegistry) Lookup(token uint64) KernelCompletion {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[token]
}

// Release forgets a token once its completion has fired or been aborted.
func (r *CompletionRegistry) Release(token uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, token)
}
