//go:build linux

package backend

import (
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// IoOp identifies a disk-I/O operation.
type IoOp int

const (
	OpRead IoOp = iota
	OpWrite
	OpReadv
	OpWritev
	OpFdatasync
)

// IoRequest is a disk-I/O operation descriptor handed to the storage
// engine by the reactor's I/O sink.
type IoRequest struct {
	Op     IoOp
	Fd     int
	Offset int64
	Buf    []byte
	Iov    []unix.Iovec
	Nowait bool
}

// IoSink is the reactor-owned collaborator that feeds pending disk I/O
// to AioStorageContext.SubmitWork. Drain must call fn for each pending
// (request, completion) pair in submission order and stop as soon as fn
// returns false (typically because the IocbPool ran out of capacity).
type IoSink interface {
	Drain(fn func(req *IoRequest, completion *IoCompletion) bool) int
}

// ThreadPool is the reactor's external worker pool, used by the AIO
// retry chain to run io_submit off the reactor thread when the kernel
// page cache would make it synchronous.
type ThreadPool interface {
	Submit(fn func()) error
}

// SubmitResult is the outcome of one off-reactor io_submit call.
type SubmitResult struct {
	N   int
	Err error
}

// ReactorFields are the reactor-owned fields the backend reads and
// writes directly, per the contract the backend shares with the reactor.
type ReactorFields struct {
	// KernelPageCache, when true, means the filesystem honours AIO
	// page-cache I/O synchronously, forcing submission off the reactor
	// thread.
	KernelPageCache bool
	// AioEventfd, when non-nil, is attached to every storage iocb so a
	// completion wakes a sleeping reactor without a separate poll.
	AioEventfd *FileDescriptor
	// NotifyEventfd is the per-shard cross-shard wakeup target.
	NotifyEventfd *FileDescriptor
	// TaskQuotaTimer is the periodic deadline timer peers' preemption
	// ticks off.
	TaskQuotaTimer *FileDescriptor
	// Dying is set once shutdown has begun. The backends in this package
	// do not read it; the epoll helper goroutine stops on StopTick.
	Dying *atomic.Bool
}

// NewReactorFields returns a ReactorFields with its atomic members
// allocated and zeroed.
func NewReactorFields() *ReactorFields {
	return &ReactorFields{Dying: new(atomic.Bool)}
}
