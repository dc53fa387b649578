//go:build linux

package backend

import (
	"fmt"
	"sync"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"
)

// AioStorageContext is the disk-I/O submit/retry/reap engine shared by
// AioBackend and EpollBackend, which both delegate disk I/O to it rather
// than duplicating the submission state machine. UringBackend does not
// use it: it submits disk I/O on its own io_uring ring.
type AioStorageContext struct {
	ioContext aioContextT
	iocbPool  *IocbPool
	registry  *CompletionRegistry
	fields    *ReactorFields
	threads   ThreadPool

	submissionBatch []*Iocb

	// inflight associates a submitted iocb's user_data token with the
	// control block itself, so a reaped -EAGAIN (kernel_page_cache
	// workloads where nowait isn't honoured) can be re-queued onto the
	// right iocb without the completion needing to know about iocbs.
	inflightMu sync.Mutex
	inflight   map[uint64]*Iocb

	pendingRetry  *queue.Queue // of *Iocb
	activeRetries *queue.Queue // of *Iocb

	retryMu      sync.Mutex
	retryRunning bool
	retryWG      sync.WaitGroup

	evBuffer  []IOEvent
	aioErrors int
}

// NewAioStorageContext creates the AIO context and preallocates its iocb
// pool. maxAio should be at least the product of the reactor's I/O
// queues, so a single shard never starves another's AIO submissions.
func NewAioStorageContext(maxAio int, threads ThreadPool, fields *ReactorFields) (*AioStorageContext, error) {
	ctx, err := ioSetup(uint32(maxAio))
	if err != nil {
		return nil, fmt.Errorf("aio storage context setup: %w", err)
	}
	return &AioStorageContext{
		ioContext:     ctx,
		iocbPool:      NewIocbPool(maxAio),
		registry:      NewCompletionRegistry(),
		fields:        fields,
		threads:       threads,
		inflight:      make(map[uint64]*Iocb),
		pendingRetry:  queue.New(),
		activeRetries: queue.New(),
		evBuffer:      make([]IOEvent, maxAio),
	}, nil
}

// Close tears down the kernel AIO context. Callers must Stop first so no
// iocb is still outstanding.
func (c *AioStorageContext) Close() error {
	return ioDestroy(c.ioContext)
}

// AioErrors reports the ring-wide fatal error counter, exposed so tests
// and diagnostics (control.MetricsRegistry) can assert on it.
func (c *AioStorageContext) AioErrors() int {
	return c.aioErrors
}

func prepareIocb(req *IoRequest, io *Iocb) {
	switch req.Op {
	case OpFdatasync:
		*io = makeFdsyncIocb(req.Fd)
	case OpWrite:
		*io = makePwriteIocb(req.Fd, req.Offset, req.Buf)
		setNowait(io, req.Nowait)
	case OpWritev:
		*io = makePwritevIocb(req.Fd, req.Offset, req.Iov)
		setNowait(io, req.Nowait)
	case OpRead:
		*io = makePreadIocb(req.Fd, req.Offset, req.Buf)
		setNowait(io, req.Nowait)
	case OpReadv:
		*io = makePreadvIocb(req.Fd, req.Offset, req.Iov)
		setNowait(io, req.Nowait)
	default:
		panic(fmt.Sprintf("invalid io_request opcode: %d", req.Op))
	}
}

func (c *AioStorageContext) track(token uint64, io *Iocb) {
	c.inflightMu.Lock()
	c.inflight[token] = io
	c.inflightMu.Unlock()
}

func (c *AioStorageContext) untrack(token uint64) *Iocb {
	c.inflightMu.Lock()
	io := c.inflight[token]
	delete(c.inflight, token)
	c.inflightMu.Unlock()
	return io
}

// SubmitWork drains pending requests from sink while the IocbPool has
// capacity, then submits the resulting batch (or offloads it to the
// retry path when kernelPageCacheMode forces synchronous submission).
// Returns whether any useful work happened.
func (c *AioStorageContext) SubmitWork(sink IoSink) bool {
	didWork := false
	c.submissionBatch = c.submissionBatch[:0]

	sink.Drain(func(req *IoRequest, completion *IoCompletion) bool {
		if !c.iocbPool.HasCapacity() {
			return false
		}
		io := c.iocbPool.Acquire()
		prepareIocb(req, io)
		token := c.registry.Register(completion)
		setUserData(io, token)
		c.track(token, io)
		if c.fields != nil && c.fields.AioEventfd != nil {
			setEventfdNotification(io, c.fields.AioEventfd.Fd())
		}
		c.submissionBatch = append(c.submissionBatch, io)
		return true
	})

	toSubmit := len(c.submissionBatch)

	if c.fields != nil && c.fields.KernelPageCache {
		// linux-aio is not asynchronous when the page cache is hit, so
		// submission must not happen on the reactor thread. Pretend
		// every drained iocb failed with EAGAIN and let scheduleRetry
		// push it through the thread pool instead.
		didWork = len(c.submissionBatch) > 0
		for _, io := range c.submissionBatch {
			setNowait(io, false)
			c.pendingRetry.Add(io)
		}
		toSubmit = 0
	}

	submitted := 0
	for toSubmit > submitted {
		batch := c.submissionBatch[submitted:toSubmit]
		n, err := ioSubmit(c.ioContext, batch)
		var consumed int
		if n == -1 {
			consumed = c.handleAioError(batch[0], err)
		} else {
			consumed = n
		}
		didWork = true
		if consumed == 0 {
			break // EAGAIN on the first iocb: stop, nothing consumed.
		}
		submitted += consumed
	}

	if c.needToRetry() && !c.retryInProgress() {
		c.scheduleRetry()
	}

	return didWork
}

// handleAioError applies the submission-error policy: EAGAIN stops
// submission without consuming anything; EBADF releases that one iocb
// and completes it with -EBADF; anything else is ring-wide fatal.
func (c *AioStorageContext) handleAioError(io *Iocb, err error) int {
	errno, _ := err.(unix.Errno)
	switch int(errno) {
	case eagain:
		return 0
	case ebadf:
		token := io.Data
		completion := c.registry.Lookup(token)
		c.registry.Release(token)
		c.untrack(token)
		c.iocbPool.Release(io)
		if completion != nil {
			completion.CompleteWith(-int64(unix.EBADF))
		}
		return 1
	default:
		c.aioErrors++
		panic(fmt.Sprintf("io_submit: fatal error %v", err))
	}
}

func (c *AioStorageContext) needToRetry() bool {
	return c.pendingRetry.Length() > 0
}

func (c *AioStorageContext) retryInProgress() bool {
	c.retryMu.Lock()
	defer c.retryMu.Unlock()
	return c.retryRunning
}

// scheduleRetry offloads a batch of retry iocbs to the thread pool's
// io_submit call. Only one retry chain may be outstanding at a time;
// while it runs, newly-queued retries accumulate in pendingRetry and are
// swapped in once the active chain drains.
func (c *AioStorageContext) scheduleRetry() {
	c.retryMu.Lock()
	if c.retryRunning {
		c.retryMu.Unlock()
		return
	}
	c.retryRunning = true
	c.retryWG.Add(1)
	c.retryMu.Unlock()

	go func() {
		defer c.retryWG.Done()
		for {
			c.retryMu.Lock()
			if c.activeRetries.Length() == 0 {
				if c.pendingRetry.Length() == 0 {
					c.retryRunning = false
					c.retryMu.Unlock()
					return
				}
				c.activeRetries, c.pendingRetry = c.pendingRetry, c.activeRetries
			}
			batch := make([]*Iocb, c.activeRetries.Length())
			for i := range batch {
				batch[i] = c.activeRetries.Peek().(*Iocb)
				c.activeRetries.Remove()
			}
			c.retryMu.Unlock()

			resultCh := make(chan SubmitResult, 1)
			submitFn := func() {
				n, err := ioSubmit(c.ioContext, batch)
				resultCh <- SubmitResult{N: n, Err: err}
			}
			if c.threads != nil {
				if err := c.threads.Submit(submitFn); err != nil {
					submitFn() // fall back to running inline if the pool rejects
				}
			} else {
				submitFn()
			}
			result := <-resultCh

			var consumed int
			if result.N == -1 {
				consumed = c.handleAioErrorInRetry(batch[0], result.Err)
			} else {
				consumed = result.N
			}

			c.retryMu.Lock()
			for _, io := range batch[consumed:] {
				c.activeRetries.Add(io)
			}
			c.retryMu.Unlock()
		}
	}()
}

// handleAioErrorInRetry applies exactly the handleAioError policy on the
// retry goroutine: EAGAIN consumes nothing, EBADF completes that one
// iocb, and any other errno panics, same as the inline path, since the
// reactor has no meaningful recovery.
func (c *AioStorageContext) handleAioErrorInRetry(io *Iocb, err error) int {
	return c.handleAioError(io, err)
}

// ReapCompletions performs a non-blocking io_getevents and delivers each
// reaped completion. When allowRetry is true, a completion result of
// -EAGAIN is re-queued for retry instead of delivered. Returns whether
// any event was reaped.
func (c *AioStorageContext) ReapCompletions(allowRetry bool) bool {
	n, err := ioGetevents(c.ioContext, 1, c.evBuffer, &unix.Timespec{})
	if n == -1 {
		if err == unix.EINTR {
			return false
		}
		panic(fmt.Sprintf("io_getevents: fatal error %v", err))
	}
	for i := 0; i < n; i++ {
		ev := c.evBuffer[i]
		if ev.Res == -int64(unix.EAGAIN) && allowRetry {
			if io := c.untrack(ev.Data); io != nil {
				setNowait(io, false)
				// Keep it tracked so the retried submission's completion
				// still returns the iocb to the pool.
				c.track(ev.Data, io)
				c.pendingRetry.Add(io)
			}
			continue
		}
		completion := c.registry.Lookup(ev.Data)
		c.registry.Release(ev.Data)
		if io := c.untrack(ev.Data); io != nil {
			c.iocbPool.Release(io)
		}
		if completion != nil {
			completion.CompleteWith(ev.Res)
		}
	}
	return n > 0
}

// CanSleep reports whether the reactor may safely block: either nothing
// is outstanding, or an eventfd is registered that will wake it on any
// AIO completion.
func (c *AioStorageContext) CanSleep() bool {
	return c.iocbPool.Outstanding() == 0 || (c.fields != nil && c.fields.AioEventfd != nil)
}

// Stop drains completions to a fixed point and waits for any in-flight
// retry chain to finish. It does not refuse new work: a SubmitWork call
// made after Stop still submits.
func (c *AioStorageContext) Stop() {
	for c.iocbPool.Outstanding() > 0 {
		c.ReapCompletions(false)
	}
	c.retryWG.Wait()
}
