// File: reactor/reactor.go
// Part of the shardio reactor backend.
//
// Reactor drives one shard's event loop: submit pending kernel work,
// reap whatever already completed, and block for more only when no
// task is runnable and the backend reports it is safe to sleep.

package reactor

import (
	"sync/atomic"
	"time"

	"shardio/backend"
)

// TaskQueue is the reactor-owned collaborator that holds runnable tasks
// between ticks. RunPending should process whatever is ready and report
// whether the queue still has more work than fit in one quota.
type TaskQueue interface {
	RunPending() (more bool)
}

// Reactor ties a backend.Backend to a task queue and drives the
// submit/reap/wait/run cycle until Stop is called.
type Reactor struct {
	be    backend.Backend
	tasks TaskQueue
	dying atomic.Bool

	idlePoll time.Duration
}

// New wraps be and tasks in a driving loop. idlePoll bounds how long the
// reactor busy-polls for new work before committing to a blocking wait;
// zero disables the busy-poll phase entirely.
func New(be backend.Backend, tasks TaskQueue, idlePoll time.Duration) *Reactor {
	return &Reactor{be: be, tasks: tasks, idlePoll: idlePoll}
}

// Stop requests the loop exit after its current iteration.
func (r *Reactor) Stop() {
	r.dying.Store(true)
}

// RunOnce executes a single iteration: submit, run one batch of tasks
// under the preemption monitor, reap, and — only if nothing was
// runnable and nothing was reaped — sleep until the backend has
// something to report.
func (r *Reactor) RunOnce() {
	r.be.KernelSubmitWork()

	r.be.StartTick()
	more := r.tasks.RunPending()
	r.be.StopTick()
	r.be.ResetPreemptionMonitor()

	if r.be.ReapKernelCompletions() || more {
		return
	}

	if !r.be.KernelEventsCanSleep() {
		return
	}

	deadline := time.Now().Add(r.idlePoll)
	for r.idlePoll > 0 && time.Now().Before(deadline) {
		if r.be.ReapKernelCompletions() {
			return
		}
	}
	r.be.WaitAndProcessEvents(nil, nil)
}

// Run loops RunOnce until Stop is called.
func (r *Reactor) Run() {
	for !r.dying.Load() {
		r.RunOnce()
	}
}
