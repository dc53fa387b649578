//go:build linux

package backend

import "sync"

// PollableFdState is the per-descriptor readiness state every backend
// builds its readable()/writeable()/forget() trio on top of. It tracks,
// per direction, which events have been asked for, which are already
// known ready without asking the kernel again, and the completion slot
// a caller is currently waiting on.
type PollableFdState struct {
	mu sync.Mutex

	fd *FileDescriptor

	// eventsRequested is the readiness mask currently registered with
	// the kernel (epoll_ctl's events, or the mask of an outstanding
	// IOCB_CMD_POLL / uring poll SQE).
	eventsRequested PollEvents
	// eventsKnown is the readiness mask already observed but not yet
	// consumed by a waiter; consuming a direction clears its bit.
	eventsKnown PollEvents
	// eventsRw is read|write if this state has ever had both directions
	// registered together (used by backends that multiplex both
	// directions through one kernel-side registration, e.g. epoll).
	eventsRw PollEvents
	// eventsEpoll mirrors the mask last handed to epoll_ctl, so a
	// re-arm can diff against it instead of always calling MOD.
	eventsEpoll PollEvents

	readSlot  *PollableFdCompletion
	writeSlot *PollableFdCompletion

	// inForget is set once forget() begins; any completion still racing
	// with the kernel at that point must resolve aborted, never deliver
	// a result for state the caller has already freed.
	inForget bool

	onForget func(state *PollableFdState)
}

// NewPollableFdState creates tracking state for fd. onForget is invoked
// exactly once, synchronously, from Forget; EpollBackend uses it to issue
// epoll_ctl DEL before the state is released. AioBackend and UringBackend
// pass nil and cancel their kernel-side registrations (io_cancel,
// POLL_REMOVE) in their own Forget.
func NewPollableFdState(fd *FileDescriptor, onForget func(*PollableFdState)) *PollableFdState {
	return &PollableFdState{fd: fd, onForget: onForget}
}

// Fd returns the underlying descriptor.
func (s *PollableFdState) Fd() *FileDescriptor {
	return s.fd
}

// Events returns the currently requested/known masks, for backends that
// need to decide whether a re-arm is necessary.
func (s *PollableFdState) Events() (requested, known PollEvents) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eventsRequested, s.eventsKnown
}

// MarkRequested records that dir has been asked of the kernel.
func (s *PollableFdState) MarkRequested(dir PollEvents) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventsRequested |= dir
}

// MarkRw records that both directions are multiplexed through one
// kernel-side registration.
func (s *PollableFdState) MarkRw(dir PollEvents) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventsRw |= dir
}

// SetEpollMask records the mask last installed via epoll_ctl.
func (s *PollableFdState) SetEpollMask(mask PollEvents) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventsEpoll = mask
}

// EpollMask returns the mask last installed via epoll_ctl.
func (s *PollableFdState) EpollMask() PollEvents {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eventsEpoll
}

// CompleteKnown marks dir ready without waking a waiter immediately; a
// later Readable/Writeable call that finds the bit already known
// resolves without going back to the kernel. Used by edge-triggered
// backends (epoll) to remember readiness the caller hasn't consumed yet.
func (s *PollableFdState) CompleteKnown(dir PollEvents) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventsKnown |= dir
}

// ConsumeKnown clears dir from the known set and reports whether it had
// been set, letting a caller skip a kernel round-trip entirely.
func (s *PollableFdState) ConsumeKnown(dir PollEvents) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eventsKnown&dir != 0 {
		s.eventsKnown &^= dir
		return true
	}
	return false
}

// NewSlot creates a fresh completion slot for dir (EventRead or
// EventWrite), replacing whatever slot a prior wait left behind. Each
// wait gets its own slot so a stale, already-resolved future from a
// previous readiness edge is never handed to a new waiter.
func (s *PollableFdState) NewSlot(dir PollEvents) *PollableFdCompletion {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot := NewPollableFdCompletion(&s.inForget)
	switch dir {
	case EventRead:
		s.readSlot = slot
	case EventWrite:
		s.writeSlot = slot
	default:
		panic("pollable_fd_state: slot requested for non-single direction")
	}
	return slot
}

// TakeWaiter returns and clears the currently-waiting slot for dir, if
// any waiter has actually registered one since it last fired.
func (s *PollableFdState) TakeWaiter(dir PollEvents) *PollableFdCompletion {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch dir {
	case EventRead:
		slot := s.readSlot
		s.readSlot = nil
		return slot
	case EventWrite:
		slot := s.writeSlot
		s.writeSlot = nil
		return slot
	default:
		panic("pollable_fd_state: waiter requested for non-single direction")
	}
}

// Forget tears the state down: it flags in_forget so any completion
// still racing with the kernel resolves aborted, invokes the backend's
// kernel-side cancellation callback, and aborts any slot that never got
// a kernel response at all.
func (s *PollableFdState) Forget() {
	s.mu.Lock()
	s.inForget = true
	readSlot, writeSlot := s.readSlot, s.writeSlot
	s.mu.Unlock()

	if s.onForget != nil {
		s.onForget(s)
	}

	if readSlot != nil && !readSlot.Future().Ready() {
		readSlot.Abort(nil)
	}
	if writeSlot != nil && !writeSlot.Future().Ready() {
		writeSlot.Abort(nil)
	}
}

// InForget reports whether this state is being torn down.
func (s *PollableFdState) InForget() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inForget
}
