//go:build linux

package backend

import "sync/atomic"

// PreemptionMonitor is the word-sized location user tasks read to decide
// whether to yield at their next check point. Every backend backs it
// with a reactor-owned word that software raises (RaiseSoftwarePreempt)
// when a preemption timer fires, so a hot-path yield check costs a
// plain load with no syscall or interrupt handler involved.
//
// Go's GC can move heap objects but never a value behind a *uint32 that
// escapes to a long-lived pointer in a way that would invalidate an
// outstanding read; the field itself is read non-atomically on the hot
// path by design (see NeedPreempt), relying on the same-CPU, one-reader
// argument that lets a shard-pinned yield check skip a real memory
// barrier. NeedPreempt needs nothing extra beyond not letting the
// compiler constant-fold the load away, which the pointer indirection
// already prevents.
type PreemptionMonitor struct {
	Head uint32
}

// needPreemptVar is the single process-wide indirection the reactor's
// preemption check reads through. StartTick/StopTick install a backend's
// reactor-owned monitor here.
var needPreemptVar atomic.Pointer[PreemptionMonitor]

// SetNeedPreemptVar installs the monitor NeedPreempt reads from.
func SetNeedPreemptVar(m *PreemptionMonitor) {
	needPreemptVar.Store(m)
}

// NeedPreempt is the hot-path check user tasks call at their yield
// points. It is intentionally not synchronized beyond the pointer load:
// the writer (RaiseSoftwarePreempt) and the one reader run on
// the same pinned CPU.
func NeedPreempt() bool {
	m := needPreemptVar.Load()
	if m == nil {
		return false
	}
	return m.Head != 0
}

// ClearPreempt resets the currently-installed monitor back to zero, used
// after a preemption has been observed and acted on.
func ClearPreempt() {
	if m := needPreemptVar.Load(); m != nil {
		m.Head = 0
	}
}

// RaiseSoftwarePreempt is the software fallback path (used by
// EpollBackend's helper thread and as the default reactor-owned monitor
// everywhere else): it stores 1 directly into the currently-installed
// monitor's head.
func RaiseSoftwarePreempt() {
	if m := needPreemptVar.Load(); m != nil {
		atomic.StoreUint32(&m.Head, 1)
	}
}
