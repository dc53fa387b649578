//go:build linux

package backend

import (
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

func newUringBackendForTest(t *testing.T) *UringBackend {
	t.Helper()
	taskQuota, err := TimerfdCreateMonotonic()
	if err != nil {
		t.Skipf("timerfd_create unavailable in this environment: %v", err)
	}
	t.Cleanup(func() { taskQuota.Close() })
	fields := NewReactorFields()
	fields.TaskQuotaTimer = taskQuota

	b, err := NewUringBackend(8, fields)
	if err != nil {
		t.Skipf("io_uring unavailable in this environment: %v", err)
	}
	t.Cleanup(func() { b.ring.Close() })
	return b
}

// TestUringBackendDiskRoundTrip exercises S1 through the ring's own
// read/write opcodes rather than a shared storage context, since
// UringBackend, unlike AioBackend and EpollBackend, submits disk I/O
// directly onto its one ring.
func TestUringBackendDiskRoundTrip(t *testing.T) {
	b := newUringBackendForTest(t)

	f, err := os.CreateTemp(t.TempDir(), "uring-*")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	defer f.Close()
	fd := int(f.Fd())

	payload := []byte("hioload")
	writeComp := NewFutureCompletion()
	sink := &storageTestSink{
		reqs:  []*IoRequest{{Op: OpWrite, Fd: fd, Offset: 0, Buf: payload}},
		comps: []*IoCompletion{writeComp},
	}
	b.SetIoSink(sink)
	b.KernelSubmitWork()
	for i := 0; i < 1000 && !writeComp.Ready(); i++ {
		b.ReapKernelCompletions()
	}
	res, err := writeComp.Wait()
	if err != nil {
		t.Fatalf("write completion aborted: %v", err)
	}
	if res != int64(len(payload)) {
		t.Fatalf("expected write of %d bytes, got %d", len(payload), res)
	}

	readBuf := make([]byte, len(payload))
	readComp := NewFutureCompletion()
	sink = &storageTestSink{
		reqs:  []*IoRequest{{Op: OpRead, Fd: fd, Offset: 0, Buf: readBuf}},
		comps: []*IoCompletion{readComp},
	}
	b.SetIoSink(sink)
	b.KernelSubmitWork()
	for i := 0; i < 1000 && !readComp.Ready(); i++ {
		b.ReapKernelCompletions()
	}
	res, err = readComp.Wait()
	if err != nil {
		t.Fatalf("read completion aborted: %v", err)
	}
	if res != int64(len(payload)) {
		t.Fatalf("expected read of %d bytes, got %d", len(payload), res)
	}
	if string(readBuf) != string(payload) {
		t.Fatalf("round trip mismatch: got %q, want %q", readBuf, payload)
	}
}

// TestUringBackendForgetReleasesRegistryTokenBeforeCancel mirrors the
// AioBackend regression test: Forget must release the registry entry
// for an outstanding poll registration before issuing
// IORING_OP_POLL_REMOVE, so a CQE that arrives afterward (the original
// poll racing the removal, or the removal's own -ECANCELED) has nothing
// registered under that token left to deliver to.
func TestUringBackendForgetReleasesRegistryTokenBeforeCancel(t *testing.T) {
	b := newUringBackendForTest(t)

	r, w, err := pipePair()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer unix.Close(w)

	fdState, err := b.MakePollableFdState(OwnFd(r))
	if err != nil {
		t.Fatalf("MakePollableFdState: %v", err)
	}

	future := b.Readable(fdState)
	if future.Ready() {
		t.Fatalf("expected future to still be pending with no data written")
	}

	b.mu.Lock()
	userData := b.pollUserData[fdState]
	b.mu.Unlock()
	if len(userData) != 1 {
		t.Fatalf("expected exactly one tracked poll registration, got %d", len(userData))
	}
	var token uint64
	for _, tok := range userData {
		token = tok
	}

	b.Forget(fdState)

	if got := b.registry.Lookup(token); got != nil {
		t.Fatalf("expected Forget to release the registry token, still found %v", got)
	}
	if !future.Ready() {
		t.Fatalf("expected Forget to abort the pending future")
	}
	if _, err := future.Wait(); err != ErrAborted {
		t.Fatalf("expected ErrAborted, got %v", err)
	}

	b.cqeBuffer[0] = UringCqe{UserData: token, Res: -int32(unix.ECANCELED)}
	b.dispatch(1)
}

// TestUringBackendPreemptionTicks exercises S4 the same way the AIO
// backend's does, since both share PreemptIoContext.
func TestUringBackendPreemptionTicks(t *testing.T) {
	b := newUringBackendForTest(t)

	b.StartTick()
	defer func() {
		b.StopTick()
		SetNeedPreemptVar(nil)
	}()

	if NeedPreempt() {
		t.Fatalf("expected a fresh tick to not report preemption yet")
	}
	b.RequestPreemption()
	if !NeedPreempt() {
		t.Fatalf("expected RequestPreemption to raise the monitor")
	}
	b.ResetPreemptionMonitor()
	if NeedPreempt() {
		t.Fatalf("expected ResetPreemptionMonitor to clear the monitor")
	}
}
