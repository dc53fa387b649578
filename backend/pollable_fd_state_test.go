//go:build linux

package backend

import "testing"

func TestPollableFdStateKnownEventsConsumeOnce(t *testing.T) {
	fd := OwnFd(0)
	s := NewPollableFdState(fd, nil)

	s.CompleteKnown(EventRead)
	if !s.ConsumeKnown(EventRead) {
		t.Fatalf("expected known IN bit to be set")
	}
	if s.ConsumeKnown(EventRead) {
		t.Fatalf("expected known IN bit to be cleared after first consume")
	}
}

func TestPollableFdStateForgetAbortsPendingWaiter(t *testing.T) {
	fd := OwnFd(0)
	var forgotten bool
	s := NewPollableFdState(fd, func(*PollableFdState) { forgotten = true })

	slot := s.NewSlot(EventRead)
	future := slot.Future()

	s.Forget()

	if !forgotten {
		t.Fatalf("expected onForget callback to run")
	}
	if !future.Ready() {
		t.Fatalf("expected pending future to resolve on forget")
	}
	if _, err := future.Wait(); err != ErrAborted {
		t.Fatalf("expected ErrAborted, got %v", err)
	}
	if !s.InForget() {
		t.Fatalf("expected InForget to report true after Forget")
	}
}

func TestPollableFdStateForgetDoesNotOverwriteDeliveredResult(t *testing.T) {
	fd := OwnFd(0)
	s := NewPollableFdState(fd, nil)

	slot := s.NewSlot(EventRead)
	slot.CompleteWith(0)

	s.Forget()

	res, err := slot.Future().Wait()
	if err != nil {
		t.Fatalf("expected the already-delivered result to survive Forget, got err %v", err)
	}
	if res != 0 {
		t.Fatalf("expected result 0, got %d", res)
	}
}
