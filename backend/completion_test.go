//go:build linux

package backend

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestCompletionRegistryRoundTrip(t *testing.T) {
	r := NewCompletionRegistry()
	f := NewFutureCompletion()

	token := r.Register(f)
	if got := r.Lookup(token); got != KernelCompletion(f) {
		t.Fatalf("lookup returned wrong completion")
	}

	r.Release(token)
	if got := r.Lookup(token); got != nil {
		t.Fatalf("expected released token to resolve to nil, got %v", got)
	}
}

func TestFutureCompletionAtMostOnce(t *testing.T) {
	f := NewFutureCompletion()
	if f.Ready() {
		t.Fatalf("fresh future should not be ready")
	}
	f.CompleteWith(4096)
	if !f.Ready() {
		t.Fatalf("expected future to be ready after CompleteWith")
	}
	res, err := f.Wait()
	if err != nil || res != 4096 {
		t.Fatalf("unexpected result: res=%d err=%v", res, err)
	}
	f.CompleteWith(1)
	if res, err := f.Wait(); err != nil || res != 4096 {
		t.Fatalf("second CompleteWith changed the result: res=%d err=%v", res, err)
	}
}

func TestPollableFdCompletionCancelledIsAborted(t *testing.T) {
	inForget := false
	c := NewPollableFdCompletion(&inForget)
	c.CompleteWith(-int64(unix.ECANCELED))

	if _, err := c.Future().Wait(); err != ErrAborted {
		t.Fatalf("expected ECANCELED to translate to ErrAborted, got %v", err)
	}
}

func TestPollableFdCompletionInForgetOverridesResult(t *testing.T) {
	inForget := true
	c := NewPollableFdCompletion(&inForget)
	c.CompleteWith(4096) // would be a normal success, but in_forget wins

	if _, err := c.Future().Wait(); err != ErrAborted {
		t.Fatalf("expected in_forget completion to abort, got %v", err)
	}
}

func TestCompletionWithIocbMaybeQueueIdempotent(t *testing.T) {
	var io Iocb
	fired := 0
	c := NewCompletionWithIocb(&io, func(int64) { fired++ })

	ctx, err := NewAioGeneralContext(4)
	if err != nil {
		t.Skipf("linux-aio unavailable in this environment: %v", err)
	}
	defer ctx.Close()

	if !c.MaybeQueue(ctx) {
		t.Fatalf("expected first MaybeQueue to queue")
	}
	if c.MaybeQueue(ctx) {
		t.Fatalf("expected second MaybeQueue to be a no-op while already in-context")
	}

	c.CompleteWith(1)
	if fired != 1 {
		t.Fatalf("expected onFire to run exactly once, got %d", fired)
	}
	if !c.MaybeQueue(ctx) {
		t.Fatalf("expected MaybeQueue to re-arm after CompleteWith cleared in-context")
	}
}
