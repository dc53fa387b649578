// File: shard/diskqueue_test.go
// Part of the shardio reactor backend.

package shard

import (
	"testing"

	"shardio/backend"
)

func TestDiskQueueDrainStopsAtDeclineWithoutLosingWork(t *testing.T) {
	q := NewDiskQueue(4)

	reqs := []*backend.IoRequest{{Fd: 1}, {Fd: 2}, {Fd: 3}}
	for _, r := range reqs {
		if !q.Enqueue(r, backend.NewFutureCompletion()) {
			t.Fatalf("enqueue should not fail on an empty queue")
		}
	}

	var seen []int
	accepted := q.Drain(func(req *backend.IoRequest, _ *backend.IoCompletion) bool {
		if req.Fd == 2 {
			return false // simulate iocb pool exhaustion on the second item
		}
		seen = append(seen, req.Fd)
		return true
	})
	if accepted != 1 {
		t.Fatalf("expected exactly 1 accepted job, got %d", accepted)
	}
	if len(seen) != 1 || seen[0] != 1 {
		t.Fatalf("expected only fd=1 to be drained, got %v", seen)
	}

	// The declined job (fd=2) and the untouched one (fd=3) must still be
	// there, in order, for the next submit_work pass.
	var remaining []int
	q.Drain(func(req *backend.IoRequest, _ *backend.IoCompletion) bool {
		remaining = append(remaining, req.Fd)
		return true
	})
	if len(remaining) != 2 || remaining[0] != 2 || remaining[1] != 3 {
		t.Fatalf("expected [2 3] to survive the decline, got %v", remaining)
	}
}

func TestDiskQueueEnqueueFailsWhenFull(t *testing.T) {
	q := NewDiskQueue(2) // rounds up to 2
	f := backend.NewFutureCompletion()
	if !q.Enqueue(&backend.IoRequest{}, f) {
		t.Fatalf("first enqueue should succeed")
	}
	if !q.Enqueue(&backend.IoRequest{}, f) {
		t.Fatalf("second enqueue should succeed")
	}
	if q.Enqueue(&backend.IoRequest{}, f) {
		t.Fatalf("expected enqueue to fail once the ring is full")
	}
}
