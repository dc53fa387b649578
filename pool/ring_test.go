// File: pool/ring_test.go
// Part of the shardio reactor backend.

package pool

import "testing"

func TestRingBufferPeekDoesNotConsume(t *testing.T) {
	r := NewRingBuffer[int](4)
	r.Enqueue(1)
	r.Enqueue(2)

	v, ok := r.Peek()
	if !ok || v != 1 {
		t.Fatalf("expected peek to return the head (1, true), got (%d, %v)", v, ok)
	}
	v, ok = r.Peek()
	if !ok || v != 1 {
		t.Fatalf("expected repeated peeks to keep returning the head, got (%d, %v)", v, ok)
	}
	if r.Len() != 2 {
		t.Fatalf("peek must not change Len, got %d", r.Len())
	}

	got, ok := r.Dequeue()
	if !ok || got != 1 {
		t.Fatalf("expected dequeue to return 1, got (%d, %v)", got, ok)
	}
	if r.Len() != 1 {
		t.Fatalf("expected Len 1 after dequeue, got %d", r.Len())
	}
}

func TestRingBufferPeekOnEmpty(t *testing.T) {
	r := NewRingBuffer[int](2)
	if _, ok := r.Peek(); ok {
		t.Fatalf("expected peek on empty buffer to report ok=false")
	}
}

func TestRingBufferFullRoundTrip(t *testing.T) {
	r := NewRingBuffer[int](2)
	if !r.Enqueue(1) || !r.Enqueue(2) {
		t.Fatalf("expected both enqueues to succeed up to capacity")
	}
	if r.Enqueue(3) {
		t.Fatalf("expected enqueue to fail once full")
	}
	if v, ok := r.Dequeue(); !ok || v != 1 {
		t.Fatalf("expected FIFO order, got (%d, %v)", v, ok)
	}
	if !r.Enqueue(3) {
		t.Fatalf("expected enqueue to succeed after freeing a slot")
	}
}
