//go:build linux

package backend

import "testing"

func TestIocbPoolConservation(t *testing.T) {
	p := NewIocbPool(8)
	if p.Outstanding() != 0 {
		t.Fatalf("expected 0 outstanding, got %d", p.Outstanding())
	}
	var acquired []*Iocb
	for p.HasCapacity() {
		acquired = append(acquired, p.Acquire())
	}
	if len(acquired) != 8 {
		t.Fatalf("expected to acquire 8, got %d", len(acquired))
	}
	if p.Outstanding()+len(p.free) != p.Cap() {
		t.Fatalf("pool conservation violated: outstanding=%d free=%d cap=%d", p.Outstanding(), len(p.free), p.Cap())
	}
	if p.HasCapacity() {
		t.Fatalf("pool should be exhausted")
	}
	for _, io := range acquired {
		p.Release(io)
	}
	if p.Outstanding() != 0 {
		t.Fatalf("expected 0 outstanding after releasing all, got %d", p.Outstanding())
	}
}

func TestIocbPoolAcquireZeroesControlBlock(t *testing.T) {
	p := NewIocbPool(2)
	io := p.Acquire()
	io.Fildes = 42
	p.Release(io)
	io2 := p.Acquire()
	if io2.Fildes != 0 {
		t.Fatalf("expected acquired iocb to be zeroed, got Fildes=%d", io2.Fildes)
	}
}
