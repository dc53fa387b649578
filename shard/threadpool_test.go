// File: shard/threadpool_test.go
// Part of the shardio reactor backend.

package shard

import (
	"sync"
	"testing"

	"shardio/backend"
)

func TestOffloadThreadPoolSatisfiesBackendThreadPool(t *testing.T) {
	p := NewOffloadThreadPool(2, -1)
	defer p.Close()

	var tp backend.ThreadPool = p

	var wg sync.WaitGroup
	wg.Add(1)
	var ran bool
	if err := tp.Submit(func() {
		ran = true
		wg.Done()
	}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	wg.Wait()
	if !ran {
		t.Fatalf("expected submitted task to run")
	}
}

func TestOffloadThreadPoolRejectsAfterClose(t *testing.T) {
	p := NewOffloadThreadPool(1, -1)
	p.Close()
	if err := p.Submit(func() {}); err == nil {
		t.Fatalf("expected Submit to fail after Close")
	}
}
