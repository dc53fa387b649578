// File: shard/request_pool_test.go
// Part of the shardio reactor backend.

package shard

import (
	"testing"

	"shardio/backend"
)

func TestAcquireIoRequestIsZeroed(t *testing.T) {
	req := AcquireIoRequest()
	req.Fd = 42
	req.Offset = 4096
	req.Nowait = true
	ReleaseIoRequest(req)

	again := AcquireIoRequest()
	if again.Fd != 0 || again.Offset != 0 || again.Nowait {
		t.Fatalf("expected a recycled IoRequest to be zeroed, got %+v", again)
	}
	ReleaseIoRequest(again)
}

func TestDiskQueueWithPooledRequest(t *testing.T) {
	q := NewDiskQueue(4)

	req := AcquireIoRequest()
	req.Fd = 7
	req.Op = backend.OpRead

	if !q.Enqueue(req, backend.NewFutureCompletion()) {
		t.Fatalf("enqueue should succeed")
	}

	var seenFd int
	q.Drain(func(r *backend.IoRequest, _ *backend.IoCompletion) bool {
		seenFd = r.Fd
		return true
	})
	if seenFd != 7 {
		t.Fatalf("expected fd 7, got %d", seenFd)
	}
}
