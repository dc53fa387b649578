// File: shard/diskqueue.go
// Part of the shardio reactor backend.
//
// DiskQueue is the concrete backend.IoSink a shard hands its backend:
// a bounded, shard-owned queue of pending disk I/O requests.

package shard

import (
	"sync"

	"shardio/backend"
	"shardio/pool"
)

type diskJob struct {
	req        *backend.IoRequest
	completion *backend.IoCompletion
}

// DiskQueue buffers disk I/O requests between the code that issues them
// and the backend's submit_work pass. Issuing code runs on the shard's
// own thread (the task scheduler that would otherwise serialize access
// is an external collaborator, per the non-goals this package respects),
// so a mutex around the ring is enough: it only ever guards against the
// backend draining concurrently with a late enqueue during shutdown.
type DiskQueue struct {
	mu   sync.Mutex
	ring *pool.RingBuffer[diskJob]
}

// NewDiskQueue allocates a queue with room for depth pending requests.
// depth is rounded up to the next power of two, matching RingBuffer's
// requirement.
func NewDiskQueue(depth int) *DiskQueue {
	size := uint64(1)
	for size < uint64(depth) {
		size <<= 1
	}
	return &DiskQueue{ring: pool.NewRingBuffer[diskJob](size)}
}

// Enqueue submits one disk I/O request for the backend to pick up on
// its next submit_work pass. Returns false if the queue is full.
func (q *DiskQueue) Enqueue(req *backend.IoRequest, completion *backend.IoCompletion) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ring.Enqueue(diskJob{req: req, completion: completion})
}

// Drain implements backend.IoSink.
func (q *DiskQueue) Drain(fn func(req *backend.IoRequest, completion *backend.IoCompletion) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for {
		job, ok := q.ring.Peek()
		if !ok {
			break
		}
		if !fn(job.req, job.completion) {
			// fn declines when the iocb pool is exhausted; leave this job
			// at the head so the next submit_work pass picks it up first.
			return n
		}
		q.ring.Dequeue()
		n++
	}
	return n
}
