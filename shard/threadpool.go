// File: shard/threadpool.go
// Part of the shardio reactor backend.

package shard

import (
	"shardio/backend"
	"shardio/internal/concurrency"
)

// OffloadThreadPool is the concrete backend.ThreadPool a shard hands to
// backend.NewAioStorageContext. It runs the retry-chain io_submit calls
// that would otherwise block the reactor thread on page-cache-resident
// writes, on a small pool of worker goroutines.
type OffloadThreadPool struct {
	pool *concurrency.ThreadPool
}

// NewOffloadThreadPool starts a pool of size worker goroutines. A
// numaNode >= 0 pins worker i to CPU i (the node number itself is not
// used); pass -1 to leave workers unpinned.
func NewOffloadThreadPool(size, numaNode int) *OffloadThreadPool {
	return &OffloadThreadPool{pool: concurrency.NewThreadPool(size, numaNode)}
}

// Submit implements backend.ThreadPool.
func (p *OffloadThreadPool) Submit(fn func()) error {
	return p.pool.Submit(fn)
}

// Close stops the underlying worker goroutines.
func (p *OffloadThreadPool) Close() {
	p.pool.Close()
}

var _ backend.ThreadPool = (*OffloadThreadPool)(nil)
