// File: shard/request_pool.go
// Part of the shardio reactor backend.

package shard

import (
	"shardio/backend"
	"shardio/pool"
)

// ioRequestPool recycles *backend.IoRequest values across submit_work
// passes. A shard issuing many disk operations per iteration would
// otherwise allocate one IoRequest per operation just to hand it to
// DiskQueue.Enqueue and throw it away once the backend has copied its
// fields into an iocb.
var ioRequestPool = pool.NewSyncPool(func() *backend.IoRequest {
	return &backend.IoRequest{}
})

// AcquireIoRequest returns a zeroed IoRequest from the pool.
func AcquireIoRequest() *backend.IoRequest {
	req := ioRequestPool.Get()
	*req = backend.IoRequest{}
	return req
}

// ReleaseIoRequest returns req to the pool. Callers must not touch req
// again afterwards; it must not still be reachable from an in-flight
// completion.
func ReleaseIoRequest(req *backend.IoRequest) {
	ioRequestPool.Put(req)
}
