// Package pool
// Part of the shardio reactor backend.
//
// Zero-allocation object pooling and ring buffering shared by the code
// that feeds work to a backend. shard.DiskQueue is built on RingBuffer;
// shard.AcquireIoRequest/ReleaseIoRequest recycle IoRequest values
// through a SyncPool instead of allocating one per submitted operation.
// See objpool.go and ring.go.
package pool
