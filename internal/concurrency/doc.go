// File: internal/concurrency/doc.go
// Part of the shardio reactor backend.
// License: Apache-2.0
//
// Concurrency primitives for the reactor's worker side: an Executor with
// per-worker queues and a global fallback queue, the ThreadPool built on it, plus current-thread CPU
// pinning via the affinity package. These back the thread-pool
// collaborator a backend.AioStorageContext offloads page-cache-bound
// retries to.
package concurrency
