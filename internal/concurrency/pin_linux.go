//go:build linux
// +build linux

// File: internal/concurrency/pin_linux.go
// Part of the shardio reactor backend.
// License: Apache-2.0
//
// Linux thread pinning for executor workers, built on the affinity
// package rather than a second cgo affinity implementation.

package concurrency

import (
	"log"
	"runtime"

	"shardio/affinity"
)

// PinCurrentThread locks the calling goroutine to its OS thread and pins
// that thread to cpuID. numaNode is accepted for symmetry with the
// worker-pool API but is otherwise unused: affinity pinning alone is
// enough to keep a retry-chain worker on the shard's NUMA-local CPU set
// when the caller already chooses cpuID from that set.
func PinCurrentThread(numaNode int, cpuID int) {
	runtime.LockOSThread()
	if err := affinity.SetAffinity(cpuID); err != nil {
		log.Printf("concurrency: pin worker to cpu %d failed: %v", cpuID, err)
	}
}
