// File: internal/concurrency/errors.go
// Part of the shardio reactor backend.
// License: Apache-2.0
//
// Error definitions for the concurrency package.

package concurrency

import "errors"

var (
	// ErrExecutorClosed indicates the executor has been shut down.
	ErrExecutorClosed = errors.New("executor is closed")

	// ErrInvalidWorkerCount indicates invalid worker count configuration.
	ErrInvalidWorkerCount = errors.New("invalid worker count")
)
