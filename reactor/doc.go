// Copyright (c) 2025
// Part of the shardio reactor backend.

// Package reactor drives a backend.Backend through its submit/reap/wait
// cycle against a shard's task queue. The kernel-specific mechanics live
// entirely in package backend; this package only sequences them.
package reactor
