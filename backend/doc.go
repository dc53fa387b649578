// Package backend implements the pluggable reactor I/O backends for a
// thread-per-core, shard-nothing runtime on Linux.
//
// A backend is the component that submits file and network I/O to the
// kernel, reaps kernel completions, delivers timer and cross-shard
// wakeups, and implements task-preemption: the mechanism by which a
// long-running cooperative task is forced to yield. Three interchangeable
// implementations share the Backend interface: AioBackend (Linux AIO for
// everything, including readiness polling), EpollBackend (epoll_pwait for
// readiness plus a helper thread for timer ticks, AIO for disk), and
// UringBackend (io_uring for everything).
//
// The task scheduler, the futures library, the network stack above
// read/write, the per-shard allocator, signal installation, and
// CLI/config parsing are external collaborators; this package only
// defines the narrow contract it needs from them (see Collaborators).
package backend
