//go:build linux

package backend

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// FileDescriptor is an owned OS handle. Ownership is exclusive; the
// descriptor is closed exactly once, either explicitly via Close or by
// the backend that owns it during teardown.
type FileDescriptor struct {
	fd     int
	closed bool
}

// OwnFd wraps an already-open descriptor, taking ownership of it.
func OwnFd(fd int) *FileDescriptor {
	return &FileDescriptor{fd: fd}
}

// Fd returns the raw descriptor number. Valid only while the
// FileDescriptor has not been closed.
func (f *FileDescriptor) Fd() int {
	return f.fd
}

// Close releases the underlying descriptor. Idempotent.
func (f *FileDescriptor) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	return unix.Close(f.fd)
}

// SetNonBlocking marks the descriptor O_NONBLOCK, required for every
// descriptor a backend polls for readiness.
func (f *FileDescriptor) SetNonBlocking() error {
	return unix.SetNonblock(f.fd, true)
}

// EventfdCreate creates a non-blocking, close-on-exec eventfd used for
// cross-shard wakeups (notify_eventfd) and AIO completion notification.
func EventfdCreate(initval uint32) (*FileDescriptor, error) {
	fd, err := unix.Eventfd(uint(initval), unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("eventfd2: %w", err)
	}
	return OwnFd(fd), nil
}

// TimerfdCreateMonotonic creates a CLOEXEC|NONBLOCK timerfd on
// CLOCK_MONOTONIC, used for both the task-quota tick and the hi-res
// steady-clock timer.
func TimerfdCreateMonotonic() (*FileDescriptor, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("timerfd_create: %w", err)
	}
	return OwnFd(fd), nil
}

// TimerfdSettimeAbs arms the timer absolutely at deadline (monotonic
// nanoseconds since boot). A zero deadline disarms the timer.
func (f *FileDescriptor) TimerfdSettimeAbs(deadlineNanos int64) error {
	spec := unix.ItimerSpec{
		Value: unix.NsecToTimespec(deadlineNanos),
	}
	return unix.TimerfdSettime(f.fd, unix.TFD_TIMER_ABSTIME, &spec, nil)
}

// TimerfdSettimeRelative arms the timer to fire once, delayNanos from now.
func (f *FileDescriptor) TimerfdSettimeRelative(delayNanos int64) error {
	spec := unix.ItimerSpec{
		Value: unix.NsecToTimespec(delayNanos),
	}
	return unix.TimerfdSettime(f.fd, 0, &spec, nil)
}

// DrainExpiryCounter reads and discards the 8-byte expiry/readiness
// counter that timerfd and eventfd both deliver on every wakeup.
func (f *FileDescriptor) DrainExpiryCounter() (uint64, error) {
	var buf [8]byte
	n, err := unix.Read(f.fd, buf[:])
	if err != nil {
		if err == unix.EAGAIN {
			return 0, nil
		}
		return 0, err
	}
	if n != 8 {
		return 0, fmt.Errorf("short read on expiry counter: %d bytes", n)
	}
	return uint64(buf[0]) | uint64(buf[1])<<8 | uint64(buf[2])<<16 | uint64(buf[3])<<24 |
		uint64(buf[4])<<32 | uint64(buf[5])<<40 | uint64(buf[6])<<48 | uint64(buf[7])<<56, nil
}
