//go:build linux

package backend

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Raw Linux AIO ABI. golang.org/x/sys/unix does not wrap io_setup/
// io_submit/io_getevents/io_cancel/io_pgetevents, so the core talks to
// the kernel directly via these syscall numbers, the same way the
// io_uring setup/enter calls in linux_uring.go have to.
const (
	sysIoSetup     = 206
	sysIoDestroy   = 207
	sysIoGetevents = 208
	sysIoSubmit    = 209
	sysIoCancel    = 210
	sysIoPgetevents = 333
)

// IocbCmd identifies the operation a submitted control block performs.
type IocbCmd uint16

const (
	IocbCmdPread     IocbCmd = 0
	IocbCmdPwrite    IocbCmd = 1
	IocbCmdFsync     IocbCmd = 2
	IocbCmdPreadv    IocbCmd = 7
	IocbCmdPwritev   IocbCmd = 8
	IocbCmdPoll      IocbCmd = 5 // IOCB_CMD_POLL
)

const iocbFlagResfd = 1 << 0 // IOCB_FLAG_RESFD: deliver completion via eventfd too

// Iocb mirrors struct iocb from linux/aio_abi.h, the kernel-visible
// submission record for one AIO operation.
type Iocb struct {
	Data       uint64 // user_data, opaque to the kernel
	Key        uint32
	RwFlags    int32
	LioOpcode  uint16
	ReqPrio    int16
	Fildes     uint32
	Buf        uint64
	Nbytes     uint64
	Offset     int64
	Reserved2  uint64
	Flags      uint32
	ResfdOrPad uint32 // eventfd to notify, when Flags has iocbFlagResfd
}

// IOEvent mirrors struct io_event: one reaped completion.
type IOEvent struct {
	Data uint64
	Obj  uint64
	Res  int64
	Res2 int64
}

// aioContextT is the opaque kernel context handle returned by io_setup.
type aioContextT uint64

func ioSetup(nrEvents uint32) (aioContextT, error) {
	var ctx aioContextT
	_, _, errno := unix.Syscall(sysIoSetup, uintptr(nrEvents), uintptr(unsafe.Pointer(&ctx)), 0)
	if errno != 0 {
		return 0, fmt.Errorf("io_setup: %w", errno)
	}
	return ctx, nil
}

func ioDestroy(ctx aioContextT) error {
	_, _, errno := unix.Syscall(sysIoDestroy, uintptr(ctx), 0, 0)
	if errno != 0 {
		return fmt.Errorf("io_destroy: %w", errno)
	}
	return nil
}

// ioSubmit submits nr iocbs; returns the number the kernel accepted, or
// -1 with errno set on failure (mirroring the io_submit(2) contract so
// callers can apply the same EAGAIN/EBADF/fatal policy as the reference
// implementation).
func ioSubmit(ctx aioContextT, iocbps []*Iocb) (int, error) {
	if len(iocbps) == 0 {
		return 0, nil
	}
	r, _, errno := unix.Syscall(sysIoSubmit, uintptr(ctx), uintptr(len(iocbps)), uintptr(unsafe.Pointer(&iocbps[0])))
	if errno != 0 {
		return -1, errno
	}
	return int(r), nil
}

// ioGetevents reaps between minNr and len(events) completions, blocking
// for at most timeout (nil means block indefinitely, &zero means poll).
func ioGetevents(ctx aioContextT, minNr int, events []IOEvent, timeout *unix.Timespec) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	r, _, errno := unix.Syscall6(sysIoGetevents, uintptr(ctx), uintptr(minNr), uintptr(len(events)),
		uintptr(unsafe.Pointer(&events[0])), uintptr(unsafe.Pointer(timeout)), 0)
	if errno != 0 {
		return -1, errno
	}
	return int(r), nil
}

// ioPgetevents is ioGetevents with an atomically-applied signal mask,
// used by the AIO backend to block on readiness/timer/disk completions
// without missing a signal-delivered wakeup (the unified kernel-wait path).
func ioPgetevents(ctx aioContextT, minNr int, events []IOEvent, timeout *unix.Timespec, sigmask *unix.Sigset_t) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	type sigsetArg struct {
		ss   uintptr
		size uintptr
	}
	var arg *sigsetArg
	if sigmask != nil {
		// The kernel expects sizeof its own sigset_t (_NSIG/8 = 8 bytes),
		// not the larger userspace unix.Sigset_t.
		arg = &sigsetArg{ss: uintptr(unsafe.Pointer(sigmask)), size: 8}
	}
	r, _, errno := unix.Syscall6(sysIoPgetevents, uintptr(ctx), uintptr(minNr), uintptr(len(events)),
		uintptr(unsafe.Pointer(&events[0])), uintptr(unsafe.Pointer(timeout)), uintptr(unsafe.Pointer(arg)))
	if errno != 0 {
		return -1, errno
	}
	return int(r), nil
}

// ioCancel requests cancellation of a previously submitted iocb.
func ioCancel(ctx aioContextT, iocb *Iocb) error {
	var result IOEvent
	_, _, errno := unix.Syscall(sysIoCancel, uintptr(ctx), uintptr(unsafe.Pointer(iocb)), uintptr(unsafe.Pointer(&result)))
	if errno != 0 {
		return errno
	}
	return nil
}

func makePreadIocb(fd int, offset int64, buf []byte) Iocb {
	var addr uint64
	if len(buf) > 0 {
		addr = uint64(uintptr(unsafe.Pointer(&buf[0])))
	}
	return Iocb{LioOpcode: uint16(IocbCmdPread), Fildes: uint32(fd), Buf: addr, Nbytes: uint64(len(buf)), Offset: offset}
}

func makePwriteIocb(fd int, offset int64, buf []byte) Iocb {
	var addr uint64
	if len(buf) > 0 {
		addr = uint64(uintptr(unsafe.Pointer(&buf[0])))
	}
	return Iocb{LioOpcode: uint16(IocbCmdPwrite), Fildes: uint32(fd), Buf: addr, Nbytes: uint64(len(buf)), Offset: offset}
}

func makePreadvIocb(fd int, offset int64, iov []unix.Iovec) Iocb {
	var addr uint64
	if len(iov) > 0 {
		addr = uint64(uintptr(unsafe.Pointer(&iov[0])))
	}
	return Iocb{LioOpcode: uint16(IocbCmdPreadv), Fildes: uint32(fd), Buf: addr, Nbytes: uint64(len(iov)), Offset: offset}
}

func makePwritevIocb(fd int, offset int64, iov []unix.Iovec) Iocb {
	var addr uint64
	if len(iov) > 0 {
		addr = uint64(uintptr(unsafe.Pointer(&iov[0])))
	}
	return Iocb{LioOpcode: uint16(IocbCmdPwritev), Fildes: uint32(fd), Buf: addr, Nbytes: uint64(len(iov)), Offset: offset}
}

func makeFdsyncIocb(fd int) Iocb {
	return Iocb{LioOpcode: uint16(IocbCmdFsync), Fildes: uint32(fd)}
}

// makePollIocb builds an IOCB_CMD_POLL control block: the AIO backend's
// unified mechanism for fd-readiness polling, timerfd, and eventfd waits.
func makePollIocb(fd int, events PollEvents) Iocb {
	var mask int32
	if events&EventRead != 0 {
		mask |= unix.POLLIN
	}
	if events&EventWrite != 0 {
		mask |= unix.POLLOUT
	}
	return Iocb{LioOpcode: uint16(IocbCmdPoll), Fildes: uint32(fd), Buf: uint64(mask)}
}

func setNowait(io *Iocb, nowait bool) {
	const rwfNowait = 0x8
	if nowait {
		io.RwFlags |= rwfNowait
	} else {
		io.RwFlags &^= rwfNowait
	}
}

func setEventfdNotification(io *Iocb, eventfd int) {
	io.Flags |= iocbFlagResfd
	io.ResfdOrPad = uint32(eventfd)
}

// setUserData stamps the iocb with the opaque token that identifies its
// completion in a CompletionRegistry. The kernel only ever sees an
// integer; it never holds a Go pointer, so the garbage collector stays
// free to move or collect the completion once its token is released.
func setUserData(io *Iocb, token uint64) {
	io.Data = token
}

// Linux AIO errno values this package's submission/retry error-handling
// switch decides on.
const (
	eagain = int(unix.EAGAIN)
	ebadf  = int(unix.EBADF)
)
