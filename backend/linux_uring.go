//go:build linux

package backend

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Raw io_uring ABI. golang.org/x/sys/unix does not wrap io_uring_setup/
// io_uring_enter/io_uring_register, so this mirrors the same
// raw-syscall approach linux_aio.go takes for the older AIO ABI.
const (
	sysIoUringSetup    = 425
	sysIoUringEnter    = 426
	sysIoUringRegister = 427

	ioringOffSqRing = 0
	ioringOffCqRing = 0x8000000
	ioringOffSqes   = 0x10000000

	ioringEnterGetevents = 1 << 0
	ioringEnterSqWakeup  = 1 << 1

	ioringSqNeedWakeup = 1 << 0

	ioringOpNop       = 0
	ioringOpReadv     = 1
	ioringOpWritev    = 2
	ioringOpFsync     = 3
	ioringOpPollAdd   = 6
	ioringOpPollRemove = 7
	ioringOpConnect   = 16
	ioringOpAccept    = 13
	ioringOpRead      = 22
	ioringOpWrite     = 23

	// io_uring_params.features bits golang.org/x/sys/unix does not export.
	ioringFeatSubmitStable = 1 << 2
	ioringFeatNodrop       = 1 << 1
)

// sqringOffsets mirrors struct io_sqring_offsets.
type sqringOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Flags       uint32
	Dropped     uint32
	Array       uint32
	Resv1       uint32
	Resv2       uint64
}

// cqringOffsets mirrors struct io_cqring_offsets.
type cqringOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Overflow    uint32
	Cqes        uint32
	Flags       uint32
	Resv1       uint32
	Resv2       uint64
}

// uringParams mirrors struct io_uring_params.
type uringParams struct {
	SqEntries    uint32
	CqEntries    uint32
	Flags        uint32
	SqThreadCpu  uint32
	SqThreadIdle uint32
	Features     uint32
	WqFd         uint32
	Resv         [3]uint32
	SqOff        sqringOffsets
	CqOff        cqringOffsets
}

// UringSqe mirrors struct io_uring_sqe (the 64-byte submission layout).
type UringSqe struct {
	Opcode   uint8
	Flags    uint8
	Ioprio   uint16
	Fd       int32
	Off      uint64
	Addr     uint64
	Len      uint32
	RwFlags  uint32
	UserData uint64
	BufIndex uint16
	Personality uint16
	SpliceFdIn  int32
	Pad2     [2]uint64
}

// UringCqe mirrors struct io_uring_cqe.
type UringCqe struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

// UringRing is the mapped submission/completion ring pair for one
// io_uring instance.
type UringRing struct {
	fd int

	sqMmap  []byte
	cqMmap  []byte
	sqeMmap []byte

	sqHead        *uint32
	sqTail        *uint32
	sqRingMask    uint32
	sqRingEntries uint32
	sqFlags       *uint32
	sqArray       []uint32

	cqHead        *uint32
	cqTail        *uint32
	cqRingMask    uint32
	cqRingEntries uint32
	cqes          []UringCqe

	sqes []UringSqe

	sqeTail uint32 // local, not-yet-submitted tail

	features uint32
}

// Features returns the io_uring_params.features bitmap the kernel
// reported at setup time.
func (r *UringRing) Features() uint32 { return r.features }

func ioUringSetup(entries uint32, params *uringParams) (int, error) {
	r, _, errno := unix.Syscall(sysIoUringSetup, uintptr(entries), uintptr(unsafe.Pointer(params)), 0)
	if errno != 0 {
		return -1, fmt.Errorf("io_uring_setup: %w", errno)
	}
	return int(r), nil
}

func ioUringEnter(fd int, toSubmit, minComplete uint32, flags uint32) (int, error) {
	r, _, errno := unix.Syscall6(sysIoUringEnter, uintptr(fd), uintptr(toSubmit), uintptr(minComplete),
		uintptr(flags), 0, 0)
	if errno != 0 {
		return -1, errno
	}
	return int(r), nil
}

// NewUringRing creates a ring with the given submission-queue depth and
// maps its SQ, CQ, and SQE arrays.
func NewUringRing(entries uint32) (*UringRing, error) {
	var params uringParams
	fd, err := ioUringSetup(entries, &params)
	if err != nil {
		return nil, err
	}

	sqRingSize := int(params.SqOff.Array) + int(params.SqEntries)*4
	cqRingSize := int(params.CqOff.Cqes) + int(params.CqEntries)*int(unsafe.Sizeof(UringCqe{}))

	sqMmap, err := unix.Mmap(fd, ioringOffSqRing, sqRingSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmap sq ring: %w", err)
	}
	cqMmap, err := unix.Mmap(fd, ioringOffCqRing, cqRingSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Munmap(sqMmap)
		unix.Close(fd)
		return nil, fmt.Errorf("mmap cq ring: %w", err)
	}
	sqeSize := int(params.SqEntries) * int(unsafe.Sizeof(UringSqe{}))
	sqeMmap, err := unix.Mmap(fd, ioringOffSqes, sqeSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Munmap(sqMmap)
		unix.Munmap(cqMmap)
		unix.Close(fd)
		return nil, fmt.Errorf("mmap sqes: %w", err)
	}

	base := unsafe.Pointer(&sqMmap[0])
	r := &UringRing{
		fd:            fd,
		sqMmap:        sqMmap,
		cqMmap:        cqMmap,
		sqeMmap:       sqeMmap,
		sqHead:        (*uint32)(unsafe.Add(base, params.SqOff.Head)),
		sqTail:        (*uint32)(unsafe.Add(base, params.SqOff.Tail)),
		sqRingMask:    *(*uint32)(unsafe.Add(base, params.SqOff.RingMask)),
		sqRingEntries: *(*uint32)(unsafe.Add(base, params.SqOff.RingEntries)),
		sqFlags:       (*uint32)(unsafe.Add(base, params.SqOff.Flags)),
		features:      params.Features,
	}
	r.sqArray = unsafe.Slice((*uint32)(unsafe.Add(base, params.SqOff.Array)), params.SqEntries)

	cbase := unsafe.Pointer(&cqMmap[0])
	r.cqHead = (*uint32)(unsafe.Add(cbase, params.CqOff.Head))
	r.cqTail = (*uint32)(unsafe.Add(cbase, params.CqOff.Tail))
	r.cqRingMask = *(*uint32)(unsafe.Add(cbase, params.CqOff.RingMask))
	r.cqRingEntries = *(*uint32)(unsafe.Add(cbase, params.CqOff.RingEntries))
	r.cqes = unsafe.Slice((*UringCqe)(unsafe.Add(cbase, params.CqOff.Cqes)), params.CqEntries)

	r.sqes = unsafe.Slice((*UringSqe)(unsafe.Pointer(&sqeMmap[0])), params.SqEntries)

	return r, nil
}

// Close unmaps and closes the ring.
func (r *UringRing) Close() error {
	unix.Munmap(r.sqeMmap)
	unix.Munmap(r.cqMmap)
	unix.Munmap(r.sqMmap)
	return unix.Close(r.fd)
}

// NextSqe returns the next local submission slot, or nil if the ring is
// fully saturated (its SQE array is exhausted between Submit calls).
func (r *UringRing) NextSqe() *UringSqe {
	head := *r.sqHead
	if r.sqeTail-head >= r.sqRingEntries {
		return nil
	}
	idx := r.sqeTail & r.sqRingMask
	r.sqArray[idx] = idx
	sqe := &r.sqes[idx]
	*sqe = UringSqe{}
	r.sqeTail++
	return sqe
}

// Submit publishes every locally-prepared SQE and calls io_uring_enter,
// optionally waiting for minComplete completions.
func (r *UringRing) Submit(minComplete uint32, wait bool) (int, error) {
	toSubmit := r.sqeTail - *r.sqTail
	if toSubmit == 0 && minComplete == 0 {
		return 0, nil
	}
	*r.sqTail = r.sqeTail
	var flags uint32
	if wait {
		flags = ioringEnterGetevents
	}
	return ioUringEnter(r.fd, toSubmit, minComplete, flags)
}

// ReapCqes drains up to len(out) ready completions without blocking the
// kernel side further (the caller decides whether to have already
// waited via Submit's minComplete).
func (r *UringRing) ReapCqes(out []UringCqe) int {
	head := *r.cqHead
	tail := *r.cqTail
	n := 0
	for head != tail && n < len(out) {
		out[n] = r.cqes[head&r.cqRingMask]
		head++
		n++
	}
	*r.cqHead = head
	return n
}
