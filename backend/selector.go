//go:build linux

package backend

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Kind identifies which backend a BackendSelector chose.
type Kind int

const (
	KindLinuxAio Kind = iota
	KindEpoll
	KindUring
)

func (k Kind) String() string {
	switch k {
	case KindLinuxAio:
		return "linux-aio"
	case KindEpoll:
		return "epoll"
	case KindUring:
		return "io_uring"
	default:
		return "unknown"
	}
}

// SelectorOptions configures the capability probes BackendSelector runs.
// Zero value runs every probe with its default thresholds.
type SelectorOptions struct {
	// ForceKind, when non-nil, skips detection entirely.
	ForceKind *Kind
	MaxAio    int
	// NrShards is the number of reactor shards that will each construct
	// their own backend and, for linux-aio, their own aio-max-nr
	// reservation of MaxAio events. The aio-nr capacity check accounts
	// for all of them together, since the probe otherwise passes on
	// every shard even though they collectively oversubscribe
	// /proc/sys/fs/aio-nr. Defaults to 1.
	NrShards   int
	ThreadPool ThreadPool
}

// BackendSelector probes backends in a fixed order and constructs the
// first one whose capability checks pass: linux-aio (needs headroom in
// aio-max-nr/aio-nr and a working IOCB_CMD_POLL smoke test), then epoll
// (always available), then io_uring (needs a kernel new enough, or no
// MD RAID block devices present, plus a working ring setup).
type BackendSelector struct {
	opts SelectorOptions
}

// NewBackendSelector returns a selector configured with opts.
func NewBackendSelector(opts SelectorOptions) *BackendSelector {
	if opts.MaxAio <= 0 {
		opts.MaxAio = MaxAio
	}
	if opts.NrShards <= 0 {
		opts.NrShards = 1
	}
	return &BackendSelector{opts: opts}
}

// Select runs the detection order and constructs the chosen backend.
func (s *BackendSelector) Select(fields *ReactorFields) (Backend, Kind, error) {
	if s.opts.ForceKind != nil {
		b, err := s.construct(*s.opts.ForceKind, fields)
		return b, *s.opts.ForceKind, err
	}

	if s.linuxAioUsable() {
		if b, err := s.construct(KindLinuxAio, fields); err == nil {
			return b, KindLinuxAio, nil
		}
	}

	if b, err := s.construct(KindEpoll, fields); err == nil {
		return b, KindEpoll, nil
	}

	if s.uringUsable() {
		if b, err := s.construct(KindUring, fields); err == nil {
			return b, KindUring, nil
		}
	}

	return nil, KindEpoll, fmt.Errorf("backend selector: no usable backend on this host")
}

func (s *BackendSelector) construct(kind Kind, fields *ReactorFields) (Backend, error) {
	switch kind {
	case KindLinuxAio:
		return NewAioBackend(s.opts.MaxAio, s.opts.ThreadPool, fields)
	case KindEpoll:
		return NewEpollBackend(s.opts.MaxAio, s.opts.ThreadPool, fields, 500*time.Microsecond)
	case KindUring:
		return NewUringBackend(uint32(s.opts.MaxAio), fields)
	default:
		return nil, fmt.Errorf("backend selector: unknown kind %d", kind)
	}
}

// linuxAioUsable checks /proc/sys/fs/aio-max-nr and aio-nr against the
// full fleet's reservation (max_aio events per shard, across every
// shard that will construct its own linux-aio backend), and runs a
// two-event smoke test (io_setup/io_submit/io_destroy) the way the
// smoke test does before trusting the kernel's linux-aio
// implementation on this host.
func (s *BackendSelector) linuxAioUsable() bool {
	maxNr, err := readProcSysUint("/proc/sys/fs/aio-max-nr")
	if err != nil || maxNr == 0 {
		return false
	}
	used, err := readProcSysUint("/proc/sys/fs/aio-nr")
	if err != nil {
		return false
	}
	needed := uint64(s.opts.MaxAio) * uint64(s.opts.NrShards)
	if used+needed > maxNr {
		return false
	}
	if mdRaidPresent() {
		// linux-aio historically does not deliver async completions
		// reliably against MD RAID member devices; fall through to
		// epoll rather than risk silently-synchronous disk I/O.
		return false
	}
	return smokeTestLinuxAio()
}

func smokeTestLinuxAio() bool {
	ctx, err := ioSetup(2)
	if err != nil {
		return false
	}
	defer ioDestroy(ctx)

	r, w, err := pipePair()
	if err != nil {
		return false
	}
	defer unix.Close(r)
	defer unix.Close(w)

	io := makePollIocb(r, EventRead)
	n, err := ioSubmit(ctx, []*Iocb{&io})
	if n != 1 || err != nil {
		return false
	}
	ioCancel(ctx, &io)
	return true
}

func pipePair() (int, int, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return -1, -1, err
	}
	return fds[0], fds[1], nil
}

// uringUsable requires kernel >= 5.17, unless no MD RAID block devices
// are present (the window where io_uring's direct-I/O completion path
// was still unreliable against MD member devices on older kernels), and
// a minimal io_uring_setup/close smoke test that checks the SUBMIT_STABLE
// and NODROP feature bits. Opcode support is not probed.
func (s *BackendSelector) uringUsable() bool {
	if !kernelAtLeast(5, 17) && mdRaidPresent() {
		return false
	}
	ring, err := NewUringRing(2)
	if err != nil {
		return false
	}
	const required = ioringFeatSubmitStable | ioringFeatNodrop
	ok := ring.Features()&required == required
	ring.Close()
	return ok
}

func kernelAtLeast(major, minor int) bool {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return false
	}
	release := unixCharsToString(uts.Release[:])
	parts := strings.SplitN(release, ".", 3)
	if len(parts) < 2 {
		return false
	}
	gotMajor, err1 := strconv.Atoi(parts[0])
	gotMinor, err2 := strconv.Atoi(strings.TrimRightFunc(parts[1], func(r rune) bool { return r < '0' || r > '9' }))
	if err1 != nil || err2 != nil {
		return false
	}
	if gotMajor != major {
		return gotMajor > major
	}
	return gotMinor >= minor
}

func unixCharsToString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func readProcSysUint(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, fmt.Errorf("empty proc file %s", path)
	}
	return strconv.ParseUint(strings.TrimSpace(scanner.Text()), 10, 64)
}

// mdRaidPresent tests for the existence of an md subdirectory under any
// entry of /sys/block, the same probe a kernel-side MD driver check
// would use; unlike /proc/mdstat this is not gated on /proc being
// mounted with its usual options and stays consistent with what the
// block layer itself reports for each device.
func mdRaidPresent() bool {
	entries, err := os.ReadDir("/sys/block")
	if err != nil {
		return false
	}
	for _, entry := range entries {
		if _, err := os.Stat(filepath.Join("/sys/block", entry.Name(), "md")); err == nil {
			return true
		}
	}
	return false
}
