//go:build linux

package backend

import "testing"

// TestBackendSelectorForceKindBypassesProbes covers the fixed-order
// selection contract's escape hatch: ForceKind must skip every
// capability probe and construct exactly the requested kind.
func TestBackendSelectorForceKindBypassesProbes(t *testing.T) {
	kind := KindEpoll
	s := NewBackendSelector(SelectorOptions{ForceKind: &kind, MaxAio: 8})

	b, got, err := s.Select(NewReactorFields())
	if err != nil {
		t.Skipf("epoll backend construction unavailable in this environment: %v", err)
	}
	if got != KindEpoll {
		t.Fatalf("expected KindEpoll, got %v", got)
	}
	if _, ok := b.(*EpollBackend); !ok {
		t.Fatalf("expected *EpollBackend, got %T", b)
	}
}

// TestBackendSelectorDefaultsShardCountToOne covers the shard-aware
// aio-nr capacity check: a selector configured with no explicit shard count
// must behave as if NrShards were 1, not 0 (which would always pass
// the aio-nr headroom check regardless of MaxAio).
func TestBackendSelectorDefaultsShardCountToOne(t *testing.T) {
	s := NewBackendSelector(SelectorOptions{MaxAio: 8})
	if s.opts.NrShards != 1 {
		t.Fatalf("expected NrShards to default to 1, got %d", s.opts.NrShards)
	}
}

// TestBackendSelectorShardCountMultipliesAioReservation is the direct
// regression test for the multi-shard aio-nr accounting fix: raising
// NrShards must raise the effective reservation checked against
// aio-max-nr - aio-nr by the same factor, so a process that would fit
// one shard's worth of max_aio but not N shards' worth is correctly
// rejected instead of probing each shard in isolation.
func TestBackendSelectorShardCountMultipliesAioReservation(t *testing.T) {
	maxNr, err := readProcSysUint("/proc/sys/fs/aio-max-nr")
	if err != nil {
		t.Skipf("/proc/sys/fs/aio-max-nr unavailable in this environment: %v", err)
	}
	used, err := readProcSysUint("/proc/sys/fs/aio-nr")
	if err != nil {
		t.Skipf("/proc/sys/fs/aio-nr unavailable in this environment: %v", err)
	}
	headroom := maxNr - used
	if headroom == 0 {
		t.Skipf("no aio-nr headroom available on this host to test against")
	}

	// Four shards each asking for the entire headroom must not fit,
	// since the aio-nr check has to account for every shard's
	// reservation together, not just one shard's in isolation.
	manyShards := NewBackendSelector(SelectorOptions{MaxAio: int(headroom), NrShards: 4})
	if manyShards.linuxAioUsable() {
		t.Fatalf("expected a 4-shard reservation of the full headroom to exceed aio-max-nr")
	}
}

// TestKindString covers the small String() table so a future added
// Kind doesn't silently fall through to "unknown" unnoticed.
func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		KindLinuxAio: "linux-aio",
		KindEpoll:    "epoll",
		KindUring:    "io_uring",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Fatalf("Kind(%d).String() = %q, want %q", kind, got, want)
		}
	}
}

// TestMdRaidPresentIsSafeToCall sanity-checks the /sys/block/*/md probe
// against whatever block devices this host actually has: it must not
// panic when called, whatever /sys/block contains.
func TestMdRaidPresentIsSafeToCall(t *testing.T) {
	// Exercised for its side-effect-free return value only; the actual
	// answer is host-dependent, so this just documents that calling it
	// is always safe to use as a selector precondition.
	_ = mdRaidPresent()
}
