//go:build linux

package control

import (
	"testing"

	"shardio/backend"
)

func TestParseBackendKind(t *testing.T) {
	cases := map[string]backend.Kind{
		"linux-aio": backend.KindLinuxAio,
		"epoll":     backend.KindEpoll,
		"io_uring":  backend.KindUring,
	}
	for tag, want := range cases {
		got, err := ParseBackendKind(tag)
		if err != nil {
			t.Fatalf("ParseBackendKind(%q): unexpected error %v", tag, err)
		}
		if got != want {
			t.Fatalf("ParseBackendKind(%q) = %v, want %v", tag, got, want)
		}
	}
}

func TestParseBackendKindRejectsUnknownTag(t *testing.T) {
	if _, err := ParseBackendKind("kqueue"); err == nil {
		t.Fatalf("expected an error for an unrecognized backend tag")
	}
}

func TestApplyBackendTagAbsentReturnsNoOverride(t *testing.T) {
	cs := NewConfigStore()
	kind, err := ApplyBackendTag(cs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if kind != nil {
		t.Fatalf("expected no forced kind when config has no backend key")
	}
}

func TestApplyBackendTagAppliesConfiguredTag(t *testing.T) {
	cs := NewConfigStore()
	cs.SetConfig(map[string]any{"backend": "epoll"})
	kind, err := ApplyBackendTag(cs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if kind == nil || *kind != backend.KindEpoll {
		t.Fatalf("expected forced KindEpoll, got %v", kind)
	}
}

func TestApplyBackendTagRejectsNonStringValue(t *testing.T) {
	cs := NewConfigStore()
	cs.SetConfig(map[string]any{"backend": 7})
	if _, err := ApplyBackendTag(cs); err == nil {
		t.Fatalf("expected an error for a non-string backend config value")
	}
}

func TestRecordSelectionPublishesKindName(t *testing.T) {
	mr := NewMetricsRegistry()
	RecordSelection(mr, backend.KindUring)
	snap := mr.GetSnapshot()
	if snap["backend.kind"] != "io_uring" {
		t.Fatalf("expected backend.kind=io_uring, got %v", snap["backend.kind"])
	}
}
