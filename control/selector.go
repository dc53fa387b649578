//go:build linux

// control/selector.go
// Part of the shardio reactor backend.
//
// Configuration-side glue for backend.BackendSelector: translates the
// string tags an operator puts in a config file or CLI flag into the
// typed backend.Kind the selector understands, and records the outcome
// of a selection in the metrics registry so it is visible through the
// same debug/metrics surface as everything else.

package control

import (
	"fmt"

	"shardio/backend"
)

// ParseBackendKind maps one of the accepted configuration tags
// ("io_uring", "linux-aio", "epoll") to a backend.Kind. An unrecognized
// tag is a logic error the caller should fail configuration loading on,
// not something to fall back from silently.
func ParseBackendKind(tag string) (backend.Kind, error) {
	switch tag {
	case "linux-aio":
		return backend.KindLinuxAio, nil
	case "epoll":
		return backend.KindEpoll, nil
	case "io_uring":
		return backend.KindUring, nil
	default:
		return 0, fmt.Errorf("control: unknown backend tag %q", tag)
	}
}

// ApplyBackendTag reads the "backend" key out of cs (if set) and returns
// the SelectorOptions.ForceKind value the caller should use, or nil to
// let backend.BackendSelector run its normal detection order.
func ApplyBackendTag(cs *ConfigStore) (*backend.Kind, error) {
	snap := cs.GetSnapshot()
	raw, ok := snap["backend"]
	if !ok {
		return nil, nil
	}
	tag, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("control: backend config key must be a string, got %T", raw)
	}
	kind, err := ParseBackendKind(tag)
	if err != nil {
		return nil, err
	}
	return &kind, nil
}

// RecordSelection publishes which backend.Kind was chosen into mr under
// "backend.kind"; AIO error counts are published separately by
// RecordAioErrors.
func RecordSelection(mr *MetricsRegistry, kind backend.Kind) {
	mr.Set("backend.kind", kind.String())
}

// RecordAioErrors publishes a storage context's ring-wide fatal error
// counter under a stable key, refreshed on whatever cadence the caller's
// debug/metrics loop already runs at.
func RecordAioErrors(mr *MetricsRegistry, storage *backend.AioStorageContext) {
	mr.Set("backend.aio_errors", storage.AioErrors())
}
