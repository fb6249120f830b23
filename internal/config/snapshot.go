package config

import (
	"sync/atomic"

	"github.com/uhdlab/embygate/pkg/types"
)

// SnapshotHolder publishes the policy snapshot pulled from the control
// plane. Single writer (the background agent), many lock-free readers (the
// policy engine). A nil snapshot means cold start: the pipeline allows
// everything through.
type SnapshotHolder struct {
	current atomic.Pointer[types.Snapshot]
}

// NewSnapshotHolder returns an empty holder.
func NewSnapshotHolder() *SnapshotHolder {
	return &SnapshotHolder{}
}

// Get returns the current snapshot, or nil before the first pull.
func (h *SnapshotHolder) Get() *types.Snapshot {
	return h.current.Load()
}

// Replace swaps in a new snapshot. Readers see either the old or the new
// value in full, never mixed fields.
func (h *SnapshotHolder) Replace(s *types.Snapshot) {
	h.current.Store(s)
}

// Version returns the current snapshot version, 0 when absent.
func (h *SnapshotHolder) Version() int64 {
	s := h.current.Load()
	if s == nil {
		return 0
	}
	return s.Version
}
