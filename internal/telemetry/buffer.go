// Package telemetry buffers access and blocked-request log entries in
// memory until the agent's flush loop drains them. Buffers are bounded by
// entry TTL and a hard cap; losses are tolerated and counted.
package telemetry

import (
	"sync"
	"time"

	"github.com/uhdlab/embygate/internal/metrics"
	"github.com/uhdlab/embygate/pkg/types"
)

const (
	// EntryTTL is how long an unflushed entry stays eligible.
	EntryTTL = 300 * time.Second

	defaultMaxEntries = 10000
)

// Buffers holds the two telemetry queues. Producers are request handlers,
// the single consumer is the agent flush loop.
type Buffers struct {
	mu         sync.Mutex
	access     []types.AccessLogEntry
	blocked    []types.BlockedLogEntry
	maxEntries int

	now func() time.Time
}

// NewBuffers creates telemetry buffers with the default cap per queue.
func NewBuffers() *Buffers {
	return &Buffers{
		maxEntries: defaultMaxEntries,
		now:        time.Now,
	}
}

// AppendAccess queues an access-log entry, evicting the oldest when full.
func (b *Buffers) AppendAccess(e types.AccessLogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.access) >= b.maxEntries {
		b.access = b.access[1:]
		metrics.TelemetryDropped.WithLabelValues("access", "overflow").Inc()
	}
	b.access = append(b.access, e)
}

// AppendBlocked queues a blocked-request entry.
func (b *Buffers) AppendBlocked(e types.BlockedLogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.blocked) >= b.maxEntries {
		b.blocked = b.blocked[1:]
		metrics.TelemetryDropped.WithLabelValues("blocked", "overflow").Inc()
	}
	b.blocked = append(b.blocked, e)
}

// DrainAccess removes and returns up to max entries in FIFO order, skipping
// entries past their TTL.
func (b *Buffers) DrainAccess(max int) []types.AccessLogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := b.now().Add(-EntryTTL)
	kept := b.access[:0]
	var drained []types.AccessLogEntry
	for _, e := range b.access {
		switch {
		case e.Timestamp.Before(cutoff):
			metrics.TelemetryDropped.WithLabelValues("access", "expired").Inc()
		case len(drained) < max:
			drained = append(drained, e)
		default:
			kept = append(kept, e)
		}
	}
	b.access = kept
	return drained
}

// DrainBlocked removes and returns up to max entries in FIFO order.
func (b *Buffers) DrainBlocked(max int) []types.BlockedLogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := b.now().Add(-EntryTTL)
	kept := b.blocked[:0]
	var drained []types.BlockedLogEntry
	for _, e := range b.blocked {
		switch {
		case e.Timestamp.Before(cutoff):
			metrics.TelemetryDropped.WithLabelValues("blocked", "expired").Inc()
		case len(drained) < max:
			drained = append(drained, e)
		default:
			kept = append(kept, e)
		}
	}
	b.blocked = kept
	return drained
}

// Counts returns the current queue depths for heartbeat metadata.
func (b *Buffers) Counts() (access, blocked int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.access), len(b.blocked)
}

// CountLost records entries dropped because a flush POST failed. There is
// no retry; the control plane tolerates gaps.
func CountLost(kind string, n int) {
	if n <= 0 {
		return
	}
	metrics.TelemetryDropped.WithLabelValues(kind, "flush_failure").Add(float64(n))
}
