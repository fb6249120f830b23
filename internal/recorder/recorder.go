// Package recorder performs the log-phase bookkeeping that runs after the
// response has been sent: telemetry emit, session refresh, quota counter
// increments and remaining-mirror decrements. Nothing here can affect the
// already-delivered response; failures are logged and dropped.
package recorder

import (
	"context"
	"log/slog"
	"time"

	"github.com/uhdlab/embygate/internal/metrics"
	"github.com/uhdlab/embygate/internal/store"
	"github.com/uhdlab/embygate/internal/telemetry"
	"github.com/uhdlab/embygate/pkg/types"
)

// Entry carries the facts of one completed request into the log phase.
type Entry struct {
	Fingerprint  *types.Fingerprint
	Status       int
	BytesSent    int64
	RequestTime  time.Duration
	UpstreamTime time.Duration
}

// Recorder writes the log-phase side effects.
type Recorder struct {
	store   *store.Store
	buffers *telemetry.Buffers
	logger  *slog.Logger

	now func() time.Time
}

// New creates a recorder.
func New(st *store.Store, buffers *telemetry.Buffers, logger *slog.Logger) *Recorder {
	return &Recorder{store: st, buffers: buffers, logger: logger, now: time.Now}
}

// Record runs all four bookkeeping steps for one request.
func (r *Recorder) Record(ctx context.Context, e *Entry) {
	fp := e.Fingerprint
	if fp == nil {
		return
	}
	now := r.now()

	r.buffers.AppendAccess(types.AccessLogEntry{
		IP:            fp.ClientIP,
		URI:           fp.URI,
		Method:        fp.Method,
		Status:        e.Status,
		BytesSent:     e.BytesSent,
		RequestTime:   e.RequestTime.Seconds(),
		UpstreamTime:  e.UpstreamTime.Seconds(),
		UserID:        fp.UserID,
		Username:      fp.Username,
		DeviceID:      fp.DeviceID,
		DeviceName:    fp.DeviceName,
		ClientName:    fp.ClientName,
		ClientVersion: fp.ClientVersion,
		PlaySessionID: fp.PlaySessionID,
		UserAgent:     fp.UserAgent,
		Timestamp:     now,
	})

	if fp.PlaySessionID != "" && fp.UserID != "" {
		if err := r.store.RefreshSession(ctx, fp.UserID, fp.PlaySessionID, fp, e.BytesSent, now); err != nil {
			metrics.StoreErrors.WithLabelValues("session_refresh").Inc()
			r.logger.Error("session refresh failed", "error", err)
		}
	}

	for _, pair := range dimensionPairs(fp) {
		dim, value := pair.dim, pair.value

		if err := r.store.IncrQuota(ctx, dim, value, 1, e.BytesSent, now); err != nil {
			metrics.StoreErrors.WithLabelValues("quota_incr").Inc()
			r.logger.Error("quota increment failed", "dimension", dim, "error", err)
		}

		if err := r.store.DecrRemaining(ctx, dim, value, e.BytesSent); err != nil {
			metrics.StoreErrors.WithLabelValues("remaining_decr").Inc()
			r.logger.Error("remaining decrement failed", "dimension", dim, "error", err)
		}
	}

	metrics.UpstreamBytesSent.Add(float64(e.BytesSent))
}

type dimPair struct {
	dim   types.Dimension
	value string
}

func dimensionPairs(fp *types.Fingerprint) []dimPair {
	pairs := make([]dimPair, 0, 3)
	if fp.ClientIP != "" {
		pairs = append(pairs, dimPair{types.DimensionIP, fp.ClientIP})
	}
	if fp.UserID != "" {
		pairs = append(pairs, dimPair{types.DimensionUser, fp.UserID})
	}
	if fp.DeviceID != "" {
		pairs = append(pairs, dimPair{types.DimensionDevice, fp.DeviceID})
	}
	return pairs
}
