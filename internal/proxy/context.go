// Package proxy glues the access pipeline to the reverse-proxy transport:
// decision rendering, login capture attachment and log-phase dispatch.
package proxy

import (
	"context"

	"github.com/uhdlab/embygate/pkg/types"
)

type throttleKey struct{}
type fingerprintKey struct{}

// WithThrottle stashes a bytes-per-second cap for the transport layer.
func WithThrottle(ctx context.Context, bps int64) context.Context {
	if bps <= 0 {
		return ctx
	}
	return context.WithValue(ctx, throttleKey{}, bps)
}

// ThrottleFromContext returns the stashed cap, 0 when none. The transport
// consults this while streaming the response body.
func ThrottleFromContext(ctx context.Context) int64 {
	if bps, ok := ctx.Value(throttleKey{}).(int64); ok {
		return bps
	}
	return 0
}

func withFingerprint(ctx context.Context, fp *types.Fingerprint) context.Context {
	return context.WithValue(ctx, fingerprintKey{}, fp)
}

// FingerprintFromContext returns the fingerprint resolved in the access
// phase, nil when the pipeline did not run.
func FingerprintFromContext(ctx context.Context) *types.Fingerprint {
	if fp, ok := ctx.Value(fingerprintKey{}).(*types.Fingerprint); ok {
		return fp
	}
	return nil
}
