package identity

import (
	"context"
	"log/slog"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/uhdlab/embygate/internal/store"
	"github.com/uhdlab/embygate/pkg/types"
)

// Resolver back-fills missing fingerprint fields from the shared store:
// token_map first, then the device_user fallback. Store errors are treated
// as "no data" so identity resolution never fails a request.
type Resolver struct {
	store  *store.Store
	logger *slog.Logger

	// tokenCache keeps hot token lookups off the store. Records are 7-day
	// so 30 seconds of staleness is invisible.
	tokenCache *gocache.Cache
}

// NewResolver creates a resolver backed by the shared store.
func NewResolver(st *store.Store, logger *slog.Logger) *Resolver {
	return &Resolver{
		store:      st,
		logger:     logger,
		tokenCache: gocache.New(30*time.Second, time.Minute),
	}
}

// Backfill applies the resolution rules in place:
//  1. token present, user missing: adopt the token mapping's user and any
//     missing device/client fields, refresh its TTL;
//  2. token and user both present: refresh the mapping TTL only;
//  3. still no user, device present: adopt the device_user binding.
func (r *Resolver) Backfill(ctx context.Context, fp *types.Fingerprint) {
	if fp.Token != "" {
		if fp.UserID == "" {
			r.fillFromToken(ctx, fp)
		} else {
			if err := r.store.TouchTokenMapping(ctx, fp.Token); err != nil {
				r.logger.Error("token mapping touch failed", "error", err)
			}
		}
	}

	if fp.UserID == "" && fp.DeviceID != "" {
		r.fillFromDevice(ctx, fp)
	}
}

func (r *Resolver) fillFromToken(ctx context.Context, fp *types.Fingerprint) {
	mapping := r.lookupToken(ctx, fp.Token)
	if mapping == nil {
		return
	}

	fp.UserID = mapping.UserID
	if fp.Username == "" {
		fp.Username = mapping.Username
	}
	if fp.DeviceID == "" {
		fp.DeviceID = mapping.DeviceID
	}
	if fp.DeviceName == "" {
		fp.DeviceName = mapping.DeviceName
	}
	if fp.ClientName == "" {
		fp.ClientName = mapping.ClientName
	}

	if err := r.store.TouchTokenMapping(ctx, fp.Token); err != nil {
		r.logger.Error("token mapping touch failed", "error", err)
	}
}

func (r *Resolver) lookupToken(ctx context.Context, token string) *types.TokenMapping {
	if cached, ok := r.tokenCache.Get(token); ok {
		return cached.(*types.TokenMapping)
	}

	mapping, err := r.store.TokenMapping(ctx, token)
	if err != nil {
		r.logger.Error("token mapping lookup failed", "error", err)
		return nil
	}
	if mapping != nil {
		r.tokenCache.SetDefault(token, mapping)
	}
	return mapping
}

// Invalidate drops a cached token mapping, used after a fresh login rebinds
// the token.
func (r *Resolver) Invalidate(token string) {
	r.tokenCache.Delete(token)
}

func (r *Resolver) fillFromDevice(ctx context.Context, fp *types.Fingerprint) {
	du, err := r.store.DeviceUser(ctx, fp.DeviceID)
	if err != nil {
		r.logger.Error("device user lookup failed", "error", err)
		return
	}
	if du == nil || du.UserID == "" {
		return
	}

	fp.UserID = du.UserID
	if fp.Username == "" {
		fp.Username = du.Username
	}
	if fp.DeviceName == "" {
		fp.DeviceName = du.DeviceName
	}
}
