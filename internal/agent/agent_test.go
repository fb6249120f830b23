package agent

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/uhdlab/embygate/internal/config"
	"github.com/uhdlab/embygate/internal/controlplane"
	"github.com/uhdlab/embygate/internal/store"
	"github.com/uhdlab/embygate/internal/telemetry"
	"github.com/uhdlab/embygate/pkg/types"
)

// fakeControlPlane serves canned {data: ...} envelopes and records every
// request body by path.
type fakeControlPlane struct {
	mu        sync.Mutex
	responses map[string]any
	bodies    map[string][][]byte
	failAll   bool
	server    *httptest.Server
}

func newFakeControlPlane(t *testing.T) *fakeControlPlane {
	t.Helper()
	f := &fakeControlPlane{
		responses: make(map[string]any),
		bodies:    make(map[string][][]byte),
	}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		f.mu.Lock()
		f.bodies[r.URL.Path] = append(f.bodies[r.URL.Path], body)
		resp, ok := f.responses[r.URL.Path]
		fail := f.failAll
		f.mu.Unlock()

		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if !ok {
			_, _ = w.Write([]byte(`{"data":{}}`))
			return
		}
		payload, err := json.Marshal(map[string]any{"data": resp})
		require.NoError(t, err)
		_, _ = w.Write(payload)
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeControlPlane) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAll = fail
}

func (f *fakeControlPlane) respond(path string, data any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[path] = data
}

func (f *fakeControlPlane) requests(path string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[path]
}

func (f *fakeControlPlane) requestCount(path string) int {
	return len(f.requests(path))
}

type agentFixture struct {
	agent *Agent
	cp    *fakeControlPlane
	store *store.Store
	redis *miniredis.Miniredis
}

func newAgentFixture(t *testing.T) *agentFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cp := newFakeControlPlane(t)
	st := store.NewWithClient(client)

	a := New(&Config{
		ControlPlane: controlplane.New(cp.server.URL, "test-token", time.Second),
		Store:        st,
		Snapshots:    config.NewSnapshotHolder(),
		Buffers:      telemetry.NewBuffers(),
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return &agentFixture{agent: a, cp: cp, store: st, redis: mr}
}

func TestPullConfigAppliesSnapshot(t *testing.T) {
	f := newAgentFixture(t)
	ctx := context.Background()

	f.cp.respond("/api/v1/media-slave/config/version", controlplane.VersionInfo{
		Version: 5, HasUpdate: true, SnapshotID: "snap-5",
	})
	f.cp.respond("/api/v1/media-slave/config", map[string]any{
		"version": 5,
		"lua_config": types.PolicyConfig{
			ClientWhitelist: []string{"Infuse"},
			MaxStreams:      2,
		},
		"rate_limit_config": types.RateLimitConfig{
			Enforcements: []types.Enforcement{{
				Dimension:      types.DimensionIP,
				DimensionValue: "192.0.2.1",
				Action:         types.ActionReject,
			}},
		},
	})

	require.NoError(t, f.agent.pullConfig(ctx))

	snap := f.agent.snapshots.Get()
	require.NotNil(t, snap)
	require.Equal(t, int64(5), snap.Version)
	require.Equal(t, []string{"Infuse"}, snap.Policy.ClientWhitelist)
	require.Equal(t, 2, snap.Policy.MaxStreams)

	// Enforcements reached the shared store.
	require.True(t, f.redis.Exists("enforce:ip:192.0.2.1"))

	// The snapshot was acknowledged.
	acks := f.cp.requests("/api/v1/media-slave/ack")
	require.Len(t, acks, 1)
	var ack map[string]string
	require.NoError(t, json.Unmarshal(acks[0], &ack))
	require.Equal(t, "snap-5", ack["snapshot_id"])
	require.Equal(t, "applied", ack["status"])
}

func TestPullConfigNoOpWhenCurrent(t *testing.T) {
	f := newAgentFixture(t)
	ctx := context.Background()

	f.agent.snapshots.Replace(&types.Snapshot{Version: 7})
	f.cp.respond("/api/v1/media-slave/config/version", controlplane.VersionInfo{
		Version: 7, HasUpdate: false,
	})

	require.NoError(t, f.agent.pullConfig(ctx))
	require.Zero(t, f.cp.requestCount("/api/v1/media-slave/config"))
	require.Zero(t, f.cp.requestCount("/api/v1/media-slave/ack"))
	require.Equal(t, int64(7), f.agent.snapshots.Version())
}

func TestPullConfigPartialPayloadKeepsAbsentSections(t *testing.T) {
	f := newAgentFixture(t)
	ctx := context.Background()

	f.agent.snapshots.Replace(&types.Snapshot{
		Version: 3,
		RateLimit: types.RateLimitConfig{
			Rules: []types.RateLimitRule{{ID: "keep-me", ApplyTo: types.DimensionIP}},
		},
	})

	f.cp.respond("/api/v1/media-slave/config/version", controlplane.VersionInfo{
		Version: 4, HasUpdate: true,
	})
	f.cp.respond("/api/v1/media-slave/config", map[string]any{
		"version":    4,
		"lua_config": types.PolicyConfig{MaxStreams: 1},
	})

	require.NoError(t, f.agent.pullConfig(ctx))

	snap := f.agent.snapshots.Get()
	require.Equal(t, int64(4), snap.Version)
	require.Equal(t, 1, snap.Policy.MaxStreams)
	require.Len(t, snap.RateLimit.Rules, 1)
	require.Equal(t, "keep-me", snap.RateLimit.Rules[0].ID)
}

func TestFlushTelemetry(t *testing.T) {
	f := newAgentFixture(t)
	ctx := context.Background()
	now := time.Now()

	f.agent.buffers.AppendAccess(types.AccessLogEntry{URI: "/a", Timestamp: now})
	f.agent.buffers.AppendAccess(types.AccessLogEntry{URI: "/b", Timestamp: now})
	f.agent.buffers.AppendBlocked(types.BlockedLogEntry{Reason: types.ReasonURIBlocked, Timestamp: now})
	require.NoError(t, f.store.QueueTokenReport(ctx, &types.TokenReport{
		EventType: "login", EmbyUserID: "u-1", Success: true,
	}))

	require.NoError(t, f.agent.flushTelemetry(ctx))

	accessBodies := f.cp.requests("/api/v1/slave/telemetry/access-logs")
	require.Len(t, accessBodies, 1)
	var accessBatch struct {
		Entries []types.AccessLogEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(accessBodies[0], &accessBatch))
	require.Len(t, accessBatch.Entries, 2)

	require.Equal(t, 1, f.cp.requestCount("/api/v1/slave/telemetry/blocked-requests"))
	require.Equal(t, 1, f.cp.requestCount("/api/v1/slave/telemetry/login"))

	// Buffers and the report queue drained.
	access, blocked := f.agent.buffers.Counts()
	require.Zero(t, access)
	require.Zero(t, blocked)
	reports, err := f.store.DrainTokenReports(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, reports)
}

func TestFlushTelemetryLosesBatchOnFailure(t *testing.T) {
	f := newAgentFixture(t)
	ctx := context.Background()

	f.agent.buffers.AppendAccess(types.AccessLogEntry{URI: "/a", Timestamp: time.Now()})
	f.cp.setFail(true)

	require.Error(t, f.agent.flushTelemetry(ctx))

	// The failed batch is not re-queued.
	access, _ := f.agent.buffers.Counts()
	require.Zero(t, access)
}

func TestFlushTelemetrySkipsEmptyBatches(t *testing.T) {
	f := newAgentFixture(t)

	require.NoError(t, f.agent.flushTelemetry(context.Background()))
	require.Zero(t, f.cp.requestCount("/api/v1/slave/telemetry/access-logs"))
	require.Zero(t, f.cp.requestCount("/api/v1/slave/telemetry/blocked-requests"))
}

func TestSyncQuota(t *testing.T) {
	f := newAgentFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.IncrQuota(ctx, types.DimensionUser, "u-1", 5, 4096, time.Now()))

	f.cp.respond("/api/v1/slave/telemetry/quota-sync", controlplane.QuotaSyncResult{
		Remaining: []types.RemainingEntry{
			{Kind: "req", Dimension: types.DimensionUser, Value: "u-1", Period: types.PeriodDaily, Remaining: 95},
		},
		Enforcements: []types.Enforcement{
			{Dimension: types.DimensionUser, DimensionValue: "u-2", Action: types.ActionReject},
		},
	})
	f.cp.respond("/api/v1/media-slave/rate-limits", controlplane.RateLimits{
		Rules: []types.RateLimitRule{{ID: "r1", ApplyTo: types.DimensionIP, RatePerSecond: 10}},
	})

	f.agent.snapshots.Replace(&types.Snapshot{Version: 1})
	require.NoError(t, f.agent.syncQuota(ctx))

	// The uploaded batch carried the absolute counters.
	syncBodies := f.cp.requests("/api/v1/slave/telemetry/quota-sync")
	require.Len(t, syncBodies, 1)
	var batch struct {
		Counters []types.QuotaCounter `json:"counters"`
	}
	require.NoError(t, json.Unmarshal(syncBodies[0], &batch))
	require.NotEmpty(t, batch.Counters)
	require.Equal(t, int64(5), batch.Counters[0].Requests)

	// Mirrors and enforcements landed in the store.
	v, err := f.redis.Get("remain:req:user:u-1:daily")
	require.NoError(t, err)
	require.Equal(t, "95", v)
	require.True(t, f.redis.Exists("enforce:user:u-2"))

	// The out-of-band rule refresh reached the snapshot.
	snap := f.agent.snapshots.Get()
	require.Len(t, snap.RateLimit.Rules, 1)
	require.Equal(t, "r1", snap.RateLimit.Rules[0].ID)
}

func TestSyncQuotaSeedsSnapshotOnColdStart(t *testing.T) {
	f := newAgentFixture(t)
	ctx := context.Background()

	f.cp.respond("/api/v1/slave/telemetry/quota-sync", controlplane.QuotaSyncResult{})
	f.cp.respond("/api/v1/media-slave/rate-limits", controlplane.RateLimits{
		Rules: []types.RateLimitRule{{ID: "r1", ApplyTo: types.DimensionIP, RatePerSecond: 10}},
	})

	// No config pull has landed yet; the refreshed rules seed a version-0
	// snapshot instead of being dropped.
	require.Nil(t, f.agent.snapshots.Get())
	require.NoError(t, f.agent.syncQuota(ctx))

	snap := f.agent.snapshots.Get()
	require.NotNil(t, snap)
	require.Zero(t, snap.Version)
	require.Len(t, snap.RateLimit.Rules, 1)
	require.Equal(t, "r1", snap.RateLimit.Rules[0].ID)
}

func TestHeartbeatPayload(t *testing.T) {
	f := newAgentFixture(t)
	ctx := context.Background()

	f.agent.snapshots.Replace(&types.Snapshot{Version: 9})
	f.agent.buffers.AppendAccess(types.AccessLogEntry{URI: "/a", Timestamp: time.Now()})

	require.NoError(t, f.agent.heartbeat(ctx))

	bodies := f.cp.requests("/api/v1/media-slave/heartbeat")
	require.Len(t, bodies, 1)

	var hb controlplane.HeartbeatRequest
	require.NoError(t, json.Unmarshal(bodies[0], &hb))
	require.Equal(t, controlplane.AgentVersion, hb.AgentVersion)
	require.Equal(t, int64(9), hb.CurrentConfigVersion)
	require.Equal(t, "ok", hb.Status)
	require.EqualValues(t, 1, hb.Metadata["access_log_pending"])
}

func TestSessionHeartbeatSendsEmptySnapshot(t *testing.T) {
	f := newAgentFixture(t)

	require.NoError(t, f.agent.sessionHeartbeat(context.Background()))

	bodies := f.cp.requests("/api/v1/slave/telemetry/realtime/heartbeat")
	require.Len(t, bodies, 1)

	var payload struct {
		Sessions []types.SessionSnapshot `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(bodies[0], &payload))
	require.NotNil(t, payload.Sessions)
	require.Empty(t, payload.Sessions)
}

func TestLoopReArmsAfterPanic(t *testing.T) {
	f := newAgentFixture(t)

	var mu sync.Mutex
	runs := 0
	f.agent.intervals.ConfigPullInterval = 10 * time.Millisecond
	f.agent.loop("test_loop", time.Millisecond, 10*time.Millisecond, func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		runs++
		if runs == 1 {
			panic("boom")
		}
		return nil
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return runs >= 3
	}, 2*time.Second, 5*time.Millisecond)

	f.agent.Stop()
}
