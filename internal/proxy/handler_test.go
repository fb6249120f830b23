package proxy

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/uhdlab/embygate/internal/capture"
	"github.com/uhdlab/embygate/internal/config"
	"github.com/uhdlab/embygate/internal/identity"
	"github.com/uhdlab/embygate/internal/observability"
	"github.com/uhdlab/embygate/internal/policy"
	"github.com/uhdlab/embygate/internal/ratelimit"
	"github.com/uhdlab/embygate/internal/recorder"
	"github.com/uhdlab/embygate/internal/store"
	"github.com/uhdlab/embygate/internal/telemetry"
	"github.com/uhdlab/embygate/pkg/types"
)

type proxyFixture struct {
	handler   *Handler
	store     *store.Store
	snapshots *config.SnapshotHolder
	buffers   *telemetry.Buffers
	upstream  *httptest.Server
	logs      *bytes.Buffer
	spans     *tracetest.InMemoryExporter
}

func newProxyFixture(t *testing.T, upstream http.HandlerFunc) *proxyFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	server := httptest.NewServer(upstream)
	t.Cleanup(server.Close)
	target, err := url.Parse(server.URL)
	require.NoError(t, err)

	st := store.NewWithClient(client)

	logs := &bytes.Buffer{}
	obsLogger := observability.NewLogger(observability.LoggerConfig{
		Level:      slog.LevelDebug,
		Output:     logs,
		JSONFormat: true,
	}, observability.NewRedactor())
	logger := obsLogger.Slog()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	holder := config.NewSnapshotHolder()
	buffers := telemetry.NewBuffers()
	limiter := ratelimit.NewLimiter()
	t.Cleanup(limiter.Close)

	resolver := identity.NewResolver(st, logger)
	engine := policy.NewEngine(holder, st, resolver, limiter, buffers, logger)
	rec := recorder.New(st, buffers, logger)
	loginCapture := capture.New(st, resolver, logger)

	return &proxyFixture{
		handler:   NewHandler(target, engine, rec, loginCapture, obsLogger, tp.Tracer("test")),
		store:     st,
		snapshots: holder,
		buffers:   buffers,
		upstream:  server,
		logs:      logs,
		spans:     exporter,
	}
}

func TestProxyForwardsAllowedRequest(t *testing.T) {
	f := newProxyFixture(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/emby/Items", r.URL.Path)
		_, _ = w.Write([]byte("upstream payload"))
	})
	f.snapshots.Replace(&types.Snapshot{Version: 1})

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/emby/Items", nil)
	r.RemoteAddr = "203.0.113.5:40000"
	f.handler.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "upstream payload", w.Body.String())

	// The log phase ran: access telemetry plus quota accounting.
	entries := f.buffers.DrainAccess(10)
	require.Len(t, entries, 1)
	require.Equal(t, http.StatusOK, entries[0].Status)
	require.Equal(t, int64(len("upstream payload")), entries[0].BytesSent)

	counters, err := f.store.ScanQuotaCounters(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, counters)
}

func TestProxyStartsSpanPerRequest(t *testing.T) {
	f := newProxyFixture(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	f.snapshots.Replace(&types.Snapshot{Version: 1})

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/emby/Items", nil)
	r.RemoteAddr = "203.0.113.5:40000"
	f.handler.ServeHTTP(w, r)

	spans := f.spans.GetSpans()
	require.Len(t, spans, 1)
	require.Equal(t, "gateway.request", spans[0].Name)

	attrs := make(map[attribute.Key]attribute.Value, len(spans[0].Attributes))
	for _, kv := range spans[0].Attributes {
		attrs[kv.Key] = kv.Value
	}
	require.Equal(t, "GET", attrs["http.request.method"].AsString())
	require.Equal(t, "/emby/Items", attrs["url.path"].AsString())
	require.Equal(t, int64(http.StatusOK), attrs["http.response.status_code"].AsInt64())
}

func TestProxyDeniesWithoutContactingUpstream(t *testing.T) {
	upstreamHit := false
	f := newProxyFixture(t, func(w http.ResponseWriter, r *http.Request) {
		upstreamHit = true
	})
	f.snapshots.Replace(&types.Snapshot{
		Version: 1,
		Policy: types.PolicyConfig{
			BlockList: []types.URIRule{{Pattern: "/emby/Videos", MatchType: types.MatchPrefix}},
		},
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/emby/Videos/1/Download", nil)
	r.RemoteAddr = "203.0.113.5:40000"
	f.handler.ServeHTTP(w, r)

	require.Equal(t, http.StatusForbidden, w.Code)
	require.False(t, upstreamHit)
	require.Equal(t, "-1", w.Header().Get("X-DetailPreload-Bytes"))

	// Both denial telemetry and an access entry are recorded.
	require.Len(t, f.buffers.DrainBlocked(10), 1)
	require.Len(t, f.buffers.DrainAccess(10), 1)

	// The denial span carries the reason.
	spans := f.spans.GetSpans()
	require.Len(t, spans, 1)
	var reason string
	for _, kv := range spans[0].Attributes {
		if kv.Key == "gateway.deny_reason" {
			reason = kv.Value.AsString()
		}
	}
	require.NotEmpty(t, reason)
}

func TestProxyDenialLogCarriesRequestIDAndRedactsTokens(t *testing.T) {
	f := newProxyFixture(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream must not be contacted")
	})
	f.snapshots.Replace(&types.Snapshot{
		Version: 1,
		Policy: types.PolicyConfig{
			BlockList: []types.URIRule{{Pattern: "/emby/Videos", MatchType: types.MatchPrefix}},
		},
	})

	wrapped := observability.RequestIDMiddleware(f.handler)

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/emby/Videos/1/Download?api_key=secretvalue123", nil)
	r.Header.Set(observability.RequestIDHeader, "req-abc123")
	r.RemoteAddr = "203.0.113.5:40000"
	wrapped.ServeHTTP(w, r)

	require.Equal(t, http.StatusForbidden, w.Code)

	out := f.logs.String()
	require.Contains(t, out, "request intercepted")
	require.Contains(t, out, `"request_id":"req-abc123"`)
	require.Contains(t, out, "api_key=[REDACTED]")
	require.NotContains(t, out, "secretvalue123")
}

func TestProxyServesFakeCounts(t *testing.T) {
	f := newProxyFixture(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream must not be contacted")
	})
	f.snapshots.Replace(&types.Snapshot{
		Version: 1,
		Policy:  types.PolicyConfig{FakeCountsEnabled: true},
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/emby/Items/Counts", nil)
	r.RemoteAddr = "203.0.113.5:40000"
	f.handler.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))
	require.Contains(t, w.Body.String(), "888")
}

func TestProxyCapturesLogin(t *testing.T) {
	const loginBody = `{"User": {"Id": "u-1", "Name": "alice"}, "AccessToken": "tok-new", "SessionInfo": {"DeviceId": "dev-1", "Client": "Infuse"}}`
	f := newProxyFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(loginBody))
	})
	f.snapshots.Replace(&types.Snapshot{Version: 1})

	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/emby/Users/AuthenticateByName", nil)
	r.RemoteAddr = "203.0.113.5:40000"
	f.handler.ServeHTTP(w, r)

	// The client sees the untouched body.
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, loginBody, w.Body.String())

	m, err := f.store.TokenMapping(context.Background(), "tok-new")
	require.NoError(t, err)
	require.NotNil(t, m)
	require.Equal(t, "u-1", m.UserID)
	require.Equal(t, "Infuse", m.ClientName)
}

func TestProxyUpstreamErrorReturnsBadGateway(t *testing.T) {
	f := newProxyFixture(t, func(w http.ResponseWriter, r *http.Request) {})
	f.snapshots.Replace(&types.Snapshot{Version: 1})
	f.upstream.Close()

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/emby/Items", nil)
	r.RemoteAddr = "203.0.113.5:40000"
	f.handler.ServeHTTP(w, r)

	require.Equal(t, http.StatusBadGateway, w.Code)
}

func TestThrottleContext(t *testing.T) {
	ctx := context.Background()
	require.Zero(t, ThrottleFromContext(ctx))

	ctx = WithThrottle(ctx, 1<<20)
	require.Equal(t, int64(1<<20), ThrottleFromContext(ctx))

	// Non-positive caps are not stashed.
	require.Zero(t, ThrottleFromContext(WithThrottle(context.Background(), 0)))
}
