package proxy

import (
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/uhdlab/embygate/internal/capture"
	"github.com/uhdlab/embygate/internal/observability"
	"github.com/uhdlab/embygate/internal/policy"
	"github.com/uhdlab/embygate/internal/recorder"
)

// Handler runs the access pipeline and forwards admitted requests to the
// upstream media server. Every request gets a span and a request-scoped
// logger carrying the request ID from context.
type Handler struct {
	engine   *policy.Engine
	recorder *recorder.Recorder
	capture  *capture.Capture
	reverse  *httputil.ReverseProxy
	logger   *observability.Logger
	tracer   trace.Tracer

	now func() time.Time
}

// NewHandler builds the proxy handler for one upstream.
func NewHandler(upstream *url.URL, engine *policy.Engine, rec *recorder.Recorder, cap *capture.Capture, logger *observability.Logger, tracer trace.Tracer) *Handler {
	h := &Handler{
		engine:   engine,
		recorder: rec,
		capture:  cap,
		logger:   logger,
		tracer:   tracer,
		now:      time.Now,
	}

	reverse := httputil.NewSingleHostReverseProxy(upstream)
	// Media segments must reach the player as they arrive.
	reverse.FlushInterval = -1
	reverse.ModifyResponse = h.modifyResponse
	reverse.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.WithRequestID(r.Context()).RedactedError("upstream proxy error", "uri", r.URL.Path, "error", err)
		w.WriteHeader(http.StatusBadGateway)
	}
	h.reverse = reverse
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	started := h.now()

	ctx, span := h.tracer.Start(r.Context(), "gateway.request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.request.method", r.Method),
			attribute.String("url.path", r.URL.Path),
		),
	)
	defer span.End()
	r = r.WithContext(ctx)

	decision := h.engine.Evaluate(ctx, r)
	fp := decision.Fingerprint

	ctx = withFingerprint(ctx, fp)
	ctx = WithThrottle(ctx, decision.ThrottleBPS)
	r = r.WithContext(ctx)

	if decision.Outcome != policy.OutcomeAllow {
		span.SetAttributes(
			attribute.Int("http.response.status_code", decision.Status),
			attribute.String("gateway.deny_reason", decision.Reason),
		)
		h.logger.WithRequestID(ctx).RedactedInfo("request intercepted",
			"uri", r.URL.RequestURI(),
			"reason", decision.Reason,
			"status", decision.Status,
		)
		decision.Write(w)
		h.recorder.Record(ctx, &recorder.Entry{
			Fingerprint: fp,
			Status:      decision.Status,
			BytesSent:   int64(len(decision.Message) + len(decision.JSONBody)),
			RequestTime: h.now().Sub(started),
		})
		return
	}

	cw := &countingWriter{ResponseWriter: w, started: started, now: h.now}
	h.reverse.ServeHTTP(cw, r)

	span.SetAttributes(attribute.Int("http.response.status_code", cw.status()))

	h.recorder.Record(ctx, &recorder.Entry{
		Fingerprint:  fp,
		Status:       cw.status(),
		BytesSent:    cw.bytes,
		RequestTime:  h.now().Sub(started),
		UpstreamTime: cw.upstreamTime(started),
	})
}

// modifyResponse attaches the login capture. The response bytes are passed
// through untouched either way.
func (h *Handler) modifyResponse(resp *http.Response) error {
	r := resp.Request
	if r == nil || !capture.IsLoginRequest(r) {
		return nil
	}

	fp := FingerprintFromContext(r.Context())
	if fp == nil {
		return nil
	}
	h.capture.Attach(resp, fp)
	return nil
}

// countingWriter tracks status, body bytes and time-to-first-header for
// the log phase.
type countingWriter struct {
	http.ResponseWriter
	statusCode  int
	bytes       int64
	started     time.Time
	headerAt    time.Time
	now         func() time.Time
	wroteHeader bool
}

func (c *countingWriter) WriteHeader(code int) {
	if !c.wroteHeader {
		c.statusCode = code
		c.headerAt = c.now()
		c.wroteHeader = true
	}
	c.ResponseWriter.WriteHeader(code)
}

func (c *countingWriter) Write(p []byte) (int, error) {
	if !c.wroteHeader {
		c.WriteHeader(http.StatusOK)
	}
	n, err := c.ResponseWriter.Write(p)
	c.bytes += int64(n)
	return n, err
}

func (c *countingWriter) Flush() {
	if f, ok := c.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap supports http.ResponseController.
func (c *countingWriter) Unwrap() http.ResponseWriter {
	return c.ResponseWriter
}

func (c *countingWriter) status() int {
	if !c.wroteHeader {
		return http.StatusOK
	}
	return c.statusCode
}

func (c *countingWriter) upstreamTime(started time.Time) time.Duration {
	if c.headerAt.IsZero() {
		return 0
	}
	return c.headerAt.Sub(started)
}
