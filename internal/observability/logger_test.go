package observability

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func newBufferLogger(t *testing.T) (*Logger, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	logger := NewLogger(LoggerConfig{
		Level:      slog.LevelDebug,
		Output:     buf,
		JSONFormat: true,
	}, NewRedactor())
	return logger, buf
}

func TestHandlerRedactsPlainSlogOutput(t *testing.T) {
	logger, buf := newBufferLogger(t)

	// Lines emitted through the plain slog.Logger pass the redactor too,
	// not only the Redacted* helpers.
	logger.Slog().Error("lookup failed",
		"uri", "/emby/Items?api_key=abcdef0123456789abcdef0123456789",
		"error", errors.New(`auth pair Token="abcdef0123456789abcdef0123456789"`),
	)

	out := buf.String()
	require.Contains(t, out, "api_key=[REDACTED]")
	require.Contains(t, out, `Token=\"[REDACTED]\"`)
	require.NotContains(t, out, "abcdef0123456789abcdef0123456789")
}

func TestHandlerRedactsPreboundAttrs(t *testing.T) {
	logger, buf := newBufferLogger(t)

	logger.WithFields("token", "abcdef0123456789abcdef0123456789").Info("session opened")

	out := buf.String()
	require.Contains(t, out, "[REDACTED_TOKEN]")
	require.NotContains(t, out, "abcdef0123456789abcdef0123456789")
}

func TestWithRequestIDAddsField(t *testing.T) {
	logger, buf := newBufferLogger(t)

	ctx := ContextWithRequestID(context.Background(), "req-42")
	logger.WithRequestID(ctx).Info("hello")
	require.Contains(t, buf.String(), `"request_id":"req-42"`)

	// No request ID in context leaves the logger unchanged.
	buf.Reset()
	logger.WithRequestID(context.Background()).Info("hello")
	require.NotContains(t, buf.String(), "request_id")
}

func TestRedactedHelpers(t *testing.T) {
	logger, buf := newBufferLogger(t)

	logger.RedactedInfo("upstream said App deadbeef.token-1", "detail", "api_key=hunter2")
	logger.RedactedWarn("warn", "error", errors.New("api_key=hunter2 rejected"))
	logger.RedactedError("error with api_key=hunter2")

	out := buf.String()
	require.Contains(t, out, "App [REDACTED]")
	require.Contains(t, out, "api_key=[REDACTED]")
	require.NotContains(t, out, "hunter2")
}
