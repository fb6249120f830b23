// Command gateway runs the access-control reverse proxy in front of an
// Emby or Jellyfin media server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/uhdlab/embygate/internal/agent"
	"github.com/uhdlab/embygate/internal/capture"
	"github.com/uhdlab/embygate/internal/config"
	"github.com/uhdlab/embygate/internal/controlplane"
	"github.com/uhdlab/embygate/internal/emby"
	"github.com/uhdlab/embygate/internal/identity"
	"github.com/uhdlab/embygate/internal/observability"
	"github.com/uhdlab/embygate/internal/policy"
	"github.com/uhdlab/embygate/internal/proxy"
	"github.com/uhdlab/embygate/internal/ratelimit"
	"github.com/uhdlab/embygate/internal/recorder"
	"github.com/uhdlab/embygate/internal/store"
	"github.com/uhdlab/embygate/internal/telemetry"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "optional YAML config file overlaying the environment")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "embygate: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	bootstrapLogger := observability.NewLogger(observability.LoggerConfig{
		Level:      observability.ParseLevel(os.Getenv("LOG_LEVEL")),
		Output:     os.Stdout,
		JSONFormat: true,
	}, observability.NewRedactor())

	manager, err := config.NewManager(configPath, bootstrapLogger.Slog())
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	defer manager.Close()

	cfg := manager.Get()
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := observability.NewLogger(observability.LoggerConfig{
		Level:      observability.ParseLevel(cfg.Logging.Level),
		Output:     os.Stdout,
		JSONFormat: cfg.Logging.Format != "text",
	}, observability.NewRedactor())
	slogger := logger.Slog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The provider falls back to the global no-op tracer when tracing is
	// disabled, so the proxy handler can always start spans.
	tp, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRate:  cfg.Tracing.SampleRate,
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		slogger.Warn("tracing init failed, continuing without traces", "error", err)
		tp, _ = observability.InitTracing(ctx, observability.TracingConfig{})
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	st := store.New(store.Config{
		Addr:         cfg.Redis.Addr(),
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		DialTimeout:  cfg.Redis.DialTimeout,
		OpTimeout:    cfg.Redis.OpTimeout,
	})
	defer st.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = st.Ping(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("redis connect %s: %w", cfg.Redis.Addr(), err)
	}
	slogger.Info("connected to redis", "addr", cfg.Redis.Addr(), "db", cfg.Redis.DB)

	upstreamURL, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return fmt.Errorf("parse upstream url %q: %w", cfg.Upstream.BaseURL, err)
	}

	snapshots := config.NewSnapshotHolder()
	buffers := telemetry.NewBuffers()
	resolver := identity.NewResolver(st, slogger)
	limiter := ratelimit.NewLimiter()
	defer limiter.Close()

	engine := policy.NewEngine(snapshots, st, resolver, limiter, buffers, slogger)
	rec := recorder.New(st, buffers, slogger)
	loginCapture := capture.New(st, resolver, slogger)
	handler := proxy.NewHandler(upstreamURL, engine, rec, loginCapture, logger, tp.Tracer())

	cp := controlplane.New(cfg.ControlPlane.BaseURL, cfg.ControlPlane.AppToken, cfg.ControlPlane.Timeout)

	var upstream *emby.Client
	if cfg.Upstream.APIKey != "" {
		upstream = emby.New(cfg.Upstream.BaseURL, cfg.Upstream.APIKey, cfg.Upstream.Timeout)
	}

	// Only one worker per deployment talks to the control plane.
	if cfg.Server.WorkerID == 0 {
		bg := agent.New(&agent.Config{
			ControlPlane: cp,
			Store:        st,
			Snapshots:    snapshots,
			Buffers:      buffers,
			Upstream:     upstream,
			Intervals:    cfg.Agent,
			Logger:       logger.WithFields("component", "agent").Slog(),
		})
		bg.Start()
		defer bg.Stop()
	} else {
		slogger.Info("background agent disabled on this worker", "worker_id", cfg.Server.WorkerID)
	}

	manager.OnChange(func(next *config.Config) {
		slogger.Info("configuration file reloaded", "log_level", next.Logging.Level)
	})
	go func() {
		if err := manager.Watch(ctx); err != nil {
			slogger.Warn("config watch stopped", "error", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, promhttp.Handler())
	}
	mux.Handle("/", observability.RequestIDMiddleware(handler))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slogger.Info("gateway listening", "addr", server.Addr, "upstream", upstreamURL.String())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	slogger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slogger.Error("graceful shutdown failed", "error", err)
	}
	return nil
}
