// Command relay is the talking objects relay server. It accepts client
// WebSocket connections and bridges each one to its own realtime API
// connection.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/MrWong99/talkingobjects/internal/config"
	"github.com/MrWong99/talkingobjects/internal/health"
	"github.com/MrWong99/talkingobjects/internal/observe"
	"github.com/MrWong99/talkingobjects/internal/relay"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (defaults and environment only when empty)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay: %v\n", err)
		return 1
	}
	if cfg.Upstream.APIKey == "" {
		fmt.Fprintln(os.Stderr, "relay: no upstream credential; set upstream.api_key, TALKINGOBJECTS_UPSTREAM_API_KEY or OPENAI_API_KEY")
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("relay starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"upstream", cfg.Upstream.URL,
		"model", cfg.Upstream.Model,
		"credential", cfg.Upstream.APIKey,
		"max_links", cfg.Relay.MaxLinks,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Relay service ─────────────────────────────────────────────────────────
	svc := relay.New(relay.Config{
		Target:         relay.TargetFromConfig(cfg.Upstream),
		MaxLinks:       cfg.Relay.MaxLinks,
		MaxFrameBytes:  cfg.Relay.MaxFrameBytes,
		WriteTimeout:   cfg.Relay.WriteTimeout,
		OriginPatterns: cfg.Relay.AllowedOrigins,
		Breaker:        cfg.Upstream.Breaker,
	}, relay.WithMetrics(metrics))

	probes := health.New(
		health.Checker{Name: "capacity", Check: svc.CheckCapacity},
		health.Checker{Name: "upstream", Check: svc.CheckUpstream},
	)

	mux := http.NewServeMux()
	mux.Handle(cfg.Relay.Path, observe.Middleware(metrics)(svc))
	mux.Handle("GET /metrics", promhttp.Handler())
	probes.Register(mux)

	// ── Hot reload ────────────────────────────────────────────────────────────
	if *configPath != "" {
		w, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
			applyReload(&level, svc, config.Diff(old, new))
		})
		if err != nil {
			slog.Error("failed to start config watcher", "err", err)
			return 1
		}
		defer w.Stop()
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	slog.Info("relay ready", "addr", cfg.Server.ListenAddr, "path", cfg.Relay.Path, "tls", cfg.Server.TLS != nil)

	exit := 0
	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping…")
	case err := <-serveErr:
		slog.Error("server error", "err", err)
		exit = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	probes.SetDraining(true)

	// Links are hijacked connections, so srv.Shutdown does not wait for them;
	// the relay closes each with going away and waits on its own.
	if err := svc.Shutdown(shutdownCtx); err != nil {
		slog.Warn("relay shutdown incomplete", "active", svc.Active(), "err", err)
		exit = 1
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
		exit = 1
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}

	slog.Info("goodbye")
	return exit
}

// applyReload applies the parts of a config change that take effect on a
// running relay and reports the rest.
func applyReload(level *slog.LevelVar, svc *relay.Service, d config.ConfigDiff) {
	if d.LogLevelChanged {
		level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.UpstreamChanged {
		svc.SetTarget(relay.TargetFromConfig(d.NewUpstream))
	}
	for _, key := range d.RestartRequired {
		slog.Warn("config change requires restart", "key", key)
	}
}
