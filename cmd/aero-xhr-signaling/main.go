package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/wilsonzlin/aero/proxy/xhr-signaling/internal/config"
	"github.com/wilsonzlin/aero/proxy/xhr-signaling/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/xhr-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/xhr-signaling/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/xhr-signaling/internal/relay"
	"github.com/wilsonzlin/aero/proxy/xhr-signaling/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting aero-xhr-signaling",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"static_dir", cfg.StaticDir,
		"max_pairs", cfg.MaxPairs,
		"max_mailbox_messages", cfg.MaxMailboxMessages,
		"max_message_bytes", cfg.MaxMessageBytes,
		"pair_idle_timeout", cfg.PairIdleTimeout,
		"max_requests_per_second", cfg.MaxRequestsPerSecond,
		"ws_push", cfg.WSPush,
	)

	logStartupWarnings(logger, cfg)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	a := newApp(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reapDone := make(chan struct{})
	go func() {
		defer close(reapDone)
		a.runReaper(ctx)
	}()

	select {
	case err := <-errCh:
		stop()
		<-reapDone
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}
	<-reapDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := a.srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

// app holds the wired-up service so that it can be exercised without a
// listener.
type app struct {
	cfg      config.Config
	log      *slog.Logger
	metrics  *metrics.Metrics
	registry *relay.Registry
	srv      *httpserver.Server
}

func newApp(cfg config.Config, logger *slog.Logger, build httpserver.BuildInfo) *app {
	m := metrics.New()
	reg := relay.NewRegistry(relay.Config{
		MaxPairs:           cfg.MaxPairs,
		MaxMailboxMessages: cfg.MaxMailboxMessages,
		PairIdleTimeout:    cfg.PairIdleTimeout,
	}, m, logger)

	limiter := ratelimit.NewClientLimiter(ratelimit.RealClock{},
		int64(cfg.MaxRequestsPerSecond),
		int64(cfg.RequestBurst),
		cfg.MaxRateLimitedClients,
		func() { m.Inc(metrics.RateLimiterEvicted) },
	)

	srv := httpserver.New(cfg, logger, build)
	sig := signaling.NewServer(signaling.Config{
		Registry:        reg,
		Limiter:         limiter,
		Metrics:         m,
		Logger:          logger,
		MaxMessageBytes: cfg.MaxMessageBytes,
		WSPush:          cfg.WSPush,
		WSPingInterval:  cfg.WSPingInterval,
		WSIdleTimeout:   cfg.WSIdleTimeout,
		CheckOrigin:     srv.CheckWebSocketOrigin,
	})
	sig.RegisterRoutes(srv.Mux())

	// Expose internal counters in Prometheus' text format.
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m, reg.Stats))

	return &app{
		cfg:      cfg,
		log:      logger,
		metrics:  m,
		registry: reg,
		srv:      srv,
	}
}

// runReaper expires idle pairings until ctx is done. It returns immediately
// when idle expiry is disabled.
func (a *app) runReaper(ctx context.Context) {
	if a.cfg.PairIdleTimeout <= 0 || a.cfg.ReapInterval <= 0 {
		return
	}
	ticker := time.NewTicker(a.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := a.registry.Reap(now); n > 0 {
				a.log.Debug("expired idle pairings", "count", n)
			}
		}
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
