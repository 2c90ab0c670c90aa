// Command xhr-relay-server is a harness for browser end-to-end tests. It
// starts the signaling relay on an ephemeral port with a permissive origin
// policy and prints "READY <port>" once it is accepting connections.
//
// When ECHO_KEY is set, a Go peer pairs under that key and echoes every data
// channel message back, so a single browser can exercise the full
// offer/answer flow against the relay.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/xhr-signaling/internal/config"
	"github.com/wilsonzlin/aero/proxy/xhr-signaling/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/xhr-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/xhr-signaling/internal/peer"
	"github.com/wilsonzlin/aero/proxy/xhr-signaling/internal/relay"
	"github.com/wilsonzlin/aero/proxy/xhr-signaling/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/xhr-signaling/pkg/pollclient"
)

func main() {
	bindHost := envOrDefault("BIND_HOST", "127.0.0.1")
	port := envIntOrDefault("PORT", 0)

	listenAddr := net.JoinHostPort(bindHost, strconv.Itoa(port))
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen %s: %v\n", listenAddr, err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cfg := config.Config{
		ListenAddr:     ln.Addr().String(),
		AllowedOrigins: []string{"*"},
		Mode:           config.ModeDev,
		StaticDir:      os.Getenv("STATIC_DIR"),
		WSPush:         true,
	}
	m := metrics.New()
	reg := relay.NewRegistry(relay.Config{MaxMailboxMessages: 1024}, m, logger)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{})
	signaling.NewServer(signaling.Config{
		Registry:    reg,
		Metrics:     m,
		Logger:      logger,
		WSPush:      true,
		CheckOrigin: srv.CheckWebSocketOrigin,
	}).RegisterRoutes(srv.Mux())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	actualPort := ln.Addr().(*net.TCPAddr).Port
	if key := os.Getenv("ECHO_KEY"); key != "" {
		go runEchoPeer(ctx, logger, fmt.Sprintf("http://127.0.0.1:%d", actualPort), key)
	}

	fmt.Printf("READY %d\n", actualPort)

	select {
	case <-ctx.Done():
		_ = srv.Shutdown(context.Background())
		<-errCh
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "http server error: %v\n", err)
			os.Exit(1)
		}
	}
}

// runEchoPeer pairs under key and reflects data channel messages until ctx is
// done or the remote side goes away.
func runEchoPeer(ctx context.Context, logger *slog.Logger, baseURL, key string) {
	tr, err := pollclient.NewHTTPTransport(baseURL, &http.Client{Timeout: 10 * time.Second})
	if err != nil {
		logger.Error("echo peer transport", "err", err)
		return
	}
	p, err := peer.New(tr, peer.Config{Logger: logger})
	if err != nil {
		logger.Error("echo peer", "err", err)
		return
	}
	defer p.Close()

	if err := p.Start(ctx, key); err != nil {
		logger.Error("echo peer pairing", "err", err)
		return
	}
	dc, err := p.DataChannel(ctx)
	if err != nil {
		logger.Error("echo peer data channel", "err", err)
		return
	}
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if msg.IsString {
			_ = dc.SendText(string(msg.Data))
			return
		}
		_ = dc.Send(msg.Data)
	})

	select {
	case <-ctx.Done():
	case <-p.Done():
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return fallback
}
