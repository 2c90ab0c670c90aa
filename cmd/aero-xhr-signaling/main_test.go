package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/xhr-signaling/internal/config"
	"github.com/wilsonzlin/aero/proxy/xhr-signaling/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/xhr-signaling/internal/metrics"
)

func testConfig() config.Config {
	return config.Config{
		ListenAddr:            "127.0.0.1:0",
		Mode:                  config.ModeDev,
		ShutdownTimeout:       time.Second,
		MaxMailboxMessages:    16,
		MaxMessageBytes:       1024,
		ReapInterval:          time.Millisecond,
		MaxRequestsPerSecond:  1000,
		MaxRateLimitedClients: 16,
	}
}

func newTestApp(t *testing.T, cfg config.Config) (*app, *httptest.Server) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a := newApp(cfg, logger, httpserver.BuildInfo{Commit: "abc123"})
	srv := httptest.NewServer(a.srv.Handler())
	t.Cleanup(srv.Close)
	return a, srv
}

func getBody(t *testing.T, url string) string {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func TestApp_ServesRelayAndMetrics(t *testing.T) {
	_, srv := newTestApp(t, testConfig())

	var first struct {
		ID     int64  `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal([]byte(getBody(t, srv.URL+"/connect?key=abc")), &first); err != nil {
		t.Fatalf("decode connect: %v", err)
	}
	if first.Status != "waiting" || first.ID == 0 {
		t.Fatalf("connect=%+v, want waiting with an id", first)
	}

	body := getBody(t, srv.URL+"/metrics")
	for _, want := range []string{
		`aero_xhr_signaling_events_total{event="` + metrics.PairWaiting + `"} 1`,
		`aero_xhr_signaling_active{kind="pairs_waiting"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}

	if got := getBody(t, srv.URL+"/version"); !strings.Contains(got, "abc123") {
		t.Fatalf("version=%s, want commit abc123", got)
	}
}

func TestApp_PushRouteFollowsConfig(t *testing.T) {
	_, off := newTestApp(t, testConfig())
	resp, err := http.Get(off.URL + "/ws?id=1")
	if err != nil {
		t.Fatalf("GET /ws: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("/ws with push disabled status=%d, want 404", resp.StatusCode)
	}

	cfg := testConfig()
	cfg.WSPush = true
	_, on := newTestApp(t, cfg)
	if got := getBody(t, on.URL+"/ws?id=1"); !strings.Contains(got, "Invalid id 1") {
		t.Fatalf("/ws with push enabled body=%q, want unknown id envelope", got)
	}
}

func TestApp_ReaperExpiresIdlePairs(t *testing.T) {
	cfg := testConfig()
	cfg.PairIdleTimeout = time.Nanosecond
	a, srv := newTestApp(t, cfg)

	getBody(t, srv.URL+"/connect?key=abc")
	if got := a.registry.Stats()["pairs_waiting"]; got != 1 {
		t.Fatalf("pairs_waiting=%d, want 1", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.runReaper(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.Now().Add(5 * time.Second)
	for a.registry.Stats()["pairs_waiting"] != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("idle pairing was never reaped")
		}
		time.Sleep(time.Millisecond)
	}
	if got := a.metrics.Get(metrics.PairExpired); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.PairExpired, got)
	}
}

func TestApp_ReaperDisabledReturns(t *testing.T) {
	a, _ := newTestApp(t, testConfig())
	done := make(chan struct{})
	go func() {
		a.runReaper(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("runReaper did not return with expiry disabled")
	}
}
