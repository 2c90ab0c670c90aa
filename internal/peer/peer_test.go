package peer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/xhr-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/xhr-signaling/internal/relay"
	"github.com/wilsonzlin/aero/proxy/xhr-signaling/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/xhr-signaling/pkg/pollclient"
)

func newVNet(t *testing.T, ips ...string) []*vnet.Net {
	t.Helper()
	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() {
		_ = router.Stop()
	})

	nets := make([]*vnet.Net, 0, len(ips))
	for _, ip := range ips {
		n, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
		if err != nil {
			t.Fatalf("new net %s: %v", ip, err)
		}
		if err := router.AddNet(n); err != nil {
			t.Fatalf("add net %s: %v", ip, err)
		}
		nets = append(nets, n)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	return nets
}

func newRelay(t *testing.T) *httptest.Server {
	t.Helper()
	m := metrics.New()
	reg := relay.NewRegistry(relay.Config{}, m, nil)
	srv := httptest.NewServer(signaling.NewServer(signaling.Config{Registry: reg, Metrics: m}).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func newTestPeer(t *testing.T, relayURL string, n *vnet.Net) *Peer {
	t.Helper()
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := APIConfig{LoggerFactory: SlogLoggerFactory{Logger: quiet}}
	if n != nil {
		cfg.Net = n
	}
	api, err := NewAPI(cfg)
	if err != nil {
		t.Fatalf("new api: %v", err)
	}
	tr, err := pollclient.NewHTTPTransport(relayURL, nil)
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	p, err := New(tr, Config{API: api, Logger: quiet})
	if err != nil {
		t.Fatalf("new peer: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestPeers_NegotiateThroughRelay(t *testing.T) {
	nets := newVNet(t, "10.0.0.1", "10.0.0.2")
	srv := newRelay(t)

	a := newTestPeer(t, srv.URL, nets[0])
	b := newTestPeer(t, srv.URL, nets[1])

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.Start(ctx, "room"); err != nil {
		t.Fatalf("A start: %v", err)
	}
	if err := b.Start(ctx, "room"); err != nil {
		t.Fatalf("B start: %v", err)
	}

	dcA, err := a.DataChannel(ctx)
	if err != nil {
		t.Fatalf("A data channel: %v", err)
	}
	dcB, err := b.DataChannel(ctx)
	if err != nil {
		t.Fatalf("B data channel: %v", err)
	}
	if a.Offerer() || !b.Offerer() {
		t.Fatalf("offerer A=%v B=%v, want B only", a.Offerer(), b.Offerer())
	}
	if dcA.Label() != DefaultLabel {
		t.Fatalf("label=%q, want %q", dcA.Label(), DefaultLabel)
	}

	got := make(chan string, 1)
	dcA.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case got <- string(msg.Data):
		default:
		}
	})
	if err := dcB.SendText("ping"); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case m := <-got:
		if m != "ping" {
			t.Fatalf("got %q, want ping", m)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for data channel message")
	}

	if err := b.Close(); err != nil {
		t.Fatalf("B close: %v", err)
	}
	select {
	case <-a.Done():
		if !errors.Is(a.Err(), ErrRemoteClosed) {
			t.Fatalf("A err=%v, want %v", a.Err(), ErrRemoteClosed)
		}
	case <-ctx.Done():
		t.Fatalf("A never saw the remote close")
	}
}

func TestPeer_DataChannelHonoursContext(t *testing.T) {
	srv := newRelay(t)
	p := newTestPeer(t, srv.URL, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := p.Start(ctx, "alone"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := p.DataChannel(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v, want %v", err, context.DeadlineExceeded)
	}
	if p.Offerer() {
		t.Fatalf("lone peer should be waiting to answer")
	}
	if p.Err() != nil {
		t.Fatalf("Err=%v, want nil", p.Err())
	}
}
