package pollclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/xhr-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/xhr-signaling/internal/relay"
	"github.com/wilsonzlin/aero/proxy/xhr-signaling/internal/signaling"
)

func newRelayServer(t *testing.T) *httptest.Server {
	t.Helper()
	m := metrics.New()
	reg := relay.NewRegistry(relay.Config{}, m, nil)
	srv := httptest.NewServer(signaling.NewServer(signaling.Config{Registry: reg, Metrics: m}).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func newTransport(t *testing.T, baseURL string) *HTTPTransport {
	t.Helper()
	tr, err := NewHTTPTransport(baseURL, nil)
	if err != nil {
		t.Fatalf("NewHTTPTransport: %v", err)
	}
	return tr
}

func TestNewHTTPTransportRejectsBadURLs(t *testing.T) {
	for _, u := range []string{"", "ftp://example.com", "http://", "://bad"} {
		if _, err := NewHTTPTransport(u, nil); err == nil {
			t.Fatalf("NewHTTPTransport(%q) succeeded, want error", u)
		}
	}
}

func TestHTTPTransport_AgainstRelay(t *testing.T) {
	srv := newRelayServer(t)
	tr := newTransport(t, srv.URL+"/")
	ctx := context.Background()

	a, err := tr.Pair(ctx, "a b&c")
	if err != nil {
		t.Fatalf("Pair A: %v", err)
	}
	if a.Status != StatusWaiting {
		t.Fatalf("A status=%q, want %q", a.Status, StatusWaiting)
	}

	_, err = tr.Receive(ctx, a.ID)
	var relayErr *RelayError
	if !errors.As(err, &relayErr) {
		t.Fatalf("Receive while waiting err=%v, want *RelayError", err)
	}

	b, err := tr.Pair(ctx, "a b&c")
	if err != nil {
		t.Fatalf("Pair B: %v", err)
	}
	if b.Status != StatusConnected || b.ID == a.ID {
		t.Fatalf("B=%+v, want connected with a new id", b)
	}

	if _, err := tr.Send(ctx, b.ID, json.RawMessage(`{"sdp":"v=0"}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := tr.Send(ctx, b.ID, json.RawMessage(`"second"`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msgs, err := tr.Receive(ctx, a.ID)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(msgs) != 2 || string(msgs[0]) != `{"sdp":"v=0"}` || string(msgs[1]) != `"second"` {
		t.Fatalf("msgs=%s", msgs)
	}
	msgs, err = tr.Receive(ctx, a.ID)
	if err != nil {
		t.Fatalf("second Receive: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("second Receive msgs=%s, want empty", msgs)
	}

	if _, err := tr.Pair(ctx, ""); !errors.As(err, &relayErr) || relayErr.Message != "No recognizable query key" {
		t.Fatalf("Pair empty key err=%v", err)
	}
}

func TestHTTPTransport_ResponseHandling(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr func(error) bool
	}{
		{
			name:   "http status",
			status: http.StatusNotFound,
			body:   "404 Page Not Found",
			wantErr: func(err error) bool {
				var se *HTTPStatusError
				return errors.As(err, &se) && se.Code == http.StatusNotFound
			},
		},
		{
			name:   "relay error",
			status: http.StatusOK,
			body:   `{"err":"Invalid id 9999"}`,
			wantErr: func(err error) bool {
				var re *RelayError
				return errors.As(err, &re) && re.Message == "Invalid id 9999"
			},
		},
		{
			name:    "missing msgs",
			status:  http.StatusOK,
			body:    `{}`,
			wantErr: func(err error) bool { return err != nil },
		},
		{
			name:    "garbage",
			status:  http.StatusOK,
			body:    `not json`,
			wantErr: func(err error) bool { return err != nil },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			_, err := newTransport(t, srv.URL).Receive(context.Background(), 9999)
			if !tt.wantErr(err) {
				t.Fatalf("Receive err=%v", err)
			}
		})
	}
}

func TestHTTPTransport_PairRejectsUnknownStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"id":1,"status":"bogus"}`)
	}))
	defer srv.Close()

	if _, err := newTransport(t, srv.URL).Pair(context.Background(), "k"); err == nil {
		t.Fatalf("Pair succeeded, want error")
	}
}

// Two clients pair through a real relay and exchange messages in both
// directions.
func TestClient_EndToEndThroughRelay(t *testing.T) {
	srv := newRelayServer(t)

	aEvents := newEventLog()
	a := New(newTransport(t, srv.URL), Handlers{
		OnWaiting:   aEvents.handlers().OnWaiting,
		OnConnected: aEvents.handlers().OnConnected,
		OnMessage:   aEvents.handlers().OnMessage,
	})
	defer a.Close()
	if err := a.Connect(context.Background(), "room"); err != nil {
		t.Fatalf("A Connect: %v", err)
	}
	aEvents.expect(t, "waiting")

	bEvents := newEventLog()
	b := New(newTransport(t, srv.URL), bEvents.handlers())
	defer b.Close()
	if err := b.Connect(context.Background(), "room"); err != nil {
		t.Fatalf("B Connect: %v", err)
	}
	bEvents.expect(t, "connected")

	if _, err := b.Send(context.Background(), "offer"); err != nil {
		t.Fatalf("B Send: %v", err)
	}
	aEvents.expect(t, "connected", `msg "offer"`)

	if _, err := a.Send(context.Background(), "answer"); err != nil {
		t.Fatalf("A Send: %v", err)
	}
	bEvents.expect(t, `msg "answer"`)

	deadline := time.Now().Add(time.Second)
	for a.Status() != StatusConnected && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := a.Status(); got != StatusConnected {
		t.Fatalf("A Status=%q, want %q", got, StatusConnected)
	}
}
