package signaling

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/xhr-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/xhr-signaling/internal/relay"
)

const (
	wsWriteWait           = 1 * time.Second
	defaultWSPingInterval = 20 * time.Second
	defaultWSIdleTimeout  = 60 * time.Second

	closeReasonPairingEnded = "pairing ended"
	closeReasonEncodeFailed = "encode failed"
)

// handlePush upgrades to a WebSocket and writes {"msgs":[...]} frames drained
// from the caller's mailbox whenever it becomes non-empty. Delivery is
// at-most-once exactly like /get; the two can be mixed.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r) {
		return
	}
	rawID := r.URL.Query().Get("id")
	id, err := parseID(json.RawMessage(rawID))
	if err != nil {
		writeErr(w, invalidIDText(rawID))
		return
	}
	notify, gone, err := s.registry.Watch(id)
	if err != nil {
		writeErr(w, invalidIDText(id.String()))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.Inc(metrics.PushConnections)
	s.log.Debug("push channel opened", "id", id)

	idle := s.wsIdleTimeout
	if idle <= 0 {
		idle = defaultWSIdleTimeout
	}
	pingEvery := s.wsPingInterval
	if pingEvery <= 0 {
		pingEvery = defaultWSPingInterval
	}

	// Reader: the client never sends data, but reading is required to process
	// pongs and notice the peer going away.
	readDone := make(chan struct{})
	_ = conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(idle))
	})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()

	// Anything queued before the upgrade goes out first.
	if !s.pushBatch(conn, id) {
		return
	}

	for {
		select {
		case <-notify:
			if !s.pushBatch(conn, id) {
				return
			}
		case <-gone:
			writeClose(conn, websocket.CloseNormalClosure, closeReasonPairingEnded)
			return
		case <-readDone:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

// pushBatch drains id's mailbox onto conn. It reports false once the
// connection should be torn down.
func (s *Server) pushBatch(conn *websocket.Conn, id relay.ParticipantID) bool {
	msgs, err := s.registry.Receive(id)
	if errors.Is(err, relay.ErrUnknownParticipant) {
		writeClose(conn, websocket.CloseNormalClosure, closeReasonPairingEnded)
		return false
	}
	if err != nil || len(msgs) == 0 {
		return err == nil
	}
	payload, err := json.Marshal(receiveResponse{Msgs: msgs})
	if err != nil {
		writeClose(conn, websocket.CloseInternalServerErr, closeReasonEncodeFailed)
		return false
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		s.log.Debug("push write failed", "id", id, "err", err)
		return false
	}
	return true
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}
