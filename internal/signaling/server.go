package signaling

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/xhr-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/xhr-signaling/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/xhr-signaling/internal/relay"
)

const defaultMaxMessageBytes = 64 * 1024

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	Registry *relay.Registry

	// Limiter throttles requests per client IP. Nil disables throttling.
	Limiter *ratelimit.ClientLimiter

	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// MaxMessageBytes bounds request bodies on /send and /get.
	MaxMessageBytes int64

	// WSPush enables GET /ws?id=N, which streams mailbox batches instead of
	// requiring the client to poll /get.
	WSPush         bool
	WSPingInterval time.Duration
	WSIdleTimeout  time.Duration

	// CheckOrigin is consulted on WebSocket upgrades. Nil accepts any origin;
	// the HTTP middleware in front of this server already enforces the policy.
	CheckOrigin func(r *http.Request) bool
}

// Server implements the XHR signaling surface.
//
// Endpoints:
//   - GET  /connect?key=K : pair under key K
//   - POST /send          : {"id":n,"message":...} queued for the partner of n
//   - POST /get           : {"id":n} drains the mailbox of n
//   - GET  /ws?id=N       : optional push channel for the mailbox of N
type Server struct {
	registry *relay.Registry
	limiter  *ratelimit.ClientLimiter
	metrics  *metrics.Metrics
	log      *slog.Logger

	maxMessageBytes int64

	wsPush         bool
	wsPingInterval time.Duration
	wsIdleTimeout  time.Duration
	upgrader       websocket.Upgrader
}

func NewServer(cfg Config) *Server {
	m := cfg.Metrics
	if m == nil {
		m = &metrics.Metrics{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reg := cfg.Registry
	if reg == nil {
		reg = relay.NewRegistry(relay.Config{}, m, logger)
	}
	maxBytes := cfg.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxMessageBytes
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Server{
		registry:        reg,
		limiter:         cfg.Limiter,
		metrics:         m,
		log:             logger,
		maxMessageBytes: maxBytes,
		wsPush:          cfg.WSPush,
		wsPingInterval:  cfg.WSPingInterval,
		wsIdleTimeout:   cfg.WSIdleTimeout,
		upgrader: websocket.Upgrader{
			CheckOrigin: checkOrigin,
		},
	}
}

// RegisterRoutes installs the endpoints on mux. Routes match on path only: the
// historical clients are not consistent about GET versus POST.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/connect", s.handleConnect)
	mux.HandleFunc("/send", s.handleSend)
	mux.HandleFunc("/get", s.handleGet)
	if s.wsPush {
		mux.HandleFunc("/ws", s.handlePush)
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r) {
		return
	}

	res, err := s.registry.Pair(r.URL.Query().Get("key"))
	switch {
	case err == nil:
		writeJSON(w, pairResponse{ID: res.ID, Status: res.Status})
	case errors.Is(err, relay.ErrKey):
		writeErr(w, errTextNoKey)
	default:
		if text, ok := limitText(err); ok {
			writeErr(w, text)
			return
		}
		s.log.Error("pairing failed", "err", err)
		writeErr(w, errTextInternal)
	}
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r) {
		return
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	var req sendRequest
	if err := decodeBody(body, &req); err != nil {
		s.metrics.Inc(metrics.MalformedPayload)
		writeErr(w, errTextNoJSON)
		return
	}
	if req.Message == nil {
		s.metrics.Inc(metrics.MalformedPayload)
		writeErr(w, errTextNoMessage)
		return
	}
	if req.ID == nil {
		s.metrics.Inc(metrics.MalformedPayload)
		writeErr(w, errTextNoIDOnSend)
		return
	}
	id, err := parseID(req.ID)
	if err != nil {
		s.metrics.Inc(metrics.UnknownParticipant)
		writeErr(w, invalidIDText(displayID(req.ID)))
		return
	}

	partner, err := s.registry.Send(id, req.Message)
	switch {
	case err == nil:
		s.log.Debug("message queued", "id", id, "partner", partner, "bytes", len(req.Message))
		writeJSON(w, queuedText(partner))
	case errors.Is(err, relay.ErrUnknownParticipant):
		writeErr(w, invalidIDText(id.String()))
	case errors.Is(err, relay.ErrUnreachablePartner):
		writeErr(w, unreachableText(id.String()))
	default:
		if text, ok := limitText(err); ok {
			writeErr(w, text)
			return
		}
		s.log.Error("send failed", "id", id, "err", err)
		writeErr(w, errTextInternal)
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r) {
		return
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	var req receiveRequest
	if err := decodeBody(body, &req); err != nil {
		s.metrics.Inc(metrics.MalformedPayload)
		writeErr(w, errTextNoJSON)
		return
	}
	if req.ID == nil {
		s.metrics.Inc(metrics.MalformedPayload)
		writeErr(w, errTextNoIDOnGet)
		return
	}
	id, err := parseID(req.ID)
	if err != nil {
		s.metrics.Inc(metrics.UnknownParticipant)
		writeErr(w, invalidIDText(displayID(req.ID)))
		return
	}

	msgs, err := s.registry.Receive(id)
	if err != nil {
		writeErr(w, invalidIDText(id.String()))
		return
	}
	writeJSON(w, receiveResponse{Msgs: msgs})
}

func (s *Server) allow(w http.ResponseWriter, r *http.Request) bool {
	if s.limiter.Allow(clientIP(r)) {
		return true
	}
	s.metrics.Inc(metrics.DropReasonRateLimited)
	text, _ := limitText(relay.ErrRateLimited)
	writeErr(w, text)
	return false
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxMessageBytes))
	if err == nil {
		return body, true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		s.metrics.Inc(metrics.DropReasonTooLarge)
		writeErr(w, errTextTooLarge)
		return nil, false
	}
	s.metrics.Inc(metrics.MalformedPayload)
	writeErr(w, errTextNoJSON)
	return nil, false
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
