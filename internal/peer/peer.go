package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/xhr-signaling/pkg/pollclient"
)

// DefaultLabel is the label of the data channel the offering side creates.
const DefaultLabel = "signal"

const (
	outboxSize         = 64
	closeNotifyTimeout = 2 * time.Second
)

var ErrRemoteClosed = errors.New("peer: remote closed the session")

// Config configures a Peer.
type Config struct {
	// API builds the peer connection. Nil uses pion defaults.
	API *webrtc.API

	ICEServers []webrtc.ICEServer

	// Label names the data channel. Defaults to DefaultLabel.
	Label string

	Logger *slog.Logger
}

type role int

const (
	roleUnknown role = iota
	roleOfferer
	roleAnswerer
)

// Peer negotiates a WebRTC data channel with whoever pairs under the same
// key. The participant that completes the pairing makes the offer; the one
// that was waiting answers.
type Peer struct {
	log    *slog.Logger
	label  string
	pc     *webrtc.PeerConnection
	client *pollclient.Client

	ctx        context.Context
	cancel     context.CancelFunc
	outbox     chan signalMessage
	senderDone chan struct{}

	mu        sync.Mutex
	role      role
	remoteSet bool
	pending   []webrtc.ICECandidateInit

	openOnce sync.Once
	openCh   chan struct{}
	dc       *webrtc.DataChannel

	failOnce sync.Once
	failCh   chan struct{}
	err      error

	closeOnce sync.Once
}

// New creates a peer connection and a signaling client on t. Call Start to
// pair.
func New(t pollclient.Transport, cfg Config) (*Peer, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	label := cfg.Label
	if label == "" {
		label = DefaultLabel
	}
	api := cfg.API
	if api == nil {
		api = webrtc.NewAPI()
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Peer{
		log:        logger,
		label:      label,
		pc:         pc,
		ctx:        ctx,
		cancel:     cancel,
		outbox:     make(chan signalMessage, outboxSize),
		senderDone: make(chan struct{}),
		openCh:     make(chan struct{}),
		failCh:     make(chan struct{}),
	}
	p.client = pollclient.New(t, pollclient.Handlers{
		OnWaiting:   p.onWaiting,
		OnConnected: p.onConnected,
		OnMessage:   p.onMessage,
		OnFailure:   p.onFailure,
	}, pollclient.WithLogger(logger))

	pc.OnICECandidate(p.onICECandidate)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != p.label {
			p.log.Warn("ignoring unexpected data channel", "label", dc.Label())
			return
		}
		p.watchOpen(dc)
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.log.Debug("peer connection state", "state", s.String())
		if s == webrtc.PeerConnectionStateFailed {
			p.fail(errors.New("peer: connection failed"))
		}
	})

	go p.runSender()
	return p, nil
}

// Start pairs under key. Negotiation continues in the background; use
// DataChannel to wait for the result.
func (p *Peer) Start(ctx context.Context, key string) error {
	return p.client.Connect(ctx, key)
}

// DataChannel waits until the data channel is open.
func (p *Peer) DataChannel(ctx context.Context) (*webrtc.DataChannel, error) {
	select {
	case <-p.openCh:
		return p.dc, nil
	case <-p.failCh:
		return nil, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed when the session fails or the remote side closes it.
func (p *Peer) Done() <-chan struct{} {
	return p.failCh
}

// Err reports why Done was closed.
func (p *Peer) Err() error {
	select {
	case <-p.failCh:
		return p.err
	default:
		return nil
	}
}

// Offerer reports whether this side made the offer.
func (p *Peer) Offerer() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.role == roleOfferer
}

// Close tells the remote side the session is over, then tears down polling
// and the peer connection.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		if p.client.Status() == pollclient.StatusConnected {
			ctx, cancel := context.WithTimeout(context.Background(), closeNotifyTimeout)
			if _, sendErr := p.client.Send(ctx, signalMessage{Type: messageTypeClose}); sendErr != nil {
				p.log.Debug("close notify failed", "err", sendErr)
			}
			cancel()
		}
		p.cancel()
		<-p.senderDone
		_ = p.client.Close()
		err = p.pc.Close()
	})
	return err
}

func (p *Peer) onWaiting() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.role == roleUnknown {
		p.role = roleAnswerer
	}
}

func (p *Peer) onConnected() {
	p.mu.Lock()
	if p.role != roleUnknown {
		p.mu.Unlock()
		return
	}
	p.role = roleOfferer
	p.mu.Unlock()

	if err := p.offer(); err != nil {
		p.fail(err)
	}
}

func (p *Peer) offer() error {
	dc, err := p.pc.CreateDataChannel(p.label, nil)
	if err != nil {
		return fmt.Errorf("create data channel: %w", err)
	}
	p.watchOpen(dc)

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	desc := sdpFromPion(offer)
	p.enqueue(signalMessage{Type: messageTypeOffer, SDP: &desc})
	return nil
}

func (p *Peer) onMessage(raw json.RawMessage) {
	msg, err := parseSignalMessage(raw)
	if err != nil {
		p.log.Warn("dropping malformed signal message", "err", err)
		return
	}

	switch msg.Type {
	case messageTypeOffer:
		if p.Offerer() {
			p.log.Warn("ignoring offer while offering")
			return
		}
		if err := p.answer(*msg.SDP); err != nil {
			p.fail(err)
		}
	case messageTypeAnswer:
		desc, err := msg.SDP.ToPion()
		if err != nil {
			p.fail(err)
			return
		}
		if err := p.pc.SetRemoteDescription(desc); err != nil {
			p.fail(fmt.Errorf("set remote answer: %w", err))
			return
		}
		p.flushCandidates()
	case messageTypeCandidate:
		init := msg.Candidate.ToPion()
		p.mu.Lock()
		if !p.remoteSet {
			// Candidates can overtake the description they belong to.
			p.pending = append(p.pending, init)
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
		p.addCandidate(init)
	case messageTypeClose:
		p.fail(ErrRemoteClosed)
	}
}

func (p *Peer) answer(offer sdp) error {
	desc, err := offer.ToPion()
	if err != nil {
		return err
	}
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	p.flushCandidates()

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	out := sdpFromPion(answer)
	p.enqueue(signalMessage{Type: messageTypeAnswer, SDP: &out})
	return nil
}

func (p *Peer) flushCandidates() {
	p.mu.Lock()
	p.remoteSet = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, init := range pending {
		p.addCandidate(init)
	}
}

func (p *Peer) addCandidate(init webrtc.ICECandidateInit) {
	if err := p.pc.AddICECandidate(init); err != nil {
		p.log.Warn("add ice candidate failed", "err", err)
	}
}

func (p *Peer) onFailure(err error) {
	// Polls fail until a partner joins.
	if p.client.Status() != pollclient.StatusConnected {
		p.log.Debug("signaling poll failed", "err", err)
		return
	}
	p.log.Warn("signaling failed", "err", err)
}

func (p *Peer) onICECandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	cand := candidateFromPion(c.ToJSON())
	p.enqueue(signalMessage{Type: messageTypeCandidate, Candidate: &cand})
}

func (p *Peer) enqueue(msg signalMessage) {
	select {
	case p.outbox <- msg:
	case <-p.ctx.Done():
	}
}

// runSender relays outgoing messages one at a time so the partner sees them
// in the order they were produced.
func (p *Peer) runSender() {
	defer close(p.senderDone)
	for {
		select {
		case <-p.ctx.Done():
			return
		case msg := <-p.outbox:
			if _, err := p.client.Send(p.ctx, msg); err != nil {
				if p.ctx.Err() != nil {
					return
				}
				p.log.Warn("signal send failed", "type", string(msg.Type), "err", err)
			}
		}
	}
}

func (p *Peer) watchOpen(dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		p.openOnce.Do(func() {
			p.dc = dc
			close(p.openCh)
		})
	})
}

func (p *Peer) fail(err error) {
	p.failOnce.Do(func() {
		p.log.Debug("peer session ended", "err", err)
		p.err = err
		close(p.failCh)
	})
}
