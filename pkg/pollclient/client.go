package pollclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrAlreadyStarted = errors.New("pollclient: connect already called")
	ErrNotConnected   = errors.New("pollclient: not connected")
	ErrClosed         = errors.New("pollclient: client closed")
)

// Handlers receive channel events. Nil handlers are skipped. All handlers run
// on a single dispatcher goroutine in the order the events occurred, so a
// handler may block without stalling the poll loop, and may call Send or Close.
type Handlers struct {
	OnWaiting   func()
	OnConnected func()
	OnMessage   func(msg json.RawMessage)
	OnFailure   func(err error)
}

type Option func(*Client)

// WithLogger sets the logger used for poll diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.log = logger
		}
	}
}

// Client is one end of a signaling channel. It pairs under a key, then polls
// the relay for messages from its partner until closed.
//
// The relay only reports pairing status on the initial pair call. While
// waiting, polls fail because the id has no mailbox yet; the first poll that
// succeeds is taken as the signal that the partner has joined.
type Client struct {
	transport Transport
	handlers  Handlers
	log       *slog.Logger

	// wait sleeps for d or until ctx is done. It reports whether the full
	// delay elapsed.
	wait func(ctx context.Context, d time.Duration) bool

	ctx    context.Context
	cancel context.CancelFunc
	events *dispatcher

	mu       sync.Mutex
	started  bool
	closed   bool
	status   Status
	id       int64
	loopDone chan struct{}

	sends sync.WaitGroup
}

// New returns an idle client. Close must be called to release its goroutines.
func New(t Transport, h Handlers, opts ...Option) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		transport: t,
		handlers:  h,
		log:       slog.Default(),
		wait:      sleepContext,
		ctx:       ctx,
		cancel:    cancel,
		events:    newDispatcher(),
		status:    StatusInit,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Status returns the current pairing state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// ID returns the participant id assigned by the relay, or 0 before pairing.
func (c *Client) ID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Connect pairs under key and starts polling. ctx bounds the pairing request
// only; polling lasts until Close. On failure OnFailure is also invoked, no
// polling starts and Connect may be retried.
func (c *Client) Connect(ctx context.Context, key string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	pairCtx, cancelPair := context.WithCancel(ctx)
	stop := context.AfterFunc(c.ctx, cancelPair)
	res, err := c.transport.Pair(pairCtx, key)
	stop()
	cancelPair()
	if err != nil {
		c.mu.Lock()
		c.started = false
		c.mu.Unlock()
		err = fmt.Errorf("connect: %w", err)
		c.emitFailure(err)
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.id = res.ID
	c.status = res.Status
	c.loopDone = make(chan struct{})
	c.mu.Unlock()

	c.log.Debug("paired", "id", res.ID, "status", res.Status)
	if res.Status == StatusConnected {
		c.post(c.handlers.OnConnected)
	} else {
		c.post(c.handlers.OnWaiting)
	}

	go c.pollLoop(res.ID)
	return nil
}

func (c *Client) pollLoop(id int64) {
	defer close(c.loopDone)

	backoff := NewBackoff()
	var delay time.Duration
	for {
		if delay > 0 && !c.wait(c.ctx, delay) {
			return
		}
		if c.ctx.Err() != nil {
			return
		}

		msgs, err := c.transport.Receive(c.ctx, id)
		if c.ctx.Err() != nil {
			return
		}
		if err != nil {
			c.log.Debug("poll failed", "id", id, "err", err)
			c.emitFailure(fmt.Errorf("receive: %w", err))
			backoff.Increase()
		} else {
			c.markConnected()
			for _, msg := range msgs {
				c.emitMessage(msg)
			}
			if len(msgs) > 0 {
				backoff.Reset()
			} else {
				backoff.Increase()
			}
		}
		delay = backoff.Delay()
	}
}

func (c *Client) markConnected() {
	c.mu.Lock()
	if c.status == StatusConnected {
		c.mu.Unlock()
		return
	}
	c.status = StatusConnected
	c.mu.Unlock()

	c.log.Debug("partner joined", "id", c.ID())
	c.post(c.handlers.OnConnected)
}

// Send relays msg to the partner and returns the relay's confirmation. msg is
// JSON-encoded unless it is already a json.RawMessage.
func (c *Client) Send(ctx context.Context, msg any) (string, error) {
	c.mu.Lock()
	closed, started, id := c.closed, c.started, c.id
	c.mu.Unlock()
	if closed {
		return "", ErrClosed
	}
	if !started || id == 0 {
		return "", ErrNotConnected
	}

	raw, ok := msg.(json.RawMessage)
	if !ok {
		b, err := json.Marshal(msg)
		if err != nil {
			return "", fmt.Errorf("encode message: %w", err)
		}
		raw = b
	}
	confirmation, err := c.transport.Send(ctx, id, raw)
	if err != nil {
		return "", fmt.Errorf("send: %w", err)
	}
	return confirmation, nil
}

// SendAsync sends msg in the background. done, if non-nil, runs on the
// dispatcher goroutine so it is ordered with the other handlers. done is not
// called for a SendAsync issued after Close. A send already in flight when
// Close is called is canceled, and its done may run after Close returns.
func (c *Client) SendAsync(msg any, done func(confirmation string, err error)) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if done != nil {
			c.events.post(func() { done("", ErrClosed) })
		}
		return
	}
	c.sends.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.sends.Done()
		confirmation, err := c.Send(c.ctx, msg)
		if done != nil {
			c.events.post(func() { done(confirmation, err) })
		}
	}()
}

// Close stops polling and cancels in-flight requests. Callbacks that were
// already queued still run. Close is idempotent and may be called from a
// handler.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	loopDone := c.loopDone
	c.mu.Unlock()

	c.cancel()
	if loopDone != nil {
		<-loopDone
	}
	c.sends.Wait()
	c.events.close()
	return nil
}

// Done is closed once Close has been called and every queued callback has run.
func (c *Client) Done() <-chan struct{} {
	return c.events.done
}

func (c *Client) post(fn func()) {
	if fn != nil {
		c.events.post(fn)
	}
}

func (c *Client) emitMessage(msg json.RawMessage) {
	if h := c.handlers.OnMessage; h != nil {
		c.events.post(func() { h(msg) })
	}
}

func (c *Client) emitFailure(err error) {
	if h := c.handlers.OnFailure; h != nil {
		c.events.post(func() { h(err) })
	}
}
