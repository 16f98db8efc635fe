package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/okonek/lobbyd/pkg/protocol"
)

// ClientConfig holds configuration for a signaling Client.
type ClientConfig struct {
	// ServerURL is the WebSocket URL of the signaling server
	// (e.g. "ws://localhost:8080/socket/websocket").
	ServerURL string

	// Lobby is the lobby name to join. Empty means the server generates a
	// fresh name; the resolved name is available via LobbyName after
	// Connect.
	Lobby string

	// Logger is the structured logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger

	// EventBufferSize is the capacity of the inbound event channel.
	// Defaults to 64 if zero.
	EventBufferSize int

	// DialTimeout bounds the duration of each WebSocket dial attempt.
	// Defaults to 10s if zero.
	DialTimeout time.Duration

	// Reconnect controls automatic reconnection behavior. On reconnect
	// the client rejoins the resolved lobby under a fresh user id.
	Reconnect ReconnectConfig
}

// ReconnectConfig controls the reconnection backoff strategy.
type ReconnectConfig struct {
	// Enabled controls whether automatic reconnection is attempted.
	Enabled bool

	// InitialDelay is the delay before the first reconnection attempt.
	// Defaults to 1s.
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between reconnection attempts.
	// Defaults to 30s.
	MaxDelay time.Duration

	// MaxAttempts is the maximum number of reconnection attempts.
	// Zero means unlimited.
	MaxAttempts int
}

// Event is a server push delivered on the Events channel: the domain
// event name and its message. A phx_close event carries a zero Message
// and means the lobby was destroyed.
type Event struct {
	Name string
	Msg  protocol.Message
}

// RequestError is returned when the server answers a request with an
// error status.
type RequestError struct {
	Reason protocol.Reason
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("server rejected request: %s", e.Reason)
}

// Client connects to a lobbyd server, joins a lobby, and delivers server
// pushes on a channel. It supports automatic reconnection with
// exponential backoff.
type Client struct {
	cfg        ClientConfig
	log        *slog.Logger
	events     chan Event
	done       chan struct{}
	finishOnce sync.Once
	ref        atomic.Uint64

	mu        sync.Mutex
	cancel    context.CancelFunc
	receiving bool // receiveLoop started; it owns closing events/done
	conn      *websocket.Conn
	userID    uint32
	lobbyName string
	pending   map[uint64]chan protocol.Reply

	wmu sync.Mutex // serializes writes to conn
}

// NewClient creates a new signaling client with the given configuration.
// Call Connect to establish the connection and join the lobby.
func NewClient(cfg ClientConfig) *Client {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	bufSize := cfg.EventBufferSize
	if bufSize <= 0 {
		bufSize = 64
	}

	return &Client{
		cfg:     cfg,
		log:     log,
		events:  make(chan Event, bufSize),
		done:    make(chan struct{}),
		pending: make(map[uint64]chan protocol.Reply),
	}
}

// Events returns a read-only channel that delivers server pushes. The
// channel is closed when the client is closed or reconnection is
// exhausted.
func (c *Client) Events() <-chan Event {
	return c.events
}

// UserID returns the user id assigned by the server for the current
// connection. It changes after a reconnect.
func (c *Client) UserID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// LobbyName returns the resolved lobby name.
func (c *Client) LobbyName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lobbyName
}

// Connect dials the server, performs the channel handshake, joins the
// lobby, and starts the receive loop. It blocks until the join reply is
// in hand, so UserID and LobbyName are valid once it returns.
func (c *Client) Connect(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	if err := c.dial(ctx); err != nil {
		cancel()
		return fmt.Errorf("connecting to signaling server: %w", err)
	}

	c.mu.Lock()
	c.receiving = true
	c.mu.Unlock()
	go c.receiveLoop(ctx)

	if err := c.join(ctx, c.cfg.Lobby); err != nil {
		cancel()
		c.closeConn()
		return fmt.Errorf("joining lobby: %w", err)
	}

	c.log.Info("joined lobby", "lobby", c.LobbyName(), "user_id", c.UserID())
	return nil
}

// Offer relays an SDP offer to the peer with the given user id.
func (c *Client) Offer(ctx context.Context, to uint32, sdp string) error {
	return c.relay(ctx, protocol.EventOffer, to, sdp)
}

// Answer relays an SDP answer to the peer with the given user id.
func (c *Client) Answer(ctx context.Context, to uint32, sdp string) error {
	return c.relay(ctx, protocol.EventAnswer, to, sdp)
}

// Candidate relays a trickle ICE candidate to the peer with the given
// user id.
func (c *Client) Candidate(ctx context.Context, to uint32, candidate string) error {
	return c.relay(ctx, protocol.EventCandidate, to, candidate)
}

// Seal seals the lobby. Only the lobby owner's call succeeds.
func (c *Client) Seal(ctx context.Context) error {
	topic := protocol.LobbyTopic(c.LobbyName())
	reply, err := c.request(ctx, topic, protocol.EventSeal, struct{}{})
	if err != nil {
		return err
	}
	if reply.Status != protocol.StatusOK {
		return replyError(reply)
	}
	return nil
}

// Close gracefully shuts down the client, closing the WebSocket
// connection and the event channel. It is safe to call after a failed
// Connect, or without a Connect at all.
func (c *Client) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	receiving := c.receiving
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.closeConn()

	// Wait for the receive loop to finish. If it never started there is
	// nothing to wait for; close the channels ourselves.
	if !receiving {
		c.finish()
	}
	<-c.done
	return nil
}

// finish closes the event and done channels exactly once, whether the
// receive loop ran or the client never got that far.
func (c *Client) finish() {
	c.finishOnce.Do(func() {
		close(c.events)
		close(c.done)
	})
}

// dial establishes a WebSocket connection to the signaling server.
func (c *Client) dial(ctx context.Context) error {
	dialTimeout := c.cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	dialCtx, dialCancel := context.WithTimeout(ctx, dialTimeout)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, c.cfg.ServerURL, nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	return nil
}

// join performs the phx_join handshake and the lobby join, recording the
// assigned user id and the resolved lobby name.
func (c *Client) join(ctx context.Context, name string) error {
	topic := protocol.LobbyTopic(name)

	reply, err := c.request(ctx, topic, protocol.EventPhxJoin, struct{}{})
	if err != nil {
		return fmt.Errorf("channel handshake: %w", err)
	}
	if reply.Status != protocol.StatusOK {
		return fmt.Errorf("channel handshake: %w", replyError(reply))
	}

	reply, err = c.request(ctx, topic, protocol.EventJoin, struct {
		Data string `json:"data"`
	}{Data: name})
	if err != nil {
		return err
	}
	if reply.Status != protocol.StatusOK {
		return replyError(reply)
	}

	msg, err := protocol.DecodeMessage(reply.Response)
	if err != nil {
		return fmt.Errorf("decoding join reply: %w", err)
	}

	c.mu.Lock()
	c.userID = msg.ID
	c.lobbyName = msg.Data
	c.mu.Unlock()

	return nil
}

// relay sends an offer/answer/candidate frame. Relays have no reply; a
// nil return only means the frame was written.
func (c *Client) relay(ctx context.Context, event string, to uint32, data string) error {
	name := c.LobbyName()
	if name == "" {
		return errors.New("not in a lobby")
	}
	return c.writeFrame(ctx, protocol.Envelope{
		Topic: protocol.LobbyTopic(name),
		Event: event,
		Payload: mustJSON(struct {
			ID   uint32 `json:"id"`
			Data string `json:"data"`
		}{ID: to, Data: data}),
	})
}

// request writes a ref-carrying frame and waits for its phx_reply.
func (c *Client) request(ctx context.Context, topic, event string, payload any) (protocol.Reply, error) {
	ref := c.ref.Add(1)
	ch := make(chan protocol.Reply, 1)

	c.mu.Lock()
	c.pending[ref] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, ref)
		c.mu.Unlock()
	}()

	env := protocol.Envelope{Topic: topic, Event: event, Payload: mustJSON(payload), Ref: &ref}
	if err := c.writeFrame(ctx, env); err != nil {
		return protocol.Reply{}, err
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return protocol.Reply{}, errors.New("connection lost awaiting reply")
		}
		return reply, nil
	case <-ctx.Done():
		return protocol.Reply{}, ctx.Err()
	}
}

func (c *Client) writeFrame(ctx context.Context, env protocol.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return errors.New("not connected")
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := wsjson.Write(ctx, conn, env); err != nil {
		return fmt.Errorf("writing %s frame: %w", env.Event, err)
	}
	return nil
}

// closeConn closes the current WebSocket connection, if any, and fails
// all pending requests.
func (c *Client) closeConn() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	for ref, ch := range c.pending {
		close(ch)
		delete(c.pending, ref)
	}
	c.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "closing")
	}
}

// receiveLoop reads frames and dispatches them: replies to their waiting
// requests, pushes to the event channel. If reconnection is enabled, it
// reconnects on connection loss. It closes the event channel and the done
// channel when finished.
func (c *Client) receiveLoop(ctx context.Context) {
	defer c.finish()

	for {
		err := c.readFrames(ctx)
		if err == nil || ctx.Err() != nil {
			c.closeConn()
			return
		}

		c.log.Warn("connection lost", "error", err)
		c.closeConn()

		if !c.cfg.Reconnect.Enabled {
			return
		}

		if !c.reconnect(ctx) {
			return
		}
	}
}

// readFrames reads frames from the current connection until an error
// occurs or the context is cancelled. Returns nil only on clean close.
func (c *Client) readFrames(ctx context.Context) error {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			return errors.New("no connection")
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		env, err := protocol.ParseEnvelope(data)
		if err != nil {
			c.log.Warn("ignoring malformed frame", "error", err)
			continue
		}

		switch env.Event {
		case protocol.EventPhxReply:
			c.dispatchReply(env)
		case protocol.EventPhxClose:
			select {
			case c.events <- Event{Name: protocol.EventPhxClose}:
			case <-ctx.Done():
				return ctx.Err()
			}
		default:
			msg, err := protocol.DecodeMessage(env.Payload)
			if err != nil {
				c.log.Warn("ignoring malformed push", "event", env.Event, "error", err)
				continue
			}
			select {
			case c.events <- Event{Name: env.Event, Msg: msg}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (c *Client) dispatchReply(env protocol.Envelope) {
	reply, err := protocol.DecodeReply(env.Payload)
	if err != nil {
		c.log.Warn("ignoring malformed reply", "error", err)
		return
	}
	if env.Ref == nil {
		c.log.Warn("ignoring reply without ref")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.pending[*env.Ref]; ok {
		delete(c.pending, *env.Ref)
		// The channel is buffered for exactly one reply.
		select {
		case ch <- reply:
		default:
		}
	}
}

// reconnect attempts to re-establish the connection with exponential
// backoff, rejoining the resolved lobby. Returns true if reconnection
// succeeded, false if it should give up.
func (c *Client) reconnect(ctx context.Context) bool {
	initialDelay := c.cfg.Reconnect.InitialDelay
	if initialDelay <= 0 {
		initialDelay = time.Second
	}
	maxDelay := c.cfg.Reconnect.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	maxAttempts := c.cfg.Reconnect.MaxAttempts

	for attempt := 1; maxAttempts == 0 || attempt <= maxAttempts; attempt++ {
		// Exponential backoff: initialDelay * 2^(attempt-1), capped at
		// maxDelay. Guard against floating-point overflow for large
		// attempt counts — math.Pow(2, N) overflows to +Inf for large N,
		// and converting that to time.Duration wraps to a negative or
		// zero value, defeating the cap.
		backoff := maxDelay
		if attempt <= 62 { // 2^62 is the largest power of 2 that fits in int64
			backoff = time.Duration(float64(initialDelay) * math.Pow(2, float64(attempt-1)))
		}
		if backoff <= 0 || backoff > maxDelay {
			backoff = maxDelay
		}

		c.log.Info("reconnecting", "attempt", attempt, "backoff", backoff)

		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}

		if err := c.dial(ctx); err != nil {
			c.log.Warn("reconnection failed", "attempt", attempt, "error", err)
			continue
		}

		// The rejoin reply is served by readFrames, so the handshake has
		// to run alongside the resumed read loop. A failed rejoin closes
		// the connection, which sends the read loop back here.
		go func(attempt int) {
			jctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err := c.join(jctx, c.LobbyName()); err != nil {
				c.log.Warn("rejoin failed", "attempt", attempt, "error", err)
				c.closeConn()
				return
			}
			c.log.Info("reconnected to signaling server", "attempt", attempt, "user_id", c.UserID())
		}(attempt)
		return true
	}

	c.log.Error("reconnection attempts exhausted")
	return false
}

func replyError(reply protocol.Reply) error {
	var resp protocol.ErrorResponse
	if err := json.Unmarshal(reply.Response, &resp); err != nil || resp.Reason == "" {
		return errors.New("server rejected request")
	}
	return &RequestError{Reason: resp.Reason}
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
