package signaling

import (
	"context"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/oklog/ulid/v2"

	"github.com/okonek/lobbyd/internal/bus"
	"github.com/okonek/lobbyd/internal/lobby"
	"github.com/okonek/lobbyd/pkg/protocol"
)

// conn is the per-connection state machine. The protocol state (channel
// topic, lobby membership, subscription) is owned by the reader goroutine;
// the writer goroutine only drains out and lobbyGone.
//
// States: no channel (only phx_join/heartbeat accepted) → channel joined
// (join accepted) → in lobby (relays and seal accepted) → closed.
type conn struct {
	hub    *Hub
	ws     *websocket.Conn
	log    *slog.Logger
	userID uint32

	out        chan protocol.Envelope
	lobbyGone  chan string   // carries the topic of a destroyed lobby
	writerDone chan struct{} // closed when writeLoop exits

	topic     string // channel topic, "" before phx_join
	lobbyName string // resolved lobby, "" before a successful join
	sub       *bus.Subscriber
	stopWatch context.CancelFunc
}

// writeLoop is the single writer for the transport. It drains the
// outbound queue, keeps the connection alive with pings, and performs the
// close handshake when the peer's lobby is destroyed.
func (c *conn) writeLoop(ctx context.Context) {
	// A dead writer must not strand the reader: signal send and drop the
	// transport so a parked enqueue or a blocked Read returns.
	defer close(c.writerDone)
	defer c.ws.CloseNow()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case env := <-c.out:
			if !c.write(ctx, env) {
				return
			}
		case topic := <-c.lobbyGone:
			// Flush whatever is queued (the sealed broadcast, relays),
			// announce the channel close, then drop the transport.
			for {
				select {
				case env := <-c.out:
					if !c.write(ctx, env) {
						return
					}
					continue
				default:
				}
				break
			}
			c.write(ctx, protocol.Envelope{Topic: topic, Event: protocol.EventPhxClose})
			_ = c.ws.Close(websocket.StatusNormalClosure, "lobby destroyed")
			return
		case <-ticker.C:
			if err := c.ws.Ping(ctx); err != nil {
				c.log.Debug("ping failed", "error", err)
				return
			}
		}
	}
}

func (c *conn) write(ctx context.Context, env protocol.Envelope) bool {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	err := wsjson.Write(wctx, c.ws, env)
	cancel()
	if err != nil {
		c.log.Debug("write failed", "error", err)
		return false
	}
	return true
}

// send enqueues a frame for the writer. The reader blocks on its own
// queue rather than dropping its replies; a writer that has exited
// releases it so the connection can finish cleanup.
func (c *conn) send(ctx context.Context, env protocol.Envelope) {
	select {
	case c.out <- env:
	case <-c.writerDone:
	case <-ctx.Done():
	}
}

func (c *conn) reply(ctx context.Context, env protocol.Envelope, response any) {
	c.send(ctx, protocol.OKReply(env.Topic, env.Ref, response))
}

func (c *conn) replyErr(ctx context.Context, env protocol.Envelope, reason protocol.Reason) {
	protocolErrors.WithLabelValues(string(reason)).Inc()
	c.send(ctx, protocol.ErrReply(env.Topic, env.Ref, reason))
}

// readLoop processes inbound frames FIFO until the transport closes.
func (c *conn) readLoop(ctx context.Context) {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}
		env, err := protocol.ParseEnvelope(data)
		if err != nil {
			// No topic/ref to correlate an error reply with.
			c.log.Warn("dropping malformed frame", "error", err)
			protocolErrors.WithLabelValues(string(protocol.ReasonBadRequest)).Inc()
			continue
		}
		c.dispatch(ctx, env)
	}
}

func (c *conn) dispatch(ctx context.Context, env protocol.Envelope) {
	switch env.Event {
	case protocol.EventHeartbeat:
		if env.Topic != protocol.TopicPhoenix {
			c.replyErr(ctx, env, protocol.ReasonBadRequest)
			return
		}
		c.reply(ctx, env, nil)
	case protocol.EventPhxJoin:
		c.handleChannelJoin(ctx, env)
	case protocol.EventPhxLeave:
		c.handleChannelLeave(ctx, env)
	case protocol.EventJoin:
		c.handleJoin(ctx, env)
	case protocol.EventOffer, protocol.EventAnswer, protocol.EventCandidate:
		c.handleRelay(ctx, env)
	case protocol.EventSeal:
		c.handleSeal(ctx, env)
	default:
		// Includes id/peer_connect/peer_disconnect/sealed: those opcodes
		// are server-originated only.
		c.replyErr(ctx, env, protocol.ReasonBadRequest)
	}
}

// handleChannelJoin establishes the connection's single channel. The
// topic must be a lobby topic; re-joining the same topic is a no-op
// success.
func (c *conn) handleChannelJoin(ctx context.Context, env protocol.Envelope) {
	if _, ok := protocol.LobbyName(env.Topic); !ok {
		c.replyErr(ctx, env, protocol.ReasonBadRequest)
		return
	}
	if c.topic != "" && c.topic != env.Topic {
		c.replyErr(ctx, env, protocol.ReasonBadRequest)
		return
	}
	c.topic = env.Topic
	c.reply(ctx, env, nil)
}

// handleChannelLeave tears down the channel and any lobby membership,
// returning the connection to its initial state.
func (c *conn) handleChannelLeave(ctx context.Context, env protocol.Envelope) {
	if c.topic == "" || env.Topic != c.topic {
		c.replyErr(ctx, env, protocol.ReasonBadRequest)
		return
	}
	c.leaveLobby()
	c.topic = ""
	c.reply(ctx, env, nil)
}

// handleJoin resolves the lobby name (empty ⇒ fresh server-generated
// name), joins the registry, and emits the reply, the id push, and one
// peer_connect per already-present peer, in that order.
func (c *conn) handleJoin(ctx context.Context, env protocol.Envelope) {
	if c.topic == "" || env.Topic != c.topic {
		c.replyErr(ctx, env, protocol.ReasonBadRequest)
		return
	}
	name, err := protocol.ParseJoin(env.Payload)
	if err != nil {
		c.log.Debug("rejecting join", "error", err)
		c.replyErr(ctx, env, protocol.ReasonBadRequest)
		return
	}
	if name == "" {
		name = newLobbyName()
	}

	snap, sub, err := c.hub.reg.Join(name, c.userID, c.out)
	if err != nil {
		c.replyErr(ctx, env, lobby.WireReason(err))
		return
	}

	c.reply(ctx, env, protocol.Message{ID: c.userID, Type: protocol.OpJoin, Data: snap.Name})
	if snap.Rejoined {
		return
	}

	c.lobbyName = snap.Name
	c.sub = sub
	c.watchLobby(sub)

	// Rebind the channel to the resolved topic; all further frames use it.
	topic := protocol.LobbyTopic(snap.Name)
	c.topic = topic

	c.send(ctx, protocol.Push(topic, protocol.EventID,
		protocol.Message{ID: c.userID, Type: protocol.OpID}))
	for _, p := range snap.Peers {
		if p == c.userID {
			continue
		}
		c.send(ctx, protocol.Push(topic, protocol.EventPeerConnect,
			protocol.Message{ID: p, Type: protocol.OpPeerConnect}))
	}
}

// handleRelay unicasts an offer/answer/candidate. The registry rewrites
// the outbound id to this peer's user id; a vanished destination is
// dropped silently.
func (c *conn) handleRelay(ctx context.Context, env protocol.Envelope) {
	if c.lobbyName == "" {
		c.replyErr(ctx, env, protocol.ReasonNotJoined)
		return
	}
	if env.Topic != c.topic {
		c.replyErr(ctx, env, protocol.ReasonBadRequest)
		return
	}
	to, data, err := protocol.ParseRelay(env.Payload)
	if err != nil {
		c.log.Debug("rejecting relay", "event", env.Event, "error", err)
		c.replyErr(ctx, env, protocol.ReasonBadRequest)
		return
	}
	op, _ := protocol.RelayOpcode(env.Event)
	if err := c.hub.reg.Relay(c.lobbyName, c.userID, to, op, data); err != nil {
		c.replyErr(ctx, env, lobby.WireReason(err))
	}
}

func (c *conn) handleSeal(ctx context.Context, env protocol.Envelope) {
	if c.lobbyName == "" {
		c.replyErr(ctx, env, protocol.ReasonNotJoined)
		return
	}
	if env.Topic != c.topic {
		c.replyErr(ctx, env, protocol.ReasonBadRequest)
		return
	}
	if err := protocol.ParseSeal(env.Payload); err != nil {
		c.replyErr(ctx, env, protocol.ReasonBadRequest)
		return
	}
	if _, err := c.hub.reg.Seal(c.lobbyName, c.userID); err != nil {
		c.replyErr(ctx, env, lobby.WireReason(err))
		return
	}
	// The sealed broadcast reaches this peer through the bus like
	// everyone else; the reply only acknowledges the request.
	c.reply(ctx, env, nil)
}

// watchLobby forwards the subscription's teardown signal to the writer.
func (c *conn) watchLobby(sub *bus.Subscriber) {
	ctx, cancel := context.WithCancel(context.Background())
	c.stopWatch = cancel
	go func() {
		select {
		case <-sub.Done():
			select {
			case c.lobbyGone <- sub.Topic():
			default:
			}
		case <-ctx.Done():
		}
	}()
}

// leaveLobby drops the current membership, if any. The registry
// broadcasts peer_disconnect to the remaining members.
func (c *conn) leaveLobby() {
	if c.lobbyName == "" {
		return
	}
	if err := c.hub.reg.Leave(c.lobbyName, c.userID); err != nil {
		// The lobby may already have been destroyed underneath us.
		c.log.Debug("leave failed", "lobby", c.lobbyName, "error", err)
	}
	if c.stopWatch != nil {
		c.stopWatch()
		c.stopWatch = nil
	}
	c.lobbyName = ""
	c.sub = nil
}

// cleanup runs exactly once when the transport closes.
func (c *conn) cleanup() {
	c.leaveLobby()
	c.hub.releaseID(c.userID)
	connectionsActive.Dec()
}

// newLobbyName generates a fresh 128-bit lobby name for joins with empty
// data. ULIDs are collision-free for this purpose and sort by creation
// time, which keeps listings readable.
func newLobbyName() string {
	return ulid.Make().String()
}
