package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/okonek/lobbyd/internal/bus"
	"github.com/okonek/lobbyd/internal/lobby"
	"github.com/okonek/lobbyd/pkg/protocol"
)

// newTestServer starts a hub over httptest and returns the ws:// URL of
// the signaling endpoint.
func newTestServer(t *testing.T, cfg lobby.Config) (string, *lobby.Registry, *Hub) {
	t.Helper()

	b := bus.New()
	reg := lobby.New(cfg, b, nil)
	hub := NewHub(reg, nil)

	mux := http.NewServeMux()
	mux.Handle(WebSocketPath, hub)
	srv := httptest.NewServer(mux)

	t.Cleanup(func() {
		hub.Close()
		reg.Close()
		srv.Close()
	})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + WebSocketPath
	return url, reg, hub
}

// wsPeer is a raw protocol connection for frame-level assertions.
type wsPeer struct {
	t    *testing.T
	ws   *websocket.Conn
	ref  uint64
	ctx  context.Context
	stop context.CancelFunc
}

func dialPeer(t *testing.T, url string) *wsPeer {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		cancel()
		t.Fatalf("dialing %s: %v", url, err)
	}
	p := &wsPeer{t: t, ws: ws, ctx: ctx, stop: cancel}
	t.Cleanup(p.close)
	return p
}

func (p *wsPeer) close() {
	p.ws.Close(websocket.StatusNormalClosure, "")
	p.stop()
}

// send writes a request frame and returns its ref.
func (p *wsPeer) send(topic, event string, payload any) uint64 {
	p.t.Helper()
	p.ref++
	ref := p.ref
	raw, err := json.Marshal(payload)
	if err != nil {
		p.t.Fatalf("marshaling payload: %v", err)
	}
	env := protocol.Envelope{Topic: topic, Event: event, Payload: raw, Ref: &ref}
	if err := wsjson.Write(p.ctx, p.ws, env); err != nil {
		p.t.Fatalf("writing %s frame: %v", event, err)
	}
	return ref
}

// recv reads the next frame.
func (p *wsPeer) recv() protocol.Envelope {
	p.t.Helper()
	var env protocol.Envelope
	if err := wsjson.Read(p.ctx, p.ws, &env); err != nil {
		p.t.Fatalf("reading frame: %v", err)
	}
	return env
}

// expectReply reads the next frame and asserts it is the phx_reply for
// ref, returning the decoded reply.
func (p *wsPeer) expectReply(ref uint64) protocol.Reply {
	p.t.Helper()
	env := p.recv()
	if env.Event != protocol.EventPhxReply {
		p.t.Fatalf("expected phx_reply, got %s", env.Event)
	}
	if env.Ref == nil || *env.Ref != ref {
		p.t.Fatalf("reply ref = %v, want %d", env.Ref, ref)
	}
	reply, err := protocol.DecodeReply(env.Payload)
	if err != nil {
		p.t.Fatalf("decoding reply: %v", err)
	}
	return reply
}

func (p *wsPeer) expectOK(ref uint64) protocol.Reply {
	p.t.Helper()
	reply := p.expectReply(ref)
	if reply.Status != protocol.StatusOK {
		p.t.Fatalf("reply status = %s (%s), want ok", reply.Status, reply.Response)
	}
	return reply
}

func (p *wsPeer) expectError(ref uint64, reason protocol.Reason) {
	p.t.Helper()
	reply := p.expectReply(ref)
	if reply.Status != protocol.StatusError {
		p.t.Fatalf("reply status = %s, want error", reply.Status)
	}
	var resp protocol.ErrorResponse
	if err := json.Unmarshal(reply.Response, &resp); err != nil {
		p.t.Fatalf("decoding error response: %v", err)
	}
	if resp.Reason != reason {
		p.t.Fatalf("error reason = %s, want %s", resp.Reason, reason)
	}
}

// expectPush reads the next frame and asserts its event, returning the
// decoded message.
func (p *wsPeer) expectPush(event string) protocol.Message {
	p.t.Helper()
	env := p.recv()
	if env.Event != event {
		p.t.Fatalf("expected %s push, got %s (payload %s)", event, env.Event, env.Payload)
	}
	if env.Ref != nil {
		p.t.Fatalf("push carried ref %d, want null", *env.Ref)
	}
	msg, err := protocol.DecodeMessage(env.Payload)
	if err != nil {
		p.t.Fatalf("decoding %s push: %v", event, err)
	}
	return msg
}

// join performs the full handshake into the named lobby and returns the
// assigned user id and the resolved lobby name.
func (p *wsPeer) join(name string) (uint32, string) {
	p.t.Helper()
	topic := protocol.LobbyTopic(name)
	p.expectOK(p.send(topic, protocol.EventPhxJoin, struct{}{}))
	reply := p.expectOK(p.send(topic, protocol.EventJoin, map[string]string{"data": name}))
	msg, err := protocol.DecodeMessage(reply.Response)
	if err != nil {
		p.t.Fatalf("decoding join reply: %v", err)
	}
	if msg.Type != protocol.OpJoin {
		p.t.Fatalf("join reply opcode = %d, want %d", msg.Type, protocol.OpJoin)
	}
	id := p.expectPush(protocol.EventID)
	if id.ID != msg.ID || id.Type != protocol.OpID {
		p.t.Fatalf("id push = %+v, want id %d type %d", id, msg.ID, protocol.OpID)
	}
	return msg.ID, msg.Data
}

func TestHub_soloJoinOrdering(t *testing.T) {
	t.Parallel()

	url, _, _ := newTestServer(t, lobby.Config{})
	p := dialPeer(t, url)

	// Reply, then id push, then nothing (no other peers).
	userID, name := p.join("room1")
	if userID == 0 {
		t.Error("assigned user id must be nonzero")
	}
	if name != "room1" {
		t.Errorf("resolved lobby = %q, want room1", name)
	}
}

func TestHub_emptyNameGeneratesDistinctLobbies(t *testing.T) {
	t.Parallel()

	url, _, _ := newTestServer(t, lobby.Config{})

	p1 := dialPeer(t, url)
	p2 := dialPeer(t, url)

	_, name1 := p1.join("")
	_, name2 := p2.join("")

	if name1 == "" || name2 == "" {
		t.Fatal("server must generate lobby names for empty joins")
	}
	if name1 == name2 {
		t.Errorf("generated names collide: %q", name1)
	}
}

func TestHub_twoPeerRendezvous(t *testing.T) {
	t.Parallel()

	url, _, _ := newTestServer(t, lobby.Config{})

	pa := dialPeer(t, url)
	pb := dialPeer(t, url)

	idA, _ := pa.join("room1")
	idB, _ := pb.join("room1")

	// The existing peer is told about the newcomer.
	msg := pa.expectPush(protocol.EventPeerConnect)
	if msg.ID != idB || msg.Type != protocol.OpPeerConnect {
		t.Errorf("peer A saw %+v, want peer_connect for %d", msg, idB)
	}

	// The newcomer is told about the existing peer.
	msg = pb.expectPush(protocol.EventPeerConnect)
	if msg.ID != idA || msg.Type != protocol.OpPeerConnect {
		t.Errorf("peer B saw %+v, want peer_connect for %d", msg, idA)
	}
}

func TestHub_relayRewritesSender(t *testing.T) {
	t.Parallel()

	url, _, _ := newTestServer(t, lobby.Config{})

	pa := dialPeer(t, url)
	pb := dialPeer(t, url)

	idA, _ := pa.join("room1")
	idB, _ := pb.join("room1")
	pa.expectPush(protocol.EventPeerConnect)
	pb.expectPush(protocol.EventPeerConnect)

	topic := protocol.LobbyTopic("room1")

	// offer → answer → candidate round trip with id rewriting.
	pa.send(topic, protocol.EventOffer, map[string]any{"id": idB, "data": "sdp-offer"})
	msg := pb.expectPush(protocol.EventOffer)
	if msg.ID != idA || msg.Data != "sdp-offer" || msg.Type != protocol.OpOffer {
		t.Errorf("offer at B = %+v, want from %d with original data", msg, idA)
	}

	pb.send(topic, protocol.EventAnswer, map[string]any{"id": idA, "data": "sdp-answer"})
	msg = pa.expectPush(protocol.EventAnswer)
	if msg.ID != idB || msg.Data != "sdp-answer" || msg.Type != protocol.OpAnswer {
		t.Errorf("answer at A = %+v, want from %d", msg, idB)
	}

	pa.send(topic, protocol.EventCandidate, map[string]any{"id": idB, "data": "cand"})
	msg = pb.expectPush(protocol.EventCandidate)
	if msg.ID != idA || msg.Data != "cand" || msg.Type != protocol.OpCandidate {
		t.Errorf("candidate at B = %+v, want from %d", msg, idA)
	}
}

func TestHub_relayToVanishedPeerIsSilent(t *testing.T) {
	t.Parallel()

	url, _, _ := newTestServer(t, lobby.Config{})

	pa := dialPeer(t, url)
	_, _ = pa.join("room1")

	topic := protocol.LobbyTopic("room1")
	pa.send(topic, protocol.EventOffer, map[string]any{"id": uint32(12345), "data": "sdp"})

	// No error reply; a heartbeat afterwards is answered in order.
	ref := pa.send(protocol.TopicPhoenix, protocol.EventHeartbeat, struct{}{})
	pa.expectOK(ref)
}

func TestHub_sealLifecycle(t *testing.T) {
	t.Parallel()

	url, _, _ := newTestServer(t, lobby.Config{SealGrace: 50 * time.Millisecond})

	pa := dialPeer(t, url)
	pb := dialPeer(t, url)

	idA, _ := pa.join("room1")
	_, _ = pb.join("room1")
	pa.expectPush(protocol.EventPeerConnect)
	pb.expectPush(protocol.EventPeerConnect)

	topic := protocol.LobbyTopic("room1")

	// Non-owner seal is rejected.
	pb.expectError(pb.send(topic, protocol.EventSeal, struct{}{}), protocol.ReasonNotAuthorized)

	// Owner seal succeeds; both receive the sealed broadcast. For the
	// sealer the broadcast is enqueued during the seal itself, so it
	// precedes the reply.
	ref := pa.send(topic, protocol.EventSeal, struct{}{})
	msg := pa.expectPush(protocol.EventSealed)
	if msg.ID != idA || msg.Type != protocol.OpSeal {
		t.Errorf("owner sealed push = %+v, want owner %d, seal opcode", msg, idA)
	}
	pa.expectOK(ref)

	msg = pb.expectPush(protocol.EventSealed)
	if msg.ID != idA || msg.Type != protocol.OpSeal {
		t.Errorf("member sealed push = %+v, want owner %d, seal opcode", msg, idA)
	}

	// After the grace both connections get phx_close and the transport
	// closes.
	for name, p := range map[string]*wsPeer{"owner": pa, "member": pb} {
		env := p.recv()
		if env.Event != protocol.EventPhxClose {
			t.Fatalf("%s received %s, want phx_close", name, env.Event)
		}
		if env.Topic != topic {
			t.Errorf("%s phx_close topic = %q, want %q", name, env.Topic, topic)
		}
		if _, _, err := p.ws.Read(p.ctx); err == nil {
			t.Errorf("%s connection still open after lobby destruction", name)
		}
	}
}

func TestHub_lobbyNameReusableAfterDestruction(t *testing.T) {
	t.Parallel()

	url, reg, _ := newTestServer(t, lobby.Config{SealGrace: 30 * time.Millisecond})

	pa := dialPeer(t, url)
	pa.join("room1")
	topic := protocol.LobbyTopic("room1")
	ref := pa.send(topic, protocol.EventSeal, struct{}{})
	pa.expectPush(protocol.EventSealed)
	pa.expectOK(ref)

	env := pa.recv()
	if env.Event != protocol.EventPhxClose {
		t.Fatalf("expected phx_close, got %s", env.Event)
	}

	// Wait for teardown to finish, then the name is free again.
	deadline := time.Now().Add(2 * time.Second)
	for len(reg.List()) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("lobby not destroyed after grace")
		}
		time.Sleep(5 * time.Millisecond)
	}

	pb := dialPeer(t, url)
	_, name := pb.join("room1")
	if name != "room1" {
		t.Errorf("rejoined lobby = %q, want room1", name)
	}
}

func TestHub_disconnectCleansUp(t *testing.T) {
	t.Parallel()

	url, reg, _ := newTestServer(t, lobby.Config{DestroyOnEmpty: true})

	pa := dialPeer(t, url)
	pb := dialPeer(t, url)

	idA, _ := pa.join("room1")
	_, _ = pb.join("room1")
	pa.expectPush(protocol.EventPeerConnect)
	pb.expectPush(protocol.EventPeerConnect)

	// A drops the transport without leaving.
	pa.close()

	msg := pb.expectPush(protocol.EventPeerDisconnect)
	if msg.ID != idA || msg.Type != protocol.OpPeerDisconnect {
		t.Errorf("disconnect push = %+v, want peer %d", msg, idA)
	}

	// B leaves too; the empty unsealed lobby is destroyed.
	topic := protocol.LobbyTopic("room1")
	pb.expectOK(pb.send(topic, protocol.EventPhxLeave, struct{}{}))

	deadline := time.Now().Add(2 * time.Second)
	for len(reg.List()) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("empty lobby not destroyed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_heartbeat(t *testing.T) {
	t.Parallel()

	url, _, _ := newTestServer(t, lobby.Config{})
	p := dialPeer(t, url)

	// Heartbeats work before and after joining.
	p.expectOK(p.send(protocol.TopicPhoenix, protocol.EventHeartbeat, struct{}{}))
	p.join("room1")
	p.expectOK(p.send(protocol.TopicPhoenix, protocol.EventHeartbeat, struct{}{}))

	// A heartbeat on a lobby topic is malformed.
	p.expectError(p.send(protocol.LobbyTopic("room1"), protocol.EventHeartbeat, struct{}{}),
		protocol.ReasonBadRequest)
}

func TestHub_protocolErrors(t *testing.T) {
	t.Parallel()

	url, _, _ := newTestServer(t, lobby.Config{})
	p := dialPeer(t, url)

	topic := protocol.LobbyTopic("room1")

	// Relaying before joining a lobby.
	p.expectOK(p.send(topic, protocol.EventPhxJoin, struct{}{}))
	p.expectError(p.send(topic, protocol.EventOffer, map[string]any{"id": 1, "data": "x"}),
		protocol.ReasonNotJoined)

	p.join("room1")

	// String id where the peer id belongs.
	p.expectError(p.send(topic, protocol.EventOffer, map[string]any{"id": "7", "data": "x"}),
		protocol.ReasonBadRequest)

	// Unknown payload field.
	p.expectError(p.send(topic, protocol.EventOffer, map[string]any{"id": 7, "data": "x", "extra": 1}),
		protocol.ReasonBadRequest)

	// Server-originated events sent by a client.
	p.expectError(p.send(topic, protocol.EventID, map[string]any{"id": 1}),
		protocol.ReasonBadRequest)
	p.expectError(p.send(topic, protocol.EventPeerConnect, map[string]any{"id": 1}),
		protocol.ReasonBadRequest)
	p.expectError(p.send(topic, protocol.EventSealed, struct{}{}),
		protocol.ReasonBadRequest)

	// Seal payload must be empty.
	p.expectError(p.send(topic, protocol.EventSeal, map[string]any{"id": 1}),
		protocol.ReasonBadRequest)

	// The connection survives all of it.
	p.expectOK(p.send(protocol.TopicPhoenix, protocol.EventHeartbeat, struct{}{}))
}

func TestHub_joinErrors(t *testing.T) {
	t.Parallel()

	url, _, _ := newTestServer(t, lobby.Config{MaxPeers: 1, SealGrace: time.Minute})

	pa := dialPeer(t, url)
	pa.join("room1")

	// Lobby is full.
	pb := dialPeer(t, url)
	topic := protocol.LobbyTopic("room1")
	pb.expectOK(pb.send(topic, protocol.EventPhxJoin, struct{}{}))
	pb.expectError(pb.send(topic, protocol.EventJoin, map[string]string{"data": "room1"}),
		protocol.ReasonMaxPeersReached)

	// Joining a second lobby from the same connection.
	topicA := protocol.LobbyTopic("other")
	pa.expectError(pa.send(topicA, protocol.EventPhxJoin, struct{}{}),
		protocol.ReasonBadRequest)

	// Joining a sealed lobby.
	sealRef := pa.send(topic, protocol.EventSeal, struct{}{})
	pa.expectPush(protocol.EventSealed)
	pa.expectOK(sealRef)

	pc := dialPeer(t, url)
	pc.expectOK(pc.send(topic, protocol.EventPhxJoin, struct{}{}))
	pc.expectError(pc.send(topic, protocol.EventJoin, map[string]string{"data": "room1"}),
		protocol.ReasonLobbySealed)
}

func TestHub_maxLobbies(t *testing.T) {
	t.Parallel()

	url, _, _ := newTestServer(t, lobby.Config{MaxLobbies: 1})

	pa := dialPeer(t, url)
	pa.join("room1")

	pb := dialPeer(t, url)
	topic := protocol.LobbyTopic("room2")
	pb.expectOK(pb.send(topic, protocol.EventPhxJoin, struct{}{}))
	pb.expectError(pb.send(topic, protocol.EventJoin, map[string]string{"data": "room2"}),
		protocol.ReasonMaxLobbiesReached)
}

func TestHub_rejoinSameLobbyIsIdempotent(t *testing.T) {
	t.Parallel()

	url, _, _ := newTestServer(t, lobby.Config{})

	p := dialPeer(t, url)
	id, _ := p.join("room1")

	// A second join on the same channel succeeds and repeats the reply,
	// without a second id push.
	topic := protocol.LobbyTopic("room1")
	reply := p.expectOK(p.send(topic, protocol.EventJoin, map[string]string{"data": "room1"}))
	msg, err := protocol.DecodeMessage(reply.Response)
	if err != nil {
		t.Fatalf("decoding rejoin reply: %v", err)
	}
	if msg.ID != id || msg.Data != "room1" {
		t.Errorf("rejoin reply = %+v, want id %d data room1", msg, id)
	}

	// The next frame is a heartbeat reply, not a duplicate id push.
	p.expectOK(p.send(protocol.TopicPhoenix, protocol.EventHeartbeat, struct{}{}))
}

func TestHub_distinctUserIDs(t *testing.T) {
	t.Parallel()

	url, _, _ := newTestServer(t, lobby.Config{})

	seen := make(map[uint32]bool)
	for i := 0; i < 5; i++ {
		p := dialPeer(t, url)
		id, _ := p.join("")
		if id == 0 {
			t.Fatal("assigned id must be nonzero")
		}
		if seen[id] {
			t.Fatalf("duplicate user id %d", id)
		}
		seen[id] = true
	}
}

func TestHub_connectionsGauge(t *testing.T) {
	t.Parallel()

	url, _, hub := newTestServer(t, lobby.Config{})

	pa := dialPeer(t, url)
	pa.join("room1")

	deadline := time.Now().Add(2 * time.Second)
	for hub.Connections() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("Connections() = %d, want 1", hub.Connections())
		}
		time.Sleep(5 * time.Millisecond)
	}

	pa.close()
	for hub.Connections() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Connections() = %d, want 0", hub.Connections())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConn_sendReturnsAfterWriterExit(t *testing.T) {
	t.Parallel()

	c := &conn{
		out:        make(chan protocol.Envelope, 1),
		writerDone: make(chan struct{}),
	}
	c.out <- protocol.Envelope{Event: protocol.EventHeartbeat} // queue full

	unblocked := make(chan struct{})
	go func() {
		c.send(context.Background(), protocol.Envelope{Event: protocol.EventHeartbeat})
		close(unblocked)
	}()

	select {
	case <-unblocked:
		t.Fatal("send returned while the queue was full and the writer alive")
	case <-time.After(50 * time.Millisecond):
	}

	close(c.writerDone)

	select {
	case <-unblocked:
	case <-time.After(2 * time.Second):
		t.Fatal("send still blocked after the writer exited")
	}
}

// TestHub_stalledPeerIsEvicted wedges a peer's transport: the peer stops
// reading while another member floods it with large relays, so the
// writer's socket write times out and the writer exits. The connection
// must still finish cleanup and drop its membership.
func TestHub_stalledPeerIsEvicted(t *testing.T) {
	t.Parallel()

	url, reg, _ := newTestServer(t, lobby.Config{})

	stalled := dialPeer(t, url)
	stalledID, _ := stalled.join("stall")

	flooder := dialPeer(t, url)
	flooder.join("stall")

	topic := protocol.LobbyTopic("stall")

	// Flood the stalled peer until its socket backs up.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		data, err := json.Marshal(map[string]any{
			"id":   stalledID,
			"data": strings.Repeat("x", 16*1024),
		})
		if err != nil {
			panic(err)
		}
		env := protocol.Envelope{Topic: topic, Event: protocol.EventOffer, Payload: data}
		for {
			select {
			case <-stop:
				return
			default:
			}
			if err := wsjson.Write(context.Background(), flooder.ws, env); err != nil {
				return
			}
		}
	}()

	// The stalled peer never reads again, but keeps sending heartbeats;
	// their replies queue up behind the relays.
	hb := protocol.Envelope{Topic: protocol.TopicPhoenix, Event: protocol.EventHeartbeat}
	for i := 0; i < 8; i++ {
		if err := wsjson.Write(context.Background(), stalled.ws, hb); err != nil {
			t.Fatalf("writing heartbeat: %v", err)
		}
	}

	// The write timeout has to elapse before the writer gives up.
	deadline := time.Now().Add(3 * writeTimeout)
	for {
		members, err := reg.Members("stall")
		if err != nil {
			t.Fatalf("Members() error: %v", err)
		}
		if !slices.Contains(members, stalledID) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("stalled peer %d still a member: %v", stalledID, members)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func TestHub_closeWaitsForHandlerCleanup(t *testing.T) {
	t.Parallel()

	url, reg, hub := newTestServer(t, lobby.Config{DestroyOnEmpty: true})

	p := dialPeer(t, url)
	p.join("shutdown")

	// Close returns only after every handler has run its cleanup, so the
	// departure is already visible in the registry.
	hub.Close()

	if n := hub.Connections(); n != 0 {
		t.Errorf("Connections() = %d after Close, want 0", n)
	}
	if l := reg.List(); len(l) != 0 {
		t.Errorf("List() = %+v after Close, want no lobbies", l)
	}
}
