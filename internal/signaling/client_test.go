package signaling

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/okonek/lobbyd/internal/bus"
	"github.com/okonek/lobbyd/internal/lobby"
	"github.com/okonek/lobbyd/pkg/protocol"
)

func connectClient(t *testing.T, url, lobbyName string) *Client {
	t.Helper()
	c := NewClient(ClientConfig{ServerURL: url, Lobby: lobbyName})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// nextEvent waits for the next event, skipping nothing.
func nextEvent(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	panic("unreachable")
}

func TestClient_ConnectAndJoin(t *testing.T) {
	t.Parallel()

	url, _, _ := newTestServer(t, lobby.Config{})
	c := connectClient(t, url, "room1")

	if c.UserID() == 0 {
		t.Error("UserID() = 0, want assigned id")
	}
	if c.LobbyName() != "room1" {
		t.Errorf("LobbyName() = %q, want room1", c.LobbyName())
	}
}

func TestClient_GeneratedLobbyName(t *testing.T) {
	t.Parallel()

	url, _, _ := newTestServer(t, lobby.Config{})
	c := connectClient(t, url, "")

	if c.LobbyName() == "" {
		t.Error("LobbyName() empty, want server-generated name")
	}
}

func TestClient_TwoClientsRelay(t *testing.T) {
	t.Parallel()

	url, _, _ := newTestServer(t, lobby.Config{})

	ca := connectClient(t, url, "room1")
	cb := connectClient(t, url, "room1")

	// A learns about B.
	ev := nextEvent(t, ca)
	if ev.Name != protocol.EventPeerConnect || ev.Msg.ID != cb.UserID() {
		t.Fatalf("event at A = %+v, want peer_connect for %d", ev, cb.UserID())
	}
	// B learns about A.
	ev = nextEvent(t, cb)
	if ev.Name != protocol.EventPeerConnect || ev.Msg.ID != ca.UserID() {
		t.Fatalf("event at B = %+v, want peer_connect for %d", ev, ca.UserID())
	}

	ctx := context.Background()
	if err := ca.Offer(ctx, cb.UserID(), "sdp-offer"); err != nil {
		t.Fatalf("Offer() error: %v", err)
	}
	ev = nextEvent(t, cb)
	if ev.Name != protocol.EventOffer || ev.Msg.ID != ca.UserID() || ev.Msg.Data != "sdp-offer" {
		t.Fatalf("offer at B = %+v, want from %d", ev, ca.UserID())
	}

	if err := cb.Answer(ctx, ca.UserID(), "sdp-answer"); err != nil {
		t.Fatalf("Answer() error: %v", err)
	}
	ev = nextEvent(t, ca)
	if ev.Name != protocol.EventAnswer || ev.Msg.Data != "sdp-answer" {
		t.Fatalf("answer at A = %+v", ev)
	}

	if err := ca.Candidate(ctx, cb.UserID(), "cand"); err != nil {
		t.Fatalf("Candidate() error: %v", err)
	}
	ev = nextEvent(t, cb)
	if ev.Name != protocol.EventCandidate || ev.Msg.Data != "cand" {
		t.Fatalf("candidate at B = %+v", ev)
	}
}

func TestClient_SealLifecycle(t *testing.T) {
	t.Parallel()

	url, _, _ := newTestServer(t, lobby.Config{SealGrace: 50 * time.Millisecond})

	ca := connectClient(t, url, "room1")
	cb := connectClient(t, url, "room1")
	nextEvent(t, ca) // peer_connect
	nextEvent(t, cb)

	// Non-owner seal is rejected with a typed error.
	err := cb.Seal(context.Background())
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.Reason != protocol.ReasonNotAuthorized {
		t.Fatalf("non-owner Seal() error = %v, want not_authorized", err)
	}

	if err := ca.Seal(context.Background()); err != nil {
		t.Fatalf("owner Seal() error: %v", err)
	}

	for name, c := range map[string]*Client{"owner": ca, "member": cb} {
		ev := nextEvent(t, c)
		if ev.Name != protocol.EventSealed || ev.Msg.ID != ca.UserID() {
			t.Fatalf("%s event = %+v, want sealed from owner", name, ev)
		}
		// After the grace, the lobby closes underneath the client.
		ev = nextEvent(t, c)
		if ev.Name != protocol.EventPhxClose {
			t.Fatalf("%s event = %+v, want phx_close", name, ev)
		}
	}
}

func TestClient_RelayWithoutConnect(t *testing.T) {
	t.Parallel()

	c := NewClient(ClientConfig{ServerURL: "ws://127.0.0.1:1/socket/websocket"})
	if err := c.Offer(context.Background(), 1, "sdp"); err == nil {
		t.Fatal("Offer() without Connect() should fail")
	}
}

func TestClient_ConnectFailure(t *testing.T) {
	t.Parallel()

	c := NewClient(ClientConfig{
		ServerURL:   "ws://127.0.0.1:1/socket/websocket",
		DialTimeout: time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err == nil {
		t.Fatal("Connect() to unreachable server should fail")
	}

	// Close after a failed Connect must return promptly, with the event
	// channel closed.
	closed := make(chan struct{})
	go func() {
		c.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close() did not return after failed Connect")
	}
	if _, ok := <-c.Events(); ok {
		t.Error("event channel still open after Close")
	}
}

func TestClient_JoinFullLobby(t *testing.T) {
	t.Parallel()

	url, _, _ := newTestServer(t, lobby.Config{MaxPeers: 1})

	connectClient(t, url, "room1")

	c := NewClient(ClientConfig{ServerURL: url, Lobby: "room1"})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := c.Connect(ctx)
	if err == nil {
		c.Close()
		t.Fatal("Connect() to full lobby should fail")
	}
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.Reason != protocol.ReasonMaxPeersReached {
		t.Fatalf("Connect() error = %v, want max_peers_reached", err)
	}
}

func TestClient_CloseIsClean(t *testing.T) {
	t.Parallel()

	url, _, _ := newTestServer(t, lobby.Config{})
	c := NewClient(ClientConfig{ServerURL: url, Lobby: "room1"})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	// The event channel drains and closes.
	for {
		if _, ok := <-c.Events(); !ok {
			return
		}
	}
}

func TestClient_ReconnectExhaustion(t *testing.T) {
	t.Parallel()

	// A dedicated server so the test can take it down.
	b := bus.New()
	reg := lobby.New(lobby.Config{}, b, nil)
	hub := NewHub(reg, nil)
	mux := http.NewServeMux()
	mux.Handle(WebSocketPath, hub)
	srv := httptest.NewServer(mux)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + WebSocketPath

	c := NewClient(ClientConfig{
		ServerURL: url,
		Lobby:     "room1",
		Reconnect: ReconnectConfig{
			Enabled:      true,
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     20 * time.Millisecond,
			MaxAttempts:  2,
		},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer c.Close()

	// Take the server down; the client retries twice and gives up,
	// closing the event channel.
	hub.Close()
	reg.Close()
	srv.Close()

	deadline := time.After(10 * time.Second)
	for {
		select {
		case _, ok := <-c.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("event channel not closed after reconnection exhausted")
		}
	}
}
