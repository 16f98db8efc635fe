// Package signaling implements the WebSocket surface of lobbyd: the hub
// accepting connections, the per-connection protocol state machine, and a
// Go client for the same protocol.
package signaling

import (
	"context"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/okonek/lobbyd/internal/lobby"
	"github.com/okonek/lobbyd/pkg/protocol"
)

// WebSocketPath is the upgrade path clients dial.
const WebSocketPath = "/socket/websocket"

const (
	maxMessageSize = 64 * 1024 // 64KB, enough for any SDP
	writeTimeout   = 5 * time.Second
	pingInterval   = 30 * time.Second
	sendBuffer     = 64
)

// Hub accepts WebSocket connections and runs one connection handler per
// peer. Each peer gets a fresh random user id, unique among live
// connections, and holds at most one lobby membership at a time.
//
// Hub implements http.Handler; mount it at WebSocketPath.
type Hub struct {
	reg    *lobby.Registry
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	conns map[uint32]*conn
}

// NewHub creates a Hub routing lobby operations to reg.
func NewHub(reg *lobby.Registry, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		reg:    reg,
		log:    logger.With("component", "hub"),
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[uint32]*conn),
	}
}

// Close shuts down the hub, forcefully closing all peer connections. It
// returns once every connection handler has finished its cleanup, so the
// registry sees all departures before it is torn down.
func (h *Hub) Close() {
	h.mu.Lock()
	for _, c := range h.conns {
		// Ignore close errors — peers may already be disconnected.
		_ = c.ws.Close(websocket.StatusGoingAway, "server shutting down")
	}
	h.mu.Unlock()
	h.cancel()
	h.wg.Wait()
}

// assignID picks a user id that is nonzero and unused among live
// connections, and registers c under it.
func (h *Hub) assignID(c *conn) uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	for {
		id := rand.Uint32()
		if id == 0 {
			continue
		}
		if _, taken := h.conns[id]; taken {
			continue
		}
		h.conns[id] = c
		return id
	}
}

// Connections reports the number of live WebSocket connections.
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *Hub) releaseID(id uint32) {
	h.mu.Lock()
	delete(h.conns, id)
	h.mu.Unlock()
}

// ServeHTTP upgrades the request and runs the connection until the
// transport closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Warn("WebSocket accept failed", "error", err)
		return
	}
	ws.SetReadLimit(maxMessageSize)
	defer func() {
		_ = ws.Close(websocket.StatusNormalClosure, "")
	}()

	h.wg.Add(1)
	defer h.wg.Done()

	c := &conn{
		hub:        h,
		ws:         ws,
		out:        make(chan protocol.Envelope, sendBuffer),
		lobbyGone:  make(chan string, 1),
		writerDone: make(chan struct{}),
	}
	c.userID = h.assignID(c)
	c.log = h.log.With("peer", c.userID)
	connectionsActive.Inc()

	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			c.log.Error("connection handler panic", "panic", p)
		}
	}()
	defer c.cleanup()

	c.log.Info("peer connected", "remote", r.RemoteAddr)

	go c.writeLoop(ctx)
	c.readLoop(ctx)

	c.log.Info("peer disconnected")
}
