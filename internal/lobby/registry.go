// Package lobby implements the registry: the single source of truth for
// the set of lobbies, their membership, sealing, and destruction.
//
// All structural mutations are serialized by one mutex. Broadcasts are
// issued from inside the critical section — they are buffered channel
// enqueues, never network I/O — so membership changes and their fan-out
// are atomic with respect to concurrent joins and leaves.
package lobby

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/okonek/lobbyd/internal/bus"
	"github.com/okonek/lobbyd/pkg/protocol"
)

// Default limits. The lobby and peer caps bound memory; the seal grace is
// the window sealed lobbies stay up for late SDP/ICE traffic before
// teardown.
const (
	DefaultMaxLobbies = 1024
	DefaultMaxPeers   = 4096
	DefaultSealGrace  = 10 * time.Second
)

// Registry operation failures. WireReason maps them onto the protocol
// error taxonomy.
var (
	ErrMaxLobbies    = errors.New("max lobbies reached")
	ErrMaxPeers      = errors.New("max peers reached")
	ErrSealed        = errors.New("lobby is sealed")
	ErrAlreadyJoined = errors.New("peer is already in a lobby")
	ErrNotFound      = errors.New("lobby not found")
	ErrNotMember     = errors.New("peer is not a member")
	ErrNotAuthorized = errors.New("peer is not the lobby owner")
)

// errNotRelayable guards Relay against non-relay opcodes; it surfaces as
// bad_request.
var errNotRelayable = errors.New("opcode is not relayable")

// WireReason converts a registry error into its wire-format reason.
func WireReason(err error) protocol.Reason {
	switch {
	case errors.Is(err, ErrMaxLobbies):
		return protocol.ReasonMaxLobbiesReached
	case errors.Is(err, ErrMaxPeers):
		return protocol.ReasonMaxPeersReached
	case errors.Is(err, ErrSealed):
		return protocol.ReasonLobbySealed
	case errors.Is(err, ErrAlreadyJoined):
		return protocol.ReasonAlreadyJoined
	case errors.Is(err, ErrNotFound):
		return protocol.ReasonLobbyNotFound
	case errors.Is(err, ErrNotAuthorized):
		return protocol.ReasonNotAuthorized
	default:
		return protocol.ReasonBadRequest
	}
}

// Config tunes the registry. Zero values take the package defaults;
// DestroyOnEmpty additionally tears down unsealed lobbies as soon as the
// last peer leaves.
type Config struct {
	MaxLobbies     int
	MaxPeers       int
	SealGrace      time.Duration
	DestroyOnEmpty bool
}

func (c Config) withDefaults() Config {
	if c.MaxLobbies <= 0 {
		c.MaxLobbies = DefaultMaxLobbies
	}
	if c.MaxPeers <= 0 {
		c.MaxPeers = DefaultMaxPeers
	}
	if c.SealGrace <= 0 {
		c.SealGrace = DefaultSealGrace
	}
	return c
}

// member is one joined peer: its id and its bus subscription.
type member struct {
	id  uint32
	sub *bus.Subscriber
}

// lobby is the registry-owned record for one rendezvous room. Handlers
// only ever see Snapshot copies.
type lobby struct {
	name    string
	owner   uint32
	members []member // join order
	sealed  bool
	timer   *time.Timer
}

func (l *lobby) find(peer uint32) int {
	for i, m := range l.members {
		if m.id == peer {
			return i
		}
	}
	return -1
}

// Snapshot is a copy of a lobby's state at one serialization point.
type Snapshot struct {
	Name   string
	Owner  uint32
	Peers  []uint32 // join order, including the subject peer
	Sealed bool

	// Rejoined is set when a join was an idempotent same-name rejoin.
	Rejoined bool
}

func (l *lobby) snapshot() Snapshot {
	peers := make([]uint32, len(l.members))
	for i, m := range l.members {
		peers[i] = m.id
	}
	return Snapshot{Name: l.name, Owner: l.owner, Peers: peers, Sealed: l.sealed}
}

// Info is the registry's public listing entry, served by the control
// socket.
type Info struct {
	Name   string `json:"name"`
	Owner  uint32 `json:"owner"`
	Peers  int    `json:"peers"`
	Sealed bool   `json:"sealed"`
}

// Registry holds all lobbies. Safe for concurrent use.
type Registry struct {
	cfg Config
	bus *bus.Bus
	log *slog.Logger

	mu      sync.Mutex
	lobbies map[string]*lobby
	byPeer  map[uint32]string
}

// New creates a Registry publishing its events on b.
func New(cfg Config, b *bus.Bus, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:     cfg.withDefaults(),
		bus:     b,
		log:     logger.With("component", "registry"),
		lobbies: make(map[string]*lobby),
		byPeer:  make(map[uint32]string),
	}
}

// Join adds peer to the named lobby, creating it (with peer as owner) if
// absent. sink is the peer's outbound frame channel; on success it is
// subscribed to the lobby topic and a peer_connect for the new peer is
// broadcast to the existing members, atomically with the membership
// change.
//
// A repeat join to the same lobby is an idempotent success (Rejoined set,
// no broadcast); to a different lobby it fails with ErrAlreadyJoined.
func (r *Registry) Join(name string, peer uint32, sink chan<- protocol.Envelope) (Snapshot, *bus.Subscriber, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.byPeer[peer]; ok {
		if cur != name {
			return Snapshot{}, nil, ErrAlreadyJoined
		}
		l := r.lobbies[cur]
		snap := l.snapshot()
		snap.Rejoined = true
		return snap, l.members[l.find(peer)].sub, nil
	}

	l, ok := r.lobbies[name]
	if !ok {
		if len(r.lobbies) >= r.cfg.MaxLobbies {
			return Snapshot{}, nil, ErrMaxLobbies
		}
		l = &lobby{name: name, owner: peer}
		r.lobbies[name] = l
		lobbiesActive.Inc()
		r.log.Info("lobby created", "lobby", name, "owner", peer)
	} else {
		if l.sealed {
			return Snapshot{}, nil, ErrSealed
		}
		if len(l.members) >= r.cfg.MaxPeers {
			return Snapshot{}, nil, ErrMaxPeers
		}
	}

	topic := protocol.LobbyTopic(name)
	sub := r.bus.Subscribe(topic, sink)
	l.members = append(l.members, member{id: peer, sub: sub})
	r.byPeer[peer] = name
	peersActive.Inc()

	dropped := r.bus.PublishExcept(topic, sub,
		protocol.Push(topic, protocol.EventPeerConnect, protocol.Message{ID: peer, Type: protocol.OpPeerConnect}))
	broadcastsDropped.Add(float64(dropped))

	r.log.Info("peer joined", "lobby", name, "peer", peer, "members", len(l.members))
	return l.snapshot(), sub, nil
}

// Leave removes peer from the named lobby, unsubscribes it, and
// broadcasts peer_disconnect to the remaining members. Empty unsealed
// lobbies are destroyed when DestroyOnEmpty is set; sealed lobbies are
// removed only by their timer.
func (r *Registry) Leave(name string, peer uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.lobbies[name]
	if !ok {
		return ErrNotFound
	}
	i := l.find(peer)
	if i < 0 {
		return ErrNotMember
	}

	sub := l.members[i].sub
	l.members = append(l.members[:i], l.members[i+1:]...)
	delete(r.byPeer, peer)
	r.bus.Unsubscribe(sub)
	peersActive.Dec()

	topic := protocol.LobbyTopic(name)
	dropped := r.bus.Publish(topic,
		protocol.Push(topic, protocol.EventPeerDisconnect, protocol.Message{ID: peer, Type: protocol.OpPeerDisconnect}))
	broadcastsDropped.Add(float64(dropped))

	r.log.Info("peer left", "lobby", name, "peer", peer, "members", len(l.members))

	if len(l.members) == 0 && !l.sealed && r.cfg.DestroyOnEmpty {
		r.destroyLocked(l)
	}
	return nil
}

// Seal freezes the lobby's membership and schedules destruction after the
// configured grace. Only the owner may seal; an owner re-sealing an
// already sealed lobby is a no-op success with no second broadcast.
func (r *Registry) Seal(name string, peer uint32) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.lobbies[name]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	if peer != l.owner {
		return Snapshot{}, ErrNotAuthorized
	}
	if l.sealed {
		return l.snapshot(), nil
	}

	l.sealed = true
	lobbiesSealed.Inc()

	topic := protocol.LobbyTopic(name)
	dropped := r.bus.Publish(topic,
		protocol.Push(topic, protocol.EventSealed, protocol.Message{ID: l.owner, Type: protocol.OpSeal}))
	broadcastsDropped.Add(float64(dropped))

	l.timer = time.AfterFunc(r.cfg.SealGrace, func() { r.expire(l) })

	r.log.Info("lobby sealed", "lobby", name, "owner", l.owner, "grace", r.cfg.SealGrace)
	return l.snapshot(), nil
}

// Relay delivers an offer/answer/candidate to a single peer in the lobby,
// rewriting the outbound id to the sender. A missing destination is a
// silent drop — the peer may simply have left.
func (r *Registry) Relay(name string, from, to uint32, op protocol.Opcode, data string) error {
	event, ok := protocol.RelayEvent(op)
	if !ok {
		return errNotRelayable
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	l, lok := r.lobbies[name]
	if !lok {
		return ErrNotFound
	}
	i := l.find(to)
	if i < 0 {
		relaysDropped.Inc()
		return nil
	}

	topic := protocol.LobbyTopic(name)
	env := protocol.Push(topic, event, protocol.Message{ID: from, Type: op, Data: data})
	if !l.members[i].sub.TrySend(env) {
		relaysDropped.Inc()
		return nil
	}
	relaysDelivered.WithLabelValues(event).Inc()
	return nil
}

// Destroy removes the named lobby immediately, closing every member's
// subscription.
func (r *Registry) Destroy(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.lobbies[name]
	if !ok {
		return ErrNotFound
	}
	r.destroyLocked(l)
	return nil
}

// expire is the seal timer callback. The identity check makes a stale
// timer firing after an early Destroy (and a possible same-name
// recreation) a no-op.
func (r *Registry) expire(l *lobby) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lobbies[l.name] != l {
		return
	}
	r.log.Info("seal grace elapsed", "lobby", l.name)
	r.destroyLocked(l)
}

func (r *Registry) destroyLocked(l *lobby) {
	delete(r.lobbies, l.name)
	if l.timer != nil {
		l.timer.Stop()
	}
	for _, m := range l.members {
		delete(r.byPeer, m.id)
		r.bus.Unsubscribe(m.sub)
		m.sub.Close()
	}
	peersActive.Sub(float64(len(l.members)))
	l.members = nil
	lobbiesActive.Dec()
	lobbiesDestroyed.Inc()
	r.log.Info("lobby destroyed", "lobby", l.name)
}

// Members returns the lobby's peer list in join order.
func (r *Registry) Members(name string) ([]uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.lobbies[name]
	if !ok {
		return nil, ErrNotFound
	}
	peers := make([]uint32, len(l.members))
	for i, m := range l.members {
		peers[i] = m.id
	}
	return peers, nil
}

// LobbyOf returns the name of the lobby the peer is in, if any.
func (r *Registry) LobbyOf(peer uint32) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name, ok := r.byPeer[peer]
	return name, ok
}

// List returns a listing of all lobbies for the control surface.
func (r *Registry) List() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, 0, len(r.lobbies))
	for _, l := range r.lobbies {
		out = append(out, Info{Name: l.name, Owner: l.owner, Peers: len(l.members), Sealed: l.sealed})
	}
	return out
}

// Close destroys every lobby. Used on server shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.lobbies {
		r.destroyLocked(l)
	}
}
