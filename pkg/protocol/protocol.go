// Package protocol defines the wire format spoken between lobbyd and its
// clients: a topic-based envelope carrying named events, and the 8-opcode
// signaling message exchanged inside a lobby.
//
// All frames are JSON text. Inbound payloads are decoded strictly — an
// unknown field, a missing required field, or a mistyped value (e.g. a
// string where the integer peer id belongs) is a protocol error, not a
// best-effort parse.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Opcode is the message type discriminator carried in Message.Type.
type Opcode int

// The eight signaling opcodes.
const (
	OpJoin           Opcode = 0
	OpID             Opcode = 1
	OpPeerConnect    Opcode = 2
	OpPeerDisconnect Opcode = 3
	OpOffer          Opcode = 4
	OpAnswer         Opcode = 5
	OpCandidate      Opcode = 6
	OpSeal           Opcode = 7
)

// Channel-layer events. The phx_* names follow the topic-channel
// convention the envelope is modeled on.
const (
	EventPhxJoin   = "phx_join"
	EventPhxLeave  = "phx_leave"
	EventPhxReply  = "phx_reply"
	EventPhxClose  = "phx_close"
	EventHeartbeat = "heartbeat"
)

// Domain events carried on a lobby topic.
const (
	EventJoin           = "join"
	EventID             = "id"
	EventPeerConnect    = "peer_connect"
	EventPeerDisconnect = "peer_disconnect"
	EventOffer          = "offer"
	EventAnswer         = "answer"
	EventCandidate      = "candidate"
	EventSeal           = "seal"
	EventSealed         = "sealed"
)

// TopicPhoenix is the control topic used for heartbeat frames.
const TopicPhoenix = "phoenix"

// topicPrefix namespaces lobby topics ("lobby:<name>").
const topicPrefix = "lobby:"

// LobbyTopic returns the bus/envelope topic for a lobby name.
func LobbyTopic(name string) string {
	return topicPrefix + name
}

// LobbyName extracts the lobby name from a topic. The second return is
// false when the topic is not a lobby topic.
func LobbyName(topic string) (string, bool) {
	if !strings.HasPrefix(topic, topicPrefix) {
		return "", false
	}
	return strings.TrimPrefix(topic, topicPrefix), true
}

// Envelope is the outer frame, both directions:
//
//	{"topic":"lobby:room1","event":"offer","payload":{...},"ref":3}
//
// Ref correlates a request with its phx_reply; server pushes carry a null
// ref.
type Envelope struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     *uint64         `json:"ref"`
}

// Message is the signaling object carried in domain-event payloads. The
// meaning of ID depends on direction and opcode: destination peer on
// inbound relays, sending peer on outbound relays, subject peer on
// id/peer_connect/peer_disconnect. Zero means "no peer".
type Message struct {
	ID   uint32 `json:"id"`
	Type Opcode `json:"type"`
	Data string `json:"data"`
}

// Reply statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Reply is the payload of a phx_reply frame.
type Reply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

// Reason identifies a protocol-level failure on the wire.
type Reason string

// The error taxonomy. Protocol errors are scoped to the originating
// request and never tear down the connection.
const (
	ReasonBadRequest        Reason = "bad_request"
	ReasonNotJoined         Reason = "not_joined"
	ReasonLobbyNotFound     Reason = "lobby_not_found"
	ReasonLobbySealed       Reason = "lobby_sealed"
	ReasonMaxPeersReached   Reason = "max_peers_reached"
	ReasonMaxLobbiesReached Reason = "max_lobbies_reached"
	ReasonNotAuthorized     Reason = "not_authorized"
	ReasonAlreadyJoined     Reason = "already_joined"
)

// ErrorResponse is the response object of an error reply.
type ErrorResponse struct {
	Reason Reason `json:"reason"`
}

// ParseEnvelope decodes a raw frame. Topic and event are required.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decoding envelope: %w", err)
	}
	if env.Topic == "" {
		return Envelope{}, fmt.Errorf("envelope missing topic")
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("envelope missing event")
	}
	return env, nil
}

// Push builds a server-originated frame (null ref) carrying a Message.
func Push(topic, event string, msg Message) Envelope {
	payload, _ := json.Marshal(msg)
	return Envelope{Topic: topic, Event: event, Payload: payload}
}

// OKReply builds a phx_reply with status ok and the given response object.
// A nil response encodes as an empty object.
func OKReply(topic string, ref *uint64, response any) Envelope {
	if response == nil {
		response = struct{}{}
	}
	resp, _ := json.Marshal(response)
	payload, _ := json.Marshal(Reply{Status: StatusOK, Response: resp})
	return Envelope{Topic: topic, Event: EventPhxReply, Payload: payload, Ref: ref}
}

// ErrReply builds a phx_reply with status error and a {reason} response.
func ErrReply(topic string, ref *uint64, reason Reason) Envelope {
	resp, _ := json.Marshal(ErrorResponse{Reason: reason})
	payload, _ := json.Marshal(Reply{Status: StatusError, Response: resp})
	return Envelope{Topic: topic, Event: EventPhxReply, Payload: payload, Ref: ref}
}

// DecodeReply decodes a phx_reply payload.
func DecodeReply(payload json.RawMessage) (Reply, error) {
	var r Reply
	if err := json.Unmarshal(payload, &r); err != nil {
		return Reply{}, fmt.Errorf("decoding reply: %w", err)
	}
	if r.Status != StatusOK && r.Status != StatusError {
		return Reply{}, fmt.Errorf("unknown reply status %q", r.Status)
	}
	return r, nil
}

// DecodeMessage decodes a domain-event payload into a Message. Used by
// clients; servers validate inbound payloads with the Parse* helpers.
func DecodeMessage(payload json.RawMessage) (Message, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return Message{}, fmt.Errorf("decoding message: %w", err)
	}
	return m, nil
}

// RelayEvent maps a relay opcode to its event name.
func RelayEvent(op Opcode) (string, bool) {
	switch op {
	case OpOffer:
		return EventOffer, true
	case OpAnswer:
		return EventAnswer, true
	case OpCandidate:
		return EventCandidate, true
	}
	return "", false
}

// RelayOpcode maps a relay event name to its opcode.
func RelayOpcode(event string) (Opcode, bool) {
	switch event {
	case EventOffer:
		return OpOffer, true
	case EventAnswer:
		return OpAnswer, true
	case EventCandidate:
		return OpCandidate, true
	}
	return 0, false
}

// decodeStrict decodes raw into v, rejecting unknown fields and trailing
// data.
func decodeStrict(raw json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("trailing data after payload")
	}
	return nil
}

// ParseJoin validates a join payload ({"data": string}) and returns the
// requested lobby name (possibly empty, meaning server-generated).
func ParseJoin(raw json.RawMessage) (string, error) {
	var p struct {
		Data *string `json:"data"`
	}
	if err := decodeStrict(raw, &p); err != nil {
		return "", fmt.Errorf("join payload: %w", err)
	}
	if p.Data == nil {
		return "", fmt.Errorf("join payload: missing data")
	}
	return *p.Data, nil
}

// ParseRelay validates an offer/answer/candidate payload
// ({"id": uint32, "data": string}) and returns the destination peer and
// the opaque SDP/ICE payload. A string id fails here, which surfaces as
// bad_request.
func ParseRelay(raw json.RawMessage) (uint32, string, error) {
	var p struct {
		ID   *uint32 `json:"id"`
		Data *string `json:"data"`
	}
	if err := decodeStrict(raw, &p); err != nil {
		return 0, "", fmt.Errorf("relay payload: %w", err)
	}
	if p.ID == nil {
		return 0, "", fmt.Errorf("relay payload: missing id")
	}
	if p.Data == nil {
		return 0, "", fmt.Errorf("relay payload: missing data")
	}
	return *p.ID, *p.Data, nil
}

// ParseSeal validates a seal payload, which must be an empty object.
// Absent/null payloads are accepted as empty.
func ParseSeal(raw json.RawMessage) error {
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	var p struct{}
	if err := decodeStrict(raw, &p); err != nil {
		return fmt.Errorf("seal payload: %w", err)
	}
	return nil
}
