// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types. The three signal types are also sent
// Server -> Client with "from" in place of "to".
const (
	TypeFindPartner        = "find_partner"
	TypeSignalOffer        = "signal_offer"
	TypeSignalAnswer       = "signal_answer"
	TypeSignalICECandidate = "signal_ice_candidate"
	TypeSendMessage        = "send_message"
	TypeTyping             = "typing"
	TypeReportUser         = "report_user"
	TypeNextPartner        = "next_partner"
	TypePing               = "ping"
)

// Server -> Client message types.
const (
	TypeConnected      = "connected"
	TypeWaiting        = "waiting"
	TypeMatchFound     = "match_found"
	TypeReceiveMessage = "receive_message"
	TypePartnerTyping  = "partner_typing"
	TypeSystemMessage  = "system_message"
	TypePartnerLeft    = "partner_left"
	TypeReadyForNext   = "ready_for_next"
	TypeBanned         = "banned"
	TypeError          = "error"
	TypePong           = "pong"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so the rest of the payload can be decoded into the concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// FindPartnerMsg asks to be paired for a text or video chat, optionally by
// shared tags. The chat type travels as "chat_type" because "type" is the
// envelope discriminator.
type FindPartnerMsg struct {
	Type     string   `json:"type"`
	ChatType string   `json:"chat_type"`
	Tags     []string `json:"tags"`
	Nickname string   `json:"nickname,omitempty"`
	Location string   `json:"location,omitempty"`
}

// SignalMsg carries an opaque negotiation payload to a peer. Exactly one of
// Offer, Answer or Candidate is set, matching Type.
type SignalMsg struct {
	Type      string          `json:"type"`
	To        string          `json:"to"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// Payload returns the field matching the signal type.
func (m SignalMsg) Payload() json.RawMessage {
	switch m.Type {
	case TypeSignalOffer:
		return m.Offer
	case TypeSignalAnswer:
		return m.Answer
	case TypeSignalICECandidate:
		return m.Candidate
	}
	return nil
}

// SendMessageMsg is a chat line for the current partner.
type SendMessageMsg struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// TypingMsg indicates whether the client is currently typing.
type TypingMsg struct {
	Type     string `json:"type"`
	IsTyping bool   `json:"is_typing"`
}

// ReportUserMsg reports the current partner.
type ReportUserMsg struct {
	Type     string `json:"type"`
	Reason   string `json:"reason"`
	Evidence string `json:"evidence,omitempty"`
}

// NextPartnerMsg leaves the current pairing.
type NextPartnerMsg struct {
	Type string `json:"type"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ConnectedMsg tells a new client its connection id.
type ConnectedMsg struct {
	ConnectionID string `json:"connection_id"`
}

// WaitingMsg confirms the client is queued.
type WaitingMsg struct {
	Message string `json:"message"`
}

// MatchFoundMsg announces a partner. Role is "offerer" or "answerer".
type MatchFoundMsg struct {
	PartnerID       string `json:"partner_id"`
	PartnerNickname string `json:"partner_nickname"`
	PartnerLocation string `json:"partner_location"`
	Role            string `json:"role"`
}

// RelayedSignalMsg is a negotiation payload forwarded from a peer. The
// payload key ("offer", "answer" or "candidate") depends on the type, so it
// is built by NewSignalMessage rather than marshalled from a struct.
type RelayedSignalMsg struct {
	From    string
	Payload json.RawMessage
}

// ReceiveMessageMsg is a chat line from the partner.
type ReceiveMessageMsg struct {
	From    string `json:"from"`
	Content string `json:"content"`
}

// PartnerTypingMsg relays the partner's typing indicator.
type PartnerTypingMsg struct {
	IsTyping bool `json:"is_typing"`
}

// SystemMessageMsg is an informational line shown in the chat.
type SystemMessageMsg struct {
	Content string `json:"content"`
}

// PartnerLeftMsg tells a client its partner is gone.
type PartnerLeftMsg struct {
	From    string `json:"from"`
	Message string `json:"message"`
}

// ReadyForNextMsg signals that a new find_partner may be sent.
type ReadyForNextMsg struct{}

// BannedMsg is sent before the server closes a banned client. RetryAfter is
// in seconds.
type BannedMsg struct {
	Reason     string `json:"reason"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct{}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeFindPartner:
		var m FindPartnerMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSignalOffer, TypeSignalAnswer, TypeSignalICECandidate:
		var m SignalMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeReportUser:
		var m ReportUserMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeNextPartner:
		var m NextPartnerMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	if m == nil {
		m = make(map[string]json.RawMessage, 1)
	}

	typ, _ := json.Marshal(msgType)
	m["type"] = typ

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// SignalPayloadKey returns the JSON key that carries the payload of a
// signal message type, or "" for other types.
func SignalPayloadKey(msgType string) string {
	switch msgType {
	case TypeSignalOffer:
		return "offer"
	case TypeSignalAnswer:
		return "answer"
	case TypeSignalICECandidate:
		return "candidate"
	}
	return ""
}

// NewSignalMessage builds {type, from, <offer|answer|candidate>} with the
// payload copied verbatim. A missing payload is sent as null.
func NewSignalMessage(msgType string, sig RelayedSignalMsg) ([]byte, error) {
	key := SignalPayloadKey(msgType)
	if key == "" {
		return nil, fmt.Errorf("protocol: %q is not a signal type", msgType)
	}
	payload := sig.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	from, _ := json.Marshal(sig.From)
	typ, _ := json.Marshal(msgType)

	out, err := json.Marshal(map[string]json.RawMessage{
		"type": typ,
		"from": from,
		key:    payload,
	})
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal signal: %w", err)
	}
	return out, nil
}
