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

// Client -> Server message types.
const (
	TypeJoinChat      = "joinChat"
	TypeTyping        = "typing"
	TypeStopTyping    = "stopTyping"
	TypeSendMessage   = "sendMessage"
	TypeMarkAsSeen    = "markAsSeen"
	TypeRequestStatus = "requestStatus"
	TypePing          = "ping"
)

// Server -> Client message types.
const (
	TypeMessageReceived  = "messageReceived"
	TypeTargetTyping     = "targetTyping"
	TypeTargetStopTyping = "targetStopTyping"
	TypeSeenReceipt      = "seenReceipt"
	TypeUserOnline       = "userOnline"
	TypeUserOffline      = "userOffline"
	TypeInitialStatus    = "initialStatus"
	TypeHistory          = "history"
	TypeRateLimited      = "rateLimited"
	TypeError            = "error"
	TypePong             = "pong"
)

// ---------------------------------------------------------------------------
// Envelope, used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
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

// JoinChatMsg is sent by the client to open (or attach to) the chat session
// with the given peer. FirstName is the sender's display name, carried as
// opaque metadata for the peer's UI.
type JoinChatMsg struct {
	Type      string `json:"type"`
	Target    string `json:"target"`
	FirstName string `json:"firstName"`
}

// TypingMsg signals that the client is composing a message to the peer.
// Repeated typing events refresh the server-side inactivity window.
type TypingMsg struct {
	Type       string `json:"type"`
	Target     string `json:"target"`
	SenderName string `json:"senderName"`
}

// StopTypingMsg explicitly ends the client's typing state for the peer.
type StopTypingMsg struct {
	Type   string `json:"type"`
	Target string `json:"target"`
}

// SendMessageMsg is a text message sent by the client to the peer. Any
// client-supplied timestamp is ignored; ordering is assigned server-side.
type SendMessageMsg struct {
	Type   string `json:"type"`
	Target string `json:"target"`
	Text   string `json:"text"`
}

// MarkAsSeenMsg acknowledges all of the peer's unseen messages in the session.
type MarkAsSeenMsg struct {
	Type   string `json:"type"`
	Target string `json:"target"`
}

// RequestStatusMsg asks for a presence snapshot of the given user.
type RequestStatusMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// MessageReceivedMsg delivers a chat message to the peer's connections. ID is
// the session-scoped sequence number assigned by the message pipeline.
type MessageReceivedMsg struct {
	Type      string `json:"type"`
	ID        int64  `json:"id"`
	SenderID  string `json:"senderId"`
	FirstName string `json:"firstName"`
	Text      string `json:"text"`
	Time      string `json:"time"`
}

// TargetTypingMsg tells the client that the peer started typing.
type TargetTypingMsg struct {
	Type       string `json:"type"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
}

// TargetStopTypingMsg tells the client that the peer stopped typing.
type TargetStopTypingMsg struct {
	Type     string `json:"type"`
	SenderID string `json:"senderId"`
}

// SeenReceiptMsg tells a sender that their message(s) in the session were
// read by the peer. It is fanned out to all of the sender's connections.
type SeenReceiptMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// UserOnlineMsg announces that a user transitioned to Online.
type UserOnlineMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// UserOfflineMsg announces that a user transitioned to Offline. LastSeen is
// the RFC 3339 time of the user's final disconnect.
type UserOfflineMsg struct {
	Type     string `json:"type"`
	UserID   string `json:"userId"`
	LastSeen string `json:"lastSeen"`
}

// InitialStatusMsg is the presence snapshot delivered on join and in response
// to requestStatus. LastSeen is empty while the user is online.
type InitialStatusMsg struct {
	Type     string `json:"type"`
	UserID   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
	LastSeen string `json:"lastSeen,omitempty"`
}

// HistoryMessage is one replayed message inside a HistoryMsg.
type HistoryMessage struct {
	ID        int64  `json:"id"`
	SenderID  string `json:"senderId"`
	FirstName string `json:"firstName"`
	Text      string `json:"text"`
	Time      string `json:"time"`
	Seen      bool   `json:"seen"`
}

// HistoryMsg replays the session's message history to a joining client, in
// sequence order.
type HistoryMsg struct {
	Type      string           `json:"type"`
	SessionID string           `json:"sessionId"`
	Messages  []HistoryMessage `json:"messages"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

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
	case TypeJoinChat:
		var m JoinChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeStopTyping:
		var m StopTypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMarkAsSeen:
		var m MarkAsSeenMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeRequestStatus:
		var m RequestStatusMsg
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
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
