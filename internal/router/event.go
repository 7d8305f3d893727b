// Package router maps users to their open chat sessions and fans inbound
// events out to the correct peer connections. It owns the typing coordinator
// and drives the message pipeline; transport and connection lifecycle stay in
// the gateway.
package router

import "github.com/devverse/chat-core/internal/chat"

// Event kinds mirrored between server instances.
const (
	EventMessage    = "message"
	EventTyping     = "typing"
	EventStopTyping = "stop_typing"
	EventSeen       = "seen"
	EventOnline     = "online"
	EventOffline    = "offline"
)

// Event is the payload published to NATS chat.<session_id> and
// presence.<user_id> subjects so peers connected to other instances receive
// the same fan-out as local ones. Origin names the publishing instance;
// subscribers drop their own events.
type Event struct {
	Kind       string        `json:"kind"`
	Origin     string        `json:"origin"`
	SessionID  string        `json:"session_id,omitempty"`
	UserID     string        `json:"user_id,omitempty"` // acting user (sender, typist, acker, presence subject)
	SenderName string        `json:"sender_name,omitempty"`
	Message    *chat.Message `json:"message,omitempty"`
	LastSeen   string        `json:"last_seen,omitempty"` // RFC 3339, offline events only
}
