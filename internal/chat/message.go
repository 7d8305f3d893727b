// Package chat implements the message pipeline: validation, session-scoped
// sequencing, persist-then-deliver appends, and seen-receipt state. The
// in-memory session is a replay cache over the durable message store, never
// the source of truth.
package chat

import (
	"sort"
	"strings"
	"time"
)

// Message is a single chat message. ID is a session-scoped sequence number
// assigned by the pipeline; it strictly increases with append order and is
// the sole ordering authority. CreatedAt is descriptive metadata only.
// A message is immutable once created except for the Seen flag, which
// transitions false -> true exactly once.
type Message struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"created_at"`
	Seen       bool      `json:"seen"`
}

// SessionID derives the canonical session identifier for the unordered pair
// of users. Both participants always resolve to the same id.
func SessionID(userA, userB string) string {
	pair := []string{userA, userB}
	sort.Strings(pair)
	return pair[0] + ":" + pair[1]
}

// ParticipantsOf splits a canonical session id back into its two user ids.
// The second return value is false for malformed ids.
func ParticipantsOf(sessionID string) (string, string, bool) {
	a, b, ok := strings.Cut(sessionID, ":")
	if !ok || a == "" || b == "" {
		return "", "", false
	}
	return a, b, true
}
