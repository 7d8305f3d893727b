package chat

import "sync"

// Session is the live in-memory state of one conversation between exactly
// two users. The message log is append-only and single-writer: all appends
// and seen-flag flips go through the pipeline's per-session sequencer, while
// readers may take consistent snapshots concurrently.
type Session struct {
	ID    string
	UserA string // lexicographically smaller participant
	UserB string

	// seqMu is the per-session sequencer: it serializes id assignment,
	// store persistence, and the in-memory append as one unit. Readers
	// never take it.
	seqMu sync.Mutex

	// dataMu guards the message slice and nextID for memory access only;
	// it is never held across I/O.
	dataMu   sync.RWMutex
	messages []Message
	nextID   int64
}

func newSession(id, userA, userB string, history []Message) *Session {
	s := &Session{
		ID:       id,
		UserA:    userA,
		UserB:    userB,
		messages: append([]Message(nil), history...),
	}
	for _, m := range s.messages {
		if m.ID > s.nextID {
			s.nextID = m.ID
		}
	}
	return s
}

// IsParticipant reports whether the user is one of the two participants.
func (s *Session) IsParticipant(userID string) bool {
	return userID == s.UserA || userID == s.UserB
}

// Peer returns the other participant's user id, or "" if the given user is
// not a participant.
func (s *Session) Peer(userID string) string {
	switch userID {
	case s.UserA:
		return s.UserB
	case s.UserB:
		return s.UserA
	}
	return ""
}

// History returns a snapshot of the session's messages in sequence order.
// The snapshot is a consistent prefix of the log: no gaps, no torn messages.
func (s *Session) History() []Message {
	s.dataMu.RLock()
	defer s.dataMu.RUnlock()
	return append([]Message(nil), s.messages...)
}

// Len returns the number of messages currently in the session cache.
func (s *Session) Len() int {
	s.dataMu.RLock()
	defer s.dataMu.RUnlock()
	return len(s.messages)
}

// unseenBy returns the messages not authored by userID that are still
// unseen, in sequence order.
func (s *Session) unseenBy(userID string) []Message {
	s.dataMu.RLock()
	defer s.dataMu.RUnlock()

	var out []Message
	for _, m := range s.messages {
		if m.SenderID != userID && !m.Seen {
			out = append(out, m)
		}
	}
	return out
}

// commit appends a persisted message to the in-memory log and advances the
// sequence counter. Caller must hold seqMu.
func (s *Session) commit(msg Message) {
	s.dataMu.Lock()
	s.messages = append(s.messages, msg)
	s.nextID = msg.ID
	s.dataMu.Unlock()
}

// markSeen flips the Seen flag on the messages with the given ids. Caller
// must hold seqMu.
func (s *Session) markSeen(ids map[int64]struct{}) {
	s.dataMu.Lock()
	for i := range s.messages {
		if _, ok := ids[s.messages[i].ID]; ok {
			s.messages[i].Seen = true
		}
	}
	s.dataMu.Unlock()
}
