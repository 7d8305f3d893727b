package chat

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store implementation used in tests and in
// single-node dev mode when no database is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]Message
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string][]Message)}
}

// Append stores a message at the end of the session's log.
func (s *MemoryStore) Append(ctx context.Context, sessionID string, msg Message) error {
	s.mu.Lock()
	s.sessions[sessionID] = append(s.sessions[sessionID], msg)
	s.mu.Unlock()
	return nil
}

// MarkSeen flips the seen flag on the given message ids.
func (s *MemoryStore) MarkSeen(ctx context.Context, sessionID string, ids []int64) error {
	idSet := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		idSet[id] = struct{}{}
	}

	s.mu.Lock()
	msgs := s.sessions[sessionID]
	for i := range msgs {
		if _, ok := idSet[msgs[i].ID]; ok {
			msgs[i].Seen = true
		}
	}
	s.mu.Unlock()
	return nil
}

// LoadHistory returns a copy of the session's messages in append order.
func (s *MemoryStore) LoadHistory(ctx context.Context, sessionID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Message(nil), s.sessions[sessionID]...), nil
}
