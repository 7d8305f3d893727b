package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Pipeline errors. Handlers match with errors.Is and translate them into
// negative acks to the offending connection only.
var (
	ErrInvalidMessage  = errors.New("chat: invalid message")
	ErrSessionNotFound = errors.New("chat: session not found")
)

// Store is the durable message store collaborator. The pipeline persists a
// message before it is ever delivered, so an offline peer receives it via
// history replay on their next join.
type Store interface {
	Append(ctx context.Context, sessionID string, msg Message) error
	MarkSeen(ctx context.Context, sessionID string, ids []int64) error
	LoadHistory(ctx context.Context, sessionID string) ([]Message, error)
}

// Pipeline validates, sequences, persists, and tracks seen state for chat
// messages. Sessions are created lazily on first join and cached in memory;
// the cache may be evicted once both participants are offline.
type Pipeline struct {
	store Store

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewPipeline creates a Pipeline backed by the given store.
func NewPipeline(store Store) *Pipeline {
	return &Pipeline{
		store:    store,
		sessions: make(map[string]*Session),
	}
}

// Join returns the live session for the unordered user pair, creating it and
// replaying its durable history if it is not already cached.
func (p *Pipeline) Join(ctx context.Context, userID, peerID string) (*Session, error) {
	id := SessionID(userID, peerID)

	p.mu.RLock()
	s, ok := p.sessions[id]
	p.mu.RUnlock()
	if ok {
		return s, nil
	}

	// Load history outside the map lock; replays are read-only.
	history, err := p.store.LoadHistory(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("chat: load history for %s: %w", id, err)
	}

	userA, userB, _ := ParticipantsOf(id)

	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.sessions[id]; ok {
		// Lost the race with a concurrent join; the cached session wins.
		return s, nil
	}
	s = newSession(id, userA, userB, history)
	p.sessions[id] = s
	return s, nil
}

// Session returns the cached session, or nil if it is not live.
func (p *Pipeline) Session(sessionID string) *Session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sessions[sessionID]
}

// Append validates the text, assigns the next session sequence id, persists
// the message, and commits it to the live session. Assignment is serialized
// per session: no two messages ever share an id and ids strictly increase
// with append order, regardless of sender concurrency.
func (p *Pipeline) Append(ctx context.Context, sessionID, senderID, senderName, text string) (Message, error) {
	s := p.Session(sessionID)
	if s == nil {
		return Message{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if !s.IsParticipant(senderID) {
		return Message{}, fmt.Errorf("%w: %s not in %s", ErrSessionNotFound, senderID, sessionID)
	}
	if err := ValidateText(text); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	msg := Message{
		ID:         s.nextID + 1,
		SessionID:  sessionID,
		SenderID:   senderID,
		SenderName: senderName,
		Text:       text,
		CreatedAt:  time.Now().UTC(),
	}

	// Persist before delivery; a failed append is never observed by anyone.
	if err := p.store.Append(ctx, sessionID, msg); err != nil {
		return Message{}, fmt.Errorf("chat: append to %s: %w", sessionID, err)
	}

	s.commit(msg)
	return msg, nil
}

// MarkSeen flips seen=false->true for every message in the session not
// authored by ackerID. It is idempotent: a repeat call with nothing new to
// mark returns an empty set, not an error. Only the messages that actually
// changed state are returned, so callers emit exactly one receipt burst per
// genuinely new acknowledgment.
func (p *Pipeline) MarkSeen(ctx context.Context, sessionID, ackerID string) ([]Message, error) {
	s := p.Session(sessionID)
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if !s.IsParticipant(ackerID) {
		return nil, fmt.Errorf("%w: %s not in %s", ErrSessionNotFound, ackerID, sessionID)
	}

	// The sequencer also serializes seen-state changes, so two concurrent
	// acks cannot both claim the same messages.
	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	changed := s.unseenBy(ackerID)
	if len(changed) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(changed))
	idSet := make(map[int64]struct{}, len(changed))
	for i, m := range changed {
		ids[i] = m.ID
		idSet[m.ID] = struct{}{}
	}

	if err := p.store.MarkSeen(ctx, sessionID, ids); err != nil {
		return nil, fmt.Errorf("chat: mark seen in %s: %w", sessionID, err)
	}

	s.markSeen(idSet)
	for i := range changed {
		changed[i].Seen = true
	}
	return changed, nil
}

// Evict drops the in-memory session cache. Safe to call while the session is
// idle; the durable store still holds the full history and the next join
// replays it.
func (p *Pipeline) Evict(sessionID string) {
	p.mu.Lock()
	delete(p.sessions, sessionID)
	p.mu.Unlock()
}

// LiveSessions returns the number of sessions currently cached in memory.
func (p *Pipeline) LiveSessions() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.sessions)
}
