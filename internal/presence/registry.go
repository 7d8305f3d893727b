// Package presence tracks which users currently hold live connections and
// derives their Online/Offline state. A user is Online iff their connection
// set is non-empty; the last-seen timestamp is assigned only on the
// Online -> Offline transition and never moves backwards.
package presence

import (
	"hash/fnv"
	"sync"
	"time"
)

// numShards is the number of independent lock domains. Presence updates for
// one user always land on the same shard, so the 0->1 and N->0 edges are
// linearized per user while unrelated users never contend.
const numShards = 32

// State is the presence snapshot for a single user.
type State struct {
	Online   bool
	LastSeen time.Time // zero if the user has never been seen offline
}

// Registry maintains per-user connection sets. It is purely in-memory; all
// methods are non-blocking and safe for concurrent use from per-connection
// workers.
type Registry struct {
	shards [numShards]*shard
}

type shard struct {
	mu    sync.RWMutex
	users map[string]*userEntry
}

type userEntry struct {
	conns    map[string]struct{}
	lastSeen time.Time
}

// NewRegistry creates an empty Registry ready for use.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &shard{users: make(map[string]*userEntry)}
	}
	return r
}

func (r *Registry) shardFor(userID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return r.shards[h.Sum32()%numShards]
}

// AddConnection registers a connection handle for the user. It returns true
// only on the 0->1 edge, i.e. when the user transitioned Offline -> Online.
// Adding a handle that is already registered is a no-op.
func (r *Registry) AddConnection(userID, connID string) bool {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.users[userID]
	if !ok {
		entry = &userEntry{conns: make(map[string]struct{})}
		s.users[userID] = entry
	}

	wasEmpty := len(entry.conns) == 0
	entry.conns[connID] = struct{}{}
	return wasEmpty && len(entry.conns) == 1
}

// RemoveConnection unregisters a connection handle for the user. It returns
// true only on the N->0 edge (the user transitioned Online -> Offline),
// together with the last-seen timestamp recorded for that transition.
// Removing an unknown handle is a no-op.
func (r *Registry) RemoveConnection(userID, connID string) (bool, time.Time) {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.users[userID]
	if !ok {
		return false, time.Time{}
	}
	if _, ok := entry.conns[connID]; !ok {
		return false, time.Time{}
	}

	delete(entry.conns, connID)
	if len(entry.conns) > 0 {
		return false, time.Time{}
	}

	now := time.Now()
	if now.After(entry.lastSeen) {
		entry.lastSeen = now
	}
	return true, entry.lastSeen
}

// Query returns the user's current presence state. It is a pure in-memory
// read and never blocks on I/O.
func (r *Registry) Query(userID string) State {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.users[userID]
	if !ok {
		return State{}
	}
	return State{
		Online:   len(entry.conns) > 0,
		LastSeen: entry.lastSeen,
	}
}

// SeedLastSeen installs a last-seen timestamp recovered from durable storage
// for a user with no live connections. It never moves an existing timestamp
// backwards and never touches an online user.
func (r *Registry) SeedLastSeen(userID string, t time.Time) {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.users[userID]
	if !ok {
		entry = &userEntry{conns: make(map[string]struct{})}
		s.users[userID] = entry
	}
	if len(entry.conns) == 0 && t.After(entry.lastSeen) {
		entry.lastSeen = t
	}
}

// Connections returns a snapshot of the user's live connection handles.
func (r *Registry) Connections(userID string) []string {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.users[userID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(entry.conns))
	for id := range entry.conns {
		out = append(out, id)
	}
	return out
}

// OnlineCount returns the number of users with at least one live connection.
func (r *Registry) OnlineCount() int {
	total := 0
	for _, s := range r.shards {
		s.mu.RLock()
		for _, entry := range s.users {
			if len(entry.conns) > 0 {
				total++
			}
		}
		s.mu.RUnlock()
	}
	return total
}
