package presence

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// LastSeenPrefix is the Redis key prefix for persisted last-seen times.
	LastSeenPrefix = "presence:lastseen:"

	// LastSeenTTL bounds how long a last-seen record outlives the user's
	// final disconnect.
	LastSeenTTL = 30 * 24 * time.Hour
)

// LastSeenStore persists the Online -> Offline timestamps so that "last seen"
// survives server restarts. The in-memory Registry remains the authority for
// live presence; the store is only consulted for users this instance has
// never observed.
type LastSeenStore interface {
	Save(ctx context.Context, userID string, t time.Time) error
	Load(ctx context.Context, userID string) (time.Time, bool, error)
}

// RedisLastSeenStore is the Redis-backed LastSeenStore implementation.
type RedisLastSeenStore struct {
	client *redis.Client
}

// NewRedisLastSeenStore creates a store using the provided Redis client.
func NewRedisLastSeenStore(client *redis.Client) *RedisLastSeenStore {
	return &RedisLastSeenStore{client: client}
}

// Save records the user's last-seen time, refreshing the TTL.
func (s *RedisLastSeenStore) Save(ctx context.Context, userID string, t time.Time) error {
	key := LastSeenPrefix + userID
	return s.client.Set(ctx, key, t.UTC().Format(time.RFC3339Nano), LastSeenTTL).Err()
}

// Load returns the persisted last-seen time for the user. The second return
// value is false if no record exists.
func (s *RedisLastSeenStore) Load(ctx context.Context, userID string) (time.Time, bool, error) {
	key := LastSeenPrefix + userID

	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}

	t, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}
