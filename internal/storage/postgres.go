// Package storage provides the PostgreSQL-backed durable message store.
// The live chat pipeline persists every message here before delivery is
// attempted, and replays history from here when a session is rejoined.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq"

	"github.com/devverse/chat-core/internal/chat"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Open connects to PostgreSQL using the given connection URL and verifies
// the connection with a short ping.
func Open(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	return db, nil
}

// Migrate applies the embedded schema migrations. Running against an
// up-to-date schema is a no-op.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("storage: migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("storage: migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("storage: migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("storage: migrate up: %w", err)
	}
	return nil
}

// MessageStore implements chat.Store on PostgreSQL.
type MessageStore struct {
	db *sql.DB
}

// NewMessageStore creates a MessageStore using the given database handle.
func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{db: db}
}

// Append inserts a message. The (session_id, seq) primary key rejects a
// duplicate sequence id, which would indicate a second writer for the
// session; the pipeline treats that as a hard error.
func (s *MessageStore) Append(ctx context.Context, sessionID string, msg chat.Message) error {
	const query = `
		INSERT INTO chat_messages (session_id, seq, sender_id, sender_name, text, created_at, seen)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.db.ExecContext(ctx, query,
		sessionID,
		msg.ID,
		msg.SenderID,
		msg.SenderName,
		msg.Text,
		msg.CreatedAt,
		msg.Seen,
	)
	if err != nil {
		return fmt.Errorf("storage: insert message: %w", err)
	}
	return nil
}

// MarkSeen flips the seen flag on the given sequence ids.
func (s *MessageStore) MarkSeen(ctx context.Context, sessionID string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	const query = `
		UPDATE chat_messages
		SET seen = TRUE
		WHERE session_id = $1 AND seq = ANY($2)`

	_, err := s.db.ExecContext(ctx, query, sessionID, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("storage: mark seen: %w", err)
	}
	return nil
}

// LoadHistory returns the session's messages ordered by sequence id.
func (s *MessageStore) LoadHistory(ctx context.Context, sessionID string) ([]chat.Message, error) {
	const query = `
		SELECT seq, sender_id, sender_name, text, created_at, seen
		FROM chat_messages
		WHERE session_id = $1
		ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("storage: load history: %w", err)
	}
	defer rows.Close()

	var msgs []chat.Message
	for rows.Next() {
		m := chat.Message{SessionID: sessionID}
		if err := rows.Scan(&m.ID, &m.SenderID, &m.SenderName, &m.Text, &m.CreatedAt, &m.Seen); err != nil {
			return nil, fmt.Errorf("storage: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate history: %w", err)
	}
	return msgs, nil
}
