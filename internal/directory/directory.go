// Package directory remembers where each user can be reached, so that
// notifications can be pushed into an existing conversation.
package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no reference is stored for an email.
var ErrNotFound = errors.New("directory: not found")

// Reference is what a transport needs to send into a conversation without
// an inbound turn.
type Reference struct {
	Channel        string // "teams" or "slack"
	ServiceURL     string
	ConversationID string
	BotID          string
	UserID         string
	Locale         string
	UpdatedAt      time.Time
}

// Store persists references keyed by lower-cased email.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the directory database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("directory: open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("directory: wal: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS conversation_refs (
			email           TEXT PRIMARY KEY,
			channel         TEXT NOT NULL,
			service_url     TEXT NOT NULL DEFAULT '',
			conversation_id TEXT NOT NULL,
			bot_id          TEXT NOT NULL DEFAULT '',
			user_id         TEXT NOT NULL DEFAULT '',
			locale          TEXT NOT NULL DEFAULT '',
			updated_at      TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("directory: migrate: %w", err)
	}
	return nil
}

func normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Save records the latest reference for email.
func (s *Store) Save(ctx context.Context, email string, ref Reference) error {
	email = normalize(email)
	if email == "" || ref.ConversationID == "" {
		return fmt.Errorf("directory: save: email and conversation id are required")
	}
	if ref.UpdatedAt.IsZero() {
		ref.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_refs (email, channel, service_url, conversation_id, bot_id, user_id, locale, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(email) DO UPDATE SET
			channel=excluded.channel, service_url=excluded.service_url,
			conversation_id=excluded.conversation_id, bot_id=excluded.bot_id,
			user_id=excluded.user_id, locale=excluded.locale, updated_at=excluded.updated_at
	`, email, ref.Channel, ref.ServiceURL, ref.ConversationID, ref.BotID, ref.UserID, ref.Locale,
		ref.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("directory: save %s: %w", email, err)
	}
	return nil
}

// Lookup returns the reference stored for email.
func (s *Store) Lookup(ctx context.Context, email string) (Reference, error) {
	email = normalize(email)
	var (
		ref       Reference
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT channel, service_url, conversation_id, bot_id, user_id, locale, updated_at
		FROM conversation_refs WHERE email = ?`, email).
		Scan(&ref.Channel, &ref.ServiceURL, &ref.ConversationID, &ref.BotID, &ref.UserID, &ref.Locale, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Reference{}, fmt.Errorf("directory: lookup %s: %w", email, ErrNotFound)
		}
		return Reference{}, fmt.Errorf("directory: lookup %s: %w", email, err)
	}
	ref.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return ref, nil
}

// Count returns the number of stored references.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversation_refs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("directory: count: %w", err)
	}
	return n, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
