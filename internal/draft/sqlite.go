package draft

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("draft store: open: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("draft store: wal: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS drafts (
			key        TEXT PRIMARY KEY,
			state      TEXT NOT NULL DEFAULT 'idle',
			history    TEXT NOT NULL DEFAULT '[]',
			ticket_id  INTEGER NOT NULL DEFAULT 0,
			language   TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("draft store: migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (Draft, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT state, history, ticket_id, language, updated_at FROM drafts WHERE key = ?`, key)

	var (
		d         Draft
		state     string
		history   string
		updatedAt string
	)
	if err := row.Scan(&state, &history, &d.TicketID, &d.Language, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return New(), nil
		}
		return Draft{}, fmt.Errorf("draft store: get %s: %w", key, err)
	}
	d.State = State(state)
	if err := json.Unmarshal([]byte(history), &d.History); err != nil {
		return Draft{}, fmt.Errorf("draft store: decode history %s: %w", key, err)
	}
	d.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return d, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, d Draft) error {
	if !d.State.Valid() {
		return fmt.Errorf("draft store: set %s: invalid state %q", key, d.State)
	}
	history, err := json.Marshal(d.History)
	if err != nil {
		return fmt.Errorf("draft store: encode history: %w", err)
	}
	if d.History == nil {
		history = []byte("[]")
	}
	updatedAt := d.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO drafts (key, state, history, ticket_id, language, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			state=excluded.state, history=excluded.history, ticket_id=excluded.ticket_id,
			language=excluded.language, updated_at=excluded.updated_at
	`, key, string(d.State), string(history), d.TicketID, d.Language, updatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("draft store: set %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM drafts WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("draft store: delete %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("draft store: delete %s: %w", key, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
