package draft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn, verifies the connection and creates the
// drafts table when missing.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("draft store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("draft store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("draft store: ping: %w", err)
	}

	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS drafts (
			key        TEXT PRIMARY KEY,
			state      TEXT NOT NULL DEFAULT 'idle',
			history    JSONB NOT NULL DEFAULT '[]',
			ticket_id  BIGINT NOT NULL DEFAULT 0,
			language   TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("draft store: migrate: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) (Draft, error) {
	var (
		d       Draft
		state   string
		history []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT state, history, ticket_id, language, updated_at FROM drafts WHERE key = $1`, key).
		Scan(&state, &history, &d.TicketID, &d.Language, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return New(), nil
		}
		return Draft{}, fmt.Errorf("draft store: get %s: %w", key, err)
	}
	d.State = State(state)
	if err := json.Unmarshal(history, &d.History); err != nil {
		return Draft{}, fmt.Errorf("draft store: decode history %s: %w", key, err)
	}
	return d, nil
}

func (s *PostgresStore) Set(ctx context.Context, key string, d Draft) error {
	if !d.State.Valid() {
		return fmt.Errorf("draft store: set %s: invalid state %q", key, d.State)
	}
	history := []byte("[]")
	if len(d.History) > 0 {
		var err error
		if history, err = json.Marshal(d.History); err != nil {
			return fmt.Errorf("draft store: encode history: %w", err)
		}
	}
	updatedAt := d.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO drafts (key, state, history, ticket_id, language, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (key) DO UPDATE SET
			state = EXCLUDED.state, history = EXCLUDED.history, ticket_id = EXCLUDED.ticket_id,
			language = EXCLUDED.language, updated_at = EXCLUDED.updated_at`,
		key, string(d.State), history, d.TicketID, d.Language, updatedAt)
	if err != nil {
		return fmt.Errorf("draft store: set %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM drafts WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("draft store: delete %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("draft store: delete %s: %w", key, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
