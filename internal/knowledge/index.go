// Package knowledge stores documentation chunks with their embeddings and
// answers nearest-neighbour queries over them.
package knowledge

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Chunk is one indexed passage.
type Chunk struct {
	ID          string
	SourceURL   string
	SourceTitle string
	MediaURL    string
	Text        string
	Embedding   []float32
}

// Hit is a chunk with its similarity to the query.
type Hit struct {
	Chunk
	Score float64
}

// Source summarizes one ingested URL.
type Source struct {
	URL        string
	Title      string
	Chunks     int
	IngestedAt time.Time
}

// Index is a brute-force cosine index persisted in SQLite.
type Index struct {
	db *sql.DB
}

// OpenIndex opens (or creates) the index database.
func OpenIndex(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("knowledge: open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("knowledge: wal: %w", err)
	}
	ix := &Index{db: db}
	if err := ix.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return ix, nil
}

func (ix *Index) migrate() error {
	_, err := ix.db.Exec(`
		CREATE TABLE IF NOT EXISTS chunks (
			id           TEXT PRIMARY KEY,
			source_url   TEXT NOT NULL,
			source_title TEXT NOT NULL DEFAULT '',
			media_url    TEXT NOT NULL DEFAULT '',
			text         TEXT NOT NULL,
			embedding    BLOB NOT NULL,
			ingested_at  TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_chunks_source ON chunks(source_url);
	`)
	if err != nil {
		return fmt.Errorf("knowledge: migrate: %w", err)
	}
	return nil
}

// Upsert writes chunks in one transaction.
func (ix *Index) Upsert(ctx context.Context, chunks []Chunk) error {
	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("knowledge: upsert: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, c := range chunks {
		if len(c.Embedding) == 0 {
			return fmt.Errorf("knowledge: upsert %s: empty embedding", c.ID)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO chunks (id, source_url, source_title, media_url, text, embedding, ingested_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				source_url=excluded.source_url, source_title=excluded.source_title,
				media_url=excluded.media_url, text=excluded.text,
				embedding=excluded.embedding, ingested_at=excluded.ingested_at
		`, c.ID, c.SourceURL, c.SourceTitle, c.MediaURL, c.Text, encodeVector(c.Embedding), now)
		if err != nil {
			return fmt.Errorf("knowledge: upsert %s: %w", c.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("knowledge: upsert commit: %w", err)
	}
	return nil
}

// RemoveStale deletes the chunks of sourceURL whose ids are not in keep and
// returns how many were removed.
func (ix *Index) RemoveStale(ctx context.Context, sourceURL string, keep []string) (int, error) {
	query := `DELETE FROM chunks WHERE source_url = ?`
	args := []any{sourceURL}
	if len(keep) > 0 {
		query += ` AND id NOT IN (?` + strings.Repeat(",?", len(keep)-1) + `)`
		for _, id := range keep {
			args = append(args, id)
		}
	}
	res, err := ix.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("knowledge: remove stale %s: %w", sourceURL, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Search returns the k chunks most similar to vec, best first.
func (ix *Index) Search(ctx context.Context, vec []float32, k int) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	rows, err := ix.db.QueryContext(ctx,
		`SELECT id, source_url, source_title, media_url, text, embedding FROM chunks`)
	if err != nil {
		return nil, fmt.Errorf("knowledge: search: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var (
			h    Hit
			blob []byte
		)
		if err := rows.Scan(&h.ID, &h.SourceURL, &h.SourceTitle, &h.MediaURL, &h.Text, &blob); err != nil {
			return nil, fmt.Errorf("knowledge: search scan: %w", err)
		}
		emb := decodeVector(blob)
		if len(emb) != len(vec) {
			continue
		}
		h.Score = cosine(vec, emb)
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("knowledge: search rows: %w", err)
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Sources lists the ingested URLs.
func (ix *Index) Sources(ctx context.Context) ([]Source, error) {
	rows, err := ix.db.QueryContext(ctx, `
		SELECT source_url, MAX(source_title), COUNT(*), MAX(ingested_at)
		FROM chunks GROUP BY source_url ORDER BY source_url`)
	if err != nil {
		return nil, fmt.Errorf("knowledge: sources: %w", err)
	}
	defer rows.Close()

	var out []Source
	for rows.Next() {
		var (
			s  Source
			at string
		)
		if err := rows.Scan(&s.URL, &s.Title, &s.Chunks, &at); err != nil {
			return nil, fmt.Errorf("knowledge: sources scan: %w", err)
		}
		s.IngestedAt, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (ix *Index) Close() error {
	return ix.db.Close()
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
