// Package vectorstore implements the dense vector adapter: per-book
// vec0 virtual tables backed by the sqlite-vec loadable extension, with
// idempotent insert-by-id and top-k k-NN queries.
package vectorstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/asg017/sqlite-vec-go-bindings/ncruces"
)

// Hit is one k-NN result with the metadata retrieval needs to fuse and
// causally filter it.
type Hit struct {
	ID         int64
	ChapterIdx int
	Title      string
	Text       string
	Distance   float64
}

// Store manages the two per-book vector tables (chunks, narrations).
type Store struct {
	db  *sql.DB
	dim int
}

// New wraps an existing database handle (shared with internal/store) and
// fixes the embedding dimensionality used for every vec0 table it
// creates.
func New(db *sql.DB, dim int) *Store {
	return &Store{db: db, dim: dim}
}

func chunkTable(bookID int64) string     { return fmt.Sprintf("chunks_vectors_%d", bookID) }
func narrationTable(bookID int64) string { return fmt.Sprintf("narrations_vectors_%d", bookID) }

// EnsureChunkTable lazily creates the per-book chunk vector table.
func (s *Store) EnsureChunkTable(ctx context.Context, bookID int64) error {
	return s.ensureTable(ctx, chunkTable(bookID))
}

// EnsureNarrationTable lazily creates the per-book narration vector
// table.
func (s *Store) EnsureNarrationTable(ctx context.Context, bookID int64) error {
	return s.ensureTable(ctx, narrationTable(bookID))
}

func (s *Store) ensureTable(ctx context.Context, table string) error {
	stmt := fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS %s USING vec0(
		id INTEGER PRIMARY KEY,
		embedding FLOAT[%d],
		chapter_idx INTEGER,
		chapter_title TEXT,
		+text TEXT
	)`, table, s.dim)
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("ensure vector table %s: %w", table, err)
	}
	return nil
}

// ListExistingChunkIDs returns the set of ids already embedded in a book's chunk table, so
// incremental embedding is O(new) rather than O(all).
func (s *Store) ListExistingChunkIDs(ctx context.Context, bookID int64) (map[int64]bool, error) {
	return s.listIDs(ctx, chunkTable(bookID))
}

// ListExistingNarrationIDs returns the set of narration ids already
// embedded for a book.
func (s *Store) ListExistingNarrationIDs(ctx context.Context, bookID int64) (map[int64]bool, error) {
	return s.listIDs(ctx, narrationTable(bookID))
}

func (s *Store) listIDs(ctx context.Context, table string) (map[int64]bool, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT id FROM %s`, table))
	if err != nil {
		return nil, fmt.Errorf("list existing ids in %s: %w", table, err)
	}
	defer rows.Close()

	ids := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// UpsertChunk inserts (or idempotently replaces) a chunk embedding.
func (s *Store) UpsertChunk(ctx context.Context, bookID int64, id int64, embedding []float32, chapterIdx int, chapterTitle, text string) error {
	return s.upsert(ctx, chunkTable(bookID), id, embedding, chapterIdx, chapterTitle, text)
}

// UpsertNarration inserts (or idempotently replaces) a narration
// embedding.
func (s *Store) UpsertNarration(ctx context.Context, bookID int64, id int64, embedding []float32, chapterIdx int, chapterTitle, text string) error {
	return s.upsert(ctx, narrationTable(bookID), id, embedding, chapterIdx, chapterTitle, text)
}

func (s *Store) upsert(ctx context.Context, table string, id int64, embedding []float32, chapterIdx int, chapterTitle, text string) error {
	raw, err := serializeVector(embedding)
	if err != nil {
		return fmt.Errorf("serialize embedding: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, table), id); err != nil {
		return fmt.Errorf("clear existing vector row: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, embedding, chapter_idx, chapter_title, text) VALUES (?, ?, ?, ?, ?)`, table),
		id, raw, chapterIdx, chapterTitle, text); err != nil {
		return fmt.Errorf("insert vector row: %w", err)
	}
	return nil
}

// QueryChunks returns the k nearest chunk neighbours to queryVec, over-fetching is
// the caller's responsibility.
func (s *Store) QueryChunks(ctx context.Context, bookID int64, queryVec []float32, k int) ([]Hit, error) {
	return s.query(ctx, chunkTable(bookID), queryVec, k)
}

// QueryNarrations returns the topK nearest narration neighbours.
func (s *Store) QueryNarrations(ctx context.Context, bookID int64, queryVec []float32, k int) ([]Hit, error) {
	return s.query(ctx, narrationTable(bookID), queryVec, k)
}

func (s *Store) query(ctx context.Context, table string, queryVec []float32, k int) ([]Hit, error) {
	raw, err := serializeVector(queryVec)
	if err != nil {
		return nil, fmt.Errorf("serialize query vector: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, chapter_idx, chapter_title, text, distance
		FROM %s
		WHERE embedding MATCH ? AND k = ?
		ORDER BY distance`, table), raw, k)
	if err != nil {
		return nil, fmt.Errorf("query vectors %s: %w", table, err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.ID, &h.ChapterIdx, &h.Title, &h.Text, &h.Distance); err != nil {
			return nil, fmt.Errorf("scan vector hit: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// serializeVector encodes a []float32 as the JSON array
// format the sqlite-vec extension accepts for MATCH queries.
func serializeVector(v []float32) ([]byte, error) {
	return json.Marshal(v)
}
