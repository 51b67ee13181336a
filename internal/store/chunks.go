package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Chunk mirrors the chunks table.
type Chunk struct {
	ID         int64
	ChapterID  int64
	ChunkHash  string
	Idx        int
	Text       string
	TokenCount int
	StartPos   int
	EndPos     int
	CreatedAt  time.Time
}

// GetChunkByHash returns ErrNotFound if absent.
func (s *Store) GetChunkByHash(ctx context.Context, chunkHash string) (*Chunk, error) {
	return scanChunk(s.db.QueryRowContext(ctx,
		`SELECT id, chapter_id, chunk_hash, idx, text, token_count, start_pos, end_pos, created_at
		 FROM chunks WHERE chunk_hash = ?`, chunkHash))
}

// ListChunks returns all chunks of a chapter ordered by idx ascending.
func (s *Store) ListChunks(ctx context.Context, chapterID int64) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chapter_id, chunk_hash, idx, text, token_count, start_pos, end_pos, created_at
		 FROM chunks WHERE chapter_id = ? ORDER BY idx ASC`, chapterID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		c, err := scanChunkRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func scanChunk(row *sql.Row) (*Chunk, error) {
	var c Chunk
	var created string
	if err := row.Scan(&c.ID, &c.ChapterID, &c.ChunkHash, &c.Idx, &c.Text, &c.TokenCount,
		&c.StartPos, &c.EndPos, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan chunk: %w", err)
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return &c, nil
}

func scanChunkRow(rows *sql.Rows) (*Chunk, error) {
	var c Chunk
	var created string
	if err := rows.Scan(&c.ID, &c.ChapterID, &c.ChunkHash, &c.Idx, &c.Text, &c.TokenCount,
		&c.StartPos, &c.EndPos, &created); err != nil {
		return nil, fmt.Errorf("scan chunk: %w", err)
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return &c, nil
}

// InsertChunk inserts a chunk row and mirrors its text into the FTS
// shadow index.
func (sess *Session) InsertChunk(ctx context.Context, bookID int64, chapterIdx int, c Chunk) (*Chunk, error) {
	now := time.Now().UTC()
	res, err := sess.Tx.ExecContext(ctx,
		`INSERT INTO chunks (chapter_id, chunk_hash, idx, text, token_count, start_pos, end_pos, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ChapterID, c.ChunkHash, c.Idx, c.Text, c.TokenCount, c.StartPos, c.EndPos, now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert chunk: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert chunk: %w", err)
	}
	c.ID = id
	c.CreatedAt = now

	if _, err := sess.Tx.ExecContext(ctx,
		`INSERT INTO chunks_fts (rowid, text, book_id, chapter_idx) VALUES (?, ?, ?, ?)`,
		c.ID, c.Text, bookID, chapterIdx); err != nil {
		return nil, fmt.Errorf("index chunk fts: %w", err)
	}
	return &c, nil
}
