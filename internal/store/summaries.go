package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Summary mirrors the summaries table: the legacy (pre-storyteller)
// per-book/per-chapter text produced by the "summarize" command, kept
// for Export's fallback path when no narrations exist yet.
type Summary struct {
	ID         int64
	BookID     int64
	Scope      string // "book" | "chapter"
	ChapterIdx sql.NullInt64
	Text       string
	CreatedAt  time.Time
}

// InsertSummary appends a legacy summary row.
func (sess *Session) InsertSummary(ctx context.Context, s Summary) (*Summary, error) {
	now := time.Now().UTC()
	var chapterIdx any
	if s.ChapterIdx.Valid {
		chapterIdx = s.ChapterIdx.Int64
	}
	res, err := sess.Tx.ExecContext(ctx,
		`INSERT INTO summaries (book_id, scope, chapter_idx, text, created_at) VALUES (?, ?, ?, ?, ?)`,
		s.BookID, s.Scope, chapterIdx, s.Text, now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert summary: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert summary: %w", err)
	}
	s.ID = id
	s.CreatedAt = now
	return &s, nil
}

// SummariesByScope returns every summary for a book with the given
// scope, ordered by chapter_idx ascending (nulls first), then id.
func (s *Store) SummariesByScope(ctx context.Context, bookID int64, scope string) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, book_id, scope, chapter_idx, text, created_at
		 FROM summaries WHERE book_id = ? AND scope = ?
		 ORDER BY chapter_idx ASC, id ASC`, bookID, scope)
	if err != nil {
		return nil, fmt.Errorf("summaries by scope: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sm Summary
		var created string
		if err := rows.Scan(&sm.ID, &sm.BookID, &sm.Scope, &sm.ChapterIdx, &sm.Text, &created); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		sm.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, sm)
	}
	return out, rows.Err()
}
