package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Chapter mirrors the chapters table.
type Chapter struct {
	ID          int64
	BookID      int64
	ChapterHash string
	Idx         int
	Title       string
	Text        string
	StartPos    int
	EndPos      int
	CreatedAt   time.Time
}

// GetChapterByHash returns ErrNotFound if absent, so ingest can skip
// re-inserting an unchanged chapter.
func (s *Store) GetChapterByHash(ctx context.Context, chapterHash string) (*Chapter, error) {
	return scanChapter(s.db.QueryRowContext(ctx,
		`SELECT id, book_id, chapter_hash, idx, title, text, start_pos, end_pos, created_at
		 FROM chapters WHERE chapter_hash = ?`, chapterHash))
}

// GetChapterByIdx returns the chapter at idx within a book, or ErrNotFound.
func (s *Store) GetChapterByIdx(ctx context.Context, bookID int64, idx int) (*Chapter, error) {
	return scanChapter(s.db.QueryRowContext(ctx,
		`SELECT id, book_id, chapter_hash, idx, title, text, start_pos, end_pos, created_at
		 FROM chapters WHERE book_id = ? AND idx = ?`, bookID, idx))
}

// ListChapters returns all chapters of a book ordered by idx ascending.
func (s *Store) ListChapters(ctx context.Context, bookID int64) ([]Chapter, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, book_id, chapter_hash, idx, title, text, start_pos, end_pos, created_at
		 FROM chapters WHERE book_id = ? ORDER BY idx ASC`, bookID)
	if err != nil {
		return nil, fmt.Errorf("list chapters: %w", err)
	}
	defer rows.Close()

	var out []Chapter
	for rows.Next() {
		var c Chapter
		var created string
		if err := rows.Scan(&c.ID, &c.BookID, &c.ChapterHash, &c.Idx, &c.Title, &c.Text,
			&c.StartPos, &c.EndPos, &created); err != nil {
			return nil, fmt.Errorf("scan chapter: %w", err)
		}
		c.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, c)
	}
	return out, rows.Err()
}

// MaxChapterIdx returns the highest committed chapter idx for a book, or
// 0 if the book has no chapters.
func (s *Store) MaxChapterIdx(ctx context.Context, bookID int64) (int, error) {
	var max sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MAX(idx) FROM chapters WHERE book_id = ?`, bookID).Scan(&max); err != nil {
		return 0, fmt.Errorf("max chapter idx: %w", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return int(max.Int64), nil
}

func scanChapter(row *sql.Row) (*Chapter, error) {
	var c Chapter
	var created string
	if err := row.Scan(&c.ID, &c.BookID, &c.ChapterHash, &c.Idx, &c.Title, &c.Text,
		&c.StartPos, &c.EndPos, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan chapter: %w", err)
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return &c, nil
}

// InsertChapter inserts a new chapter row.
func (sess *Session) InsertChapter(ctx context.Context, c Chapter) (*Chapter, error) {
	now := time.Now().UTC()
	res, err := sess.Tx.ExecContext(ctx,
		`INSERT INTO chapters (book_id, chapter_hash, idx, title, text, start_pos, end_pos, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.BookID, c.ChapterHash, c.Idx, c.Title, c.Text, c.StartPos, c.EndPos, now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert chapter: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert chapter: %w", err)
	}
	c.ID = id
	c.CreatedAt = now
	return &c, nil
}
