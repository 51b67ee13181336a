package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Book mirrors the books table.
type Book struct {
	ID         int64
	BookHash   string
	Title      string
	Author     string
	SourcePath string
	CreatedAt  time.Time
}

// ErrNotFound is returned by single-row lookups that find nothing.
var ErrNotFound = errors.New("store: not found")

// GetBookByHash returns the book with the given hash, or ErrNotFound.
func (s *Store) GetBookByHash(ctx context.Context, bookHash string) (*Book, error) {
	return scanBook(s.db.QueryRowContext(ctx,
		`SELECT id, book_hash, title, author, source_path, created_at FROM books WHERE book_hash = ?`,
		bookHash))
}

// GetBook returns the book with the given id, or ErrNotFound.
func (s *Store) GetBook(ctx context.Context, id int64) (*Book, error) {
	return scanBook(s.db.QueryRowContext(ctx,
		`SELECT id, book_hash, title, author, source_path, created_at FROM books WHERE id = ?`,
		id))
}

func scanBook(row *sql.Row) (*Book, error) {
	var b Book
	var created string
	if err := row.Scan(&b.ID, &b.BookHash, &b.Title, &b.Author, &b.SourcePath, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan book: %w", err)
	}
	b.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return &b, nil
}

// InsertBook inserts a new book row and returns it with its assigned id.
// Callers should check GetBookByHash first; ingest is idempotent on
// book_hash so this is never called twice for the same hash.
func (sess *Session) InsertBook(ctx context.Context, b Book) (*Book, error) {
	now := time.Now().UTC()
	res, err := sess.Tx.ExecContext(ctx,
		`INSERT INTO books (book_hash, title, author, source_path, created_at) VALUES (?, ?, ?, ?, ?)`,
		b.BookHash, b.Title, b.Author, b.SourcePath, now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert book: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert book: %w", err)
	}
	b.ID = id
	b.CreatedAt = now
	return &b, nil
}
