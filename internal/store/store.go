// Package store provides SQLite-backed persistence for the storyteller
// pipeline: books, chapters, chunks, narrations, world-state tables and
// their FTS5 shadow indexes. It uses ncruces/go-sqlite3, a pure-Go SQLite
// driver exposed through database/sql, so the whole module builds without
// CGo.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/asg017/sqlite-vec-go-bindings/ncruces"
	_ "github.com/ncruces/go-sqlite3/driver"
)

// schema creates every relational table and FTS5 shadow index the
// pipeline needs. Statements are idempotent (CREATE ... IF NOT EXISTS) so
// opening an existing database is a no-op migration.
const schema = `
CREATE TABLE IF NOT EXISTS books (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    book_hash TEXT NOT NULL UNIQUE,
    title TEXT NOT NULL,
    author TEXT,
    source_path TEXT,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS chapters (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    book_id INTEGER NOT NULL REFERENCES books(id) ON DELETE CASCADE,
    chapter_hash TEXT NOT NULL UNIQUE,
    idx INTEGER NOT NULL,
    title TEXT NOT NULL,
    text TEXT NOT NULL,
    start_pos INTEGER NOT NULL,
    end_pos INTEGER NOT NULL,
    created_at TEXT NOT NULL,
    UNIQUE(book_id, idx)
);
CREATE INDEX IF NOT EXISTS idx_chapters_book ON chapters(book_id);

CREATE TABLE IF NOT EXISTS chunks (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    chapter_id INTEGER NOT NULL REFERENCES chapters(id) ON DELETE CASCADE,
    chunk_hash TEXT NOT NULL UNIQUE,
    idx INTEGER NOT NULL,
    text TEXT NOT NULL,
    token_count INTEGER NOT NULL,
    start_pos INTEGER NOT NULL,
    end_pos INTEGER NOT NULL,
    created_at TEXT NOT NULL,
    UNIQUE(chapter_id, idx)
);
CREATE INDEX IF NOT EXISTS idx_chunks_chapter ON chunks(chapter_id);

CREATE TABLE IF NOT EXISTS narrations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    chapter_id INTEGER NOT NULL REFERENCES chapters(id) ON DELETE CASCADE,
    book_id INTEGER NOT NULL REFERENCES books(id) ON DELETE CASCADE,
    chapter_idx INTEGER NOT NULL,
    prompt_version TEXT NOT NULL,
    model TEXT NOT NULL,
    input_hash TEXT NOT NULL,
    narration_text TEXT NOT NULL,
    key_events_json TEXT NOT NULL,
    created_at TEXT NOT NULL,
    UNIQUE(chapter_id, prompt_version, model, input_hash)
);
CREATE INDEX IF NOT EXISTS idx_narrations_chapter ON narrations(chapter_id);
CREATE INDEX IF NOT EXISTS idx_narrations_book ON narrations(book_id);

CREATE TABLE IF NOT EXISTS narration_outputs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    narration_id INTEGER NOT NULL UNIQUE REFERENCES narrations(id) ON DELETE CASCADE,
    payload_json TEXT NOT NULL,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS summaries (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    book_id INTEGER NOT NULL REFERENCES books(id) ON DELETE CASCADE,
    scope TEXT NOT NULL,
    chapter_idx INTEGER,
    text TEXT NOT NULL,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_summaries_book ON summaries(book_id);

CREATE TABLE IF NOT EXISTS characters (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    book_id INTEGER NOT NULL REFERENCES books(id) ON DELETE CASCADE,
    canonical_name TEXT NOT NULL,
    aliases_json TEXT NOT NULL DEFAULT '[]',
    status TEXT,
    location TEXT,
    first_chapter_idx INTEGER NOT NULL,
    last_chapter_idx INTEGER NOT NULL,
    abilities_json TEXT NOT NULL DEFAULT '[]',
    relationships_json TEXT NOT NULL DEFAULT '[]',
    motivations_json TEXT NOT NULL DEFAULT '[]',
    notes TEXT,
    updated_at TEXT NOT NULL,
    UNIQUE(book_id, canonical_name)
);
CREATE INDEX IF NOT EXISTS idx_characters_book ON characters(book_id);

CREATE TABLE IF NOT EXISTS items (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    book_id INTEGER NOT NULL REFERENCES books(id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    owner TEXT,
    description TEXT,
    status TEXT,
    first_chapter_idx INTEGER NOT NULL,
    last_chapter_idx INTEGER NOT NULL,
    updated_at TEXT NOT NULL,
    UNIQUE(book_id, name)
);
CREATE INDEX IF NOT EXISTS idx_items_book ON items(book_id);

CREATE TABLE IF NOT EXISTS plot_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    book_id INTEGER NOT NULL REFERENCES books(id) ON DELETE CASCADE,
    chapter_idx INTEGER NOT NULL,
    who TEXT,
    what TEXT NOT NULL,
    where_ TEXT,
    outcome TEXT,
    impact TEXT,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_plot_events_book_chapter ON plot_events(book_id, chapter_idx);

CREATE TABLE IF NOT EXISTS world_facts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    book_id INTEGER NOT NULL REFERENCES books(id) ON DELETE CASCADE,
    fact_key TEXT NOT NULL,
    fact_value TEXT NOT NULL,
    confidence REAL NOT NULL,
    source TEXT,
    updated_at TEXT NOT NULL,
    UNIQUE(book_id, fact_key)
);
CREATE INDEX IF NOT EXISTS idx_world_facts_book ON world_facts(book_id);

CREATE TABLE IF NOT EXISTS world_state_checkpoints (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    book_id INTEGER NOT NULL REFERENCES books(id) ON DELETE CASCADE,
    chapter_idx INTEGER NOT NULL,
    step_size INTEGER NOT NULL,
    snapshot_json TEXT NOT NULL,
    snapshot_hash TEXT NOT NULL,
    created_at TEXT NOT NULL,
    UNIQUE(book_id, chapter_idx, step_size)
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_book ON world_state_checkpoints(book_id);

CREATE TABLE IF NOT EXISTS llm_cache (
    cache_key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    created_at TEXT NOT NULL,
    ttl_seconds INTEGER NOT NULL
);

CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
    text, book_id UNINDEXED, chapter_idx UNINDEXED
);

CREATE VIRTUAL TABLE IF NOT EXISTS narrations_fts USING fts5(
    text, book_id UNINDEXED, chapter_idx UNINDEXED
);
`

// Store owns the database handle. All mutation happens through a Session
// so that a failure inside any graph node rolls back the whole chapter's
// writes.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (and, if needed, creates) the SQLite database at path and
// applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1) // ncruces/go-sqlite3 serializes writers per connection
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for read-only queries that don't need a
// session (e.g. export, retrieval).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Session wraps one transaction scoped to a single chapter or step.
// Commit on success, Rollback on any failure; callers must always call
// one or the other.
type Session struct {
	Tx *sql.Tx
}

// Begin opens a new session. Only one write session should be open at a
// time per book in this process; the controller enforces serialization
// per book.
func (s *Store) Begin(ctx context.Context) (*Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin session: %w", err)
	}
	return &Session{Tx: tx}, nil
}

func (sess *Session) Commit() error {
	return sess.Tx.Commit()
}

func (sess *Session) Rollback() error {
	return sess.Tx.Rollback()
}
