package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Narration mirrors the narrations table. "Latest" for a chapter is
// defined by greatest created_at, tie-broken by greatest id.
type Narration struct {
	ID             int64
	ChapterID      int64
	BookID         int64
	ChapterIdx     int
	PromptVersion  string
	Model          string
	InputHash      string
	NarrationText  string
	KeyEventsJSON  string
	CreatedAt      time.Time
}

// NarrationOutput is the structured sidecar used for cheap replay during
// state rebuild.
type NarrationOutput struct {
	ID          int64
	NarrationID int64
	PayloadJSON string
	CreatedAt   time.Time
}

// GetNarrationByInputHash implements the cache-hit shortcut: re-running
// with unchanged inputs must find the existing row and skip the LLM call.
func (s *Store) GetNarrationByInputHash(ctx context.Context, chapterID int64, promptVersion, model, inputHash string) (*Narration, error) {
	return scanNarration(s.db.QueryRowContext(ctx,
		`SELECT id, chapter_id, book_id, chapter_idx, prompt_version, model, input_hash,
		        narration_text, key_events_json, created_at
		 FROM narrations
		 WHERE chapter_id = ? AND prompt_version = ? AND model = ? AND input_hash = ?`,
		chapterID, promptVersion, model, inputHash))
}

// LatestNarrationsByBook returns, for every chapter that has at least one
// narration, the latest narration ordered by chapter idx ascending.
func (s *Store) LatestNarrationsByBook(ctx context.Context, bookID int64) ([]Narration, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT n.id, n.chapter_id, n.book_id, n.chapter_idx, n.prompt_version, n.model,
		       n.input_hash, n.narration_text, n.key_events_json, n.created_at
		FROM narrations n
		WHERE n.id = (
			SELECT n2.id FROM narrations n2
			WHERE n2.chapter_id = n.chapter_id
			ORDER BY n2.created_at DESC, n2.id DESC
			LIMIT 1
		) AND n.book_id = ?
		ORDER BY n.chapter_idx ASC`, bookID)
	if err != nil {
		return nil, fmt.Errorf("latest narrations: %w", err)
	}
	defer rows.Close()

	var out []Narration
	for rows.Next() {
		n, err := scanNarrationRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

func scanNarration(row *sql.Row) (*Narration, error) {
	var n Narration
	var created string
	if err := row.Scan(&n.ID, &n.ChapterID, &n.BookID, &n.ChapterIdx, &n.PromptVersion, &n.Model,
		&n.InputHash, &n.NarrationText, &n.KeyEventsJSON, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan narration: %w", err)
	}
	n.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return &n, nil
}

func scanNarrationRow(rows *sql.Rows) (*Narration, error) {
	var n Narration
	var created string
	if err := rows.Scan(&n.ID, &n.ChapterID, &n.BookID, &n.ChapterIdx, &n.PromptVersion, &n.Model,
		&n.InputHash, &n.NarrationText, &n.KeyEventsJSON, &created); err != nil {
		return nil, fmt.Errorf("scan narration: %w", err)
	}
	n.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return &n, nil
}

// InsertNarration inserts a narration row. Callers must have already
// checked GetNarrationByInputHash for the cache-hit path.
func (sess *Session) InsertNarration(ctx context.Context, n Narration) (*Narration, error) {
	now := time.Now().UTC()
	res, err := sess.Tx.ExecContext(ctx,
		`INSERT INTO narrations (chapter_id, book_id, chapter_idx, prompt_version, model,
		                         input_hash, narration_text, key_events_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ChapterID, n.BookID, n.ChapterIdx, n.PromptVersion, n.Model, n.InputHash,
		n.NarrationText, n.KeyEventsJSON, now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert narration: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert narration: %w", err)
	}
	n.ID = id
	n.CreatedAt = now
	return &n, nil
}

// InsertNarrationOutput inserts the structured sidecar for a narration.
func (sess *Session) InsertNarrationOutput(ctx context.Context, narrationID int64, payloadJSON string) (*NarrationOutput, error) {
	now := time.Now().UTC()
	res, err := sess.Tx.ExecContext(ctx,
		`INSERT INTO narration_outputs (narration_id, payload_json, created_at) VALUES (?, ?, ?)`,
		narrationID, payloadJSON, now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert narration output: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert narration output: %w", err)
	}
	return &NarrationOutput{ID: id, NarrationID: narrationID, PayloadJSON: payloadJSON, CreatedAt: now}, nil
}

// GetNarrationOutput returns the sidecar for a narration id.
func (s *Store) GetNarrationOutput(ctx context.Context, narrationID int64) (*NarrationOutput, error) {
	var o NarrationOutput
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, narration_id, payload_json, created_at FROM narration_outputs WHERE narration_id = ?`,
		narrationID).Scan(&o.ID, &o.NarrationID, &o.PayloadJSON, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan narration output: %w", err)
	}
	o.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return &o, nil
}

// RebuildFTS rebuilds the narrations_fts shadow index for a book,
// indexing only the latest narration per chapter, as required by the
// idempotence guarantee.
func (sess *Session) RebuildFTS(ctx context.Context, bookID int64) error {
	if _, err := sess.Tx.ExecContext(ctx, `
		DELETE FROM narrations_fts WHERE rowid IN (
			SELECT id FROM narrations WHERE book_id = ?
		)`, bookID); err != nil {
		return fmt.Errorf("clear narrations fts: %w", err)
	}

	rows, err := sess.Tx.QueryContext(ctx, `
		SELECT n.id, n.narration_text, n.chapter_idx FROM narrations n
		WHERE n.id = (
			SELECT n2.id FROM narrations n2
			WHERE n2.chapter_id = n.chapter_id
			ORDER BY n2.created_at DESC, n2.id DESC
			LIMIT 1
		) AND n.book_id = ?`, bookID)
	if err != nil {
		return fmt.Errorf("select latest narrations: %w", err)
	}
	defer rows.Close()

	type row struct {
		id, chapterIdx int64
		text           string
	}
	var latest []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.text, &r.chapterIdx); err != nil {
			return fmt.Errorf("scan latest narration: %w", err)
		}
		latest = append(latest, r)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, r := range latest {
		if _, err := sess.Tx.ExecContext(ctx,
			`INSERT INTO narrations_fts (rowid, text, book_id, chapter_idx) VALUES (?, ?, ?, ?)`,
			r.id, r.text, bookID, r.chapterIdx); err != nil {
			return fmt.Errorf("index narration fts: %w", err)
		}
	}
	return nil
}
