package store

import (
	"context"
	"database/sql"
	"fmt"
)

// FTSHit is a single full-text search result, ranked by SQLite's bm25()
type FTSHit struct {
	ID         int64
	ChapterIdx int
	Text       string
	Rank       float64
}

// SearchChunksFTS runs an FTS5 MATCH query against chunk text, scoped to
// one book and causally filtered to chapter_idx < currentChapterIdx.
func (s *Store) SearchChunksFTS(ctx context.Context, bookID int64, ftsQuery string, currentChapterIdx, limit int) ([]FTSHit, error) {
	return searchFTS(ctx, s.db, "chunks_fts", bookID, ftsQuery, currentChapterIdx, limit)
}

// SearchNarrationsFTS runs an FTS5 MATCH query against narration text,
// scoped to one book and causally filtered.
func (s *Store) SearchNarrationsFTS(ctx context.Context, bookID int64, ftsQuery string, currentChapterIdx, limit int) ([]FTSHit, error) {
	return searchFTS(ctx, s.db, "narrations_fts", bookID, ftsQuery, currentChapterIdx, limit)
}

func searchFTS(ctx context.Context, db *sql.DB, table string, bookID int64, ftsQuery string, currentChapterIdx, limit int) ([]FTSHit, error) {
	if ftsQuery == "" {
		return nil, nil
	}
	q := fmt.Sprintf(`
		SELECT rowid, chapter_idx, text, bm25(%s) AS rank
		FROM %s
		WHERE %s MATCH ? AND book_id = ? AND chapter_idx < ?
		ORDER BY rank
		LIMIT ?`, table, table, table)
	rows, err := db.QueryContext(ctx, q, ftsQuery, bookID, currentChapterIdx, limit)
	if err != nil {
		return nil, fmt.Errorf("fts search %s: %w", table, err)
	}
	defer rows.Close()

	var hits []FTSHit
	for rows.Next() {
		var h FTSHit
		if err := rows.Scan(&h.ID, &h.ChapterIdx, &h.Text, &h.Rank); err != nil {
			return nil, fmt.Errorf("scan fts hit: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}
