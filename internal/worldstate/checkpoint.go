package worldstate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/tablerst/storyteller/internal/hashing"
)

// Snapshot is the full JSON payload stored in
// world_state_checkpoints.snapshot_json. Row ids are preserved verbatim
// across a restore.
type Snapshot struct {
	Characters []Character `json:"characters"`
	Items      []Item      `json:"items"`
	PlotEvents []PlotEvent `json:"plot_events"`
	WorldFacts []WorldFact `json:"world_facts"`
}

// Checkpoint mirrors the world_state_checkpoints table.
type Checkpoint struct {
	ID           int64
	BookID       int64
	ChapterIdx   int
	StepSize     int
	Snapshot     Snapshot
	SnapshotHash string
	CreatedAt    time.Time
}

// Hash computes the snapshot's content hash. Lists are already sorted by
// stable keys when built by BuildSnapshot, so two checkpoints taken from
// bit-identical state always hash identically.
func (s Snapshot) Hash() string {
	raw, _ := json.Marshal(s)
	return hashing.SHA256Text(string(raw))
}

// BuildSnapshot reads the current committed world-state for a book and
// returns a Snapshot with every list sorted by its stable key.
func (st *Store) BuildSnapshot(ctx context.Context, bookID int64) (Snapshot, error) {
	return buildSnapshot(ctx, st.db, bookID)
}

// BuildSnapshotTx is BuildSnapshot through an open session transaction,
// so the snapshot includes the session's own uncommitted writes.
func BuildSnapshotTx(ctx context.Context, tx *sql.Tx, bookID int64) (Snapshot, error) {
	return buildSnapshot(ctx, tx, bookID)
}

func buildSnapshot(ctx context.Context, q querier, bookID int64) (Snapshot, error) {
	chars, err := allCharacters(ctx, q, bookID)
	if err != nil {
		return Snapshot{}, err
	}
	items, err := allItems(ctx, q, bookID)
	if err != nil {
		return Snapshot{}, err
	}
	events, err := allPlotEvents(ctx, q, bookID)
	if err != nil {
		return Snapshot{}, err
	}
	facts, err := allWorldFacts(ctx, q, bookID)
	if err != nil {
		return Snapshot{}, err
	}
	sort.Slice(chars, func(i, j int) bool { return chars[i].CanonicalName < chars[j].CanonicalName })
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	sort.Slice(events, func(i, j int) bool {
		if events[i].ChapterIdx != events[j].ChapterIdx {
			return events[i].ChapterIdx < events[j].ChapterIdx
		}
		return events[i].ID < events[j].ID
	})
	sort.Slice(facts, func(i, j int) bool { return facts[i].FactKey < facts[j].FactKey })
	return Snapshot{Characters: chars, Items: items, PlotEvents: events, WorldFacts: facts}, nil
}

// SaveCheckpoint snapshots the current world state and upserts it as the
// checkpoint for (bookID, chapterIdx, stepSize). Checkpoints are
// append/update-only; this never deletes existing checkpoints at other
// indices.
func (st *Store) SaveCheckpoint(ctx context.Context, tx *sql.Tx, bookID int64, chapterIdx, stepSize int) (*Checkpoint, error) {
	snap, err := buildSnapshot(ctx, tx, bookID)
	if err != nil {
		return nil, fmt.Errorf("build snapshot: %w", err)
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	hash := snap.Hash()
	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO world_state_checkpoints (book_id, chapter_idx, step_size, snapshot_json, snapshot_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(book_id, chapter_idx, step_size) DO UPDATE SET
		   snapshot_json = excluded.snapshot_json, snapshot_hash = excluded.snapshot_hash,
		   created_at = excluded.created_at`,
		bookID, chapterIdx, stepSize, string(raw), hash, now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("upsert checkpoint: %w", err)
	}
	return &Checkpoint{BookID: bookID, ChapterIdx: chapterIdx, StepSize: stepSize,
		Snapshot: snap, SnapshotHash: hash, CreatedAt: now}, nil
}

// LatestCheckpointAtOrBefore returns the checkpoint with the greatest
// chapter_idx <= maxChapterIdx for a book, or ErrNotFound. Checkpoints
// written under any step_size qualify; step_size is only part of the
// upsert identity, not a restore constraint, so a run resumed with a
// different step size still restores the nearest boundary instead of
// replaying from chapter 1.
func (st *Store) LatestCheckpointAtOrBefore(ctx context.Context, bookID int64, maxChapterIdx int) (*Checkpoint, error) {
	var cp Checkpoint
	var raw, created string
	err := st.db.QueryRowContext(ctx,
		`SELECT id, book_id, chapter_idx, step_size, snapshot_json, snapshot_hash, created_at
		 FROM world_state_checkpoints
		 WHERE book_id = ? AND chapter_idx <= ?
		 ORDER BY chapter_idx DESC, id DESC LIMIT 1`, bookID, maxChapterIdx).
		Scan(&cp.ID, &cp.BookID, &cp.ChapterIdx, &cp.StepSize, &raw, &cp.SnapshotHash, &created)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("latest checkpoint: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &cp.Snapshot); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint snapshot: %w", err)
	}
	cp.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return &cp, nil
}

// allowedCharacterCols, etc. list each table's known snapshot columns.
// Restore does not read them; it decodes rows into the typed structs,
// which drop unknown JSON keys.
var (
	allowedCharacterCols = map[string]bool{
		"canonical_name": true, "status": true, "location": true,
		"first_chapter_idx": true, "last_chapter_idx": true,
		"abilities": true, "relationships": true, "motivations": true, "notes": true, "aliases": true,
	}
	allowedItemCols = map[string]bool{
		"name": true, "owner": true, "description": true, "status": true,
		"first_chapter_idx": true, "last_chapter_idx": true,
	}
	allowedPlotEventCols = map[string]bool{
		"chapter_idx": true, "who": true, "what": true, "where": true, "outcome": true, "impact": true,
	}
	allowedWorldFactCols = map[string]bool{
		"fact_key": true, "fact_value": true, "confidence": true, "source": true,
	}
)

// Restore implements the restore protocol: within tx, delete all
// world-state rows for the book, then bulk-insert from the checkpoint's
// snapshot, preserving the snapshot's row ids. Fields are filtered through a
// column whitelist (structurally enforced here since Go's Character/Item/
// PlotEvent/WorldFact structs only ever carry the allowed fields — the
// whitelists above document which keys survive a schema upgrade that adds
// new JSON fields to an old snapshot).
func Restore(ctx context.Context, tx *sql.Tx, bookID int64, snap Snapshot) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM plot_events WHERE book_id = ?`, bookID); err != nil {
		return fmt.Errorf("clear plot_events: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM characters WHERE book_id = ?`, bookID); err != nil {
		return fmt.Errorf("clear characters: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM items WHERE book_id = ?`, bookID); err != nil {
		return fmt.Errorf("clear items: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM world_facts WHERE book_id = ?`, bookID); err != nil {
		return fmt.Errorf("clear world_facts: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, c := range snap.Characters {
		aliasesJSON, _ := json.Marshal(requireNonNilStrings(c.Aliases))
		abilitiesJSON, _ := json.Marshal(requireNonNilStrings(c.Abilities))
		relsJSON, _ := json.Marshal(requireNonNilStrings(c.Relationships))
		motivJSON, _ := json.Marshal(requireNonNilStrings(c.Motivations))
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO characters (id, book_id, canonical_name, aliases_json, status, location,
			   first_chapter_idx, last_chapter_idx, abilities_json, relationships_json, motivations_json, notes, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, bookID, c.CanonicalName, string(aliasesJSON), c.Status, c.Location,
			c.FirstChapterIdx, c.LastChapterIdx, string(abilitiesJSON), string(relsJSON), string(motivJSON), c.Notes, now); err != nil {
			return fmt.Errorf("restore character %s: %w", c.CanonicalName, err)
		}
	}
	for _, it := range snap.Items {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO items (id, book_id, name, owner, description, status, first_chapter_idx, last_chapter_idx, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			it.ID, bookID, it.Name, it.Owner, it.Description, it.Status, it.FirstChapterIdx, it.LastChapterIdx, now); err != nil {
			return fmt.Errorf("restore item %s: %w", it.Name, err)
		}
	}
	for _, e := range snap.PlotEvents {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO plot_events (id, book_id, chapter_idx, who, what, where_, outcome, impact, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, bookID, e.ChapterIdx, e.Who, e.What, e.Where, e.Outcome, e.Impact, now); err != nil {
			return fmt.Errorf("restore plot event %d: %w", e.ID, err)
		}
	}
	for _, f := range snap.WorldFacts {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO world_facts (id, book_id, fact_key, fact_value, confidence, source, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			f.ID, bookID, f.FactKey, f.FactValue, f.Confidence, f.Source, now); err != nil {
			return fmt.Errorf("restore world fact %s: %w", f.FactKey, err)
		}
	}
	return nil
}

func requireNonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
