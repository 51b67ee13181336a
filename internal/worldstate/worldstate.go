// Package worldstate implements the tiered world-state store:
// characters, items, plot events and world facts, plus checkpoint
// snapshot/restore with a column whitelist so schema evolution can't
// smuggle unknown keys into a restore.
package worldstate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/tablerst/storyteller/internal/hashing"
)

// Character mirrors the characters table.
type Character struct {
	ID              int64    `json:"id"`
	BookID          int64    `json:"book_id"`
	CanonicalName   string   `json:"canonical_name"`
	Aliases         []string `json:"aliases"`
	Status          string   `json:"status"`
	Location        string   `json:"location"`
	FirstChapterIdx int      `json:"first_chapter_idx"`
	LastChapterIdx  int      `json:"last_chapter_idx"`
	Abilities       []string `json:"abilities"`
	Relationships   []string `json:"relationships"`
	Motivations     []string `json:"motivations"`
	Notes           string   `json:"notes"`
}

// Item mirrors the items table.
type Item struct {
	ID              int64  `json:"id"`
	BookID          int64  `json:"book_id"`
	Name            string `json:"name"`
	Owner           string `json:"owner"`
	Description     string `json:"description"`
	Status          string `json:"status"`
	FirstChapterIdx int    `json:"first_chapter_idx"`
	LastChapterIdx  int    `json:"last_chapter_idx"`
}

// PlotEvent mirrors the plot_events table. Append-only, ordered by
// (chapter_idx, id).
type PlotEvent struct {
	ID         int64  `json:"id"`
	BookID     int64  `json:"book_id"`
	ChapterIdx int    `json:"chapter_idx"`
	Who        string `json:"who"`
	What       string `json:"what"`
	Where      string `json:"where"`
	Outcome    string `json:"outcome"`
	Impact     string `json:"impact"`
}

// WorldFact mirrors the world_facts table.
type WorldFact struct {
	ID         int64   `json:"id"`
	BookID     int64   `json:"book_id"`
	FactKey    string  `json:"fact_key"`
	FactValue  string  `json:"fact_value"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
}

// ErrNotFound mirrors store.ErrNotFound for callers that only import this
// package.
var ErrNotFound = errors.New("worldstate: not found")

// Store operates against the shared database handle. All mutating
// methods that a graph node calls take an explicit *sql.Tx so they
// participate in the chapter/step session.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store { return &Store{db: db} }

// querier abstracts *sql.DB and *sql.Tx for the read helpers. The store
// runs on a single pooled connection, so reads issued mid-session must
// go through the session's own transaction or they would block on the
// connection the transaction holds.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// --- reads (no session needed) ---

// CharactersByNames returns character rows matching any of the given
// canonical names.
func (s *Store) CharactersByNames(ctx context.Context, bookID int64, names []string) ([]Character, error) {
	if len(names) == 0 {
		return nil, nil
	}
	query, args := inClause(`SELECT id, book_id, canonical_name, aliases_json, status, location,
		first_chapter_idx, last_chapter_idx, abilities_json, relationships_json, motivations_json, notes
		FROM characters WHERE book_id = ? AND canonical_name IN (%s)`, bookID, names)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("characters by names: %w", err)
	}
	defer rows.Close()
	return scanCharacters(rows)
}

// AllCharacters returns every character row for a book, sorted by
// canonical_name (used for checkpoint snapshot and export).
func (s *Store) AllCharacters(ctx context.Context, bookID int64) ([]Character, error) {
	return allCharacters(ctx, s.db, bookID)
}

func allCharacters(ctx context.Context, q querier, bookID int64) ([]Character, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, book_id, canonical_name, aliases_json, status, location,
		first_chapter_idx, last_chapter_idx, abilities_json, relationships_json, motivations_json, notes
		FROM characters WHERE book_id = ? ORDER BY canonical_name`, bookID)
	if err != nil {
		return nil, fmt.Errorf("all characters: %w", err)
	}
	defer rows.Close()
	return scanCharacters(rows)
}

func scanCharacters(rows *sql.Rows) ([]Character, error) {
	var out []Character
	for rows.Next() {
		var c Character
		var aliases, abilities, relationships, motivations string
		if err := rows.Scan(&c.ID, &c.BookID, &c.CanonicalName, &aliases, &c.Status, &c.Location,
			&c.FirstChapterIdx, &c.LastChapterIdx, &abilities, &relationships, &motivations, &c.Notes); err != nil {
			return nil, fmt.Errorf("scan character: %w", err)
		}
		_ = json.Unmarshal([]byte(aliases), &c.Aliases)
		_ = json.Unmarshal([]byte(abilities), &c.Abilities)
		_ = json.Unmarshal([]byte(relationships), &c.Relationships)
		_ = json.Unmarshal([]byte(motivations), &c.Motivations)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ItemsByNames returns item rows matching any of the given names.
func (s *Store) ItemsByNames(ctx context.Context, bookID int64, names []string) ([]Item, error) {
	if len(names) == 0 {
		return nil, nil
	}
	query, args := inClause(`SELECT id, book_id, name, owner, description, status,
		first_chapter_idx, last_chapter_idx FROM items WHERE book_id = ? AND name IN (%s)`, bookID, names)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("items by names: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

// AllItems returns every item row for a book, sorted by name.
func (s *Store) AllItems(ctx context.Context, bookID int64) ([]Item, error) {
	return allItems(ctx, s.db, bookID)
}

func allItems(ctx context.Context, q querier, bookID int64) ([]Item, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, book_id, name, owner, description, status,
		first_chapter_idx, last_chapter_idx FROM items WHERE book_id = ? ORDER BY name`, bookID)
	if err != nil {
		return nil, fmt.Errorf("all items: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

func scanItems(rows *sql.Rows) ([]Item, error) {
	var out []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.BookID, &it.Name, &it.Owner, &it.Description, &it.Status,
			&it.FirstChapterIdx, &it.LastChapterIdx); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// RecentPlotEvents returns events with chapter_idx in
// [chapterIdx-window, chapterIdx), ordered by (chapter_idx, id).
func (s *Store) RecentPlotEvents(ctx context.Context, bookID int64, chapterIdx, window int) ([]PlotEvent, error) {
	low := chapterIdx - window
	rows, err := s.db.QueryContext(ctx, `SELECT id, book_id, chapter_idx, who, what, where_, outcome, impact
		FROM plot_events WHERE book_id = ? AND chapter_idx >= ? AND chapter_idx < ?
		ORDER BY chapter_idx, id`, bookID, low, chapterIdx)
	if err != nil {
		return nil, fmt.Errorf("recent plot events: %w", err)
	}
	defer rows.Close()
	return scanPlotEvents(rows)
}

// AllPlotEvents returns every plot event for a book, ordered by
// (chapter_idx, id).
func (s *Store) AllPlotEvents(ctx context.Context, bookID int64) ([]PlotEvent, error) {
	return allPlotEvents(ctx, s.db, bookID)
}

func allPlotEvents(ctx context.Context, q querier, bookID int64) ([]PlotEvent, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, book_id, chapter_idx, who, what, where_, outcome, impact
		FROM plot_events WHERE book_id = ? ORDER BY chapter_idx, id`, bookID)
	if err != nil {
		return nil, fmt.Errorf("all plot events: %w", err)
	}
	defer rows.Close()
	return scanPlotEvents(rows)
}

func scanPlotEvents(rows *sql.Rows) ([]PlotEvent, error) {
	var out []PlotEvent
	for rows.Next() {
		var e PlotEvent
		if err := rows.Scan(&e.ID, &e.BookID, &e.ChapterIdx, &e.Who, &e.What, &e.Where, &e.Outcome, &e.Impact); err != nil {
			return nil, fmt.Errorf("scan plot event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AllWorldFacts returns every world fact for a book, sorted by fact_key.
func (s *Store) AllWorldFacts(ctx context.Context, bookID int64) ([]WorldFact, error) {
	return allWorldFacts(ctx, s.db, bookID)
}

func allWorldFacts(ctx context.Context, q querier, bookID int64) ([]WorldFact, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, book_id, fact_key, fact_value, confidence, source
		FROM world_facts WHERE book_id = ? ORDER BY fact_key`, bookID)
	if err != nil {
		return nil, fmt.Errorf("all world facts: %w", err)
	}
	defer rows.Close()

	var out []WorldFact
	for rows.Next() {
		var f WorldFact
		if err := rows.Scan(&f.ID, &f.BookID, &f.FactKey, &f.FactValue, &f.Confidence, &f.Source); err != nil {
			return nil, fmt.Errorf("scan world fact: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func inClause(queryTmpl string, bookID int64, values []string) (string, []any) {
	placeholders := ""
	args := []any{bookID}
	for i, v := range values {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, v)
	}
	return fmt.Sprintf(queryTmpl, placeholders), args
}

// --- mutations (called within a chapter/step session's *sql.Tx) ---

// UpsertCharacter upserts a character by (book_id, canonical_name),
// merging aliases as a sorted unique set and advancing
// last_chapter_idx. Status/location are only overwritten when non-empty.
func UpsertCharacter(ctx context.Context, tx *sql.Tx, bookID int64, name string, newAliases []string, status, location string, chapterIdx int) error {
	var existingAliases, existingStatus, existingLocation sql.NullString
	var firstIdx, lastIdx sql.NullInt64
	err := tx.QueryRowContext(ctx,
		`SELECT aliases_json, status, location, first_chapter_idx, last_chapter_idx
		 FROM characters WHERE book_id = ? AND canonical_name = ?`, bookID, name).
		Scan(&existingAliases, &existingStatus, &existingLocation, &firstIdx, &lastIdx)

	aliasSet := map[string]bool{}
	if existingAliases.Valid {
		var cur []string
		_ = json.Unmarshal([]byte(existingAliases.String), &cur)
		for _, a := range cur {
			aliasSet[a] = true
		}
	}
	for _, a := range newAliases {
		if a != "" {
			aliasSet[a] = true
		}
	}
	merged := make([]string, 0, len(aliasSet))
	for a := range aliasSet {
		merged = append(merged, a)
	}
	sort.Strings(merged)
	aliasesJSON, _ := json.Marshal(merged)

	finalStatus := status
	if finalStatus == "" && existingStatus.Valid {
		finalStatus = existingStatus.String
	}
	finalLocation := location
	if finalLocation == "" && existingLocation.Valid {
		finalLocation = existingLocation.String
	}
	first := chapterIdx
	if firstIdx.Valid && int(firstIdx.Int64) < first {
		first = int(firstIdx.Int64)
	}
	last := chapterIdx
	if lastIdx.Valid && int(lastIdx.Int64) > last {
		last = int(lastIdx.Int64)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if errors.Is(err, sql.ErrNoRows) {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO characters (book_id, canonical_name, aliases_json, status, location,
			   first_chapter_idx, last_chapter_idx, abilities_json, relationships_json, motivations_json, notes, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, '[]', '[]', '[]', '', ?)`,
			bookID, name, string(aliasesJSON), finalStatus, finalLocation, first, last, now)
		return err
	}
	if err != nil {
		return fmt.Errorf("lookup character for upsert: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE characters SET aliases_json = ?, status = ?, location = ?,
		   first_chapter_idx = ?, last_chapter_idx = ?, updated_at = ?
		 WHERE book_id = ? AND canonical_name = ?`,
		string(aliasesJSON), finalStatus, finalLocation, first, last, now, bookID, name)
	return err
}

// AppendCharacterAttr appends a free-form value to a character's
// abilities or relationships list (attr must be "ability" or
// "relationship"), creating the character row first via UpsertCharacter
// if it doesn't already exist. Duplicate values are not re-appended.
func AppendCharacterAttr(ctx context.Context, tx *sql.Tx, bookID int64, name, attr, value string, chapterIdx int) error {
	if err := UpsertCharacter(ctx, tx, bookID, name, nil, "", "", chapterIdx); err != nil {
		return err
	}
	column := "abilities_json"
	if attr == "relationship" {
		column = "relationships_json"
	}
	var existing string
	if err := tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM characters WHERE book_id = ? AND canonical_name = ?`, column),
		bookID, name).Scan(&existing); err != nil {
		return fmt.Errorf("lookup character %s for append: %w", attr, err)
	}
	var list []string
	_ = json.Unmarshal([]byte(existing), &list)
	for _, v := range list {
		if v == value {
			return nil
		}
	}
	list = append(list, value)
	data, err := json.Marshal(list)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE characters SET %s = ?, updated_at = ? WHERE book_id = ? AND canonical_name = ?`, column),
		string(data), time.Now().UTC().Format(time.RFC3339Nano), bookID, name)
	return err
}

// UpsertItem upserts an item by (book_id, name).
func UpsertItem(ctx context.Context, tx *sql.Tx, bookID int64, name, owner, description, status string, chapterIdx int) error {
	var firstIdx, lastIdx sql.NullInt64
	err := tx.QueryRowContext(ctx,
		`SELECT first_chapter_idx, last_chapter_idx FROM items WHERE book_id = ? AND name = ?`,
		bookID, name).Scan(&firstIdx, &lastIdx)

	first := chapterIdx
	if firstIdx.Valid && int(firstIdx.Int64) < first {
		first = int(firstIdx.Int64)
	}
	last := chapterIdx
	if lastIdx.Valid && int(lastIdx.Int64) > last {
		last = int(lastIdx.Int64)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	if errors.Is(err, sql.ErrNoRows) {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO items (book_id, name, owner, description, status, first_chapter_idx, last_chapter_idx, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			bookID, name, owner, description, status, first, last, now)
		return err
	}
	if err != nil {
		return fmt.Errorf("lookup item for upsert: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE items SET owner = ?, description = ?, status = ?, first_chapter_idx = ?, last_chapter_idx = ?, updated_at = ?
		 WHERE book_id = ? AND name = ?`,
		owner, description, status, first, last, now, bookID, name)
	return err
}

// InsertPlotEvent appends a plot event. Not unique; ordering is by
// (chapter_idx, id).
func InsertPlotEvent(ctx context.Context, tx *sql.Tx, e PlotEvent) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO plot_events (book_id, chapter_idx, who, what, where_, outcome, impact, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.BookID, e.ChapterIdx, e.Who, e.What, e.Where, e.Outcome, e.Impact,
		time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// UpsertWorldFact upserts a namespaced world fact by (book_id, fact_key).
func UpsertWorldFact(ctx context.Context, tx *sql.Tx, bookID int64, factKey, factValue string, confidence float64, source string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO world_facts (book_id, fact_key, fact_value, confidence, source, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(book_id, fact_key) DO UPDATE SET
		   fact_value = excluded.fact_value, confidence = excluded.confidence,
		   source = excluded.source, updated_at = excluded.updated_at`,
		bookID, factKey, factValue, confidence, source, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// EventFactKey builds the namespaced key event:<idx>:<hash12>.
func EventFactKey(chapterIdx int, what string) string {
	return fmt.Sprintf("event:%d:%s", chapterIdx, hashing.ShortDefault(hashing.SHA256Text(what)))
}

// CharacterStatusFactKey builds character:<name>:status.
func CharacterStatusFactKey(name string) string { return fmt.Sprintf("character:%s:status", name) }

// CharacterLocationFactKey builds character:<name>:location.
func CharacterLocationFactKey(name string) string {
	return fmt.Sprintf("character:%s:location", name)
}

// ItemOwnerFactKey builds item:<name>:owner.
func ItemOwnerFactKey(name string) string { return fmt.Sprintf("item:%s:owner", name) }

// CharacterAbilityFactKey builds character:<name>:ability:<hash12>, one
// fact per distinct ability so multiple abilities don't overwrite each
// other under a single key.
func CharacterAbilityFactKey(name, ability string) string {
	return fmt.Sprintf("character:%s:ability:%s", name, hashing.ShortDefault(hashing.SHA256Text(ability)))
}

// CharacterRelationshipFactKey builds character:<name>:relationship:<hash12>.
func CharacterRelationshipFactKey(name, relationship string) string {
	return fmt.Sprintf("character:%s:relationship:%s", name, hashing.ShortDefault(hashing.SHA256Text(relationship)))
}
