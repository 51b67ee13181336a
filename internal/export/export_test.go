package export

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tablerst/storyteller/internal/store"
	"github.com/tablerst/storyteller/internal/worldstate"
)

func TestSanitizeFilename(t *testing.T) {
	require.Equal(t, "第1章_山边小村", SanitizeFilename(`第1章:山边小村`))
	require.Equal(t, "a_b_c", SanitizeFilename(`a\b/c`))
	require.Equal(t, "two words", SanitizeFilename("two\t\n  words"))
}

func TestChapterFilename(t *testing.T) {
	require.Equal(t, "001_第一章 山边小村.md", chapterFilename(1, "第一章 山边小村"))
	require.Equal(t, "042_what_.md", chapterFilename(42, `what?`))
}

func seedNarratedBook(t *testing.T, db *store.Store) int64 {
	t.Helper()
	ctx := context.Background()
	sess, err := db.Begin(ctx)
	require.NoError(t, err)
	book, err := sess.InsertBook(ctx, store.Book{BookHash: "bh-export", Title: "凡人修仙传", Author: "忘语"})
	require.NoError(t, err)

	ch, err := sess.InsertChapter(ctx, store.Chapter{
		BookID: book.ID, ChapterHash: "ch1", Idx: 1, Title: "第一章 山边小村",
		Text: "韩立出门。",
	})
	require.NoError(t, err)
	_, err = sess.InsertNarration(ctx, store.Narration{
		ChapterID: ch.ID, BookID: book.ID, ChapterIdx: 1,
		PromptVersion: "v0-mvp", Model: "draft", InputHash: "ih1",
		NarrationText: "说书人讲起韩立的故事。", KeyEventsJSON: "[]",
	})
	require.NoError(t, err)
	require.NoError(t, sess.Commit())

	tx, err := db.DB().Begin()
	require.NoError(t, err)
	require.NoError(t, worldstate.UpsertCharacter(ctx, tx, book.ID, "韩立", []string{"韩跑跑"}, "alive", "七玄门", 1))
	require.NoError(t, worldstate.InsertPlotEvent(ctx, tx, worldstate.PlotEvent{
		BookID: book.ID, ChapterIdx: 1, Who: "韩立", What: "获得掌天瓶",
	}))
	require.NoError(t, tx.Commit())

	return book.ID
}

// TestExportStorytellerBundle exercises the full storyteller bundle:
// per-chapter file, full_story.md, characters.md, timeline.md,
// book_summary.md and world_state.json under output_dir/<book_hash>/.
func TestExportStorytellerBundle(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	bookID := seedNarratedBook(t, db)
	svc := New(db, worldstate.New(db.DB()))

	outDir := t.TempDir()
	result, err := svc.Export(ctx, bookID, outDir, ModeAuto)
	require.NoError(t, err)
	require.Equal(t, ModeStoryteller, result.Mode)
	require.Equal(t, 1, result.ChapterCount)

	bookDir := filepath.Join(outDir, "bh-export")
	require.Equal(t, bookDir, result.OutputDir)

	for _, name := range []string{"full_story.md", "characters.md", "timeline.md", "book_summary.md", "world_state.json"} {
		_, err := os.Stat(filepath.Join(bookDir, name))
		require.NoError(t, err, name)
	}

	chapterPath := filepath.Join(bookDir, "chapters", "001_第一章 山边小村.md")
	body, err := os.ReadFile(chapterPath)
	require.NoError(t, err)
	require.Contains(t, string(body), "说书人讲起韩立的故事。")

	var ws struct {
		Characters []worldstate.Character `json:"characters"`
		PlotEvents []worldstate.PlotEvent `json:"plot_events"`
	}
	raw, err := os.ReadFile(filepath.Join(bookDir, "world_state.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &ws))
	require.Len(t, ws.Characters, 1)
	require.Equal(t, "韩立", ws.Characters[0].CanonicalName)
	require.Len(t, ws.PlotEvents, 1)

	timeline, err := os.ReadFile(filepath.Join(bookDir, "timeline.md"))
	require.NoError(t, err)
	require.Contains(t, string(timeline), "获得掌天瓶")
}

// TestExportLegacyFallback exercises mode=auto on a book with no
// narrations: the legacy summary concatenation is written instead.
func TestExportLegacyFallback(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	sess, err := db.Begin(ctx)
	require.NoError(t, err)
	book, err := sess.InsertBook(ctx, store.Book{BookHash: "bh-legacy", Title: "T"})
	require.NoError(t, err)
	_, err = sess.InsertSummary(ctx, store.Summary{BookID: book.ID, Scope: "book", Text: "a plain chapter summary"})
	require.NoError(t, err)
	require.NoError(t, sess.Commit())

	svc := New(db, worldstate.New(db.DB()))
	outDir := t.TempDir()

	result, err := svc.Export(ctx, book.ID, outDir, ModeAuto)
	require.NoError(t, err)
	require.Equal(t, ModeLegacy, result.Mode)

	body, err := os.ReadFile(filepath.Join(outDir, "bh-legacy", "book_summary.md"))
	require.NoError(t, err)
	require.Contains(t, string(body), "a plain chapter summary")
}
