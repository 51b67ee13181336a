package controller

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tablerst/storyteller/internal/config"
	"github.com/tablerst/storyteller/internal/llmcache"
	"github.com/tablerst/storyteller/internal/prompts"
	"github.com/tablerst/storyteller/internal/store"
	"github.com/tablerst/storyteller/internal/storyteller"
	"github.com/tablerst/storyteller/internal/worldstate"
)

func seedBook(t *testing.T, db *store.Store, n int) int64 {
	t.Helper()
	ctx := context.Background()
	sess, err := db.Begin(ctx)
	require.NoError(t, err)
	book, err := sess.InsertBook(ctx, store.Book{BookHash: "bh", Title: "T"})
	require.NoError(t, err)
	for i := 1; i <= n; i++ {
		_, err := sess.InsertChapter(ctx, store.Chapter{
			BookID:      book.ID,
			ChapterHash: fmt.Sprintf("ch-hash-%d", i),
			Idx:         i,
			Title:       "Chapter title",
			Text:        "A fairly short chapter about travel and discovery.",
		})
		require.NoError(t, err)
	}
	require.NoError(t, sess.Commit())
	return book.ID
}

// newTestController builds a Controller with no LLM routes configured so
// every graph node degrades to its deterministic fallback, mirroring the
// stepexec package's no-LLM-route test idiom.
func newTestController(t *testing.T) (*Controller, *store.Store) {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.Storyteller.StepSize = 1
	cfg.Storyteller.PrefetchWindow = 2
	delete(cfg.Routes, config.RouteStorytellerNarration)
	delete(cfg.Routes, config.RouteStorytellerEntity)
	delete(cfg.Routes, config.RouteStorytellerRefine)
	delete(cfg.Routes, config.RouteSummarize)
	delete(cfg.Routes, config.RouteEmbed)

	world := worldstate.New(db.DB())
	cache := llmcache.New(db.DB())
	resolver := prompts.NewResolver(nil)
	storyteller.RegisterPrompts(resolver)
	graph := storyteller.New(cfg, nil, cache, resolver, world, nil, nil)

	c := &Controller{
		Config:  cfg,
		Logger:  graph.Logger,
		Store:   db,
		World:   world,
		Cache:   cache,
		Prompts: resolver,
		Graph:   graph,
	}
	return c, db
}

// TestStorytellPerChapterCachesAndSkips exercises the per-chapter
// (step_size<=1) path: a first pass narrates every chapter, and a
// second pass over the same range hits the per-chapter input-hash
// cache-hit shortcut for all of them.
func TestStorytellPerChapterCachesAndSkips(t *testing.T) {
	ctx := context.Background()
	c, db := newTestController(t)
	defer db.Close()

	bookID := seedBook(t, db, 3)

	stats, err := c.Storytell(ctx, bookID, 1, 3)
	require.NoError(t, err)
	require.Equal(t, 3, stats.ChaptersTotal)
	require.Equal(t, 3, stats.ChaptersProcessed)
	require.Equal(t, 0, stats.ChaptersSkipped)

	narrations, err := db.LatestNarrationsByBook(ctx, bookID)
	require.NoError(t, err)
	require.Len(t, narrations, 3)

	stats2, err := c.Storytell(ctx, bookID, 1, 3)
	require.NoError(t, err)
	require.Equal(t, 3, stats2.ChaptersSkipped)
	require.Equal(t, 0, stats2.ChaptersProcessed)
}

// TestBuildRetrievalAssetsSkipsWithoutMemoryRetrieval exercises the
// asset-build gate: with memory retrieval disabled for every tier and no
// embedder wired, BuildRetrievalAssets must return immediately instead of
// touching the vector store.
func TestBuildRetrievalAssetsSkipsWithoutMemoryRetrieval(t *testing.T) {
	ctx := context.Background()
	c, db := newTestController(t)
	defer db.Close()
	c.Config.Storyteller.MemoryTopK = 0
	c.Config.Tiering.Enabled = false

	bookID := seedBook(t, db, 1)

	stats, err := c.BuildRetrievalAssets(ctx, bookID)
	require.NoError(t, err)
	require.True(t, stats.Skipped)
	require.Equal(t, 0, stats.ChunksEmbedded)
}

// TestSummarizeFallsBackToTruncation exercises the legacy summarize
// command's no-route path, confirming every chapter gets a scope="book"
// row Export's legacy fallback can read.
func TestSummarizeFallsBackToTruncation(t *testing.T) {
	ctx := context.Background()
	c, db := newTestController(t)
	defer db.Close()

	bookID := seedBook(t, db, 2)

	stats, err := c.Summarize(ctx, bookID)
	require.NoError(t, err)
	require.Equal(t, 2, stats.ChaptersSummarized)
	require.Equal(t, 0, stats.LLMCalls)

	summaries, err := db.SummariesByScope(ctx, bookID, "book")
	require.NoError(t, err)
	require.Len(t, summaries, 2)
}
