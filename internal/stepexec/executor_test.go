package stepexec

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tablerst/storyteller/internal/config"
	"github.com/tablerst/storyteller/internal/store"
	"github.com/tablerst/storyteller/internal/storyteller"
	"github.com/tablerst/storyteller/internal/worldstate"
)

func seedBookWithChapters(t *testing.T, db *store.Store, n int) int64 {
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
			Text:        "韩立走在山路上，想着掌天瓶的事情，遇到了风起云涌的变故。",
		})
		require.NoError(t, err)
	}
	require.NoError(t, sess.Commit())
	return book.ID
}

// TestExecutorNarratesStepAndCheckpoints exercises the no-LLM-route
// fallback path: two chapters folded into one step, one narration row
// persisted at the step's anchor chapter, and a checkpoint saved after.
func TestExecutorNarratesStepAndCheckpoints(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	bookID := seedBookWithChapters(t, db, 2)

	cfg := config.DefaultConfig()
	cfg.Storyteller.StepSize = 2
	cfg.Storyteller.StepAlign = "auto"
	cfg.Storyteller.StepCheckpointEnabled = true
	cfg.Storyteller.StepResumeMode = "restore"
	delete(cfg.Routes, config.RouteStorytellerNarration)
	delete(cfg.Routes, config.RouteStorytellerEntity)

	world := worldstate.New(db.DB())
	graph := storyteller.New(cfg, nil, nil, nil, world, nil, nil)
	exec := New(db, world, graph, cfg, nil)

	stats, err := exec.Run(ctx, bookID, 1, 2)
	require.NoError(t, err)
	require.Equal(t, 1, stats.StepsTotal)
	require.Equal(t, 1, stats.StepsProcessed)
	require.Equal(t, 0, stats.StepsSkippedCached)
	require.Equal(t, 2, stats.ChaptersCovered)

	// Re-running the same range restores the empty pre-book baseline, so
	// the step input hash matches the persisted narration and the cached
	// payload is replayed instead of regenerating.
	stats2, err := exec.Run(ctx, bookID, 1, 2)
	require.NoError(t, err)
	require.Equal(t, 1, stats2.StepsSkippedCached)
	require.Equal(t, 0, stats2.StepsProcessed)

	cp, err := world.LatestCheckpointAtOrBefore(ctx, bookID, 2)
	require.NoError(t, err)
	require.Equal(t, 2, cp.ChapterIdx)
}

// TestExecutorResumeRestoresBaselineFromCheckpoint exercises resume:
// after a simulated process restart wipes in-memory world-state, a
// restore-mode resume must re-establish the boundary state at the
// checkpoint before narrating the next step, rather than narrating
// against an empty world-state.
func TestExecutorResumeRestoresBaselineFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	bookID := seedBookWithChapters(t, db, 4)

	cfg := config.DefaultConfig()
	cfg.Storyteller.StepSize = 2
	cfg.Storyteller.StepAlign = "auto"
	cfg.Storyteller.StepCheckpointEnabled = true
	cfg.Storyteller.StepResumeMode = "restore"
	delete(cfg.Routes, config.RouteStorytellerNarration)
	delete(cfg.Routes, config.RouteStorytellerEntity)

	world := worldstate.New(db.DB())
	graph := storyteller.New(cfg, nil, nil, nil, world, nil, nil)
	exec := New(db, world, graph, cfg, nil)

	_, err = exec.Run(ctx, bookID, 1, 2)
	require.NoError(t, err)

	chars, err := world.AllCharacters(ctx, bookID)
	require.NoError(t, err)
	require.NotEmpty(t, chars)

	// Simulate a fresh process: clear world-state tables entirely while
	// the checkpoint and narrations remain on disk.
	tx, err := db.DB().Begin()
	require.NoError(t, err)
	require.NoError(t, worldstate.Restore(ctx, tx, bookID, worldstate.Snapshot{}))
	require.NoError(t, tx.Commit())

	empty, err := world.AllCharacters(ctx, bookID)
	require.NoError(t, err)
	require.Empty(t, empty)

	stats, err := exec.Run(ctx, bookID, 3, 4)
	require.NoError(t, err)
	require.Equal(t, 1, stats.StepsProcessed)

	restored, err := world.AllCharacters(ctx, bookID)
	require.NoError(t, err)
	require.NotEmpty(t, restored, "baseline characters from chapters 1-2 must be restored before narrating the next step")
}
