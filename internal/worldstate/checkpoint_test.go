package worldstate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tablerst/storyteller/internal/store"
)

// TestCheckpointRestore round-trips a snapshot: commit
// chapter 1 with a character and a plot event, snapshot, mutate state,
// then restore and verify the union of world-state rows is bit-equal to
// what existed at snapshot time.
func TestCheckpointRestore(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	sess, err := db.Begin(ctx)
	require.NoError(t, err)
	book, err := sess.InsertBook(ctx, store.Book{BookHash: "bh", Title: "T"})
	require.NoError(t, err)
	require.NoError(t, sess.Commit())

	ws := New(db.DB())

	tx, err := db.DB().Begin()
	require.NoError(t, err)
	require.NoError(t, UpsertCharacter(ctx, tx, book.ID, "韩立", []string{"韩跑跑"}, "alive", "七玄门", 1))
	require.NoError(t, InsertPlotEvent(ctx, tx, PlotEvent{BookID: book.ID, ChapterIdx: 1, What: "获得掌天瓶"}))
	require.NoError(t, tx.Commit())

	tx, err = db.DB().Begin()
	require.NoError(t, err)
	cp, err := ws.SaveCheckpoint(ctx, tx, book.ID, 1, 1)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	// Mutate state past the checkpoint.
	tx, err = db.DB().Begin()
	require.NoError(t, err)
	require.NoError(t, UpsertCharacter(ctx, tx, book.ID, "韩立", nil, "injured", "", 2))
	require.NoError(t, InsertPlotEvent(ctx, tx, PlotEvent{BookID: book.ID, ChapterIdx: 2, What: "受伤"}))
	require.NoError(t, tx.Commit())

	// Restore the checkpoint.
	tx, err = db.DB().Begin()
	require.NoError(t, err)
	require.NoError(t, Restore(ctx, tx, book.ID, cp.Snapshot))
	require.NoError(t, tx.Commit())

	chars, err := ws.AllCharacters(ctx, book.ID)
	require.NoError(t, err)
	require.Len(t, chars, 1)
	require.Equal(t, "alive", chars[0].Status)
	require.Equal(t, "七玄门", chars[0].Location)

	events, err := ws.AllPlotEvents(ctx, book.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "获得掌天瓶", events[0].What)

	snapAfter, err := ws.BuildSnapshot(ctx, book.ID)
	require.NoError(t, err)
	require.Equal(t, cp.SnapshotHash, snapAfter.Hash())
}
