package storyteller

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tablerst/storyteller/internal/store"
	"github.com/tablerst/storyteller/internal/worldstate"
)

// TestStateUpdatePersistsAbilityAndRelationship exercises the
// ability/relationship branches of runStateUpdate: they must not
// overwrite Character.Status and must persist into the respective
// free-form list columns instead.
func TestStateUpdatePersistsAbilityAndRelationship(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	sess, err := db.Begin(ctx)
	require.NoError(t, err)
	book, err := sess.InsertBook(ctx, store.Book{BookHash: "bh", Title: "T"})
	require.NoError(t, err)
	require.NoError(t, sess.Commit())

	world := worldstate.New(db.DB())

	tx, err := db.DB().Begin()
	require.NoError(t, err)
	require.NoError(t, worldstate.UpsertCharacter(ctx, tx, book.ID, "韩立", nil, "alive", "七玄门", 1))
	require.NoError(t, tx.Commit())

	tx, err = db.DB().Begin()
	require.NoError(t, err)
	s := &State{
		BookID:     book.ID,
		ChapterIdx: 2,
		Tx:         tx,
		CharacterUpdates: []CharacterUpdate{
			{Name: "韩立", ChangeType: "ability", After: "御剑术"},
			{Name: "韩立", ChangeType: "relationship", After: "南宫婉:挚友"},
		},
	}
	require.NoError(t, runStateUpdate(ctx, &Graph{}, s))
	require.NoError(t, tx.Commit())

	chars, err := world.AllCharacters(ctx, book.ID)
	require.NoError(t, err)
	require.Len(t, chars, 1)
	require.Equal(t, "alive", chars[0].Status, "ability/relationship updates must not overwrite status")
	require.Contains(t, chars[0].Abilities, "御剑术")
	require.Contains(t, chars[0].Relationships, "南宫婉:挚友")

	facts, err := world.AllWorldFacts(ctx, book.ID)
	require.NoError(t, err)
	var sawAbility, sawRelationship bool
	for _, f := range facts {
		if f.FactValue == "御剑术" {
			sawAbility = true
		}
		if f.FactValue == "南宫婉:挚友" {
			sawRelationship = true
		}
	}
	require.True(t, sawAbility, "expected an ability world fact")
	require.True(t, sawRelationship, "expected a relationship world fact")
}
