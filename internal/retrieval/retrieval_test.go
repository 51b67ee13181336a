package retrieval

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tablerst/storyteller/internal/store"
	"github.com/tablerst/storyteller/internal/vectorstore"
)

// TestCausalFilterAndProximityOrder checks the causal filter:
// vector candidates at chapter_idx in {1,3,8,2} with current_chapter_idx=3
// must keep only {1,2} and order the closer chapter first.
func TestCausalFilterAndProximityOrder(t *testing.T) {
	hits := []vectorstore.Hit{
		{ID: 1, ChapterIdx: 1, Text: "a"},
		{ID: 2, ChapterIdx: 3, Text: "b"},
		{ID: 3, ChapterIdx: 8, Text: "c"},
		{ID: 4, ChapterIdx: 2, Text: "d"},
	}

	agg := make(map[string]*Memory)
	mergeVectorHits(agg, "chunk", hits, 3)

	require.Len(t, agg, 2, "chapters at or after current_chapter_idx must be dropped")
	for _, m := range agg {
		require.Less(t, m.ChapterIdx, 3)
	}

	out := make([]Memory, 0, len(agg))
	for _, m := range agg {
		m.ProximityScore = proximityScore(3, m.ChapterIdx)
		m.Score = m.ProximityScore
		out = append(out, *m)
	}
	require.Len(t, out, 2)

	var closer, farther Memory
	if out[0].ChapterIdx == 2 {
		closer, farther = out[0], out[1]
	} else {
		closer, farther = out[1], out[0]
	}
	require.Equal(t, 2, closer.ChapterIdx)
	require.Equal(t, 1, farther.ChapterIdx)
	require.Greater(t, closer.ProximityScore, farther.ProximityScore)
}

func TestProximityScore(t *testing.T) {
	require.Equal(t, 0.0, proximityScore(3, 3))
	require.Equal(t, 0.0, proximityScore(3, 5))
	require.InDelta(t, 0.5, proximityScore(3, 2), 1e-9)
	require.InDelta(t, 1.0/3.0, proximityScore(3, 1), 1e-9)
}

func TestNormRank(t *testing.T) {
	require.Equal(t, 1.0, normRank(1, 4))
	require.InDelta(t, 0.25, normRank(4, 4), 1e-9)
	require.InDelta(t, 1.0, normRank(1, 1), 1e-9)
}

func TestMergeFTSHitsCausalFilter(t *testing.T) {
	hits := []store.FTSHit{
		{ID: 10, ChapterIdx: 1, Text: "x"},
		{ID: 11, ChapterIdx: 4, Text: "y"},
	}
	agg := make(map[string]*Memory)
	mergeFTSHits(agg, "narration", hits, 3)
	require.Len(t, agg, 1)
	for _, m := range agg {
		require.Equal(t, int64(10), m.SourceID)
	}
}
