package storyteller

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tablerst/storyteller/internal/config"
)

// TestGraphInvokeFallbackPath walks the full fixed node sequence with no
// LLM routes configured: entity extraction falls back to the CJK n-gram
// heuristic, narration falls back to deterministic truncation, and the
// pure nodes still produce a consistency/evidence report.
func TestGraphInvokeFallbackPath(t *testing.T) {
	cfg := config.DefaultConfig()
	delete(cfg.Routes, config.RouteStorytellerEntity)
	delete(cfg.Routes, config.RouteStorytellerNarration)
	delete(cfg.Routes, config.RouteStorytellerRefine)

	g := New(cfg, nil, nil, nil, nil, nil, nil)

	s := &State{
		BookID:       1,
		ChapterID:    1,
		ChapterIdx:   1,
		ChapterTitle: "第一章 山边小村",
		ChapterText:  "韩立在秘境中斩杀妖兽，获得掌天瓶。",
		Tier:         "medium",
		Overrides:    BuildTierOverrides("medium", cfg),
	}

	require.NoError(t, g.Invoke(context.Background(), s))

	require.NotEmpty(t, s.EntitiesMentioned, "fallback entity extraction must find CJK n-grams")
	require.NotEmpty(t, s.Narration, "fallback narration must truncate the chapter text")
	require.True(t, s.MemoryCommitted)
	// The synthesized placeholder key event enters the pipeline but the
	// evidence gate drops it (its claim text never appears in the
	// chapter), so it must be counted yet not survive to state_update.
	require.GreaterOrEqual(t, s.EvidenceReport.Total, 1)
	require.Equal(t, s.EvidenceReport.Total, s.EvidenceReport.Supported+s.EvidenceReport.Unsupported)
	require.Greater(t, s.OutputTokensEstimated, 0)
}

func TestDraftNarrationRatio(t *testing.T) {
	text := "一二三四五六七八九十"
	got := draftNarration(text, [2]float64{0.2, 0.5})
	require.Equal(t, "一二三四五", got)
}

func TestTruncatePayloadMarksOmission(t *testing.T) {
	out := truncatePayload("abcdefghijklmnopqrstuvwxyz", 10)
	require.Contains(t, out, "chars omitted")
	require.Contains(t, out, "abcde")
	require.Contains(t, out, "vwxyz")
}
