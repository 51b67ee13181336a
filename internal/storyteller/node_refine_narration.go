package storyteller

import (
	"context"
	"encoding/json"

	"github.com/tablerst/storyteller/internal/config"
	"github.com/tablerst/storyteller/internal/hashing"
)

type refinePromptInputs struct {
	ChapterID        int64             `json:"chapter_id"`
	ChapterIdx       int               `json:"chapter_idx"`
	Narration        string            `json:"narration"`
	KeyEvents        []KeyEvent        `json:"key_events"`
	CharacterUpdates []CharacterUpdate `json:"character_updates"`
	Style            string            `json:"style"`
}

// runRefineNarration polishes the draft narration for coherence and
// tone without introducing new facts, gated by the tier's refine_enabled
// override. A disabled tier, missing route, or failed call all
// leave the narration exactly as produced by storyteller_generate.
func runRefineNarration(ctx context.Context, g *Graph, s *State) error {
	if s.Narration == "" {
		return nil
	}
	if !s.Overrides.RefineEnabled {
		s.RefineInputTokensEstimated = estimateTokens(s.Narration)
		s.RefineOutputTokensEstimated = estimateTokens(s.Narration)
		return nil
	}

	route, hasRoute := g.Config.Routes[config.RouteStorytellerRefine]
	if !hasRoute || g.Router == nil {
		s.RefineInputTokensEstimated = estimateTokens(s.Narration)
		s.RefineOutputTokensEstimated = estimateTokens(s.Narration)
		return nil
	}

	inputHash, err := hashing.JSONHash(refinePromptInputs{
		ChapterID:        s.ChapterID,
		ChapterIdx:       s.ChapterIdx,
		Narration:        s.Narration,
		KeyEvents:        s.KeyEvents,
		CharacterUpdates: s.CharacterUpdates,
		Style:            g.Config.Storyteller.Style,
	})
	if err != nil {
		s.RefineInputTokensEstimated = estimateTokens(s.Narration)
		s.RefineOutputTokensEstimated = estimateTokens(s.Narration)
		return nil
	}

	temperature := g.Config.Storyteller.RefineTemperature
	cacheKey := cacheKeyFor("storyteller_refine", route.Model, RefinePromptVersion, inputHash, temperature)

	keyEventsJSON, _ := json.Marshal(s.KeyEvents)
	characterUpdatesJSON, _ := json.Marshal(s.CharacterUpdates)

	system, _ := g.Prompts.Render(keyRefineSystem, nil)
	user, err := g.Prompts.Render(keyRefineUser, map[string]any{
		"Language":             g.Config.Storyteller.Language,
		"Style":                g.Config.Storyteller.Style,
		"KeyEventsJSON":        string(keyEventsJSON),
		"CharacterUpdatesJSON": string(characterUpdatesJSON),
		"DraftNarration":       s.Narration,
	})
	if err != nil {
		s.RefineInputTokensEstimated = estimateTokens(s.Narration)
		s.RefineOutputTokensEstimated = estimateTokens(s.Narration)
		return nil
	}

	payload, cached, err := completeStructuredCached(ctx, g, config.RouteStorytellerRefine, cacheKey, system, user, refineSchema)
	s.RefineLLMCalls = 1
	s.RefineLLMCacheHit = cached
	if err != nil {
		g.Logger.Warn("refine failed; keeping draft narration", "chapter_idx", s.ChapterIdx, "error", err)
		s.RefineInputTokensEstimated = estimateTokens(s.Narration)
		s.RefineOutputTokensEstimated = estimateTokens(s.Narration)
		return nil
	}

	refined, _ := payload["narration"].(string)
	s.RefineInputTokensEstimated = estimateTokens(s.Narration)
	if refined != "" {
		s.Narration = refined
	}
	s.RefineOutputTokensEstimated = estimateTokens(s.Narration)
	return nil
}
