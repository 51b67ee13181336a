package storyteller

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/tablerst/storyteller/internal/config"
	"github.com/tablerst/storyteller/internal/hashing"
)

// StepNarrationPromptVersion tags narration rows produced by the
// step-aggregate path, distinguishing them from per-chapter narrations
// even when both exist for overlapping chapters during a resume.
const StepNarrationPromptVersion = "v1-step-aggregate"

const (
	keyStepNarrationSystem = "storyteller.step_narration.system"
	keyStepNarrationUser   = "storyteller.step_narration.user"
)

// StepResult is the aggregated outcome of one step-aggregate narration
// call spanning every chapter in [StepStartChapterIdx, StepEndChapterIdx].
type StepResult struct {
	StepStartChapterIdx int
	StepEndChapterIdx   int
	Narration           string
	KeyEvents           []KeyEvent
	CharacterUpdates    []CharacterUpdate
	NewItems            []NewItem
	EntitiesMentioned   []string

	NarrationLLMCalls     int
	NarrationLLMCacheHit  bool
	InputTokensEstimated  int
	OutputTokensEstimated int
}

type stepChapterPayload struct {
	ChapterIdx       int             `json:"chapter_idx"`
	ChapterTitle     string          `json:"chapter_title"`
	ChapterText      string          `json:"chapter_text"`
	AwakenedMemories []AwakenedMemory `json:"awakened_memories"`
	Constraints      struct {
		NarrationRatio       [2]float64 `json:"narration_ratio"`
		IncludeKeyDialogue   bool       `json:"include_key_dialogue"`
		IncludeInnerThoughts bool       `json:"include_inner_thoughts"`
	} `json:"constraints"`
}

func mergeEntities(states []*State) []string {
	seen := make(map[string]bool)
	var merged []string
	for _, st := range states {
		for _, e := range st.EntitiesMentioned {
			if e == "" || seen[e] {
				continue
			}
			seen[e] = true
			merged = append(merged, e)
		}
	}
	return merged
}

// GenerateStep produces one aggregated narration for a step's worth of
// per-chapter states in a single LLM call, falling back to a
// deterministic truncation of the combined chapter text if no
// narration route is configured or the call fails
// (storyteller_generate_step.run_batch).
func GenerateStep(ctx context.Context, g *Graph, states []*State, baseWorldState any) StepResult {
	if len(states) == 0 {
		return StepResult{}
	}

	ordered := make([]*State, len(states))
	copy(ordered, states)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ChapterIdx < ordered[j].ChapterIdx })

	stepStart := ordered[0].ChapterIdx
	stepEnd := ordered[len(ordered)-1].ChapterIdx

	combinedText := ""
	for i, st := range ordered {
		if i > 0 {
			combinedText += "\n\n"
		}
		combinedText += st.ChapterText
	}

	ratio := ordered[0].Overrides.NarrationRatio
	fallbackNarration := draftNarration(combinedText, ratio)

	result := StepResult{
		StepStartChapterIdx:   stepStart,
		StepEndChapterIdx:     stepEnd,
		Narration:             fallbackNarration,
		EntitiesMentioned:     mergeEntities(ordered),
		InputTokensEstimated:  estimateTokens(combinedText),
		OutputTokensEstimated: estimateTokens(fallbackNarration),
	}

	route, hasRoute := g.Config.Routes[config.RouteStorytellerNarration]
	if !hasRoute || g.Router == nil {
		return result
	}

	chaptersPayload := make([]stepChapterPayload, 0, len(ordered))
	for _, st := range ordered {
		p := stepChapterPayload{
			ChapterIdx:       st.ChapterIdx,
			ChapterTitle:     st.ChapterTitle,
			ChapterText:      st.ChapterText,
			AwakenedMemories: st.AwakenedMemories,
		}
		p.Constraints.NarrationRatio = st.Overrides.NarrationRatio
		p.Constraints.IncludeKeyDialogue = st.Overrides.IncludeKeyDialogue
		p.Constraints.IncludeInnerThoughts = st.Overrides.IncludeInnerThoughts
		chaptersPayload = append(chaptersPayload, p)
	}

	style := g.Config.Storyteller.Style
	inputHash, err := hashing.JSONHash(map[string]any{
		"base_world_state": baseWorldState,
		"chapters":         chaptersPayload,
		"style":            style,
	})
	if err != nil {
		return result
	}

	temperature := g.Config.Storyteller.NarrationTemperature
	cacheKey := cacheKeyFor("storyteller_generate_step", route.Model, StepNarrationPromptVersion, inputHash, temperature)

	baseWorldStateJSON, _ := json.Marshal(baseWorldState)
	chaptersJSON, _ := json.Marshal(chaptersPayload)

	system, _ := g.Prompts.Render(keyStepNarrationSystem, nil)
	user, err := g.Prompts.Render(keyStepNarrationUser, map[string]any{
		"Language":       g.Config.Storyteller.Language,
		"Style":          style,
		"StepStart":      stepStart,
		"StepEnd":        stepEnd,
		"BaseWorldState": string(baseWorldStateJSON),
		"Chapters":       string(chaptersJSON),
	})
	if err != nil {
		return result
	}

	payload, cached, err := completeStructuredCached(ctx, g, config.RouteStorytellerNarration, cacheKey, system, user, stepNarrationSchema)
	result.NarrationLLMCalls = 1
	result.NarrationLLMCacheHit = cached
	if err != nil {
		g.Logger.Warn("step narration generation failed; using draft fallback", "step_start", stepStart, "step_end", stepEnd, "error", err)
		return result
	}

	narration, _ := payload["narration"].(string)
	if narration == "" {
		narration = fallbackNarration
	}
	result.Narration = narration
	result.KeyEvents = decodeKeyEvents(payload["key_events"])
	result.CharacterUpdates = decodeCharacterUpdates(payload["character_updates"])
	result.NewItems = decodeNewItems(payload["new_items"])
	result.OutputTokensEstimated = estimateTokens(narration)
	return result
}
