package storyteller

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tablerst/storyteller/internal/config"
	"github.com/tablerst/storyteller/internal/hashing"
)

func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := len([]rune(text)) / 2
	if n < 1 {
		n = 1
	}
	return n
}

// draftNarration truncates text to the tier's maximum narration ratio,
// the deterministic fallback used whenever no narration LLM is
// available or the call fails.
func draftNarration(text string, ratio [2]float64) string {
	if text == "" {
		return ""
	}
	r := []rune(text)
	target := int(float64(len(r)) * ratio[1])
	if target < 1 {
		target = 1
	}
	if target > len(r) {
		target = len(r)
	}
	return string(r[:target])
}

// fallbackKeyEvent synthesizes a placeholder key event for a chapter
// whose narration fell back to deterministic truncation, so the
// world-state timeline still gets an entry for the chapter even without
// an LLM-extracted event. An empty draft (empty chapter text) gets no
// placeholder.
func fallbackKeyEvent(s *State, draft string) []KeyEvent {
	if draft == "" {
		return nil
	}
	return []KeyEvent{{Who: "unknown", What: fmt.Sprintf("Chapter %d draft narration generated", s.ChapterIdx)}}
}

type narrationPromptInputs struct {
	ChapterID        int64             `json:"chapter_id"`
	ChapterIdx       int               `json:"chapter_idx"`
	ChapterText      string            `json:"chapter_text"`
	Style            string            `json:"style"`
	Tier             string            `json:"tier"`
	Overrides        TierOverrides     `json:"overrides"`
	CharacterStates  int               `json:"character_states_count"`
	ItemStates       int               `json:"item_states_count"`
	RecentEvents     int               `json:"recent_events_count"`
	AwakenedMemories int               `json:"awakened_memories_count"`
	NarrationRoute   string            `json:"narration_route"`
	RefineRoute      string            `json:"refine_route"`
	PromptVersion    string            `json:"prompt_version"`
}

// runStorytellerGenerate produces the chapter's draft narration and
// structured key events/character updates/new items, from the LLM when
// available, else from a deterministic truncation of the chapter text
func runStorytellerGenerate(ctx context.Context, g *Graph, s *State) error {
	ratio := s.Overrides.NarrationRatio
	fallback := draftNarration(s.ChapterText, ratio)

	route, hasRoute := g.Config.Routes[config.RouteStorytellerNarration]
	if !hasRoute || g.Router == nil {
		s.Narration = fallback
		s.KeyEvents = fallbackKeyEvent(s, fallback)
		s.InputTokensEstimated = estimateTokens(s.ChapterText)
		s.OutputTokensEstimated = estimateTokens(fallback)
		return nil
	}

	inputHash, err := hashing.JSONHash(narrationPromptInputs{
		ChapterID:        s.ChapterID,
		ChapterIdx:       s.ChapterIdx,
		ChapterText:      s.ChapterText,
		Style:            g.Config.Storyteller.Style,
		Tier:             s.Tier,
		Overrides:        s.Overrides,
		CharacterStates:  len(s.CharacterStates),
		ItemStates:       len(s.ItemStates),
		RecentEvents:     len(s.RecentEvents),
		AwakenedMemories: len(s.AwakenedMemories),
		NarrationRoute:   config.RouteStorytellerNarration,
		RefineRoute:      config.RouteStorytellerRefine,
		PromptVersion:    NarrationPromptVersion,
	})
	if err != nil {
		s.Narration = fallback
		s.KeyEvents = fallbackKeyEvent(s, fallback)
		s.InputTokensEstimated = estimateTokens(s.ChapterText)
		s.OutputTokensEstimated = estimateTokens(fallback)
		return nil
	}

	temperature := g.Config.Storyteller.NarrationTemperature
	cacheKey := cacheKeyFor("storyteller_generate", route.Model, NarrationPromptVersion, inputHash, temperature)

	worldStateJSON, _ := json.Marshal(map[string]any{
		"characters":    s.CharacterStates,
		"items":         s.ItemStates,
		"recent_events": s.RecentEvents,
		"world_facts":   s.WorldFacts,
	})
	memoriesJSON, _ := json.Marshal(s.AwakenedMemories)

	system, _ := g.Prompts.Render(keyNarrationSystem, nil)
	user, err := g.Prompts.Render(keyNarrationUser, map[string]any{
		"Language":       g.Config.Storyteller.Language,
		"Style":          g.Config.Storyteller.Style,
		"WorldStateJSON": string(worldStateJSON),
		"MemoriesJSON":   string(memoriesJSON),
		"ChapterText":    s.ChapterText,
	})
	if err != nil {
		s.Narration = fallback
		s.KeyEvents = fallbackKeyEvent(s, fallback)
		s.InputTokensEstimated = estimateTokens(s.ChapterText)
		s.OutputTokensEstimated = estimateTokens(fallback)
		return nil
	}

	payload, cached, err := completeStructuredCached(ctx, g, config.RouteStorytellerNarration, cacheKey, system, user, narrationSchema)
	s.NarrationLLMCalls = 1
	s.NarrationLLMCacheHit = cached
	if err != nil {
		g.Logger.Warn("narration generation failed; using draft fallback", "chapter_idx", s.ChapterIdx, "error", err)
		s.Narration = fallback
		s.KeyEvents = fallbackKeyEvent(s, fallback)
		s.InputTokensEstimated = estimateTokens(s.ChapterText)
		s.OutputTokensEstimated = estimateTokens(fallback)
		return nil
	}

	narration, _ := payload["narration"].(string)
	if narration == "" {
		narration = fallback
	}
	s.Narration = narration
	s.KeyEvents = decodeKeyEvents(payload["key_events"])
	s.CharacterUpdates = decodeCharacterUpdates(payload["character_updates"])
	s.NewItems = decodeNewItems(payload["new_items"])
	if s.Narration != "" && len(s.KeyEvents) == 0 {
		s.KeyEvents = []KeyEvent{{Who: "narrator", What: "Chapter narrated without a distinct extractable event", Where: s.ChapterTitle, Outcome: "", Impact: ""}}
	}
	s.InputTokensEstimated = estimateTokens(s.ChapterText)
	s.OutputTokensEstimated = estimateTokens(s.Narration)
	return nil
}

func decodeKeyEvents(raw any) []KeyEvent {
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]KeyEvent, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, KeyEvent{
			Who:     stringField(m, "who"),
			What:    stringField(m, "what"),
			Where:   stringField(m, "where"),
			Outcome: stringField(m, "outcome"),
			Impact:  stringField(m, "impact"),
		})
	}
	return out
}

func decodeCharacterUpdates(raw any) []CharacterUpdate {
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]CharacterUpdate, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, CharacterUpdate{
			Name:       stringField(m, "name"),
			ChangeType: stringField(m, "change_type"),
			Before:     stringField(m, "before"),
			After:      stringField(m, "after"),
			Evidence:   stringField(m, "evidence"),
		})
	}
	return out
}

func decodeNewItems(raw any) []NewItem {
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]NewItem, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, NewItem{
			Name:        stringField(m, "name"),
			Owner:       stringField(m, "owner"),
			Description: stringField(m, "description"),
		})
	}
	return out
}

func stringField(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
