package storyteller

import (
	"context"
	"regexp"

	"github.com/tablerst/storyteller/internal/config"
	"github.com/tablerst/storyteller/internal/hashing"
)

var cjkTokenPattern = regexp.MustCompile(`[\x{4e00}-\x{9fff}]{2,8}`)

// fallbackEntities extracts a crude character/key-phrase list when no
// entity LLM route is configured, so the rest of the graph still has
// something to look up and retrieve against.
func fallbackEntities(text string) (characters, keyPhrases []string) {
	matches := cjkTokenPattern.FindAllString(text, -1)
	seen := make(map[string]bool)
	for _, m := range matches {
		if seen[m] {
			continue
		}
		seen[m] = true
		if len(characters) < 16 {
			characters = append(characters, m)
		}
		if len(keyPhrases) < 20 {
			keyPhrases = append(keyPhrases, m)
		}
	}
	return characters, keyPhrases
}

func normalizeListField(raw any, max int) []string {
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	seen := make(map[string]bool, len(list))
	out := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok || s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
		if len(out) >= max {
			break
		}
	}
	return out
}

// runEntityExtract populates EntitiesMentioned/LocationsMentioned/
// ItemsMentioned/KeyPhrases, calling the entity route when configured
// and falling back to a heuristic n-gram scan on any failure.
func runEntityExtract(ctx context.Context, g *Graph, s *State) error {
	route, hasRoute := g.Config.Routes[config.RouteStorytellerEntity]
	if !hasRoute || g.Router == nil {
		s.EntitiesMentioned, s.KeyPhrases = fallbackEntities(s.ChapterText)
		return nil
	}

	inputHash := hashing.Composite(
		hashing.ShortDefault(hashing.SHA256Text(s.ChapterTitle)),
		hashing.SHA256Text(s.ChapterText),
	)
	temperature := g.Config.Storyteller.EntityTemperature
	cacheKey := cacheKeyFor("storyteller_entity", route.Model, EntityPromptVersion, inputHash, temperature)

	system, _ := g.Prompts.Render(keyEntitySystem, nil)
	user, err := g.Prompts.Render(keyEntityUser, map[string]any{
		"Language":    g.Config.Storyteller.Language,
		"ChapterText": s.ChapterText,
	})
	if err != nil {
		s.EntitiesMentioned, s.KeyPhrases = fallbackEntities(s.ChapterText)
		return nil
	}

	payload, cached, err := completeStructuredCached(ctx, g, config.RouteStorytellerEntity, cacheKey, system, user, entitySchema)
	s.EntityLLMCalls = 1
	s.EntityLLMCacheHit = cached
	if err != nil {
		g.Logger.Warn("entity extraction failed; using fallback", "chapter_idx", s.ChapterIdx, "error", err)
		s.EntitiesMentioned, s.KeyPhrases = fallbackEntities(s.ChapterText)
		return nil
	}

	s.EntitiesMentioned = normalizeListField(payload["characters"], 16)
	s.LocationsMentioned = normalizeListField(payload["locations"], 16)
	s.ItemsMentioned = normalizeListField(payload["items"], 16)
	s.KeyPhrases = normalizeListField(payload["key_phrases"], 20)
	return nil
}
