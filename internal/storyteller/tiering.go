package storyteller

import (
	"strings"

	"github.com/tablerst/storyteller/internal/config"
)

// narrationRatioBounds mirrors config.narrationPresets (unexported there)
// so tiering can resolve a preset name to a (min,max) pair without a
// config package export; kept in sync with schema.go's table.
var narrationRatioBounds = map[string][2]float64{
	"short":  {0.2, 0.3},
	"medium": {0.4, 0.5},
	"long":   {0.65, 0.8},
}

func ratioBoundsFor(preset string, fallback float64) [2]float64 {
	if b, ok := narrationRatioBounds[preset]; ok {
		return b
	}
	if fallback > 0 {
		return [2]float64{fallback, fallback}
	}
	return narrationRatioBounds["medium"]
}

// DecideTier selects short|medium|long for one chapter, in order: every
// Nth chapter, minimum character count, keyword triggers, else the
// configured default.
func DecideTier(chapterIdx int, chapterTitle, chapterText string, cfg *config.Config) string {
	if !cfg.Tiering.Enabled {
		preset := cfg.Storyteller.NarrationPreset
		if preset == "" {
			preset = "medium"
		}
		return preset
	}

	t := cfg.Tiering
	if t.LongEveryN > 0 && chapterIdx%t.LongEveryN == 0 {
		return "long"
	}
	if t.LongMinChars > 0 && len([]rune(chapterText)) >= t.LongMinChars {
		return "long"
	}
	if len(t.LongKeywordTriggers) > 0 {
		haystack := strings.ToLower(chapterTitle + "\n" + truncateRunes(chapterText, 4000))
		for _, kw := range t.LongKeywordTriggers {
			if kw == "" {
				continue
			}
			if strings.Contains(haystack, strings.ToLower(kw)) {
				return "long"
			}
		}
	}
	if t.DefaultTier != "" {
		return t.DefaultTier
	}
	return "medium"
}

// BuildTierOverrides resolves the tier-effective narration knobs for
// tier, either from the tier's profile (tiering enabled) or from the
// flat storyteller config (tiering disabled), per
// tiering.build_tier_overrides.
func BuildTierOverrides(tier string, cfg *config.Config) TierOverrides {
	if !cfg.Tiering.Enabled {
		return TierOverrides{
			NarrationRatio:       ratioBoundsFor(cfg.Storyteller.NarrationPreset, cfg.Storyteller.NarrationRatio),
			MemoryTopK:           cfg.Storyteller.MemoryTopK,
			IncludeKeyDialogue:   cfg.Storyteller.IncludeKeyDialogue,
			IncludeInnerThoughts: cfg.Storyteller.IncludeInnerThoughts,
			RefineEnabled:        cfg.Storyteller.RefineEnabled,
			EntityExtractMode:    cfg.Storyteller.EntityExtractMode,
		}
	}

	profile, ok := cfg.Tiering.Tiers[tier]
	if !ok {
		return BuildTierOverrides("", &config.Config{Storyteller: cfg.Storyteller})
	}
	return TierOverrides{
		NarrationRatio:       ratioBoundsFor("", profile.Ratio),
		MemoryTopK:           profile.TopK,
		IncludeKeyDialogue:   profile.Dialogue,
		IncludeInnerThoughts: profile.Thoughts,
		RefineEnabled:        profile.Refine,
		EntityExtractMode:    profile.EntityMode,
	}
}

// HasMemoryRetrieval reports whether any configured tier (or, with
// tiering disabled, the flat config) calls for a positive memory top-k,
// gating whether retrieval assets need to be prebuilt at all.
func HasMemoryRetrieval(cfg *config.Config) bool {
	if cfg.Tiering.Enabled {
		for _, p := range cfg.Tiering.Tiers {
			if p.TopK > 0 {
				return true
			}
		}
		return false
	}
	return cfg.Storyteller.MemoryTopK > 0
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
