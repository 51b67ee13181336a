package storyteller

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"
)

var evidenceTokenPattern = regexp.MustCompile(`[\x{4e00}-\x{9fff}]{2,8}|[A-Za-z0-9_]{2,20}`)

type evidenceSource struct {
	Type string
	Text string
}

// buildEvidenceSources returns the chapter text (always first) plus up
// to maxSnippets awakened memories as candidate evidence sources.
func buildEvidenceSources(s *State, maxSnippets int) []evidenceSource {
	sources := []evidenceSource{{Type: "chapter", Text: s.ChapterText}}
	for i, m := range s.AwakenedMemories {
		if i >= maxSnippets {
			break
		}
		sourceType := m.SourceType
		if sourceType == "" {
			sourceType = "memory"
		}
		sources = append(sources, evidenceSource{Type: sourceType, Text: m.Text})
	}
	return sources
}

func tokenize(text string) []string {
	return evidenceTokenPattern.FindAllString(text, -1)
}

// bestSupportScore finds the source that best supports claimText, using
// substring containment as a perfect match (score 1.0) and falling back
// to a token-overlap ratio over the claim's own token count otherwise
// (intersection over claim size, not set-Jaccard over the union: a short
// claim fully contained in a long source should score 1, not be diluted
// by the source's length).
func bestSupportScore(claimText string, sources []evidenceSource, keyPhrases []string) (sourceType, quote string, score float64) {
	claimText = strings.TrimSpace(claimText)
	if claimText == "" {
		return "", "", 0
	}

	for _, kp := range keyPhrases {
		kp = strings.TrimSpace(kp)
		if kp == "" {
			continue
		}
		for _, src := range sources {
			if strings.Contains(src.Text, kp) {
				return src.Type, kp, 1.0
			}
		}
	}

	for _, src := range sources {
		if strings.Contains(src.Text, claimText) {
			return src.Type, claimText, 1.0
		}
	}

	claimTokens := tokenize(claimText)
	claimSet := make(map[string]bool, len(claimTokens))
	for _, t := range claimTokens {
		claimSet[t] = true
	}
	denom := float64(len(claimTokens))
	if denom < 1 {
		denom = 1
	}

	bestScore := 0.0
	bestType := ""
	bestQuote := ""
	for _, src := range sources {
		srcTokens := tokenize(src.Text)
		srcSet := make(map[string]bool, len(srcTokens))
		for _, t := range srcTokens {
			srcSet[t] = true
		}
		overlap := 0
		for t := range claimSet {
			if srcSet[t] {
				overlap++
			}
		}
		score := float64(overlap) / denom
		if score > bestScore {
			bestScore = score
			bestType = src.Type
			bestQuote = truncateRunes(src.Text, 160)
		}
	}
	return bestType, bestQuote, bestScore
}

func round4(f float64) float64 {
	return math.Round(f*10000) / 10000
}

// claimTextFromEvent concatenates every descriptive field of a key
// event into one claim text, so the token-overlap fallback sees the
// whole claim rather than just its headline.
func claimTextFromEvent(e KeyEvent) string {
	return joinNonEmpty(e.Who, e.What, e.Where, e.Outcome, e.Impact)
}

// claimTextFromUpdate concatenates a character update's descriptive
// fields.
func claimTextFromUpdate(u CharacterUpdate) string {
	return joinNonEmpty(u.Name, u.ChangeType, u.After, u.Evidence)
}

// claimTextFromItem concatenates a new item's descriptive fields.
func claimTextFromItem(it NewItem) string {
	return joinNonEmpty(it.Name, it.Owner, it.Description)
}

func joinNonEmpty(parts ...string) string {
	var kept []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " ")
}

// runEvidenceVerify scores every key event, character update and new
// item's claim against the chapter text and awakened memories. Claims
// below the support threshold are dropped with a warning, so only
// evidence-backed claims ever reach state_update.
func runEvidenceVerify(ctx context.Context, g *Graph, s *State) error {
	minScore := g.Config.Storyteller.EvidenceMinSupportScore
	maxSnippets := g.Config.Storyteller.EvidenceMaxSnippets
	sources := buildEvidenceSources(s, maxSnippets)

	total, supported := 0, 0

	events := make([]KeyEvent, 0, len(s.KeyEvents))
	for _, e := range s.KeyEvents {
		total++
		srcType, quote, score := bestSupportScore(claimTextFromEvent(e), sources, []string{e.What})
		score = round4(score)
		if score < minScore {
			s.ConsistencyWarnings = append(s.ConsistencyWarnings,
				fmt.Sprintf("Evidence rejected key_event: %s", e.What))
			continue
		}
		supported++
		e.EvidenceSourceType = srcType
		e.EvidenceQuote = quote
		e.EvidenceScore = score
		events = append(events, e)
	}
	s.KeyEvents = events

	updates := make([]CharacterUpdate, 0, len(s.CharacterUpdates))
	for _, u := range s.CharacterUpdates {
		total++
		srcType, quote, score := bestSupportScore(claimTextFromUpdate(u), sources, []string{u.Evidence, u.After})
		score = round4(score)
		if score < minScore {
			s.ConsistencyWarnings = append(s.ConsistencyWarnings,
				fmt.Sprintf("Evidence rejected character_update: %s", u.Name))
			continue
		}
		supported++
		u.EvidenceSourceType = srcType
		u.EvidenceQuote = quote
		u.EvidenceScore = score
		updates = append(updates, u)
	}
	s.CharacterUpdates = updates

	items := make([]NewItem, 0, len(s.NewItems))
	for _, it := range s.NewItems {
		total++
		srcType, quote, score := bestSupportScore(claimTextFromItem(it), sources, []string{it.Name, it.Description, it.Owner})
		score = round4(score)
		if score < minScore {
			s.ConsistencyWarnings = append(s.ConsistencyWarnings,
				fmt.Sprintf("Evidence rejected new_item: %s", it.Name))
			continue
		}
		supported++
		it.EvidenceSourceType = srcType
		it.EvidenceQuote = quote
		it.EvidenceScore = score
		items = append(items, it)
	}
	s.NewItems = items

	unsupported := total - supported
	if unsupported > 0 {
		s.ConsistencyActions = append(s.ConsistencyActions,
			fmt.Sprintf("Evidence filtered unsupported claims: %d", unsupported))
	}
	s.EvidenceReport = EvidenceReport{
		Total:       total,
		Supported:   supported,
		Unsupported: unsupported,
	}
	return nil
}
