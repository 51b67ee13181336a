package storyteller

import (
	"context"
	"fmt"
	"strings"
)

const maxKeyEventsPerChapter = 20

func normalizeNameKey(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "")
}

// buildCharacterAliasIndex maps every normalized canonical name and
// every normalized alias to its canonical name, so character updates
// referring to an alias are resolved consistently.
func buildCharacterAliasIndex(s *State) map[string]string {
	index := make(map[string]string)
	for _, c := range s.CharacterStates {
		canonicalKey := normalizeNameKey(c.CanonicalName)
		index[canonicalKey] = c.CanonicalName
		for _, alias := range c.Aliases {
			index[normalizeNameKey(alias)] = c.CanonicalName
		}
	}
	return index
}

// runConsistencyCheck validates and normalizes the LLM's raw key events
// and character updates against existing world state, purely in
// process: no LLM call.
func runConsistencyCheck(ctx context.Context, g *Graph, s *State) error {
	aliasIndex := buildCharacterAliasIndex(s)

	recentWhat := make(map[string]bool, len(s.RecentEvents))
	for _, e := range s.RecentEvents {
		recentWhat[e.What] = true
	}

	var warnings, actions []string
	seenWhat := make(map[string]bool)
	var events []KeyEvent
	for _, e := range s.KeyEvents {
		if strings.TrimSpace(e.What) == "" {
			warnings = append(warnings, "Dropped key_event with empty 'what'")
			continue
		}
		if seenWhat[e.What] || recentWhat[e.What] {
			warnings = append(warnings, fmt.Sprintf("Dropped duplicate key_event: %q", e.What))
			continue
		}
		seenWhat[e.What] = true
		events = append(events, e)
	}
	if len(events) > maxKeyEventsPerChapter {
		events = events[:maxKeyEventsPerChapter]
		warnings = append(warnings, "Too many key_events; truncated to 20")
	}
	s.KeyEvents = events

	var updates []CharacterUpdate
	for _, u := range s.CharacterUpdates {
		raw := u.Name
		if strings.TrimSpace(raw) == "" {
			warnings = append(warnings, "Dropped character_update without name")
			continue
		}
		if canonical, ok := aliasIndex[normalizeNameKey(raw)]; ok && canonical != raw {
			actions = append(actions, fmt.Sprintf("Normalized character alias '%s' -> '%s'", raw, canonical))
			u.Name = canonical
		}
		if u.Before != "" && u.Before == u.After {
			warnings = append(warnings, fmt.Sprintf("Dropped no-op character update for %q", u.Name))
			continue
		}
		if u.ChangeType == "" {
			u.ChangeType = "status"
		}
		updates = append(updates, u)
	}
	s.CharacterUpdates = updates

	s.ConsistencyWarnings = append(s.ConsistencyWarnings, warnings...)
	s.ConsistencyActions = append(s.ConsistencyActions, actions...)
	return nil
}
