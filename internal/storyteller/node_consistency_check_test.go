package storyteller

import (
	"context"
	"testing"

	"github.com/tablerst/storyteller/internal/worldstate"
)

func TestConsistencyCheckNormalizesAliasAndDropsNoOp(t *testing.T) {
	s := &State{
		CharacterStates: []worldstate.Character{
			{CanonicalName: "Li Feng", Aliases: []string{"Brother Feng"}},
		},
		CharacterUpdates: []CharacterUpdate{
			{Name: "Brother Feng", ChangeType: "", Before: "injured", After: "healed"},
			{Name: "Li Feng", ChangeType: "status", Before: "healed", After: "healed"},
		},
		KeyEvents: []KeyEvent{
			{Who: "Li Feng", What: ""},
			{Who: "Li Feng", What: "defeated the bandit chief"},
			{Who: "Li Feng", What: "defeated the bandit chief"},
		},
	}

	if err := runConsistencyCheck(context.Background(), &Graph{}, s); err != nil {
		t.Fatalf("runConsistencyCheck returned error: %v", err)
	}

	if len(s.CharacterUpdates) != 1 {
		t.Fatalf("expected no-op update dropped, got %d updates", len(s.CharacterUpdates))
	}
	if s.CharacterUpdates[0].Name != "Li Feng" {
		t.Fatalf("expected alias normalized to canonical name, got %q", s.CharacterUpdates[0].Name)
	}
	if s.CharacterUpdates[0].ChangeType != "status" {
		t.Fatalf("expected default change_type status, got %q", s.CharacterUpdates[0].ChangeType)
	}
	if len(s.KeyEvents) != 1 {
		t.Fatalf("expected empty+duplicate events dropped, got %d", len(s.KeyEvents))
	}

	foundAliasAction := false
	for _, a := range s.ConsistencyActions {
		if a == "Normalized character alias 'Brother Feng' -> 'Li Feng'" {
			foundAliasAction = true
		}
	}
	if !foundAliasAction {
		t.Fatalf("expected alias-normalization action logged, got %v", s.ConsistencyActions)
	}
}

func TestConsistencyCheckDropsNamelessCharacterUpdate(t *testing.T) {
	s := &State{
		CharacterUpdates: []CharacterUpdate{
			{Name: "", ChangeType: "status", After: "healed"},
			{Name: "Li Feng", ChangeType: "status", After: "healed"},
		},
	}
	if err := runConsistencyCheck(context.Background(), &Graph{}, s); err != nil {
		t.Fatalf("runConsistencyCheck returned error: %v", err)
	}
	if len(s.CharacterUpdates) != 1 {
		t.Fatalf("expected nameless update dropped, got %d updates", len(s.CharacterUpdates))
	}
	foundWarning := false
	for _, w := range s.ConsistencyWarnings {
		if w == "Dropped character_update without name" {
			foundWarning = true
		}
	}
	if !foundWarning {
		t.Fatalf("expected drop warning logged, got %v", s.ConsistencyWarnings)
	}
}

func TestConsistencyCheckTruncatesKeyEvents(t *testing.T) {
	s := &State{}
	for i := 0; i < 25; i++ {
		s.KeyEvents = append(s.KeyEvents, KeyEvent{What: string(rune('a' + i))})
	}
	if err := runConsistencyCheck(context.Background(), &Graph{}, s); err != nil {
		t.Fatalf("runConsistencyCheck returned error: %v", err)
	}
	if len(s.KeyEvents) != maxKeyEventsPerChapter {
		t.Fatalf("expected truncation to %d events, got %d", maxKeyEventsPerChapter, len(s.KeyEvents))
	}
}
