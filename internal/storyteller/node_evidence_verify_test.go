package storyteller

import (
	"context"
	"testing"

	"github.com/tablerst/storyteller/internal/config"
)

func TestEvidenceVerifySupportsExactMatch(t *testing.T) {
	g := &Graph{Config: config.DefaultConfig()}
	s := &State{
		ChapterText: "Li Feng defeated the bandit chief near the old bridge.",
		KeyEvents:   []KeyEvent{{What: "defeated the bandit chief"}},
	}
	if err := runEvidenceVerify(context.Background(), g, s); err != nil {
		t.Fatalf("runEvidenceVerify returned error: %v", err)
	}
	if s.EvidenceReport.Supported != 1 || s.EvidenceReport.Total != 1 {
		t.Fatalf("expected 1/1 supported, got %+v", s.EvidenceReport)
	}
	if s.KeyEvents[0].EvidenceScore != 1.0 {
		t.Fatalf("expected perfect score for substring match, got %v", s.KeyEvents[0].EvidenceScore)
	}
}

func TestEvidenceVerifyDropsUnsupported(t *testing.T) {
	g := &Graph{Config: config.DefaultConfig()}
	s := &State{
		ChapterText: "A quiet morning in the village.",
		KeyEvents:   []KeyEvent{{What: "a dragon destroyed the capital"}},
	}
	if err := runEvidenceVerify(context.Background(), g, s); err != nil {
		t.Fatalf("runEvidenceVerify returned error: %v", err)
	}
	if s.EvidenceReport.Unsupported != 1 {
		t.Fatalf("expected claim counted unsupported, got %+v", s.EvidenceReport)
	}
	if len(s.KeyEvents) != 0 {
		t.Fatalf("expected rejected key_event removed, got %d remaining", len(s.KeyEvents))
	}
	foundWarning := false
	for _, w := range s.ConsistencyWarnings {
		if w == "Evidence rejected key_event: a dragon destroyed the capital" {
			foundWarning = true
		}
	}
	if !foundWarning {
		t.Fatalf("expected rejection warning logged, got %v", s.ConsistencyWarnings)
	}
}

func TestEvidenceVerifyClaimTextUsesAllFields(t *testing.T) {
	g := &Graph{Config: config.DefaultConfig()}
	s := &State{
		ChapterText: "Li Feng fought Han Li near the old bridge and fled north afterward.",
		KeyEvents: []KeyEvent{{
			Who: "Li Feng", What: "fought Han Li", Where: "old bridge", Outcome: "fled", Impact: "north",
		}},
		CharacterUpdates: []CharacterUpdate{{
			Name: "Li Feng", ChangeType: "location", After: "north", Evidence: "fled the bridge",
		}},
	}
	if err := runEvidenceVerify(context.Background(), g, s); err != nil {
		t.Fatalf("runEvidenceVerify returned error: %v", err)
	}
	if s.KeyEvents[0].EvidenceScore <= 0 {
		t.Fatalf("expected key event scored from combined who/what/where/outcome/impact tokens, got %v", s.KeyEvents[0].EvidenceScore)
	}
	if s.CharacterUpdates[0].EvidenceScore <= 0 {
		t.Fatalf("expected character update scored from combined name/change_type/after/evidence tokens, got %v", s.CharacterUpdates[0].EvidenceScore)
	}
}

// TestEvidenceGateScenario exercises the full evidence gate: a chapter
// with a kill and an item gain, a memory hinting at a breakthrough, one
// fabricated claim rejected and the remaining three accepted.
func TestEvidenceGateScenario(t *testing.T) {
	g := &Graph{Config: config.DefaultConfig()}
	s := &State{
		ChapterText: "韩立在秘境中斩杀妖兽，获得掌天瓶。",
		AwakenedMemories: []AwakenedMemory{
			{SourceType: "narration", ChapterIdx: 1, Text: "韩立需要突破瓶颈"},
		},
		KeyEvents: []KeyEvent{
			{Who: "韩立", What: "斩杀妖兽"},
			{Who: "韩立", What: "飞升灵界"},
		},
		CharacterUpdates: []CharacterUpdate{
			{Name: "韩立", ChangeType: "status", Before: "炼气", After: "筑基", Evidence: "韩立需要突破瓶颈"},
		},
		NewItems: []NewItem{
			{Name: "掌天瓶", Owner: "韩立"},
		},
	}

	if err := runEvidenceVerify(context.Background(), g, s); err != nil {
		t.Fatalf("runEvidenceVerify returned error: %v", err)
	}

	want := EvidenceReport{Total: 4, Supported: 3, Unsupported: 1}
	if s.EvidenceReport != want {
		t.Fatalf("evidence report = %+v, want %+v", s.EvidenceReport, want)
	}
	if len(s.KeyEvents) != 1 {
		t.Fatalf("expected the fabricated key_event dropped, got %d events", len(s.KeyEvents))
	}
	if s.KeyEvents[0].What != "斩杀妖兽" {
		t.Fatalf("expected 斩杀妖兽 to survive the gate, got %q", s.KeyEvents[0].What)
	}
	if s.KeyEvents[0].EvidenceScore < g.Config.Storyteller.EvidenceMinSupportScore {
		t.Fatalf("expected 斩杀妖兽 accepted, got score %v", s.KeyEvents[0].EvidenceScore)
	}
	if len(s.CharacterUpdates) != 1 || s.CharacterUpdates[0].EvidenceSourceType == "" {
		t.Fatal("expected the breakthrough update supported by the awakened memory")
	}
	if len(s.NewItems) != 1 || s.NewItems[0].EvidenceScore != 1.0 {
		t.Fatalf("expected 掌天瓶 matched as a key phrase in the chapter text, got %+v", s.NewItems)
	}
	foundWarning := false
	for _, w := range s.ConsistencyWarnings {
		if w == "Evidence rejected key_event: 飞升灵界" {
			foundWarning = true
		}
	}
	if !foundWarning {
		t.Fatalf("expected rejection warning for 飞升灵界, got %v", s.ConsistencyWarnings)
	}
}

func TestSafeJSONObjectStripsFenceAndTrailingComma(t *testing.T) {
	raw := "```json\n{\"narration\": \"hi\", \"key_events\": [],}\n```"
	out := safeJSONObject(raw)
	if out == raw {
		t.Fatal("expected fence/comma repair to change the text")
	}
	if out[0] != '{' {
		t.Fatalf("expected repaired text to start with '{', got %q", out)
	}
}
