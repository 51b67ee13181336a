package storyteller

import (
	"testing"

	"github.com/tablerst/storyteller/internal/config"
)

func TestDecideTierKeywordTrigger(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Tiering.Enabled = true
	cfg.Tiering.LongEveryN = 0
	cfg.Tiering.LongMinChars = 100000
	cfg.Tiering.LongKeywordTriggers = []string{"finale"}
	cfg.Tiering.DefaultTier = "medium"

	tier := DecideTier(5, "The Finale Begins", "short text", cfg)
	if tier != "long" {
		t.Fatalf("expected long tier from keyword trigger, got %q", tier)
	}
}

func TestDecideTierDefault(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Tiering.Enabled = true
	cfg.Tiering.LongEveryN = 0
	cfg.Tiering.LongMinChars = 0
	cfg.Tiering.LongKeywordTriggers = nil
	cfg.Tiering.DefaultTier = "short"

	tier := DecideTier(1, "Chapter One", "text", cfg)
	if tier != "short" {
		t.Fatalf("expected default tier short, got %q", tier)
	}
}

func TestDecideTierDisabledUsesPreset(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Tiering.Enabled = false
	cfg.Storyteller.NarrationPreset = "long"

	tier := DecideTier(1, "x", "y", cfg)
	if tier != "long" {
		t.Fatalf("expected flat preset when tiering disabled, got %q", tier)
	}
}

func TestBuildTierOverridesFromProfile(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Tiering.Enabled = true

	overrides := BuildTierOverrides("short", cfg)
	if overrides.MemoryTopK != 5 {
		t.Fatalf("expected short tier top_k=5, got %d", overrides.MemoryTopK)
	}
	if overrides.RefineEnabled {
		t.Fatal("expected short tier refine disabled")
	}
}
