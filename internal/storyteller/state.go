// Package storyteller implements the Storyteller Graph: a
// fixed-edge pipeline of named nodes that extract entities, recall prior
// context, generate tier-aware narration, check consistency, verify
// evidence, refine prose and commit world-state mutations for one
// chapter. The graph is modeled as data, not inheritance: a slice of
// {name, run} values walked in order, each mutating a shared sparse
// State.
package storyteller

import (
	"database/sql"

	"github.com/tablerst/storyteller/internal/worldstate"
)

// KeyEvent is one narrated plot beat.
type KeyEvent struct {
	Who     string `json:"who"`
	What    string `json:"what"`
	Where   string `json:"where"`
	Outcome string `json:"outcome"`
	Impact  string `json:"impact"`

	// EvidenceSourceType/Quote/Score are populated by evidence_verify.
	EvidenceSourceType string  `json:"evidence_source_type,omitempty"`
	EvidenceQuote      string  `json:"evidence_quote,omitempty"`
	EvidenceScore      float64 `json:"evidence_score,omitempty"`
}

// CharacterUpdate describes one character mutation proposed by narration
// generation, narrowed and validated by consistency_check.
type CharacterUpdate struct {
	Name       string `json:"name"`
	ChangeType string `json:"change_type"` // status | location | ability | relationship
	Before     string `json:"before"`
	After      string `json:"after"`
	Evidence   string `json:"evidence"`

	EvidenceSourceType string  `json:"evidence_source_type,omitempty"`
	EvidenceQuote      string  `json:"evidence_quote,omitempty"`
	EvidenceScore      float64 `json:"evidence_score,omitempty"`
}

// NewItem describes an item introduced or re-described in this chapter.
type NewItem struct {
	Name        string `json:"name"`
	Owner       string `json:"owner"`
	Description string `json:"description"`

	EvidenceSourceType string  `json:"evidence_source_type,omitempty"`
	EvidenceQuote      string  `json:"evidence_quote,omitempty"`
	EvidenceScore      float64 `json:"evidence_score,omitempty"`
}

// EvidenceReport summarizes evidence_verify's claim-by-claim audit.
type EvidenceReport struct {
	Total       int `json:"total"`
	Supported   int `json:"supported"`
	Unsupported int `json:"unsupported"`
}

// AwakenedMemory is one hybrid-retrieval hit surfaced to narration
// generation as soft context.
type AwakenedMemory struct {
	SourceType string  `json:"source_type"`
	SourceID   int64   `json:"source_id"`
	ChapterIdx int     `json:"chapter_idx"`
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
}

// State is the sparse, optional-field bag of data threaded through the
// graph's nodes. Inputs are always set; everything else is populated
// incrementally as nodes run, mirroring the TypedDict the graph nodes
// were translated from: fields are read defensively (zero value means
// "not yet computed"), never required.
type State struct {
	// Inputs, fixed for the life of one chapter's run.
	BookID       int64
	ChapterID    int64
	ChapterIdx   int
	ChapterTitle string
	ChapterText  string
	Tier         string
	Overrides    TierOverrides

	// Tx is the chapter-scoped write transaction state_update commits
	// world-state mutations through. Left nil for read-only/draft runs.
	Tx *sql.Tx

	// entity_extract output.
	EntitiesMentioned  []string
	LocationsMentioned []string
	ItemsMentioned     []string
	KeyPhrases         []string

	// state_lookup output.
	CharacterStates []worldstate.Character
	ItemStates      []worldstate.Item
	RecentEvents    []worldstate.PlotEvent
	WorldFacts      []worldstate.WorldFact

	// memory_retrieve output.
	AwakenedMemories []AwakenedMemory

	// storyteller_generate / refine_narration output.
	Narration        string
	KeyEvents        []KeyEvent
	CharacterUpdates []CharacterUpdate
	NewItems         []NewItem

	// consistency_check output.
	ConsistencyWarnings []string
	ConsistencyActions  []string

	// evidence_verify output.
	EvidenceReport EvidenceReport

	// memory_commit / state_update output.
	MutationsApplied int
	MemoryCommitted  bool

	// Telemetry, accumulated across nodes.
	EntityLLMCalls               int
	EntityLLMCacheHit            bool
	NarrationLLMCalls            int
	NarrationLLMCacheHit         bool
	RefineLLMCalls               int
	RefineLLMCacheHit            bool
	InputTokensEstimated         int
	OutputTokensEstimated        int
	RefineInputTokensEstimated   int
	RefineOutputTokensEstimated  int
}

// TierOverrides is the resolved, tier-effective set of narration knobs
// for one chapter.
type TierOverrides struct {
	NarrationRatio       [2]float64
	MemoryTopK           int
	IncludeKeyDialogue   bool
	IncludeInnerThoughts bool
	RefineEnabled        bool
	EntityExtractMode    string
}
