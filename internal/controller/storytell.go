package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tablerst/storyteller/internal/config"
	"github.com/tablerst/storyteller/internal/hashing"
	"github.com/tablerst/storyteller/internal/store"
	"github.com/tablerst/storyteller/internal/storyteller"
)

// Storytell narrates every chapter in [fromChapter, toChapter] (1-indexed,
// inclusive; toChapter<=0 means "through the last chapter"). step_size<=1
// walks chapters one at a time with bounded entity-extraction prefetch;
// step_size>1 delegates the whole range to the step executor.
func (c *Controller) Storytell(ctx context.Context, bookID int64, fromChapter, toChapter int) (Stats, error) {
	var stats Stats
	if c.Config.Storyteller.StepSize > 1 {
		stepStats, err := c.Exec.Run(ctx, bookID, fromChapter, toChapter)
		mergeStepStats(&stats, stepStats)
		return stats, err
	}
	return c.storytellPerChapter(ctx, bookID, fromChapter, toChapter)
}

// chapterInputInputs is hashed into the persisted Narration row's
// input_hash for the per-chapter path, paralleling stepexec's
// stepInputHash: everything that can change the narration output must be
// represented here so an unchanged chapter round-trips to a cache hit
type chapterInputInputs struct {
	ChapterHash    string                   `json:"chapter_hash"`
	Tier           string                   `json:"tier"`
	Overrides      storyteller.TierOverrides `json:"overrides"`
	Style          string                   `json:"style"`
	Language       string                   `json:"language"`
	NarrationModel string                   `json:"narration_model"`
	RefineModel    string                   `json:"refine_model"`
	PromptVersion  string                   `json:"prompt_version"`
}

func (c *Controller) chapterModel() string {
	if route, ok := c.Config.Routes[config.RouteStorytellerNarration]; ok && route.Model != "" {
		return route.Model
	}
	return "draft"
}

func (c *Controller) chapterInputHash(ch store.Chapter, tier string, overrides storyteller.TierOverrides) (string, error) {
	refineModel := ""
	if route, ok := c.Config.Routes[config.RouteStorytellerRefine]; ok {
		refineModel = route.Model
	}
	return hashing.JSONHash(chapterInputInputs{
		ChapterHash:    ch.ChapterHash,
		Tier:           tier,
		Overrides:      overrides,
		Style:          c.Config.Storyteller.Style,
		Language:       c.Config.Storyteller.Language,
		NarrationModel: c.chapterModel(),
		RefineModel:    refineModel,
		PromptVersion:  storyteller.NarrationPromptVersion,
	})
}

// chapterOutputPayload is the NarrationOutput sidecar for a single
// narrated chapter, enough to replay telemetry/state_update without
// re-invoking the graph.
type chapterOutputPayload struct {
	KeyEvents           []storyteller.KeyEvent        `json:"key_events"`
	CharacterUpdates    []storyteller.CharacterUpdate `json:"character_updates"`
	NewItems            []storyteller.NewItem         `json:"new_items"`
	EntitiesMentioned   []string                      `json:"entities_mentioned"`
	ConsistencyWarnings []string                      `json:"consistency_warnings"`
	ConsistencyActions  []string                      `json:"consistency_actions"`
	EvidenceReport      storyteller.EvidenceReport    `json:"evidence_report"`
}

// preppedChapter carries a chapter's pre-computed input hash and
// (if not cached) its entity-extraction result, produced by the bounded
// prefetch pool ahead of the sequential commit loop.
type preppedChapter struct {
	chapter   store.Chapter
	tier      string
	overrides storyteller.TierOverrides
	inputHash string
	cached    *store.Narration
	state     *storyteller.State
}

func (c *Controller) storytellPerChapter(ctx context.Context, bookID int64, fromChapter, toChapter int) (Stats, error) {
	started := time.Now()
	var stats Stats

	maxIdx, err := c.Store.MaxChapterIdx(ctx, bookID)
	if err != nil {
		return stats, fmt.Errorf("controller: max chapter idx: %w", err)
	}
	if toChapter <= 0 || toChapter > maxIdx {
		toChapter = maxIdx
	}
	if fromChapter <= 0 {
		fromChapter = 1
	}

	chapters := make([]store.Chapter, 0, toChapter-fromChapter+1)
	for idx := fromChapter; idx <= toChapter; idx++ {
		ch, err := c.Store.GetChapterByIdx(ctx, bookID, idx)
		if err != nil {
			return stats, fmt.Errorf("controller: get chapter %d: %w", idx, err)
		}
		chapters = append(chapters, *ch)
	}
	stats.ChaptersTotal = len(chapters)

	window := c.Config.Storyteller.PrefetchWindow
	if window < 0 {
		window = 0
	}

	prepped := make([]*preppedChapter, len(chapters))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(window + 1)
	for i, ch := range chapters {
		i, ch := i, ch
		g.Go(func() error {
			p, err := c.prepChapter(gctx, bookID, ch)
			if err != nil {
				return fmt.Errorf("prep chapter %d: %w", ch.Idx, err)
			}
			prepped[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}

	for _, p := range prepped {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if p.cached != nil {
			c.Logger.Info("chapter narration already persisted; skipping", "chapter_idx", p.chapter.Idx)
			stats.ChaptersSkipped++
			stats.NarrationLLMCacheHits++
			continue
		}
		if err := c.commitChapter(ctx, bookID, p, &stats); err != nil {
			return stats, fmt.Errorf("controller: chapter %d: %w", p.chapter.Idx, err)
		}
		stats.ChaptersProcessed++
	}

	stats.RuntimeSeconds = time.Since(started).Seconds()
	return stats, nil
}

// prepChapter computes the chapter's cache-hit shortcut first (cheap,
// read-only) and only runs entity_extract -- the one node with no
// dependency on world-state committed by an earlier chapter -- when the
// chapter actually needs narrating. This is the concurrency-safe half of
// the pipeline: state_lookup, memory_retrieve, generation and
// state_update all run later, strictly in chapter order, so a chapter
// never observes world-state from a chapter that hasn't committed yet.
func (c *Controller) prepChapter(ctx context.Context, bookID int64, ch store.Chapter) (*preppedChapter, error) {
	tier := storyteller.DecideTier(ch.Idx, ch.Title, ch.Text, c.Config)
	overrides := storyteller.BuildTierOverrides(tier, c.Config)

	inputHash, err := c.chapterInputHash(ch, tier, overrides)
	if err != nil {
		return nil, err
	}

	existing, err := c.Store.GetNarrationByInputHash(ctx, ch.ID, storyteller.NarrationPromptVersion, c.chapterModel(), inputHash)
	if err != nil && err != store.ErrNotFound {
		return nil, err
	}
	if existing != nil {
		return &preppedChapter{chapter: ch, tier: tier, overrides: overrides, inputHash: inputHash, cached: existing}, nil
	}

	st := &storyteller.State{
		BookID:       bookID,
		ChapterID:    ch.ID,
		ChapterIdx:   ch.Idx,
		ChapterTitle: ch.Title,
		ChapterText:  ch.Text,
		Tier:         tier,
		Overrides:    overrides,
	}
	if err := storyteller.RunEntityExtract(ctx, c.Graph, st); err != nil {
		return nil, fmt.Errorf("entity_extract: %w", err)
	}

	return &preppedChapter{chapter: ch, tier: tier, overrides: overrides, inputHash: inputHash, state: st}, nil
}

// commitChapter runs the remaining, causally-ordered nodes for one
// chapter: state_lookup, memory_retrieve and the generation nodes run
// first, then one session is opened for state_update, memory_commit and
// the narration row, output and FTS writes.
func (c *Controller) commitChapter(ctx context.Context, bookID int64, p *preppedChapter, stats *Stats) error {
	st := p.state

	if err := storyteller.RunStateLookup(ctx, c.Graph, st); err != nil {
		return fmt.Errorf("state_lookup: %w", err)
	}
	if err := storyteller.RunMemoryRetrieve(ctx, c.Graph, st); err != nil {
		return fmt.Errorf("memory_retrieve: %w", err)
	}

	// Generation, consistency, evidence and refine run before the write
	// session opens: they read the store (LLM cache) through the pooled
	// handle, which the session's transaction would otherwise hold.
	if err := c.runGenerationNodes(ctx, st); err != nil {
		return err
	}

	sess, err := c.Store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin session: %w", err)
	}
	st.Tx = sess.Tx

	if err := storyteller.RunStateUpdate(ctx, c.Graph, st); err != nil {
		sess.Rollback()
		return fmt.Errorf("state_update: %w", err)
	}
	if err := storyteller.RunMemoryCommit(ctx, c.Graph, st); err != nil {
		sess.Rollback()
		return fmt.Errorf("memory_commit: %w", err)
	}

	stats.NarrationLLMCalls += st.NarrationLLMCalls + st.RefineLLMCalls
	if st.NarrationLLMCacheHit {
		stats.NarrationLLMCacheHits++
	}
	stats.InputTokensEstimated += st.InputTokensEstimated + st.RefineInputTokensEstimated
	stats.OutputTokensEstimated += st.OutputTokensEstimated + st.RefineOutputTokensEstimated
	stats.ConsistencyWarnings += len(st.ConsistencyWarnings)
	stats.ConsistencyActions += len(st.ConsistencyActions)
	stats.EvidenceSupported += st.EvidenceReport.Supported
	stats.EvidenceUnsupported += st.EvidenceReport.Unsupported
	stats.MutationsApplied += st.MutationsApplied

	if st.Narration == "" {
		sess.Rollback()
		c.Logger.Warn("empty narration; skipping chapter", "chapter_idx", p.chapter.Idx)
		return nil
	}

	keyEventsJSON, err := json.Marshal(st.KeyEvents)
	if err != nil {
		sess.Rollback()
		return fmt.Errorf("marshal key events: %w", err)
	}
	narrationRow, err := sess.InsertNarration(ctx, store.Narration{
		ChapterID:     p.chapter.ID,
		BookID:        bookID,
		ChapterIdx:    p.chapter.Idx,
		PromptVersion: storyteller.NarrationPromptVersion,
		Model:         c.chapterModel(),
		InputHash:     p.inputHash,
		NarrationText: st.Narration,
		KeyEventsJSON: string(keyEventsJSON),
	})
	if err != nil {
		sess.Rollback()
		return fmt.Errorf("insert narration: %w", err)
	}

	payload := chapterOutputPayload{
		KeyEvents:           st.KeyEvents,
		CharacterUpdates:    st.CharacterUpdates,
		NewItems:            st.NewItems,
		EntitiesMentioned:   st.EntitiesMentioned,
		ConsistencyWarnings: st.ConsistencyWarnings,
		ConsistencyActions:  st.ConsistencyActions,
		EvidenceReport:      st.EvidenceReport,
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		sess.Rollback()
		return fmt.Errorf("marshal chapter output: %w", err)
	}
	if _, err := sess.InsertNarrationOutput(ctx, narrationRow.ID, string(payloadJSON)); err != nil {
		sess.Rollback()
		return fmt.Errorf("insert narration output: %w", err)
	}

	if err := sess.RebuildFTS(ctx, bookID); err != nil {
		sess.Rollback()
		return fmt.Errorf("rebuild fts: %w", err)
	}

	return sess.Commit()
}

// runGenerationNodes runs storyteller_generate through refine_narration
// -- the session-free middle of the fixed node sequence, between
// prepChapter's entity_extract and commitChapter's in-session
// state_update/memory_commit. Running nodes explicitly, rather than
// calling Invoke end-to-end, avoids re-running entity_extract a second
// time (it has no idempotency guard and would double its LLM call and
// token counters).
func (c *Controller) runGenerationNodes(ctx context.Context, s *storyteller.State) error {
	g := c.Graph
	if err := storyteller.RunStorytellerGenerate(ctx, g, s); err != nil {
		return fmt.Errorf("storyteller_generate: %w", err)
	}
	if err := storyteller.RunConsistencyCheck(ctx, g, s); err != nil {
		return fmt.Errorf("consistency_check: %w", err)
	}
	if err := storyteller.RunEvidenceVerify(ctx, g, s); err != nil {
		return fmt.Errorf("evidence_verify: %w", err)
	}
	if err := storyteller.RunRefineNarration(ctx, g, s); err != nil {
		return fmt.Errorf("refine_narration: %w", err)
	}
	return nil
}
