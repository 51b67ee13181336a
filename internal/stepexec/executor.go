package stepexec

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/tablerst/storyteller/internal/config"
	"github.com/tablerst/storyteller/internal/hashing"
	"github.com/tablerst/storyteller/internal/store"
	"github.com/tablerst/storyteller/internal/storyteller"
	"github.com/tablerst/storyteller/internal/worldstate"
)

// replayPayload is the subset of chapterOutputPayload/stepOutputPayload
// this package needs to replay a previously-committed chapter's
// state_update without re-invoking the LLM.
type replayPayload struct {
	KeyEvents         []storyteller.KeyEvent        `json:"key_events"`
	CharacterUpdates  []storyteller.CharacterUpdate `json:"character_updates"`
	NewItems          []storyteller.NewItem         `json:"new_items"`
	EntitiesMentioned []string                      `json:"entities_mentioned"`
}

// Stats accumulates step-executor telemetry across a run.
type Stats struct {
	StepsTotal         int
	StepsProcessed     int
	StepsSkippedCached int
	ChaptersCovered    int

	NarrationLLMCalls     int
	NarrationLLMCacheHits int
	InputTokensEstimated  int
	OutputTokensEstimated int

	ConsistencyWarnings int
	ConsistencyActions  int
	EvidenceSupported   int
	EvidenceUnsupported int
	MutationsApplied    int

	RuntimeSeconds float64
}

// Executor drives step-aligned, checkpointed narration generation:
// IterStepRanges groups chapters into aligned batches, each batch is
// narrated with a single storyteller.GenerateStep call, and world
// state is checkpointed after every step so a crash mid-book resumes
// from the last completed step instead of from the beginning.
type Executor struct {
	Store  *store.Store
	World  *worldstate.Store
	Graph  *storyteller.Graph
	Config *config.Config
	Logger *slog.Logger
}

// New builds an Executor for one book's step-aggregate run.
func New(st *store.Store, world *worldstate.Store, graph *storyteller.Graph, cfg *config.Config, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{Store: st, World: world, Graph: graph, Config: cfg, Logger: logger}
}

// stepOutputPayload is the NarrationOutput sidecar persisted for a step,
// carrying enough to replay state_update without re-calling the LLM.
type stepOutputPayload struct {
	StepStartChapterIdx int                           `json:"step_start_chapter_idx"`
	StepEndChapterIdx   int                           `json:"step_end_chapter_idx"`
	KeyEvents           []storyteller.KeyEvent         `json:"key_events"`
	CharacterUpdates    []storyteller.CharacterUpdate  `json:"character_updates"`
	NewItems            []storyteller.NewItem          `json:"new_items"`
	EntitiesMentioned   []string                       `json:"entities_mentioned"`
	ConsistencyWarnings []string                       `json:"consistency_warnings"`
	ConsistencyActions  []string                       `json:"consistency_actions"`
	EvidenceReport      storyteller.EvidenceReport     `json:"evidence_report"`
}

// Run narrates every step-aligned range covering [fromChapter,
// toChapter] (inclusive, pre-alignment), resuming from the latest
// checkpoint when step_resume_mode is "restore" and one already exists
// at or before fromChapter-1.
func (e *Executor) Run(ctx context.Context, bookID int64, fromChapter, toChapter int) (Stats, error) {
	started := time.Now()
	var stats Stats

	stepSize := e.Config.Storyteller.StepSize
	if stepSize <= 0 {
		stepSize = 1
	}

	maxChapterIdx, err := e.Store.MaxChapterIdx(ctx, bookID)
	if err != nil {
		return stats, fmt.Errorf("stepexec: max chapter idx: %w", err)
	}
	if toChapter <= 0 || toChapter > maxChapterIdx {
		toChapter = maxChapterIdx
	}
	if fromChapter <= 0 {
		fromChapter = 1
	}

	if e.Config.Storyteller.StepAlign != "off" {
		if fromChapter, err = AlignFromChapter(fromChapter, stepSize); err != nil {
			return stats, err
		}
		if toChapter, err = AlignToChapter(toChapter, stepSize, maxChapterIdx); err != nil {
			return stats, err
		}
	}

	if e.Config.Storyteller.StepResumeMode == "restore" {
		if err := e.ensureBaseline(ctx, bookID, fromChapter-1); err != nil {
			return stats, fmt.Errorf("stepexec: ensure baseline at chapter %d: %w", fromChapter-1, err)
		}
	}

	ranges, err := IterStepRanges(fromChapter, toChapter, stepSize)
	if err != nil {
		return stats, err
	}
	stats.StepsTotal = len(ranges)

	for _, r := range ranges {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		skipped, err := e.runStep(ctx, bookID, r, stepSize, &stats)
		if err != nil {
			return stats, fmt.Errorf("stepexec: step [%d,%d]: %w", r.Start, r.End, err)
		}
		stats.ChaptersCovered += r.End - r.Start + 1
		if skipped {
			stats.StepsSkippedCached++
		} else {
			stats.StepsProcessed++
		}
	}

	stats.RuntimeSeconds = time.Since(started).Seconds()
	return stats, nil
}

func (e *Executor) runStep(ctx context.Context, bookID int64, r Range, stepSize int, stats *Stats) (bool, error) {
	chapters := make([]store.Chapter, 0, r.End-r.Start+1)
	for idx := r.Start; idx <= r.End; idx++ {
		ch, err := e.Store.GetChapterByIdx(ctx, bookID, idx)
		if err != nil {
			return false, fmt.Errorf("get chapter %d: %w", idx, err)
		}
		chapters = append(chapters, *ch)
	}
	if len(chapters) == 0 {
		return true, nil
	}
	// The anchor chapter is the last chapter of the step; the step's
	// narration row is persisted under its chapter_id.
	anchor := chapters[len(chapters)-1]

	baseSnapshot, err := e.World.BuildSnapshot(ctx, bookID)
	if err != nil {
		return false, fmt.Errorf("build snapshot: %w", err)
	}

	chapterHashes := make([]string, len(chapters))
	for i, ch := range chapters {
		chapterHashes[i] = ch.ChapterHash
	}
	model := stepModel(e.Config)
	stepInputHash, err := hashing.JSONHash(map[string]any{
		"step_start": r.Start,
		"step_end":   r.End,
		"base_hash":  baseSnapshot.Hash(),
		"chapters":   chapterHashes,
		"style":      e.Config.Storyteller.Style,
	})
	if err != nil {
		return false, fmt.Errorf("step input hash: %w", err)
	}

	if existing, err := e.Store.GetNarrationByInputHash(ctx, anchor.ID, storyteller.StepNarrationPromptVersion, model, stepInputHash); err == nil && existing != nil {
		e.Logger.Info("step narration already persisted; replaying cached payload", "step_start", r.Start, "step_end", r.End)
		if err := e.replayCachedStep(ctx, bookID, existing, r, stepSize); err != nil {
			return false, err
		}
		return true, nil
	}

	states := make([]*storyteller.State, 0, len(chapters))
	for _, ch := range chapters {
		tier := storyteller.DecideTier(ch.Idx, ch.Title, ch.Text, e.Config)
		st := &storyteller.State{
			BookID:       bookID,
			ChapterID:    ch.ID,
			ChapterIdx:   ch.Idx,
			ChapterTitle: ch.Title,
			ChapterText:  ch.Text,
			Tier:         tier,
			Overrides:    storyteller.BuildTierOverrides(tier, e.Config),
		}
		if err := storyteller.RunEntityExtract(ctx, e.Graph, st); err != nil {
			return false, fmt.Errorf("entity_extract chapter %d: %w", ch.Idx, err)
		}
		if err := storyteller.RunStateLookup(ctx, e.Graph, st); err != nil {
			return false, fmt.Errorf("state_lookup chapter %d: %w", ch.Idx, err)
		}
		states = append(states, st)
	}

	// Every chapter's memory_retrieve query is independent of every other
	// chapter's (each reads the same pre-step world-state snapshot), so a
	// step batches them into one concurrent call rather than one
	// sequential Query per chapter.
	if err := storyteller.RunMemoryRetrieveBatch(ctx, e.Graph, states); err != nil {
		return false, fmt.Errorf("memory_retrieve batch: %w", err)
	}

	result := storyteller.GenerateStep(ctx, e.Graph, states, baseSnapshot)
	stats.NarrationLLMCalls += result.NarrationLLMCalls
	if result.NarrationLLMCacheHit {
		stats.NarrationLLMCacheHits++
	}
	stats.InputTokensEstimated += result.InputTokensEstimated
	stats.OutputTokensEstimated += result.OutputTokensEstimated

	combinedText := ""
	for i, ch := range chapters {
		if i > 0 {
			combinedText += "\n\n"
		}
		combinedText += ch.Text
	}

	last := states[len(states)-1]
	agg := &storyteller.State{
		BookID:            bookID,
		ChapterID:         anchor.ID,
		ChapterIdx:        r.End,
		ChapterTitle:      anchor.Title,
		ChapterText:       combinedText,
		Narration:         result.Narration,
		KeyEvents:         result.KeyEvents,
		CharacterUpdates:  result.CharacterUpdates,
		NewItems:          result.NewItems,
		EntitiesMentioned: result.EntitiesMentioned,
		RecentEvents:      last.RecentEvents,
		KeyPhrases:        mergeKeyPhrases(states),
	}
	for _, st := range states {
		agg.AwakenedMemories = append(agg.AwakenedMemories, st.AwakenedMemories...)
	}

	if err := storyteller.RunConsistencyCheck(ctx, e.Graph, agg); err != nil {
		return false, fmt.Errorf("consistency_check: %w", err)
	}
	if err := storyteller.RunEvidenceVerify(ctx, e.Graph, agg); err != nil {
		return false, fmt.Errorf("evidence_verify: %w", err)
	}
	stats.ConsistencyWarnings += len(agg.ConsistencyWarnings)
	stats.ConsistencyActions += len(agg.ConsistencyActions)
	stats.EvidenceSupported += agg.EvidenceReport.Supported
	stats.EvidenceUnsupported += agg.EvidenceReport.Unsupported

	sess, err := e.Store.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin session: %w", err)
	}
	agg.Tx = sess.Tx

	if err := storyteller.RunStateUpdate(ctx, e.Graph, agg); err != nil {
		sess.Rollback()
		return false, fmt.Errorf("state_update: %w", err)
	}
	stats.MutationsApplied += agg.MutationsApplied

	keyEventsJSON, err := json.Marshal(agg.KeyEvents)
	if err != nil {
		sess.Rollback()
		return false, fmt.Errorf("marshal key events: %w", err)
	}
	narrationRow, err := sess.InsertNarration(ctx, store.Narration{
		ChapterID:     anchor.ID,
		BookID:        bookID,
		ChapterIdx:    r.End,
		PromptVersion: storyteller.StepNarrationPromptVersion,
		Model:         model,
		InputHash:     stepInputHash,
		NarrationText: agg.Narration,
		KeyEventsJSON: string(keyEventsJSON),
	})
	if err != nil {
		sess.Rollback()
		return false, fmt.Errorf("insert narration: %w", err)
	}

	payload := stepOutputPayload{
		StepStartChapterIdx: r.Start,
		StepEndChapterIdx:   r.End,
		KeyEvents:           agg.KeyEvents,
		CharacterUpdates:    agg.CharacterUpdates,
		NewItems:            agg.NewItems,
		EntitiesMentioned:   agg.EntitiesMentioned,
		ConsistencyWarnings: agg.ConsistencyWarnings,
		ConsistencyActions:  agg.ConsistencyActions,
		EvidenceReport:      agg.EvidenceReport,
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		sess.Rollback()
		return false, fmt.Errorf("marshal step output: %w", err)
	}
	if _, err := sess.InsertNarrationOutput(ctx, narrationRow.ID, string(payloadJSON)); err != nil {
		sess.Rollback()
		return false, fmt.Errorf("insert narration output: %w", err)
	}

	if e.Config.Storyteller.StepCheckpointEnabled {
		if _, err := e.World.SaveCheckpoint(ctx, sess.Tx, bookID, r.End, stepSize); err != nil {
			sess.Rollback()
			return false, fmt.Errorf("save checkpoint: %w", err)
		}
	}

	if err := sess.Commit(); err != nil {
		return false, fmt.Errorf("commit step: %w", err)
	}
	return false, nil
}

// replayCachedStep advances world-state for a step whose narration row
// already exists with the same input hash: the cached NarrationOutput
// payload is replayed through state_update and the step's checkpoint is
// re-saved, without re-running the LLM.
func (e *Executor) replayCachedStep(ctx context.Context, bookID int64, n *store.Narration, r Range, stepSize int) error {
	out, err := e.Store.GetNarrationOutput(ctx, n.ID)
	if err != nil {
		return fmt.Errorf("cached step output: %w", err)
	}
	var payload replayPayload
	if err := json.Unmarshal([]byte(out.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("decode cached step output: %w", err)
	}

	sess, err := e.Store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin cached-step session: %w", err)
	}
	st := &storyteller.State{
		BookID: bookID, ChapterID: n.ChapterID, ChapterIdx: r.End, Tx: sess.Tx,
		KeyEvents: payload.KeyEvents, CharacterUpdates: payload.CharacterUpdates,
		NewItems: payload.NewItems, EntitiesMentioned: payload.EntitiesMentioned,
	}
	if err := storyteller.RunStateUpdate(ctx, e.Graph, st); err != nil {
		sess.Rollback()
		return fmt.Errorf("replay cached state_update: %w", err)
	}
	if e.Config.Storyteller.StepCheckpointEnabled {
		if _, err := e.World.SaveCheckpoint(ctx, sess.Tx, bookID, r.End, stepSize); err != nil {
			sess.Rollback()
			return fmt.Errorf("save cached-step checkpoint: %w", err)
		}
	}
	if err := sess.Commit(); err != nil {
		return fmt.Errorf("commit cached-step replay: %w", err)
	}
	return nil
}

// ensureBaseline makes the DB world-state equal
// the boundary state at targetIdx (the chapter immediately before the
// step being resumed). If a checkpoint exists at or before targetIdx, it
// is restored and any chapters after it are replayed up to targetIdx. If
// none exists, world-state is cleared and every chapter from 1 is
// replayed. For targetIdx<=0 the boundary state is "before the book
// started", so world-state is simply cleared.
func (e *Executor) ensureBaseline(ctx context.Context, bookID int64, targetIdx int) error {
	if targetIdx <= 0 {
		tx, err := e.Store.DB().BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin clear tx: %w", err)
		}
		if err := worldstate.Restore(ctx, tx, bookID, worldstate.Snapshot{}); err != nil {
			tx.Rollback()
			return fmt.Errorf("clear world-state: %w", err)
		}
		return tx.Commit()
	}

	replayFrom := 1
	if cp, err := e.World.LatestCheckpointAtOrBefore(ctx, bookID, targetIdx); err == nil && cp != nil {
		tx, err := e.Store.DB().BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin restore tx: %w", err)
		}
		if err := worldstate.Restore(ctx, tx, bookID, cp.Snapshot); err != nil {
			tx.Rollback()
			return fmt.Errorf("restore checkpoint at %d: %w", cp.ChapterIdx, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit restore: %w", err)
		}
		if cp.ChapterIdx >= targetIdx {
			return nil
		}
		replayFrom = cp.ChapterIdx + 1
	} else {
		tx, err := e.Store.DB().BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin clear tx: %w", err)
		}
		if err := worldstate.Restore(ctx, tx, bookID, worldstate.Snapshot{}); err != nil {
			tx.Rollback()
			return fmt.Errorf("clear world-state: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit clear: %w", err)
		}
	}

	return e.replayChapters(ctx, bookID, replayFrom, targetIdx)
}

// replayChapters re-derives world-state mutations for chapters
// [from,to] without re-calling the LLM when a cached NarrationOutput
// payload is available for a chapter; otherwise it falls back to a full
// graph invocation for that chapter.
func (e *Executor) replayChapters(ctx context.Context, bookID int64, from, to int) error {
	if from > to {
		return nil
	}

	latest, err := e.Store.LatestNarrationsByBook(ctx, bookID)
	if err != nil {
		return fmt.Errorf("list latest narrations: %w", err)
	}
	byIdx := make(map[int]store.Narration, len(latest))
	for _, n := range latest {
		byIdx[n.ChapterIdx] = n
	}

	for idx := from; idx <= to; idx++ {
		var st *storyteller.State
		if n, ok := byIdx[idx]; ok {
			if out, err := e.Store.GetNarrationOutput(ctx, n.ID); err == nil {
				var p replayPayload
				if jsonErr := json.Unmarshal([]byte(out.PayloadJSON), &p); jsonErr == nil {
					st = &storyteller.State{
						BookID: bookID, ChapterID: n.ChapterID, ChapterIdx: idx,
						KeyEvents: p.KeyEvents, CharacterUpdates: p.CharacterUpdates,
						NewItems: p.NewItems, EntitiesMentioned: p.EntitiesMentioned,
					}
				}
			}
		}

		if st == nil {
			// No cached payload: re-derive the chapter's mutations by
			// running the read/LLM nodes before the write session opens
			// (the store serializes on one connection, so mid-session
			// reads through the pooled handle would block).
			ch, err := e.Store.GetChapterByIdx(ctx, bookID, idx)
			if err != nil {
				return fmt.Errorf("replay: get chapter %d: %w", idx, err)
			}
			tier := storyteller.DecideTier(ch.Idx, ch.Title, ch.Text, e.Config)
			st = &storyteller.State{
				BookID: bookID, ChapterID: ch.ID, ChapterIdx: ch.Idx, ChapterTitle: ch.Title,
				ChapterText: ch.Text, Tier: tier, Overrides: storyteller.BuildTierOverrides(tier, e.Config),
			}
			e.Logger.Warn("replay: no cached narration output, re-deriving chapter mutations", "chapter_idx", idx)
			if err := storyteller.RunEntityExtract(ctx, e.Graph, st); err != nil {
				return fmt.Errorf("replay: entity_extract chapter %d: %w", idx, err)
			}
			if err := storyteller.RunStateLookup(ctx, e.Graph, st); err != nil {
				return fmt.Errorf("replay: state_lookup chapter %d: %w", idx, err)
			}
			if err := storyteller.RunMemoryRetrieve(ctx, e.Graph, st); err != nil {
				return fmt.Errorf("replay: memory_retrieve chapter %d: %w", idx, err)
			}
			if err := storyteller.RunStorytellerGenerate(ctx, e.Graph, st); err != nil {
				return fmt.Errorf("replay: storyteller_generate chapter %d: %w", idx, err)
			}
			if err := storyteller.RunConsistencyCheck(ctx, e.Graph, st); err != nil {
				return fmt.Errorf("replay: consistency_check chapter %d: %w", idx, err)
			}
			if err := storyteller.RunEvidenceVerify(ctx, e.Graph, st); err != nil {
				return fmt.Errorf("replay: evidence_verify chapter %d: %w", idx, err)
			}
		}

		sess, err := e.Store.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin replay session: %w", err)
		}
		st.Tx = sess.Tx
		if err := storyteller.RunStateUpdate(ctx, e.Graph, st); err != nil {
			sess.Rollback()
			return fmt.Errorf("replay state_update chapter %d: %w", idx, err)
		}
		if err := sess.Commit(); err != nil {
			return fmt.Errorf("commit replay chapter %d: %w", idx, err)
		}
	}
	return nil
}

func mergeKeyPhrases(states []*storyteller.State) []string {
	seen := make(map[string]bool)
	var merged []string
	for _, st := range states {
		for _, p := range st.KeyPhrases {
			if p == "" || seen[p] {
				continue
			}
			seen[p] = true
			merged = append(merged, p)
		}
	}
	return merged
}

func stepModel(cfg *config.Config) string {
	if route, ok := cfg.Routes[config.RouteStorytellerNarration]; ok && route.Model != "" {
		return route.Model
	}
	return "draft"
}
