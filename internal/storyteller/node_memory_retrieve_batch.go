package storyteller

import (
	"context"

	"github.com/tablerst/storyteller/internal/retrieval"
)

// RunMemoryRetrieveBatch runs memory_retrieve for every state in a step in
// one batched call instead of one sequential Query per chapter, using
// retrieval.Service.QueryBatch. Each state's
// own current_chapter_idx causal filter is preserved; states that already
// carry awakened memories (a prefetch task, or a tier with memory_top_k=0)
// are skipped, same as runMemoryRetrieve's single-chapter guard.
func RunMemoryRetrieveBatch(ctx context.Context, g *Graph, states []*State) error {
	if g.Retrieval == nil || len(states) == 0 {
		return nil
	}

	var queries []retrieval.BatchQuery
	var pendingIdx []int
	for i, s := range states {
		if len(s.AwakenedMemories) > 0 {
			continue
		}
		topK := s.Overrides.MemoryTopK
		if topK <= 0 {
			continue
		}
		queries = append(queries, retrieval.BatchQuery{
			QueryText:         buildRetrievalQuery(s),
			TopK:              topK,
			CurrentChapterIdx: s.ChapterIdx,
			KeywordTerms:      retrievalKeywordTerms(s),
		})
		pendingIdx = append(pendingIdx, i)
	}
	if len(queries) == 0 {
		return nil
	}

	results, err := g.Retrieval.QueryBatch(ctx, states[0].BookID, queries)
	if err != nil {
		g.Logger.Warn("batched memory retrieval failed; continuing without awakened memories", "error", err)
		return nil
	}

	for j, idx := range pendingIdx {
		s := states[idx]
		hits := results[j]
		s.AwakenedMemories = make([]AwakenedMemory, 0, len(hits))
		for _, m := range hits {
			s.AwakenedMemories = append(s.AwakenedMemories, AwakenedMemory{
				SourceType: m.SourceType,
				SourceID:   m.SourceID,
				ChapterIdx: m.ChapterIdx,
				Text:       m.Text,
				Score:      m.Score,
			})
		}
	}
	return nil
}
