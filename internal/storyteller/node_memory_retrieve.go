package storyteller

import (
	"context"
	"strings"

	"github.com/tablerst/storyteller/internal/retrieval"
)

const maxQueryChapterChars = 2000

// buildRetrievalQuery assembles a query string from the chapter's
// extracted entities/locations/items and the leading slice of its text,
// approximating the intent of the prior chunks/narrations the chapter
// draws on.
func buildRetrievalQuery(s *State) string {
	var b strings.Builder
	for _, group := range [][]string{s.EntitiesMentioned, s.LocationsMentioned, s.ItemsMentioned} {
		for _, v := range group {
			b.WriteString(v)
			b.WriteString(" ")
		}
	}
	text := s.ChapterText
	if r := []rune(text); len(r) > maxQueryChapterChars {
		text = string(r[:maxQueryChapterChars])
	}
	b.WriteString(text)
	return b.String()
}

// retrievalKeywordTerms feeds the FTS side of hybrid retrieval with the
// chapter's extracted entities, locations and items.
func retrievalKeywordTerms(s *State) []string {
	var terms []string
	terms = append(terms, s.EntitiesMentioned...)
	terms = append(terms, s.LocationsMentioned...)
	terms = append(terms, s.ItemsMentioned...)
	return terms
}

// runMemoryRetrieve populates AwakenedMemories via hybrid retrieval,
// honoring a tier's memory_top_k (0 disables retrieval entirely for
// this chapter) and respecting memories already populated by a
// prefetch task so the node is idempotent when re-run.
func runMemoryRetrieve(ctx context.Context, g *Graph, s *State) error {
	if len(s.AwakenedMemories) > 0 {
		return nil
	}
	topK := s.Overrides.MemoryTopK
	if topK <= 0 || g.Retrieval == nil {
		return nil
	}

	query := buildRetrievalQuery(s)
	hits, err := g.Retrieval.Query(ctx, s.BookID, query, topK, s.ChapterIdx, retrievalKeywordTerms(s))
	if err != nil {
		g.Logger.Warn("memory retrieval failed; continuing without awakened memories", "chapter_idx", s.ChapterIdx, "error", err)
		return nil
	}

	memories := make([]retrieval.Memory, 0, len(hits))
	memories = append(memories, hits...)
	s.AwakenedMemories = make([]AwakenedMemory, 0, len(memories))
	for _, m := range memories {
		s.AwakenedMemories = append(s.AwakenedMemories, AwakenedMemory{
			SourceType: m.SourceType,
			SourceID:   m.SourceID,
			ChapterIdx: m.ChapterIdx,
			Text:       m.Text,
			Score:      m.Score,
		})
	}
	return nil
}
