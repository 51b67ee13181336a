// Package retrieval implements hybrid (dense + keyword) memory
// retrieval: over-fetching dense vector and FTS5 keyword candidates,
// rank-normalizing both, fusing them by source identity, and causally
// filtering anything from the current chapter or later before the final
// top-k is returned to the Storyteller Graph's memory_retrieve node.
package retrieval

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/tablerst/storyteller/internal/providers"
	"github.com/tablerst/storyteller/internal/store"
	"github.com/tablerst/storyteller/internal/vectorstore"
)

// Memory is one fused, causally-filtered retrieval candidate.
type Memory struct {
	SourceType      string // "chunk" | "narration"
	SourceID        int64
	ChapterIdx      int
	ChapterTitle    string
	Text            string
	VectorRankScore float64
	KeywordRankScore float64
	ProximityScore  float64
	Score           float64
}

const (
	alpha = 0.7 // weight on the dense-vector score component
	beta  = 0.2 // weight on the chapter-proximity bonus

	maxSnippetChars = 800
	maxKeywordTerms = 8
)

// keywordTermPattern extracts CJK or alnum runs as coarse keyword
// terms.
var keywordTermPattern = regexp.MustCompile(`[\p{Han}A-Za-z0-9_]{2,20}`)

// ExtractKeywordTerms pulls up to maxKeywordTerms candidate terms out of
// text, deduplicated, preserving first-seen order.
func ExtractKeywordTerms(text string) []string {
	if text == "" {
		return nil
	}
	matches := keywordTermPattern.FindAllString(text, -1)
	seen := make(map[string]bool, len(matches))
	var out []string
	for _, m := range matches {
		if seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
		if len(out) >= maxKeywordTerms {
			break
		}
	}
	return out
}

// dedupeTerms keeps the first maxKeywordTerms distinct non-empty terms,
// preserving order.
func dedupeTerms(terms []string) []string {
	seen := make(map[string]bool, len(terms))
	var out []string
	for _, t := range terms {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
		if len(out) >= maxKeywordTerms {
			break
		}
	}
	return out
}

// buildFTSQuery quotes each term (stripping embedded quotes) and ORs them
// together, matching FTS5's MATCH syntax.
func buildFTSQuery(terms []string) string {
	quoted := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ReplaceAll(t, `"`, "")
		if t == "" {
			continue
		}
		quoted = append(quoted, fmt.Sprintf(`"%s"`, t))
	}
	return strings.Join(quoted, " OR ")
}

// normRank maps a 1-based rank position within a result set of the given
// size to a descending [0,1] score: rank 1 scores highest.
func normRank(rank, size int) float64 {
	if size <= 0 {
		size = 1
	}
	v := 1 - float64(rank-1)/float64(size)
	if v < 0 {
		return 0
	}
	return v
}

// proximityScore rewards candidates from chapters closer to the current
// one; candidates at or after the current chapter never reach this stage
// (they are filtered during fusion), so distance is always positive here.
func proximityScore(currentChapterIdx, sourceChapterIdx int) float64 {
	if sourceChapterIdx >= currentChapterIdx {
		return 0
	}
	distance := currentChapterIdx - sourceChapterIdx
	return 1 / (1 + float64(distance))
}

// Service wires the vector store and keyword index together to serve
// hybrid queries for one book.
type Service struct {
	store  *store.Store
	vec    *vectorstore.Store
	embed  providers.Embedder
}

// New builds a Service over the shared structured store, vector store and
// an embedder used to vectorize the query text.
func New(st *store.Store, vec *vectorstore.Store, embed providers.Embedder) *Service {
	return &Service{store: st, vec: vec, embed: embed}
}

// BatchQuery is one query within a QueryBatch call: its own text, top_k,
// keyword terms and causal cutoff, independent of every other query in
// the batch.
type BatchQuery struct {
	QueryText         string
	TopK              int
	CurrentChapterIdx int
	KeywordTerms      []string
}

// QueryBatch runs a list of independent hybrid-retrieval queries
// concurrently, preserving each query's own causal (current_chapter_idx)
// filter. Results are returned in the same
// order as the input queries. A query that errors or yields nothing
// resolves to a nil slice for that slot rather than failing the batch,
// the way memory_retrieve treats a failed single query.
func (s *Service) QueryBatch(ctx context.Context, bookID int64, queries []BatchQuery) ([][]Memory, error) {
	results := make([][]Memory, len(queries))
	var g errgroup.Group
	for i, q := range queries {
		i, q := i, q
		g.Go(func() error {
			hits, err := s.Query(ctx, bookID, q.QueryText, q.TopK, q.CurrentChapterIdx, q.KeywordTerms)
			if err != nil {
				return nil
			}
			results[i] = hits
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// Query runs the fused hybrid search and returns at
// most topK memories, sorted by descending fused score. keywordTerms
// feed the FTS side of the fusion; when empty, terms are derived from
// the query text itself.
func (s *Service) Query(ctx context.Context, bookID int64, queryText string, topK, currentChapterIdx int, keywordTerms []string) ([]Memory, error) {
	if topK <= 0 || strings.TrimSpace(queryText) == "" {
		return nil, nil
	}

	vectors, err := s.embed.Embed(ctx, []string{queryText})
	if err != nil {
		return nil, fmt.Errorf("retrieval embed query: %w", err)
	}
	var queryVec []float32
	if len(vectors) > 0 {
		queryVec = vectors[0]
	}

	terms := dedupeTerms(keywordTerms)
	if len(terms) == 0 {
		terms = ExtractKeywordTerms(queryText)
	}
	ftsQuery := buildFTSQuery(terms)

	aggregated := make(map[string]*Memory)

	if len(queryVec) > 0 {
		chunkHits, err := s.vec.QueryChunks(ctx, bookID, queryVec, topK*3)
		if err != nil {
			return nil, fmt.Errorf("retrieval query chunk vectors: %w", err)
		}
		mergeVectorHits(aggregated, "chunk", chunkHits, currentChapterIdx)

		narrationHits, err := s.vec.QueryNarrations(ctx, bookID, queryVec, topK*2)
		if err != nil {
			return nil, fmt.Errorf("retrieval query narration vectors: %w", err)
		}
		mergeVectorHits(aggregated, "narration", narrationHits, currentChapterIdx)
	}

	if ftsQuery != "" {
		chunkHits, err := s.store.SearchChunksFTS(ctx, bookID, ftsQuery, currentChapterIdx, topK*3)
		if err != nil {
			return nil, fmt.Errorf("retrieval search chunk fts: %w", err)
		}
		mergeFTSHits(aggregated, "chunk", chunkHits, currentChapterIdx)

		narrationHits, err := s.store.SearchNarrationsFTS(ctx, bookID, ftsQuery, currentChapterIdx, topK*2)
		if err != nil {
			return nil, fmt.Errorf("retrieval search narration fts: %w", err)
		}
		mergeFTSHits(aggregated, "narration", narrationHits, currentChapterIdx)
	}

	out := make([]Memory, 0, len(aggregated))
	for _, m := range aggregated {
		m.ProximityScore = proximityScore(currentChapterIdx, m.ChapterIdx)
		m.Score = alpha*m.VectorRankScore + (1-alpha)*m.KeywordRankScore + beta*m.ProximityScore
		if runes := []rune(m.Text); len(runes) > maxSnippetChars {
			m.Text = string(runes[:maxSnippetChars])
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func mergeKey(sourceType string, sourceID int64) string {
	return fmt.Sprintf("%s:%d", sourceType, sourceID)
}

func mergeVectorHits(agg map[string]*Memory, sourceType string, hits []vectorstore.Hit, currentChapterIdx int) {
	size := len(hits)
	for rank, h := range hits {
		if currentChapterIdx > 0 && h.ChapterIdx >= currentChapterIdx {
			continue
		}
		key := mergeKey(sourceType, h.ID)
		m, ok := agg[key]
		if !ok {
			m = &Memory{SourceType: sourceType, SourceID: h.ID, ChapterIdx: h.ChapterIdx, ChapterTitle: h.Title, Text: h.Text}
			agg[key] = m
		}
		score := normRank(rank+1, size)
		if score > m.VectorRankScore {
			m.VectorRankScore = score
		}
	}
}

func mergeFTSHits(agg map[string]*Memory, sourceType string, hits []store.FTSHit, currentChapterIdx int) {
	size := len(hits)
	for rank, h := range hits {
		if currentChapterIdx > 0 && h.ChapterIdx >= currentChapterIdx {
			continue
		}
		key := mergeKey(sourceType, h.ID)
		m, ok := agg[key]
		if !ok {
			m = &Memory{SourceType: sourceType, SourceID: h.ID, ChapterIdx: h.ChapterIdx, Text: h.Text}
			agg[key] = m
		}
		score := normRank(rank+1, size)
		if score > m.KeywordRankScore {
			m.KeywordRankScore = score
		}
	}
}
