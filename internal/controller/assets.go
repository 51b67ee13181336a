package controller

import (
	"context"
	"fmt"

	"github.com/tablerst/storyteller/internal/storyteller"
)

// AssetStats reports what BuildRetrievalAssets actually embedded.
type AssetStats struct {
	ChunksEmbedded     int
	NarrationsEmbedded int
	Skipped            bool
}

// BuildRetrievalAssets brings the dense vector tables and the narrations
// FTS index up to date with everything persisted so far: every chunk and
// every chapter's latest narration gets embedded exactly once
// (ListExistingChunkIDs/ListExistingNarrationIDs make this an O(new)
// diff, not a full re-embed), and narrations_fts is rebuilt so keyword
// retrieval sees the latest narration per chapter.
//
// A book with memory retrieval disabled for every tier (no route needs
// vectors) skips the embedding work entirely -- HasMemoryRetrieval is the
// same gate the storyteller graph's memory_retrieve node checks.
func (c *Controller) BuildRetrievalAssets(ctx context.Context, bookID int64) (AssetStats, error) {
	var stats AssetStats
	if !storyteller.HasMemoryRetrieval(c.Config) || c.Embedder == nil {
		stats.Skipped = true
		return stats, nil
	}

	if err := c.Vector.EnsureChunkTable(ctx, bookID); err != nil {
		return stats, fmt.Errorf("controller: ensure chunk table: %w", err)
	}
	if err := c.Vector.EnsureNarrationTable(ctx, bookID); err != nil {
		return stats, fmt.Errorf("controller: ensure narration table: %w", err)
	}

	chunksEmbedded, err := c.embedNewChunks(ctx, bookID)
	if err != nil {
		return stats, err
	}
	stats.ChunksEmbedded = chunksEmbedded

	narrationsEmbedded, err := c.embedNewNarrations(ctx, bookID)
	if err != nil {
		return stats, err
	}
	stats.NarrationsEmbedded = narrationsEmbedded

	sess, err := c.Store.Begin(ctx)
	if err != nil {
		return stats, fmt.Errorf("controller: begin fts rebuild session: %w", err)
	}
	if err := sess.RebuildFTS(ctx, bookID); err != nil {
		sess.Rollback()
		return stats, fmt.Errorf("controller: rebuild narrations fts: %w", err)
	}
	if err := sess.Commit(); err != nil {
		return stats, fmt.Errorf("controller: commit fts rebuild: %w", err)
	}

	return stats, nil
}

func (c *Controller) embedNewChunks(ctx context.Context, bookID int64) (int, error) {
	existing, err := c.Vector.ListExistingChunkIDs(ctx, bookID)
	if err != nil {
		return 0, fmt.Errorf("list existing chunk vectors: %w", err)
	}

	chapters, err := c.Store.ListChapters(ctx, bookID)
	if err != nil {
		return 0, fmt.Errorf("list chapters: %w", err)
	}

	embedded := 0
	for _, ch := range chapters {
		chunks, err := c.Store.ListChunks(ctx, ch.ID)
		if err != nil {
			return embedded, fmt.Errorf("list chunks for chapter %d: %w", ch.Idx, err)
		}
		var pending []int
		var texts []string
		for i, chunk := range chunks {
			if existing[chunk.ID] {
				continue
			}
			pending = append(pending, i)
			texts = append(texts, chunk.Text)
		}
		if len(texts) == 0 {
			continue
		}
		vectors, err := c.Embedder.Embed(ctx, texts)
		if err != nil {
			return embedded, fmt.Errorf("embed chunks for chapter %d: %w", ch.Idx, err)
		}
		for j, idx := range pending {
			chunk := chunks[idx]
			if err := c.Vector.UpsertChunk(ctx, bookID, chunk.ID, vectors[j], ch.Idx, ch.Title, chunk.Text); err != nil {
				return embedded, fmt.Errorf("upsert chunk vector %d: %w", chunk.ID, err)
			}
			embedded++
		}
	}
	return embedded, nil
}

func (c *Controller) embedNewNarrations(ctx context.Context, bookID int64) (int, error) {
	existing, err := c.Vector.ListExistingNarrationIDs(ctx, bookID)
	if err != nil {
		return 0, fmt.Errorf("list existing narration vectors: %w", err)
	}

	narrations, err := c.Store.LatestNarrationsByBook(ctx, bookID)
	if err != nil {
		return 0, fmt.Errorf("latest narrations: %w", err)
	}

	chapters, err := c.Store.ListChapters(ctx, bookID)
	if err != nil {
		return 0, fmt.Errorf("list chapters: %w", err)
	}
	titleByIdx := make(map[int]string, len(chapters))
	for _, ch := range chapters {
		titleByIdx[ch.Idx] = ch.Title
	}

	var pending []int
	var texts []string
	for i, n := range narrations {
		if existing[n.ID] {
			continue
		}
		pending = append(pending, i)
		texts = append(texts, n.NarrationText)
	}
	if len(texts) == 0 {
		return 0, nil
	}
	vectors, err := c.Embedder.Embed(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embed narrations: %w", err)
	}
	embedded := 0
	for j, idx := range pending {
		n := narrations[idx]
		if err := c.Vector.UpsertNarration(ctx, bookID, n.ID, vectors[j], n.ChapterIdx, titleByIdx[n.ChapterIdx], n.NarrationText); err != nil {
			return embedded, fmt.Errorf("upsert narration vector %d: %w", n.ID, err)
		}
		embedded++
	}
	return embedded, nil
}
