package controller

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/tablerst/storyteller/internal/config"
	"github.com/tablerst/storyteller/internal/store"
)

// SummarizeStats reports what the legacy summarize command did.
type SummarizeStats struct {
	ChaptersSummarized int
	LLMCalls           int
}

// maxLegacySummaryChars bounds the deterministic fallback summary when no
// summarize route is configured, matching the graph nodes' rune-count
// truncation convention for degraded output.
const maxLegacySummaryChars = 600

// Summarize runs the pre-storyteller "summarize" command: one summarize
// route call per chapter (or a truncation fallback with no route
// configured), persisted to the summaries table under scope "book" so
// Export's legacy fallback has something to read for a book that hasn't
// been run through the Storyteller Graph yet.
func (c *Controller) Summarize(ctx context.Context, bookID int64) (SummarizeStats, error) {
	var stats SummarizeStats

	chapters, err := c.Store.ListChapters(ctx, bookID)
	if err != nil {
		return stats, fmt.Errorf("controller: list chapters: %w", err)
	}

	_, hasRoute := c.Config.Routes[config.RouteSummarize]

	for _, ch := range chapters {
		text := ch.Text
		if hasRoute && c.Router != nil {
			system := "You are a careful editor. Summarize the chapter faithfully in a few sentences."
			user := fmt.Sprintf("Chapter %d: %s\n\n%s", ch.Idx, ch.Title, ch.Text)
			if summary, err := c.Router.Complete(ctx, config.RouteSummarize, system, user); err == nil && summary != "" {
				text = summary
				stats.LLMCalls++
			} else if err != nil {
				c.Logger.Warn("summarize route failed; falling back to truncation", "chapter_idx", ch.Idx, "error", err)
				text = truncateChars(ch.Text, maxLegacySummaryChars)
			}
		} else {
			text = truncateChars(ch.Text, maxLegacySummaryChars)
		}

		sess, err := c.Store.Begin(ctx)
		if err != nil {
			return stats, fmt.Errorf("controller: begin summary session: %w", err)
		}
		idx := ch.Idx
		if _, err := sess.InsertSummary(ctx, store.Summary{
			BookID:     bookID,
			Scope:      "book",
			ChapterIdx: sql.NullInt64{Int64: int64(idx), Valid: true},
			Text:       text,
		}); err != nil {
			sess.Rollback()
			return stats, fmt.Errorf("controller: insert summary chapter %d: %w", ch.Idx, err)
		}
		if err := sess.Commit(); err != nil {
			return stats, fmt.Errorf("controller: commit summary chapter %d: %w", ch.Idx, err)
		}
		stats.ChaptersSummarized++
	}

	return stats, nil
}

func truncateChars(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
