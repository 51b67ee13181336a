package controller

import (
	"context"
	"fmt"

	"github.com/tablerst/storyteller/internal/export"
	"github.com/tablerst/storyteller/internal/ingest"
)

// RunOptions configures the end-to-end `run` command: ingest, build
// retrieval assets, narrate, export -- in one call.
type RunOptions struct {
	Ingest      ingest.Options
	FromChapter int
	ToChapter   int
	ExportMode  export.Mode
	SkipExport  bool
}

// RunResult reports what each pipeline stage did.
type RunResult struct {
	Ingest  *ingest.Result
	Assets  AssetStats
	Story   Stats
	Export  *export.Result
}

// Run drives the full pipeline behind the `run` command: ingest
// the source file, build retrieval assets, narrate every chapter in
// range, then export. Each stage's errors abort the remaining stages.
func (c *Controller) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	var result RunResult

	ingestResult, err := c.RunIngest(ctx, opts.Ingest)
	if err != nil {
		return &result, fmt.Errorf("run: ingest: %w", err)
	}
	result.Ingest = ingestResult

	assetStats, err := c.BuildRetrievalAssets(ctx, ingestResult.BookID)
	if err != nil {
		return &result, fmt.Errorf("run: build retrieval assets: %w", err)
	}
	result.Assets = assetStats

	storyStats, err := c.Storytell(ctx, ingestResult.BookID, opts.FromChapter, opts.ToChapter)
	if err != nil {
		return &result, fmt.Errorf("run: storytell: %w", err)
	}
	result.Story = storyStats

	if opts.SkipExport {
		return &result, nil
	}

	// Re-embed narrations produced by this run so future retrieval
	// sees them.
	if _, err := c.BuildRetrievalAssets(ctx, ingestResult.BookID); err != nil {
		return &result, fmt.Errorf("run: rebuild retrieval assets: %w", err)
	}

	exportResult, err := c.RunExport(ctx, ingestResult.BookID, opts.ExportMode)
	if err != nil {
		return &result, fmt.Errorf("run: export: %w", err)
	}
	result.Export = exportResult

	return &result, nil
}
