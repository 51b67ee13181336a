package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tablerst/storyteller/internal/config"
	"github.com/tablerst/storyteller/internal/export"
)

var (
	summarizeBookID  int64
	summarizeNoExport bool
)

var summarizeCmd = &cobra.Command{
	Use:   "summarize",
	Short: "Legacy per-chapter summarization, kept for books not yet run through the Storyteller Graph",
	RunE: func(cmd *cobra.Command, args []string) error {
		if summarizeBookID <= 0 {
			return fmt.Errorf("validation error: --book-id is required")
		}

		c, err := newController()
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.RequireRoutes(config.RouteSummarize); err != nil {
			return err
		}

		stats, err := c.Summarize(cmd.Context(), summarizeBookID)
		if err != nil {
			return err
		}
		fmt.Printf("summarized: chapters=%d llm_calls=%d\n", stats.ChaptersSummarized, stats.LLMCalls)

		if summarizeNoExport {
			return nil
		}
		result, err := c.RunExport(cmd.Context(), summarizeBookID, export.ModeLegacy)
		if err != nil {
			return err
		}
		fmt.Printf("exported: %s (%d files)\n", result.OutputDir, result.FileCount)
		return nil
	},
}

func init() {
	summarizeCmd.Flags().Int64Var(&summarizeBookID, "book-id", 0, "book id to summarize (required)")
	summarizeCmd.Flags().BoolVar(&summarizeNoExport, "no-export", false, "skip the legacy export step after summarizing")
}
