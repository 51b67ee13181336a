package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	storytellBookID      int64
	storytellFromChapter int
	storytellToChapter   int
	storytellStepSize    int
)

var storytellCmd = &cobra.Command{
	Use:   "storytell",
	Short: "Narrate a chapter range through the Storyteller Graph",
	RunE: func(cmd *cobra.Command, args []string) error {
		if storytellBookID <= 0 {
			return fmt.Errorf("validation error: --book-id is required")
		}

		c, err := newController()
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.RequireStorytellRoutes(); err != nil {
			return err
		}

		if storytellStepSize > 0 {
			c.Config.Storyteller.StepSize = storytellStepSize
		}

		if _, err := c.BuildRetrievalAssets(cmd.Context(), storytellBookID); err != nil {
			return err
		}

		stats, err := c.Storytell(cmd.Context(), storytellBookID, storytellFromChapter, storytellToChapter)
		if err != nil {
			return err
		}

		fmt.Printf("storytell complete: chapters=%d processed=%d skipped=%d steps_total=%d steps_processed=%d steps_skipped=%d llm_calls=%d cache_hits=%d\n",
			stats.ChaptersTotal, stats.ChaptersProcessed, stats.ChaptersSkipped,
			stats.StepsTotal, stats.StepsProcessed, stats.StepsSkippedCached,
			stats.NarrationLLMCalls, stats.NarrationLLMCacheHits)
		return nil
	},
}

func init() {
	storytellCmd.Flags().Int64Var(&storytellBookID, "book-id", 0, "book id to narrate (required)")
	storytellCmd.Flags().IntVar(&storytellFromChapter, "from-chapter", 0, "first chapter idx (default: 1)")
	storytellCmd.Flags().IntVar(&storytellToChapter, "to-chapter", 0, "last chapter idx (default: last chapter)")
	storytellCmd.Flags().IntVar(&storytellStepSize, "step-size", 0, "override storyteller.step_size for this run")
}
