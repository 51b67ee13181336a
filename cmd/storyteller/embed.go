package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tablerst/storyteller/internal/config"
)

var (
	embedBookID    int64
	embedBatchSize int
)

var embedCmd = &cobra.Command{
	Use:   "embed",
	Short: "Build or refresh the retrieval assets (dense vectors and narration FTS) for a book",
	RunE: func(cmd *cobra.Command, args []string) error {
		if embedBookID <= 0 {
			return fmt.Errorf("validation error: --book-id is required")
		}

		c, err := newController()
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.RequireRoutes(config.RouteEmbed); err != nil {
			return err
		}

		stats, err := c.BuildRetrievalAssets(cmd.Context(), embedBookID)
		if err != nil {
			return err
		}
		if stats.Skipped {
			fmt.Println("embed skipped: memory retrieval disabled or no embedder configured")
			return nil
		}
		fmt.Printf("embedded: chunks=%d narrations=%d\n", stats.ChunksEmbedded, stats.NarrationsEmbedded)
		return nil
	},
}

func init() {
	embedCmd.Flags().Int64Var(&embedBookID, "book-id", 0, "book id to embed (required)")
	embedCmd.Flags().IntVar(&embedBatchSize, "batch-size", 0, "embedding batch size (reserved; chunks are embedded one chapter per call, narrations in one call)")
}
