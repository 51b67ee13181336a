package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tablerst/storyteller/internal/controller"
	"github.com/tablerst/storyteller/internal/export"
	"github.com/tablerst/storyteller/internal/ingest"
)

var (
	runInput       string
	runTitle       string
	runAuthor      string
	runBookID      int64
	runFromChapter int
	runToChapter   int
	runNoExport    bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full pipeline: ingest, build retrieval assets, narrate, export",
	RunE: func(cmd *cobra.Command, args []string) error {
		if runInput == "" && runBookID <= 0 {
			return fmt.Errorf("validation error: one of --input or --book-id is required")
		}

		c, err := newController()
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.RequireStorytellRoutes(); err != nil {
			return err
		}

		if runInput != "" {
			result, err := c.Run(cmd.Context(), controller.RunOptions{
				Ingest:      ingest.Options{Path: runInput, Title: runTitle, Author: runAuthor},
				FromChapter: runFromChapter,
				ToChapter:   runToChapter,
				ExportMode:  export.ModeAuto,
				SkipExport:  runNoExport,
			})
			if err != nil {
				return err
			}
			printRunResult(result)
			return nil
		}

		// --book-id without --input: skip the ingest stage and narrate an
		// already-ingested book.
		if _, err := c.BuildRetrievalAssets(cmd.Context(), runBookID); err != nil {
			return err
		}
		stats, err := c.Storytell(cmd.Context(), runBookID, runFromChapter, runToChapter)
		if err != nil {
			return err
		}
		fmt.Printf("storytell complete: processed=%d skipped=%d\n", stats.ChaptersProcessed, stats.ChaptersSkipped)
		if runNoExport {
			return nil
		}
		if _, err := c.BuildRetrievalAssets(cmd.Context(), runBookID); err != nil {
			return err
		}
		result, err := c.RunExport(cmd.Context(), runBookID, export.ModeAuto)
		if err != nil {
			return err
		}
		fmt.Printf("exported: %s (%d files)\n", result.OutputDir, result.FileCount)
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runInput, "input", "", "path to a source text to ingest before narrating")
	runCmd.Flags().StringVar(&runTitle, "title", "", "book title override (with --input)")
	runCmd.Flags().StringVar(&runAuthor, "author", "", "book author override (with --input)")
	runCmd.Flags().Int64Var(&runBookID, "book-id", 0, "an already-ingested book id (alternative to --input)")
	runCmd.Flags().IntVar(&runFromChapter, "from-chapter", 0, "first chapter idx (default: 1)")
	runCmd.Flags().IntVar(&runToChapter, "to-chapter", 0, "last chapter idx (default: last chapter)")
	runCmd.Flags().BoolVar(&runNoExport, "no-export", false, "skip the export stage")
}

func printRunResult(result *controller.RunResult) {
	fmt.Printf("ingested: book_id=%d new_chapters=%d new_chunks=%d\n",
		result.Ingest.BookID, result.Ingest.NewChapters, result.Ingest.NewChunks)
	fmt.Printf("storytell complete: processed=%d skipped=%d\n", result.Story.ChaptersProcessed, result.Story.ChaptersSkipped)
	if result.Export != nil {
		fmt.Printf("exported: %s (%d files)\n", result.Export.OutputDir, result.Export.FileCount)
	}
}
