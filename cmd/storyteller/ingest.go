package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tablerst/storyteller/internal/ingest"
)

var ingestOpts ingest.Options

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Load a source text, split it into chapters and chunks, and persist it",
	RunE: func(cmd *cobra.Command, args []string) error {
		if ingestOpts.Path == "" {
			return fmt.Errorf("validation error: --input is required")
		}

		c, err := newController()
		if err != nil {
			return err
		}
		defer c.Close()

		result, err := c.RunIngest(cmd.Context(), ingestOpts)
		if err != nil {
			return err
		}

		if result.AlreadyExist {
			fmt.Printf("book already ingested: book_id=%d book_hash=%s\n", result.BookID, result.BookHash)
		} else {
			fmt.Printf("ingested: book_id=%d book_hash=%s new_chapters=%d new_chunks=%d\n",
				result.BookID, result.BookHash, result.NewChapters, result.NewChunks)
		}
		return nil
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestOpts.Path, "input", "", "path to the source text file (required)")
	ingestCmd.Flags().StringVar(&ingestOpts.Title, "title", "", "book title override")
	ingestCmd.Flags().StringVar(&ingestOpts.Author, "author", "", "book author override")
	ingestCmd.Flags().StringVar(&ingestOpts.ChapterRegex, "chapter-regex", "", "custom chapter boundary regex")
}
