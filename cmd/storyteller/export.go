package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tablerst/storyteller/internal/export"
)

var (
	exportBookID int64
	exportMode   string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Render the export bundle (chapters, full_story, characters, timeline, world_state.json)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if exportBookID <= 0 {
			return fmt.Errorf("validation error: --book-id is required")
		}
		mode := export.Mode(exportMode)
		switch mode {
		case export.ModeAuto, export.ModeStoryteller, export.ModeLegacy:
		default:
			return fmt.Errorf("validation error: unknown --mode %q", exportMode)
		}

		c, err := newController()
		if err != nil {
			return err
		}
		defer c.Close()

		result, err := c.RunExport(cmd.Context(), exportBookID, mode)
		if err != nil {
			return err
		}
		fmt.Printf("exported: %s mode=%s files=%d chapters=%d\n", result.OutputDir, result.Mode, result.FileCount, result.ChapterCount)
		return nil
	},
}

func init() {
	exportCmd.Flags().Int64Var(&exportBookID, "book-id", 0, "book id to export (required)")
	exportCmd.Flags().StringVar(&exportMode, "mode", string(export.ModeAuto), "storyteller|legacy|auto")
}
