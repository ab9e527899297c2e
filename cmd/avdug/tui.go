package main

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/michaelscutari/avdug/internal/db"
	"github.com/michaelscutari/avdug/internal/tui"

	tea "github.com/charmbracelet/bubbletea"
	_ "modernc.org/sqlite"
)

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Browse a scan report interactively",
	Long:  `Open an interactive TUI to browse per-directory results, detections and scan errors.`,
	RunE:  runTUI,
}

var tuiDB string

func init() {
	tuiCmd.Flags().StringVarP(&tuiDB, "db", "d", defaultReport, "Path to report database")
}

func runTUI(cmd *cobra.Command, args []string) error {
	database, err := sql.Open("sqlite", tuiDB)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	if err := db.ApplyReadPragmas(database); err != nil {
		return fmt.Errorf("failed to apply pragmas: %w", err)
	}

	p := tea.NewProgram(tui.NewModel(database), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}
