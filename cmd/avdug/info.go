package main

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/michaelscutari/avdug/internal/db"
	"github.com/michaelscutari/avdug/internal/outcome"

	_ "modernc.org/sqlite"
)

const defaultReport = "./reports/latest.db"

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Display scan metadata",
	Long:  `Print metadata about a scan report including timestamps, counts and the result code.`,
	RunE:  runInfo,
}

var infoDB string

func init() {
	infoCmd.Flags().StringVarP(&infoDB, "db", "d", defaultReport, "Path to report database")
}

func runInfo(cmd *cobra.Command, args []string) error {
	database, err := sql.Open("sqlite", infoDB)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	meta, err := db.GetScanMeta(database)
	if err != nil {
		return fmt.Errorf("failed to read scan metadata: %w", err)
	}

	fmt.Printf("Scan Information\n")
	fmt.Printf("================\n\n")
	fmt.Printf("Name:         %s\n", meta.Name)
	fmt.Printf("Run ID:       %s\n", meta.RunID)
	for i, root := range meta.RootPaths {
		label := ""
		if i == 0 {
			label = "Paths:"
		}
		fmt.Printf("%-14s%s\n", label, root)
	}
	fmt.Printf("Start Time:   %s (%s)\n", meta.StartTime.Format(time.RFC3339), humanize.Time(meta.StartTime))
	if !meta.EndTime.IsZero() {
		fmt.Printf("End Time:     %s\n", meta.EndTime.Format(time.RFC3339))
		fmt.Printf("Duration:     %s\n", meta.EndTime.Sub(meta.StartTime))
	}
	fmt.Printf("\nStatistics\n")
	fmt.Printf("----------\n")
	fmt.Printf("Files:        %s\n", humanize.Comma(meta.FileCount))
	fmt.Printf("Infected:     %s\n", humanize.Comma(meta.InfectedCount))
	if meta.ErrorCount > 0 {
		fmt.Printf("Errors:       %s\n", humanize.Comma(meta.ErrorCount))
	}
	code := outcome.Code(meta.ResultCode)
	fmt.Printf("Result:       %s (%d)\n", code, int(code))

	return nil
}
