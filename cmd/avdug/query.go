package main

import (
	"database/sql"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/michaelscutari/avdug/internal/db"

	_ "modernc.org/sqlite"
)

var queryCmd = &cobra.Command{
	Use:   "query [dirs|detections|errors]",
	Short: "Query the report non-interactively",
	Long: `Query a scan report and print results for scripting. "dirs" lists the
entries below --path (or the directory rollups when no path is given),
"detections" lists threats and "errors" lists scan errors.`,
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"dirs", "detections", "errors"},
	RunE:      runQuery,
}

var (
	queryDB    string
	queryPath  string
	querySort  string
	queryLimit int
)

func init() {
	queryCmd.Flags().StringVarP(&queryDB, "db", "d", defaultReport, "Path to report database")
	queryCmd.Flags().StringVarP(&queryPath, "path", "p", "", "Directory path to list")
	queryCmd.Flags().StringVarP(&querySort, "sort", "s", "infected", "Sort by: infected, errors, name, files")
	queryCmd.Flags().IntVarP(&queryLimit, "limit", "n", 20, "Maximum number of results")
}

func runQuery(cmd *cobra.Command, args []string) error {
	what := "dirs"
	if len(args) == 1 {
		what = args[0]
	}

	database, err := sql.Open("sqlite", queryDB)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	switch what {
	case "detections":
		detections, err := db.LoadDetections(database, queryLimit)
		if err != nil {
			return fmt.Errorf("query failed: %w", err)
		}
		fmt.Fprintf(w, "THREAT\tTYPE\tFILE\tMEMBER\n")
		for _, d := range detections {
			member := ""
			if d.Path != d.FilePath {
				member = d.Path
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.Name, d.Type, d.FilePath, member)
		}

	case "errors":
		errs, err := db.LoadErrors(database, queryLimit)
		if err != nil {
			return fmt.Errorf("query failed: %w", err)
		}
		fmt.Fprintf(w, "ERRNO\tPATH\tMESSAGE\n")
		for _, e := range errs {
			fmt.Fprintf(w, "%d\t%s\t%s\n", int(e.Code), e.Path, e.Message)
		}

	case "dirs":
		if queryPath == "" {
			rollups, err := db.LoadRollups(database, querySort, queryLimit)
			if err != nil {
				return fmt.Errorf("query failed: %w", err)
			}
			fmt.Fprintf(w, "INFECTED\tERRORS\tFILES\tDIRECTORY\n")
			for _, r := range rollups {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					humanize.Comma(r.TotalInfected), humanize.Comma(r.TotalErrors),
					humanize.Comma(r.TotalFiles), r.DirPath)
			}
			return nil
		}
		entries, err := db.LoadChildren(database, queryPath, querySort, queryLimit)
		if err != nil {
			return fmt.Errorf("query failed: %w", err)
		}
		fmt.Fprintf(w, "INFECTED\tERRORS\tFILES\tNAME\tTHREAT\n")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				humanize.Comma(e.TotalInfected), humanize.Comma(e.TotalErrors),
				humanize.Comma(e.TotalFiles), e.Name, e.Threat)
		}

	default:
		return fmt.Errorf("unknown query %q (expected dirs|detections|errors)", what)
	}
	return nil
}
