package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/michaelscutari/avdug/internal/outcome"
)

var version = "0.1.0"

// exitCode is the result of a completed scan.
var exitCode = outcome.Clean

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(int(outcome.CodeFor(err)))
	}
	os.Exit(int(exitCode))
}

var rootCmd = &cobra.Command{
	Use:   "avdug",
	Short: "An on-demand malware scanner that reports into SQLite",
	Long: `avdug walks directory trees, hands every file to a scanning engine over
a unix socket and stores the results in a SQLite report. Reports can be
summarized, queried, or browsed in a TUI.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.Version = version
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(tuiCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(queryCmd)
}
