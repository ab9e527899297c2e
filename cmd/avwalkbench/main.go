// Command avwalkbench times directory traversal without a scanning engine.
package main

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/michaelscutari/avdug/internal/exclusion"
	"github.com/michaelscutari/avdug/internal/logging"
	"github.com/michaelscutari/avdug/internal/walk"
)

var (
	follow   bool
	xdev     bool
	excludes []string
	verbose  bool
)

var rootCmd = &cobra.Command{
	Use:          "avwalkbench [path...]",
	Short:        "Walk paths the way a scan does and report traversal rate",
	Args:         cobra.MinimumNArgs(1),
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().BoolVar(&follow, "follow-symlinks", false, "Follow symlinks")
	rootCmd.Flags().BoolVar(&xdev, "xdev", false, "Don't cross filesystem boundaries")
	rootCmd.Flags().StringSliceVarP(&excludes, "exclude", "e", nil, "Exclusion rule (can be repeated)")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// counter satisfies walk.Callbacks without scanning anything.
type counter struct {
	matcher *exclusion.Matcher
	files   atomic.Int64
	dirs    atomic.Int64
	errors  atomic.Int64
}

func (c *counter) ProcessFile(path string, symlinkTarget bool) error {
	if _, excluded := c.matcher.Excludes(path, false); !excluded {
		c.files.Add(1)
	}
	return nil
}

func (c *counter) IncludeDirectory(path string) (bool, error) {
	if c.UserDefinedExclusionCheck(path, false) {
		return false, nil
	}
	c.dirs.Add(1)
	return true, nil
}

func (c *counter) UserDefinedExclusionCheck(path string, isSymlink bool) bool {
	_, excluded := c.matcher.Excludes(path, true)
	return excluded
}

func (c *counter) RegisterError(path string, err error) {
	c.errors.Add(1)
}

func run(cmd *cobra.Command, args []string) error {
	logging.Setup("BCH", verbose)

	rules, err := exclusion.Parse(excludes)
	if err != nil {
		return err
	}
	c := &counter{matcher: exclusion.NewMatcher(rules, nil)}
	w := walk.New(c, walk.Options{FollowSymlinks: follow, StayOnDevice: xdev})

	start := time.Now()
	for _, root := range args {
		if err := w.Walk(root); err != nil {
			return fmt.Errorf("walk %s: %w", root, err)
		}
	}
	elapsed := time.Since(start)

	files, dirs := c.files.Load(), c.dirs.Load()
	rate := float64(0)
	if elapsed.Seconds() > 0 {
		rate = float64(files+dirs) / elapsed.Seconds()
	}
	fmt.Printf("files=%s dirs=%s errors=%s elapsed=%s rate=%.0f/sec\n",
		humanize.Comma(files), humanize.Comma(dirs), humanize.Comma(c.errors.Load()),
		elapsed.Round(time.Millisecond), rate)
	return nil
}
