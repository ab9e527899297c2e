package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/michaelscutari/avdug/internal/abort"
	"github.com/michaelscutari/avdug/internal/config"
	"github.com/michaelscutari/avdug/internal/db"
	"github.com/michaelscutari/avdug/internal/engine"
	"github.com/michaelscutari/avdug/internal/logging"
	"github.com/michaelscutari/avdug/internal/mounts"
	"github.com/michaelscutari/avdug/internal/outcome"
	"github.com/michaelscutari/avdug/internal/scan"
	"github.com/michaelscutari/avdug/internal/snapshot"
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

var scanCmd = &cobra.Command{
	Use:   "scan [path...]",
	Short: "Scan paths and write a report database",
	Long: `Scan one or more directory trees or files with the scanning engine and
store the results in a SQLite report. Paths come from the arguments, the
named scan config, or both.`,
	RunE: runScan,
}

var (
	scanConfig       string
	scanName         string
	scanOut          string
	scanSocket       string
	scanUser         string
	scanRetention    int
	scanExclude      []string
	scanFollow       bool
	scanXdev         bool
	scanRequireStart bool
	scanArchives     bool
	scanImages       bool
	scanExclRemote   bool
	scanExclPseudo   bool
	scanExclOptical  bool
	scanExclRemov    bool
	scanVerbose      bool
	scanProgress     time.Duration
	scanSkipIndexes  bool
)

func init() {
	f := scanCmd.Flags()
	f.StringVarP(&scanConfig, "config", "c", "", "Named scan config file (YAML)")
	f.StringVar(&scanName, "name", "", "Scan name recorded in the report")
	f.StringVarP(&scanOut, "out", "o", "", "Output directory for report databases")
	f.StringVar(&scanSocket, "socket", "", "Scanning engine socket (default "+engine.DefaultSocket+")")
	f.StringVar(&scanUser, "user", "", "User reported to the engine")
	f.IntVar(&scanRetention, "retention", 5, "Number of reports to retain (0 = unlimited)")
	f.StringSliceVarP(&scanExclude, "exclude", "e", nil, "Exclusion rule (can be repeated)")
	f.BoolVar(&scanFollow, "follow-symlinks", false, "Follow symlinks to directories and files")
	f.BoolVar(&scanXdev, "xdev", false, "Don't cross filesystem boundaries")
	f.BoolVar(&scanRequireStart, "require-start-exists", false, "Treat a missing scan path as a failure of that path")
	f.BoolVar(&scanArchives, "archives", true, "Ask the engine to scan inside archives")
	f.BoolVar(&scanImages, "images", false, "Ask the engine to scan disk images")
	f.BoolVar(&scanExclRemote, "exclude-remote", false, "Exclude network filesystems")
	f.BoolVar(&scanExclPseudo, "exclude-pseudo", true, "Exclude pseudo filesystems such as /proc")
	f.BoolVar(&scanExclOptical, "exclude-optical", false, "Exclude optical media")
	f.BoolVar(&scanExclRemov, "exclude-removable", false, "Exclude removable devices")
	f.BoolVarP(&scanVerbose, "verbose", "v", false, "Enable debug logging")
	f.DurationVar(&scanProgress, "progress-interval", 30*time.Second, "Emit progress lines to stderr at this interval when not a TTY (0 to disable)")
	f.BoolVar(&scanSkipIndexes, "skip-indexes", false, "Don't build read indexes in the report")
}

// loadScanConfig reads the config file, if any, and lays changed flags over it.
func loadScanConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if scanConfig != "" {
		loaded, err := config.Load(scanConfig)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	f := cmd.Flags()
	cfg.Paths = append(cfg.Paths, args...)
	cfg.Exclusions = append(cfg.Exclusions, scanExclude...)
	if f.Changed("name") {
		cfg.Name = scanName
	}
	if f.Changed("out") {
		cfg.ReportDir = scanOut
	}
	if f.Changed("socket") {
		cfg.Socket = scanSocket
	}
	if f.Changed("user") {
		cfg.User = scanUser
	}
	if f.Changed("retention") {
		cfg.Retention = scanRetention
	}
	if f.Changed("follow-symlinks") {
		cfg.FollowSymlinks = scanFollow
	}
	if f.Changed("xdev") {
		cfg.StayOnDevice = scanXdev
	}
	if f.Changed("require-start-exists") {
		cfg.RequireStartExists = scanRequireStart
	}
	if f.Changed("archives") {
		cfg.ScanArchives = scanArchives
	}
	if f.Changed("images") {
		cfg.ScanImages = scanImages
	}
	if f.Changed("exclude-remote") {
		cfg.ExcludeRemote = scanExclRemote
	}
	if f.Changed("exclude-pseudo") {
		cfg.ExcludePseudo = scanExclPseudo
	}
	if f.Changed("exclude-optical") {
		cfg.ExcludeOptical = scanExclOptical
	}
	if f.Changed("exclude-removable") {
		cfg.ExcludeRemovable = scanExclRemov
	}
	return cfg, cfg.Validate()
}

func runScan(cmd *cobra.Command, args []string) error {
	logging.Setup("AVD", scanVerbose)

	cfg, err := loadScanConfig(cmd, args)
	if err != nil {
		return outcome.NewAbort(outcome.BadConfiguration, "invalid scan configuration", err)
	}
	paths, err := cfg.AbsPaths()
	if err != nil {
		return outcome.NewAbort(outcome.BadConfiguration, "invalid scan path", err)
	}
	outDir, err := filepath.Abs(cfg.ReportDir)
	if err != nil {
		return outcome.NewAbort(outcome.BadConfiguration, "invalid report directory", err)
	}

	var mountPoints []string
	if all, err := mounts.Load(); err != nil {
		log.WithFields(log.Fields{"error": err}).Warn("Failed to read mount table, mount exclusions disabled")
	} else {
		mountPoints = mounts.Exclusions(all, cfg.MountOptions(), paths)
	}
	opts, err := cfg.ScanOptions(mountPoints)
	if err != nil {
		return outcome.NewAbort(outcome.BadConfiguration, "invalid scan options", err)
	}

	monitors, err := abort.NewProcessSet()
	if err != nil {
		return fmt.Errorf("failed to install signal handlers: %w", err)
	}
	defer monitors.Close()
	if scanConfig != "" {
		if reload, ok := monitors.Reload.(*abort.PipeMonitor); ok {
			watcher, err := abort.WatchFile(scanConfig, reload)
			if err != nil {
				log.WithFields(log.Fields{"config": scanConfig, "error": err}).Warn("Config reload watch disabled")
			} else {
				defer watcher.Close()
			}
		}
	}

	wrapper, err := engine.NewWrapper(engine.NewUnixConnection(cfg.Socket), monitors)
	if err != nil {
		return err
	}
	defer wrapper.Close()

	scanner := scan.NewScanner(opts, wrapper, monitors)
	mgr := snapshot.NewManager(outDir, cfg.Retention)
	mgr.SetSkipIndexes(scanSkipIndexes)

	startTime := time.Now()
	stopProgress := startProgress(mgr, startTime)
	dbPath, code, err := mgr.RunScan(context.Background(), scanner, paths)
	stopProgress()
	if err != nil {
		if errors.Is(err, snapshot.ErrScanInProgress) {
			return err
		}
		return fmt.Errorf("scan failed (%s): %w", code, err)
	}

	printSummary(scanner.Summary(), dbPath)
	exitCode = code
	return nil
}

// startProgress shows a spinner on a terminal or periodic PROGRESS lines
// otherwise. The returned func stops it and clears the line.
func startProgress(mgr *snapshot.Manager, startTime time.Time) func() {
	var files, infected, failed atomic.Int64
	var stage atomic.Value
	stage.Store("scan")

	mgr.SetProgressFunc(func(p db.Progress) {
		files.Store(p.Files)
		infected.Store(p.Infected)
		failed.Store(p.Errors)
	})
	mgr.SetStageFunc(func(s string) {
		if s != "" {
			stage.Store(s)
		}
	})

	isTTY := isatty.IsTerminal(os.Stderr.Fd())
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(80 * time.Millisecond)
		defer ticker.Stop()
		lastLine := time.Now()
		spinnerIdx := 0
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}
			stageStr, _ := stage.Load().(string)
			elapsed := time.Since(startTime).Round(time.Millisecond)
			rate := float64(0)
			if elapsed.Seconds() > 0 {
				rate = float64(files.Load()) / elapsed.Seconds()
			}

			if isTTY {
				spinner := spinnerFrames[spinnerIdx%len(spinnerFrames)]
				spinnerIdx++
				if stageStr != "scan" {
					fmt.Fprintf(os.Stderr, "\r\033[K%s %s... | %s", spinner, stageStr, elapsed)
					continue
				}
				fmt.Fprintf(os.Stderr, "\r\033[K%s Scanning... %s files | %s infected | %s errors | %.0f/sec | %s",
					spinner, humanize.Comma(files.Load()), humanize.Comma(infected.Load()),
					humanize.Comma(failed.Load()), rate, elapsed)
				continue
			}
			if scanProgress <= 0 || time.Since(lastLine) < scanProgress {
				continue
			}
			if stageStr != "scan" {
				fmt.Fprintf(os.Stderr, "PROGRESS stage=%s elapsed=%s\n", stageStr, elapsed)
			} else {
				fmt.Fprintf(os.Stderr, "PROGRESS files=%d infected=%d errors=%d rate=%.0f/sec elapsed=%s\n",
					files.Load(), infected.Load(), failed.Load(), rate, elapsed)
			}
			lastLine = time.Now()
		}
	}()

	return func() {
		close(done)
		<-finished
		if isTTY {
			fmt.Fprintf(os.Stderr, "\r\033[K")
		}
	}
}

func printSummary(s scan.Summary, dbPath string) {
	bold := color.New(color.Bold)
	red := color.New(color.FgRed, color.Bold)
	yellow := color.New(color.FgYellow)
	green := color.New(color.FgGreen)

	fmt.Printf("Report: %s\n", dbPath)
	bold.Printf("\nSummary (%s)\n", s.RunID)
	fmt.Printf("  Files scanned: %s\n", humanize.Comma(s.Files))
	if s.Infected > 0 {
		red.Printf("  Infected:      %s\n", humanize.Comma(s.Infected))
	} else {
		fmt.Printf("  Infected:      0\n")
	}
	if s.Errors > 0 {
		yellow.Printf("  Errors:        %s\n", humanize.Comma(s.Errors))
	}
	fmt.Printf("  Elapsed:       %s\n", s.Elapsed.Round(time.Millisecond))

	switch s.Code {
	case outcome.Clean:
		green.Printf("  Result:        %s\n", s.Code)
	case outcome.VirusFound:
		red.Printf("  Result:        %s (%d)\n", s.Code, int(s.Code))
	default:
		yellow.Printf("  Result:        %s (%d)\n", s.Code, int(s.Code))
	}
}
