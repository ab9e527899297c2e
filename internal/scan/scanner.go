package scan

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/michaelscutari/avdug/internal/abort"
	"github.com/michaelscutari/avdug/internal/client"
	"github.com/michaelscutari/avdug/internal/db"
	"github.com/michaelscutari/avdug/internal/entry"
	"github.com/michaelscutari/avdug/internal/outcome"
	"github.com/michaelscutari/avdug/internal/rollup"
	"github.com/michaelscutari/avdug/internal/walk"
)

// Summary describes a finished run.
type Summary struct {
	RunID    string
	Files    int64
	Infected int64
	Errors   int64
	Code     outcome.Code
	Elapsed  time.Duration
}

// Scanner walks the scan paths one after another, submitting every file to
// the engine and writing the outcomes to a report database.
type Scanner struct {
	opts     *ScanOptions
	engine   client.Requester
	monitors *abort.Set

	mu       sync.Mutex
	ingester *db.Ingester
	summary  Summary
}

// NewScanner creates a new scanner.
func NewScanner(opts *ScanOptions, engine client.Requester, monitors *abort.Set) *Scanner {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &Scanner{opts: opts, engine: engine, monitors: monitors}
}

// Run scans every path and writes the report to database. The returned code
// is the run's result; an error means the report itself could not be written.
func (s *Scanner) Run(ctx context.Context, paths []string, database *sql.DB) (outcome.Code, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	roots := make([]string, 0, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return outcome.BadConfiguration, fmt.Errorf("failed to resolve %s: %w", p, err)
		}
		roots = append(roots, abs)
	}

	meta := &entry.ScanMeta{
		RunID:     uuid.NewString(),
		Name:      s.opts.Name,
		RootPaths: roots,
		StartTime: time.Now(),
	}
	if err := db.InitScanMeta(database, meta); err != nil {
		return outcome.GenericFailure, fmt.Errorf("failed to record scan start: %w", err)
	}

	batch := s.opts.BatchSize
	fileCh := make(chan entry.FileResult, batch)
	detectionCh := make(chan entry.Detection, 64)
	errorCh := make(chan entry.ScanError, 1000)
	tallyCh := make(chan rollup.Tally, batch)
	rollupCh := make(chan entry.Rollup, batch)

	ingester := db.NewIngester(database, fileCh, detectionCh, rollupCh, errorCh, batch, s.opts.FlushInterval)
	s.mu.Lock()
	s.ingester = ingester
	s.mu.Unlock()

	ingesterDone := make(chan error, 1)
	go func() {
		err := ingester.Run(ctx)
		if err != nil {
			cancel()
		}
		ingesterDone <- err
	}()

	agg := rollup.NewAggregator(roots)
	aggDone := make(chan error, 1)
	go func() {
		aggDone <- agg.Run(ctx, tallyCh, rollupCh)
	}()

	reporter := NewReporter(ctx.Done(), fileCh, detectionCh, errorCh, tallyCh)
	dispatcher := client.New(s.engine, reporter, s.monitors, client.Options{
		ScanArchives: s.opts.ScanArchives,
		ScanImages:   s.opts.ScanImages,
		ScanType:     s.opts.ScanType,
		UserID:       s.opts.UserID,
	})
	callbacks := NewCallbacks(s.opts.Matcher(), dispatcher, reporter, s.monitors)
	walker := walk.New(callbacks, walk.Options{
		FollowSymlinks:     s.opts.FollowSymlinks,
		StayOnDevice:       s.opts.StayOnDevice,
		RequireStartExists: s.opts.RequireStartExists,
	})

	stopErr := s.walkAll(ctx, walker, reporter, roots)

	close(fileCh)
	close(detectionCh)
	close(errorCh)
	close(tallyCh)

	aggErr := <-aggDone
	ingestErr := <-ingesterDone
	if ingestErr != nil {
		return outcome.GenericFailure, fmt.Errorf("ingester error: %w", ingestErr)
	}
	if aggErr != nil {
		return outcome.GenericFailure, fmt.Errorf("rollup aggregation failed: %w", aggErr)
	}

	code := reporter.ResultCode()
	if stopErr != nil {
		code = outcome.CodeFor(stopErr)
	}

	scanned, infected, failed := reporter.Counts()
	meta.EndTime = time.Now()
	meta.FileCount = scanned
	meta.InfectedCount = infected
	meta.ErrorCount = failed
	meta.ResultCode = int(code)
	if err := db.FinalizeScanMeta(database, meta); err != nil {
		return code, fmt.Errorf("failed to record scan end: %w", err)
	}

	s.mu.Lock()
	s.summary = Summary{
		RunID:    meta.RunID,
		Files:    scanned,
		Infected: infected,
		Errors:   failed,
		Code:     code,
		Elapsed:  meta.EndTime.Sub(meta.StartTime),
	}
	s.mu.Unlock()

	log.WithFields(log.Fields{
		"run":      meta.RunID,
		"files":    scanned,
		"infected": infected,
		"errors":   failed,
		"result":   code.String(),
	}).Info("Scan finished")

	if stopErr != nil && !outcome.IsControlFlow(stopErr) {
		return code, stopErr
	}
	return code, nil
}

// walkAll walks each root in turn. A root that cannot be inspected is
// recorded and skipped; a control-flow error stops the run.
func (s *Scanner) walkAll(ctx context.Context, walker *walk.Walker, reporter *Reporter, roots []string) error {
	for _, root := range roots {
		if err := ctx.Err(); err != nil {
			return err
		}
		log.WithFields(log.Fields{"path": root}).Info("Starting scan")

		err := walker.Walk(root)
		if err == nil {
			continue
		}
		var fsErr *outcome.FilesystemError
		if errors.As(err, &fsErr) {
			reporter.RegisterError(root, err)
			continue
		}
		if outcome.IsControlFlow(err) {
			log.WithFields(log.Fields{"path": root, "error": err}).Warn("Scan stopped")
		}
		return err
	}
	return nil
}

// Progress returns current scan progress (safe for concurrent access).
// Returns nil if scan hasn't started.
func (s *Scanner) Progress() *db.Progress {
	s.mu.Lock()
	ing := s.ingester
	s.mu.Unlock()
	if ing == nil {
		return nil
	}
	p := ing.Progress()
	return &p
}

// Summary returns the outcome of the last Run.
func (s *Scanner) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summary
}
