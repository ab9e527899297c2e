// Package snapshot owns the report directory: one SQLite report per run,
// a latest.db link to the newest, and retention of older reports.
package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"

	"github.com/michaelscutari/avdug/internal/db"
	"github.com/michaelscutari/avdug/internal/outcome"
	"github.com/michaelscutari/avdug/internal/scan"

	_ "modernc.org/sqlite"
)

const (
	reportPrefix = "avdug-"
	reportSuffix = ".db"
	latestName   = "latest.db"
	lockName     = ".avdug.lock"
)

// ErrScanInProgress is returned when another run holds the report directory.
var ErrScanInProgress = errors.New("another scan is in progress")

// ProgressFunc is called periodically with current scan progress.
type ProgressFunc func(p db.Progress)

// StageFunc is called when scan stage changes.
type StageFunc func(stage string)

// Manager handles the scan lifecycle including locking and retention.
type Manager struct {
	outputDir    string
	retention    int
	lock         *flock.Flock
	progressFunc ProgressFunc
	stageFunc    StageFunc
	skipIndexes  bool
	interval     time.Duration
}

// NewManager creates a new snapshot manager.
func NewManager(outputDir string, retention int) *Manager {
	return &Manager{
		outputDir: outputDir,
		retention: retention,
		lock:      flock.New(filepath.Join(outputDir, lockName)),
		interval:  100 * time.Millisecond,
	}
}

// SetProgressFunc sets a callback for progress updates during scan.
func (m *Manager) SetProgressFunc(f ProgressFunc) {
	m.progressFunc = f
}

// SetStageFunc sets a callback for scan stage updates.
func (m *Manager) SetStageFunc(f StageFunc) {
	m.stageFunc = f
}

// SetSkipIndexes leaves the report without read indexes.
func (m *Manager) SetSkipIndexes(skip bool) {
	m.skipIndexes = skip
}

func (m *Manager) stage(name string) {
	if m.stageFunc != nil {
		m.stageFunc(name)
	}
}

// RunScan runs scanner over paths into a fresh report and publishes it. The
// returned code is the run's result code; the error is set only when no
// report could be produced.
func (m *Manager) RunScan(ctx context.Context, scanner *scan.Scanner, paths []string) (string, outcome.Code, error) {
	if err := os.MkdirAll(m.outputDir, 0o755); err != nil {
		return "", outcome.BadConfiguration, fmt.Errorf("failed to create output directory: %w", err)
	}

	locked, err := m.lock.TryLock()
	if err != nil {
		return "", outcome.GenericFailure, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return "", outcome.GenericFailure, ErrScanInProgress
	}
	defer func() {
		if err := m.lock.Unlock(); err != nil {
			log.WithFields(log.Fields{"error": err}).Warn("Failed to release report lock")
		}
	}()

	tempPath := filepath.Join(m.outputDir, fmt.Sprintf(".avdug-temp-%d.db", time.Now().UnixNano()))
	database, err := sql.Open("sqlite", tempPath)
	if err != nil {
		return "", outcome.GenericFailure, fmt.Errorf("failed to create database: %w", err)
	}
	fail := func(code outcome.Code, err error) (string, outcome.Code, error) {
		database.Close()
		os.Remove(tempPath)
		return "", code, err
	}

	if err := db.InitSchema(database); err != nil {
		return fail(outcome.GenericFailure, fmt.Errorf("failed to initialize schema: %w", err))
	}
	if err := db.ApplyWritePragmas(database); err != nil {
		return fail(outcome.GenericFailure, fmt.Errorf("failed to apply pragmas: %w", err))
	}

	m.stage("scan")
	progressDone := make(chan struct{})
	if m.progressFunc != nil {
		go func() {
			ticker := time.NewTicker(m.interval)
			defer ticker.Stop()
			for {
				select {
				case <-progressDone:
					return
				case <-ticker.C:
					if p := scanner.Progress(); p != nil {
						m.progressFunc(*p)
					}
				}
			}
		}()
	}

	code, scanErr := scanner.Run(ctx, paths, database)
	close(progressDone)
	if scanErr != nil {
		return fail(code, fmt.Errorf("scan failed: %w", scanErr))
	}

	if !m.skipIndexes {
		m.stage("indexes")
		if err := db.BuildIndexes(database); err != nil {
			return fail(outcome.GenericFailure, fmt.Errorf("failed to build indexes: %w", err))
		}
	}

	m.stage("finalize")
	if err := db.Finalize(database); err != nil {
		return fail(outcome.GenericFailure, fmt.Errorf("failed to finalize database: %w", err))
	}
	database.Close()

	finalName := reportName(time.Now())
	finalPath := filepath.Join(m.outputDir, finalName)
	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return "", outcome.GenericFailure, fmt.Errorf("failed to rename database: %w", err)
	}

	m.updateLatest(finalName)
	if err := m.pruneOldSnapshots(); err != nil {
		log.WithFields(log.Fields{"error": err}).Warn("Failed to prune old reports")
	}
	return finalPath, code, nil
}

// reportName is unique per nanosecond-resolution timestamp and sorts
// chronologically.
func reportName(t time.Time) string {
	return reportPrefix + t.Format("20060102-150405.000000000") + reportSuffix
}

// updateLatest swaps latest.db via temp symlink + rename.
func (m *Manager) updateLatest(finalName string) {
	latestPath := filepath.Join(m.outputDir, latestName)
	tempLink := filepath.Join(m.outputDir, ".latest.db.tmp")
	os.Remove(tempLink)
	if err := os.Symlink(finalName, tempLink); err != nil {
		log.WithFields(log.Fields{"error": err}).Warn("Failed to create latest.db symlink")
		return
	}
	if err := os.Rename(tempLink, latestPath); err != nil {
		os.Remove(tempLink)
		log.WithFields(log.Fields{"error": err}).Warn("Failed to update latest.db symlink")
	}
}

func (m *Manager) pruneOldSnapshots() error {
	if m.retention <= 0 {
		return nil
	}
	snapshots, err := m.ListSnapshots()
	if err != nil {
		return err
	}
	for len(snapshots) > m.retention {
		if err := os.Remove(snapshots[0]); err != nil {
			return fmt.Errorf("failed to remove %s: %w", snapshots[0], err)
		}
		log.WithFields(log.Fields{"report": snapshots[0]}).Debug("Pruned old report")
		snapshots = snapshots[1:]
	}
	return nil
}

// GetLatest returns the path to the latest snapshot.
func (m *Manager) GetLatest() (string, error) {
	resolved, err := filepath.EvalSymlinks(filepath.Join(m.outputDir, latestName))
	if err != nil {
		return "", fmt.Errorf("no latest report found: %w", err)
	}
	return resolved, nil
}

// ListSnapshots returns all available snapshots sorted by date.
func (m *Manager) ListSnapshots() ([]string, error) {
	entries, err := os.ReadDir(m.outputDir)
	if err != nil {
		return nil, err
	}
	var snapshots []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), reportPrefix) && strings.HasSuffix(e.Name(), reportSuffix) {
			snapshots = append(snapshots, filepath.Join(m.outputDir, e.Name()))
		}
	}
	sort.Strings(snapshots)
	return snapshots, nil
}
