package db

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/michaelscutari/avdug/internal/entry"
)

const insertFileSQL = `INSERT INTO files (path, dir, status, is_symlink) VALUES (?, ?, ?, ?)`
const insertDetectionSQL = `INSERT INTO detections (file_path, path, type, name, hash, is_symlink) VALUES (?, ?, ?, ?, ?, ?)`
const insertRollupSQL = `INSERT OR REPLACE INTO rollups (dir_path, parent_path, total_files, total_infected, total_errors) VALUES (?, ?, ?, ?, ?)`
const insertErrorSQL = `INSERT INTO scan_errors (path, message, code) VALUES (?, ?, ?)`

const maxErrorsSampled = 10000

// Ingester batches scan results and writes them to the database.
type Ingester struct {
	db            *sql.DB
	fileCh        <-chan entry.FileResult
	detectionCh   <-chan entry.Detection
	rollupCh      <-chan entry.Rollup
	errorCh       <-chan entry.ScanError
	batchSize     int
	flushInterval time.Duration

	fileBatch      []entry.FileResult
	detectionBatch []entry.Detection
	rollupBatch    []entry.Rollup
	errorBatch     []entry.ScanError
	errorsSampled  int

	// Progress tracking (atomic)
	fileCount     int64
	infectedCount int64
	errorCount    int64

	fileStmt      *sql.Stmt
	detectionStmt *sql.Stmt
	rollupStmt    *sql.Stmt
	errorStmt     *sql.Stmt
}

// Progress holds current scan progress.
type Progress struct {
	Files    int64
	Infected int64
	Errors   int64
}

// NewIngester creates a new ingester. Run returns once every channel is closed.
func NewIngester(db *sql.DB, fileCh <-chan entry.FileResult, detectionCh <-chan entry.Detection, rollupCh <-chan entry.Rollup, errorCh <-chan entry.ScanError, batchSize int, flushInterval time.Duration) *Ingester {
	if batchSize <= 0 {
		batchSize = 1000
	}
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	return &Ingester{
		db:             db,
		fileCh:         fileCh,
		detectionCh:    detectionCh,
		rollupCh:       rollupCh,
		errorCh:        errorCh,
		batchSize:      batchSize,
		flushInterval:  flushInterval,
		fileBatch:      make([]entry.FileResult, 0, batchSize),
		detectionBatch: make([]entry.Detection, 0, 64),
		rollupBatch:    make([]entry.Rollup, 0, batchSize),
		errorBatch:     make([]entry.ScanError, 0, 100),
	}
}

// Run consumes results and batches them to the database.
func (ing *Ingester) Run(ctx context.Context) error {
	var err error
	stmts := []struct {
		dst   **sql.Stmt
		query string
	}{
		{&ing.fileStmt, insertFileSQL},
		{&ing.detectionStmt, insertDetectionSQL},
		{&ing.rollupStmt, insertRollupSQL},
		{&ing.errorStmt, insertErrorSQL},
	}
	for _, s := range stmts {
		*s.dst, err = ing.db.Prepare(s.query)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer (*s.dst).Close()
	}

	ticker := time.NewTicker(ing.flushInterval)
	defer ticker.Stop()

	fileCh := ing.fileCh
	detectionCh := ing.detectionCh
	rollupCh := ing.rollupCh
	errorCh := ing.errorCh

	for fileCh != nil || detectionCh != nil || rollupCh != nil || errorCh != nil {
		select {
		case <-ctx.Done():
			log.WithFields(log.Fields{"pending": len(ing.fileBatch)}).Debug("Ingester cancelled, flushing")
			return ing.flush()

		case f, ok := <-fileCh:
			if !ok {
				fileCh = nil
				continue
			}
			atomic.AddInt64(&ing.fileCount, 1)
			if f.Status == entry.StatusInfected {
				atomic.AddInt64(&ing.infectedCount, 1)
			}
			ing.fileBatch = append(ing.fileBatch, f)
			if len(ing.fileBatch) >= ing.batchSize {
				if err := ing.flushFiles(); err != nil {
					return err
				}
			}

		case d, ok := <-detectionCh:
			if !ok {
				detectionCh = nil
				continue
			}
			ing.detectionBatch = append(ing.detectionBatch, d)
			if len(ing.detectionBatch) >= ing.batchSize {
				if err := ing.flushDetections(); err != nil {
					return err
				}
			}

		case r, ok := <-rollupCh:
			if !ok {
				rollupCh = nil
				continue
			}
			ing.rollupBatch = append(ing.rollupBatch, r)
			if len(ing.rollupBatch) >= ing.batchSize {
				if err := ing.flushRollups(); err != nil {
					return err
				}
			}

		case e, ok := <-errorCh:
			if !ok {
				errorCh = nil
				continue
			}
			atomic.AddInt64(&ing.errorCount, 1)
			// Only sample the first N errors to bound the report size.
			if ing.errorsSampled < maxErrorsSampled {
				ing.errorsSampled++
				ing.errorBatch = append(ing.errorBatch, e)
				if len(ing.errorBatch) >= 100 {
					if err := ing.flushErrors(); err != nil {
						return err
					}
				}
			}

		case <-ticker.C:
			if err := ing.flush(); err != nil {
				return err
			}
		}
	}

	log.WithFields(log.Fields{
		"files":    atomic.LoadInt64(&ing.fileCount),
		"infected": atomic.LoadInt64(&ing.infectedCount),
		"errors":   atomic.LoadInt64(&ing.errorCount),
	}).Debug("Ingester inputs closed")
	return ing.flush()
}

func (ing *Ingester) flush() error {
	if err := ing.flushFiles(); err != nil {
		return err
	}
	if err := ing.flushDetections(); err != nil {
		return err
	}
	if err := ing.flushRollups(); err != nil {
		return err
	}
	return ing.flushErrors()
}

// execBatch writes rows inside one transaction.
func execBatch[T any](db *sql.DB, prepared *sql.Stmt, rows []T, what string, exec func(*sql.Stmt, T) error) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin %s transaction: %w", what, err)
	}

	stmt := tx.Stmt(prepared)
	for _, row := range rows {
		if err := exec(stmt, row); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert %s: %w", what, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit %s transaction: %w", what, err)
	}
	return nil
}

func (ing *Ingester) flushFiles() error {
	err := execBatch(ing.db, ing.fileStmt, ing.fileBatch, "file", func(stmt *sql.Stmt, f entry.FileResult) error {
		_, err := stmt.Exec(f.Path, filepath.Dir(f.Path), f.Status, f.IsSymlink)
		return err
	})
	if err != nil {
		return err
	}
	ing.fileBatch = ing.fileBatch[:0]
	return nil
}

func (ing *Ingester) flushDetections() error {
	err := execBatch(ing.db, ing.detectionStmt, ing.detectionBatch, "detection", func(stmt *sql.Stmt, d entry.Detection) error {
		_, err := stmt.Exec(d.FilePath, d.Path, d.Type, d.Name, d.Hash, d.IsSymlink)
		return err
	})
	if err != nil {
		return err
	}
	ing.detectionBatch = ing.detectionBatch[:0]
	return nil
}

func (ing *Ingester) flushRollups() error {
	err := execBatch(ing.db, ing.rollupStmt, ing.rollupBatch, "rollup", func(stmt *sql.Stmt, r entry.Rollup) error {
		_, err := stmt.Exec(r.DirPath, filepath.Dir(r.DirPath), r.TotalFiles, r.TotalInfected, r.TotalErrors)
		return err
	})
	if err != nil {
		return err
	}
	ing.rollupBatch = ing.rollupBatch[:0]
	return nil
}

func (ing *Ingester) flushErrors() error {
	err := execBatch(ing.db, ing.errorStmt, ing.errorBatch, "error", func(stmt *sql.Stmt, e entry.ScanError) error {
		_, err := stmt.Exec(e.Path, e.Message, int(e.Code))
		return err
	})
	if err != nil {
		return err
	}
	ing.errorBatch = ing.errorBatch[:0]
	return nil
}

// ErrorCount returns the total number of errors received, sampled or not.
func (ing *Ingester) ErrorCount() int64 {
	return atomic.LoadInt64(&ing.errorCount)
}

// Progress returns current scan progress (safe for concurrent access).
func (ing *Ingester) Progress() Progress {
	return Progress{
		Files:    atomic.LoadInt64(&ing.fileCount),
		Infected: atomic.LoadInt64(&ing.infectedCount),
		Errors:   atomic.LoadInt64(&ing.errorCount),
	}
}

// InitScanMeta records the start of a run.
func InitScanMeta(db *sql.DB, meta *entry.ScanMeta) error {
	_, err := db.Exec(
		`INSERT INTO scan_meta (id, run_id, name, root_paths, start_time) VALUES (1, ?, ?, ?, ?)`,
		meta.RunID, meta.Name, strings.Join(meta.RootPaths, "\n"), meta.StartTime.Unix(),
	)
	return err
}

// FinalizeScanMeta records the end of a run.
func FinalizeScanMeta(db *sql.DB, meta *entry.ScanMeta) error {
	_, err := db.Exec(
		`UPDATE scan_meta SET end_time = ?, file_count = ?, infected_count = ?, error_count = ?, result_code = ? WHERE id = 1`,
		meta.EndTime.Unix(), meta.FileCount, meta.InfectedCount, meta.ErrorCount, meta.ResultCode,
	)
	return err
}
