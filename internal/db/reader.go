package db

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/michaelscutari/avdug/internal/entry"
	"github.com/michaelscutari/avdug/internal/pathutil"
)

// DisplayEntry is one row of a directory listing: a child directory with its
// rollup, or a scanned file with its status.
type DisplayEntry struct {
	Path          string
	Name          string
	Kind          entry.Kind
	Status        entry.Status
	Threat        string
	TotalFiles    int64
	TotalInfected int64
	TotalErrors   int64
}

func rollupOrder(sortBy string) string {
	switch sortBy {
	case "name", "path":
		return "dir_path ASC"
	case "files":
		return "total_files DESC, dir_path ASC"
	case "errors":
		return "total_errors DESC, dir_path ASC"
	default:
		return "total_infected DESC, total_errors DESC, dir_path ASC"
	}
}

// LoadChildren lists the directories and files directly below parentPath.
func LoadChildren(db *sql.DB, parentPath, sortBy string, limit int) ([]DisplayEntry, error) {
	parentPath = pathutil.Normalize(parentPath)
	orderClause := "total_infected DESC, total_errors DESC, path ASC"
	switch sortBy {
	case "name":
		orderClause = "path ASC"
	case "files":
		orderClause = "total_files DESC, path ASC"
	case "errors":
		orderClause = "total_errors DESC, path ASC"
	}

	query := fmt.Sprintf(`
		SELECT dir_path as path, ? as kind, 0 as status, '' as threat,
		       total_files, total_infected, total_errors
		FROM rollups
		WHERE parent_path = ? AND dir_path != ?

		UNION ALL

		SELECT f.path, ? as kind, f.status,
		       COALESCE((SELECT d.name FROM detections d WHERE d.file_path = f.path LIMIT 1), '') as threat,
		       1 as total_files,
		       CASE WHEN f.status = 1 THEN 1 ELSE 0 END as total_infected,
		       0 as total_errors
		FROM files f
		WHERE f.dir = ?
		ORDER BY %s
		LIMIT ?
	`, orderClause)

	rows, err := db.Query(query, entry.KindDir, parentPath, parentPath, entry.KindFile, parentPath, limit)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var entries []DisplayEntry
	for rows.Next() {
		var e DisplayEntry
		if err := rows.Scan(&e.Path, &e.Kind, &e.Status, &e.Threat, &e.TotalFiles, &e.TotalInfected, &e.TotalErrors); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		e.Name = filepath.Base(e.Path)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// GetRollup retrieves rollup data for a specific directory. It returns nil
// when the directory has none.
func GetRollup(db *sql.DB, path string) (*entry.Rollup, error) {
	path = pathutil.Normalize(path)
	r := entry.Rollup{DirPath: path}
	err := db.QueryRow(`
		SELECT total_files, total_infected, total_errors
		FROM rollups WHERE dir_path = ?
	`, path).Scan(&r.TotalFiles, &r.TotalInfected, &r.TotalErrors)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// LoadRollups lists directory rollups, most infected first by default.
func LoadRollups(db *sql.DB, sortBy string, limit int) ([]entry.Rollup, error) {
	rows, err := db.Query(fmt.Sprintf(`
		SELECT dir_path, total_files, total_infected, total_errors
		FROM rollups ORDER BY %s LIMIT ?
	`, rollupOrder(sortBy)), limit)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var out []entry.Rollup
	for rows.Next() {
		var r entry.Rollup
		if err := rows.Scan(&r.DirPath, &r.TotalFiles, &r.TotalInfected, &r.TotalErrors); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LoadDetections lists detections in the order they were found.
func LoadDetections(db *sql.DB, limit int) ([]entry.Detection, error) {
	rows, err := db.Query(`
		SELECT file_path, path, type, name, hash, is_symlink
		FROM detections ORDER BY id LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var out []entry.Detection
	for rows.Next() {
		var d entry.Detection
		if err := rows.Scan(&d.FilePath, &d.Path, &d.Type, &d.Name, &d.Hash, &d.IsSymlink); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// LoadErrors lists sampled scan errors in the order they were reported.
func LoadErrors(db *sql.DB, limit int) ([]entry.ScanError, error) {
	rows, err := db.Query(`SELECT path, message, code FROM scan_errors ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var out []entry.ScanError
	for rows.Next() {
		var e entry.ScanError
		var code int64
		if err := rows.Scan(&e.Path, &e.Message, &code); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		e.Code = syscall.Errno(code)
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetScanMeta retrieves scan metadata.
func GetScanMeta(db *sql.DB) (*entry.ScanMeta, error) {
	var m entry.ScanMeta
	var roots string
	var startTime, endTime int64

	err := db.QueryRow(`
		SELECT run_id, name, root_paths, start_time, COALESCE(end_time, 0),
		       file_count, infected_count, error_count, result_code
		FROM scan_meta WHERE id = 1
	`).Scan(&m.RunID, &m.Name, &roots, &startTime, &endTime, &m.FileCount, &m.InfectedCount, &m.ErrorCount, &m.ResultCode)

	if err != nil {
		return nil, err
	}

	if roots != "" {
		m.RootPaths = strings.Split(roots, "\n")
	}
	m.StartTime = time.Unix(startTime, 0)
	if endTime > 0 {
		m.EndTime = time.Unix(endTime, 0)
	}

	return &m, nil
}
