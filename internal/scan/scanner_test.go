package scan

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/michaelscutari/avdug/internal/db"
	"github.com/michaelscutari/avdug/internal/outcome"
	"github.com/michaelscutari/avdug/internal/protocol"

	_ "modernc.org/sqlite"
)

// contentEngine flags files by their first bytes.
type contentEngine struct {
	requests int
}

func (e *contentEngine) Scan(req *protocol.ScanRequest) (*protocol.ScanResponse, error) {
	e.requests++
	buf := make([]byte, 64)
	n, err := unix.Pread(req.Handle().Fd(), buf, 0)
	if err != nil {
		return &protocol.ScanResponse{ErrorMsg: err.Error()}, nil
	}
	content := string(buf[:n])
	switch {
	case strings.HasPrefix(content, "EICAR"):
		return &protocol.ScanResponse{Detections: []protocol.Detection{{Path: req.Path, Type: "virus", Name: "EICAR-AV-Test"}}}, nil
	case strings.HasPrefix(content, "LOCKED"):
		return &protocol.ScanResponse{ErrorMsg: "Failed to scan " + req.Path + " as it is password protected"}, nil
	}
	return &protocol.ScanResponse{}, nil
}

func openReportDB(t *testing.T) *sql.DB {
	t.Helper()
	database, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "report.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.InitSchema(database))
	return database
}

func put(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestScannerRunWritesReport(t *testing.T) {
	root := tempDir(t)
	put(t, filepath.Join(root, "clean.txt"), "hello")
	put(t, filepath.Join(root, "sub", "bad.com"), "EICAR test")
	put(t, filepath.Join(root, "sub", "deep", "ok.txt"), "fine")
	put(t, filepath.Join(root, "skip", "ignored.bin"), "EICAR again")

	opts := DefaultOptions().WithName("test").WithBatchSize(2)
	require.NoError(t, opts.AddExclusion("skip/"))

	database := openReportDB(t)
	eng := &contentEngine{}
	s := NewScanner(opts, eng, nil)
	code, err := s.Run(context.Background(), []string{root}, database)
	require.NoError(t, err)
	assert.Equal(t, outcome.VirusFound, code)
	assert.Equal(t, 3, eng.requests)

	summary := s.Summary()
	assert.Equal(t, int64(3), summary.Files)
	assert.Equal(t, int64(1), summary.Infected)
	assert.Zero(t, summary.Errors)

	meta, err := db.GetScanMeta(database)
	require.NoError(t, err)
	assert.Equal(t, "test", meta.Name)
	assert.Equal(t, []string{root}, meta.RootPaths)
	assert.Equal(t, int(outcome.VirusFound), meta.ResultCode)
	assert.Equal(t, summary.RunID, meta.RunID)

	detections, err := db.LoadDetections(database, 10)
	require.NoError(t, err)
	require.Len(t, detections, 1)
	assert.Equal(t, filepath.Join(root, "sub", "bad.com"), detections[0].FilePath)

	r, err := db.GetRollup(database, root)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, int64(3), r.TotalFiles)
	assert.Equal(t, int64(1), r.TotalInfected)

	sub, err := db.GetRollup(database, filepath.Join(root, "sub"))
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, int64(2), sub.TotalFiles)
}

func TestScannerPasswordProtected(t *testing.T) {
	root := tempDir(t)
	put(t, filepath.Join(root, "archive.zip"), "LOCKED zip")
	put(t, filepath.Join(root, "plain.txt"), "plain")

	code, err := NewScanner(DefaultOptions(), &contentEngine{}, nil).Run(context.Background(), []string{root}, openReportDB(t))
	require.NoError(t, err)
	assert.Equal(t, outcome.PasswordProtected, code)
}

func TestScannerContinuesAfterBadRoot(t *testing.T) {
	good := tempDir(t)
	put(t, filepath.Join(good, "a.txt"), "a")
	missing := filepath.Join(tempDir(t), "missing")

	database := openReportDB(t)
	opts := DefaultOptions().WithRequireStartExists(true)
	s := NewScanner(opts, &contentEngine{}, nil)
	code, err := s.Run(context.Background(), []string{missing, good}, database)
	require.NoError(t, err)
	assert.Equal(t, outcome.GenericFailure, code)
	assert.Equal(t, int64(1), s.Summary().Files)

	errs, err := db.LoadErrors(database, 10)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, missing, errs[0].Path)
	assert.Equal(t, unix.ENOENT, errs[0].Code)
}

func TestScannerNonCascadingOpenFailure(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission checks do not apply to root")
	}
	root := tempDir(t)
	for _, name := range []string{"1", "2", "3", "4", "5"} {
		put(t, filepath.Join(root, name), "data")
	}
	require.NoError(t, os.Chmod(filepath.Join(root, "3"), 0o000))

	database := openReportDB(t)
	eng := &contentEngine{}
	s := NewScanner(DefaultOptions(), eng, nil)
	code, err := s.Run(context.Background(), []string{root}, database)
	require.NoError(t, err)
	assert.Equal(t, outcome.GenericFailure, code)
	assert.Equal(t, 4, eng.requests)

	errs, err := db.LoadErrors(database, 10)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, unix.EACCES, errs[0].Code)
	assert.Contains(t, errs[0].Message, "permission denied")
}

type abortingEngine struct{}

func (abortingEngine) Scan(*protocol.ScanRequest) (*protocol.ScanResponse, error) {
	return nil, outcome.NewAbort(outcome.ReconnectionsExhausted, "too many reconnection attempts", nil)
}

func TestScannerStopsOnAbort(t *testing.T) {
	first := tempDir(t)
	put(t, filepath.Join(first, "a"), "a")
	second := tempDir(t)
	put(t, filepath.Join(second, "b"), "b")

	database := openReportDB(t)
	code, err := NewScanner(DefaultOptions(), abortingEngine{}, nil).Run(context.Background(), []string{first, second}, database)
	require.NoError(t, err)
	assert.Equal(t, outcome.ReconnectionsExhausted, code)

	meta, err := db.GetScanMeta(database)
	require.NoError(t, err)
	assert.Equal(t, int(outcome.ReconnectionsExhausted), meta.ResultCode)
	assert.False(t, meta.EndTime.IsZero())
}
