package db

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/michaelscutari/avdug/internal/entry"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	database, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// :memory: databases are per connection.
	database.SetMaxOpenConns(1)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, InitSchema(database))
	return database
}

func TestIngesterWritesEveryChannel(t *testing.T) {
	database := openTestDB(t)

	fileCh := make(chan entry.FileResult, 4)
	detectionCh := make(chan entry.Detection, 4)
	rollupCh := make(chan entry.Rollup, 4)
	errorCh := make(chan entry.ScanError, 4)

	ing := NewIngester(database, fileCh, detectionCh, rollupCh, errorCh, 2, 10*time.Millisecond)
	done := make(chan error, 1)
	go func() { done <- ing.Run(context.Background()) }()

	fileCh <- entry.FileResult{Path: "/r/a", Status: entry.StatusClean}
	fileCh <- entry.FileResult{Path: "/r/b", Status: entry.StatusInfected, IsSymlink: true}
	fileCh <- entry.FileResult{Path: "/r/sub/c", Status: entry.StatusClean}
	detectionCh <- entry.Detection{FilePath: "/r/b", Path: "/r/b", Type: "virus", Name: "EICAR"}
	rollupCh <- entry.Rollup{DirPath: "/r", TotalFiles: 3, TotalInfected: 1}
	errorCh <- entry.ScanError{Path: "/r/d", Message: "Failed to open", Code: unix.EACCES}
	close(fileCh)
	close(detectionCh)
	close(rollupCh)
	close(errorCh)
	require.NoError(t, <-done)

	p := ing.Progress()
	assert.Equal(t, Progress{Files: 3, Infected: 1, Errors: 1}, p)

	var n int
	require.NoError(t, database.QueryRow(`SELECT COUNT(*) FROM files WHERE dir = '/r'`).Scan(&n))
	assert.Equal(t, 2, n)

	detections, err := LoadDetections(database, 10)
	require.NoError(t, err)
	require.Len(t, detections, 1)
	assert.Equal(t, "EICAR", detections[0].Name)

	errs, err := LoadErrors(database, 10)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, unix.EACCES, errs[0].Code)

	r, err := GetRollup(database, "/r/")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, int64(3), r.TotalFiles)
}

func TestIngesterFlushesOnCancel(t *testing.T) {
	database := openTestDB(t)

	ctx, cancel := context.WithCancel(context.Background())
	fileCh := make(chan entry.FileResult, 1)
	ing := NewIngester(database, fileCh, nil, nil, nil, 100, time.Hour)
	done := make(chan error, 1)
	go func() { done <- ing.Run(ctx) }()

	fileCh <- entry.FileResult{Path: "/x/y"}
	require.Eventually(t, func() bool { return ing.Progress().Files == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	var n int
	require.NoError(t, database.QueryRow(`SELECT COUNT(*) FROM files`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestScanMetaRoundTrip(t *testing.T) {
	database := openTestDB(t)

	start := time.Unix(1700000000, 0)
	meta := &entry.ScanMeta{RunID: "run-1", Name: "nightly", RootPaths: []string{"/home", "/srv"}, StartTime: start}
	require.NoError(t, InitScanMeta(database, meta))

	meta.EndTime = start.Add(time.Minute)
	meta.FileCount = 10
	meta.InfectedCount = 1
	meta.ErrorCount = 2
	meta.ResultCode = 24
	require.NoError(t, FinalizeScanMeta(database, meta))

	got, err := GetScanMeta(database)
	require.NoError(t, err)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, "nightly", got.Name)
	assert.Equal(t, []string{"/home", "/srv"}, got.RootPaths)
	assert.Equal(t, start, got.StartTime)
	assert.Equal(t, meta.EndTime, got.EndTime)
	assert.Equal(t, 24, got.ResultCode)
	assert.Equal(t, int64(1), got.InfectedCount)
}
