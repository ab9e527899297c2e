package snapshot

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelscutari/avdug/internal/db"
	"github.com/michaelscutari/avdug/internal/outcome"
	"github.com/michaelscutari/avdug/internal/protocol"
	"github.com/michaelscutari/avdug/internal/scan"
)

type cleanEngine struct{}

func (cleanEngine) Scan(*protocol.ScanRequest) (*protocol.ScanResponse, error) {
	return &protocol.ScanResponse{}, nil
}

func newScanner() *scan.Scanner {
	return scan.NewScanner(scan.DefaultOptions(), cleanEngine{}, nil)
}

func TestManagerRunScanCreatesLatestAndRetention(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "file.txt"), []byte("hello"), 0o644))

	outDir := t.TempDir()
	mgr := NewManager(outDir, 1)
	ctx := context.Background()

	firstDB, code, err := mgr.RunScan(ctx, newScanner(), []string{root})
	require.NoError(t, err)
	assert.Equal(t, outcome.Clean, code)
	require.FileExists(t, firstDB)

	latest, err := mgr.GetLatest()
	require.NoError(t, err)
	firstResolved, err := filepath.EvalSymlinks(firstDB)
	require.NoError(t, err)
	assert.Equal(t, firstResolved, latest)

	secondDB, _, err := mgr.RunScan(ctx, newScanner(), []string{root})
	require.NoError(t, err)
	require.FileExists(t, secondDB)
	assert.NoFileExists(t, firstDB)

	snapshots, err := mgr.ListSnapshots()
	require.NoError(t, err)
	assert.Equal(t, []string{secondDB}, snapshots)
}

func TestManagerReportIsReadable(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a"), []byte("a"), 0o644))

	var stages []string
	mgr := NewManager(t.TempDir(), 0)
	mgr.SetStageFunc(func(s string) { stages = append(stages, s) })

	path, _, err := mgr.RunScan(context.Background(), newScanner(), []string{root})
	require.NoError(t, err)
	assert.Equal(t, []string{"scan", "indexes", "finalize"}, stages)

	database, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer database.Close()
	meta, err := db.GetScanMeta(database)
	require.NoError(t, err)
	assert.Equal(t, int64(1), meta.FileCount)
}

func TestManagerRefusesConcurrentRun(t *testing.T) {
	outDir := t.TempDir()
	held := flock.New(filepath.Join(outDir, lockName))
	ok, err := held.TryLock()
	require.NoError(t, err)
	require.True(t, ok)
	defer held.Unlock()

	mgr := NewManager(outDir, 0)
	_, _, err = mgr.RunScan(context.Background(), newScanner(), []string{t.TempDir()})
	assert.ErrorIs(t, err, ErrScanInProgress)

	snapshots, err := mgr.ListSnapshots()
	require.NoError(t, err)
	assert.Empty(t, snapshots)
}
