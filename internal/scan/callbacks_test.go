package scan

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelscutari/avdug/internal/abort"
	"github.com/michaelscutari/avdug/internal/exclusion"
	"github.com/michaelscutari/avdug/internal/outcome"
	"github.com/michaelscutari/avdug/internal/protocol"
	"github.com/michaelscutari/avdug/internal/walk"
)

type recordingScanner struct {
	scanned []string
	err     error
}

func (s *recordingScanner) Scan(path string, isSymlink bool) (*protocol.ScanResponse, error) {
	s.scanned = append(s.scanned, path)
	return &protocol.ScanResponse{}, s.err
}

func writeFile(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))
}

// tempDir returns a symlink-free temp directory so canonical paths compare equal.
func tempDir(t *testing.T) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	return dir
}

func walkWith(t *testing.T, root string, matcher *exclusion.Matcher, monitors *abort.Set) (*recordingScanner, *Reporter, error) {
	t.Helper()
	fs := &recordingScanner{}
	rep := NewReporter(nil, nil, nil, nil, nil)
	cb := NewCallbacks(matcher, fs, rep, monitors)
	err := walk.New(cb, walk.Options{FollowSymlinks: true}).Walk(root)
	return fs, rep, err
}

func hasMessage(hook *logtest.Hook, prefix string) bool {
	for _, e := range hook.AllEntries() {
		if strings.HasPrefix(e.Message, prefix) {
			return true
		}
	}
	return false
}

func TestSymlinkTargetExclusionSkipsContents(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()

	outside := tempDir(t)
	target := filepath.Join(outside, "T")
	writeFile(t, filepath.Join(target, "secret.bin"))

	root := tempDir(t)
	writeFile(t, filepath.Join(root, "plain.txt"))
	require.NoError(t, os.Symlink(target, filepath.Join(root, "S")))

	matcher := exclusion.NewMatcher([]*exclusion.Exclusion{exclusion.MustNew(target + "/")}, nil)
	fs, _, err := walkWith(t, root, matcher, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{filepath.Join(root, "plain.txt")}, fs.scanned)
	assert.True(t, hasMessage(hook, "Skipping the scanning of symlink target"))
}

func TestExcludedSymlinkIsNotResolved(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()

	outside := tempDir(t)
	target := filepath.Join(outside, "T")
	writeFile(t, filepath.Join(target, "inner.bin"))

	root := tempDir(t)
	link := filepath.Join(root, "S")
	require.NoError(t, os.Symlink(target, link))

	matcher := exclusion.NewMatcher([]*exclusion.Exclusion{exclusion.MustNew(link + "/")}, nil)
	fs, _, err := walkWith(t, root, matcher, nil)
	require.NoError(t, err)

	assert.Empty(t, fs.scanned)
	assert.True(t, hasMessage(hook, "Excluding directory"))
	assert.False(t, hasMessage(hook, "Skipping the scanning of symlink target"))
}

func TestSymlinkedFileTargetExclusion(t *testing.T) {
	outside := tempDir(t)
	target := filepath.Join(outside, "payload.exe")
	writeFile(t, target)

	root := tempDir(t)
	require.NoError(t, os.Symlink(target, filepath.Join(root, "alias")))
	writeFile(t, filepath.Join(root, "keep.txt"))

	matcher := exclusion.NewMatcher([]*exclusion.Exclusion{exclusion.MustNew("*.exe")}, nil)
	fs, _, err := walkWith(t, root, matcher, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(root, "keep.txt")}, fs.scanned)
}

func TestMountExclusionSkipsPlainAndSymlinkedPaths(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()

	base := tempDir(t)
	mount := filepath.Join(base, "mnt", "excluded")
	writeFile(t, filepath.Join(mount, "sub", "file"))
	writeFile(t, filepath.Join(base, "mnt", "other.txt"))
	require.NoError(t, os.Symlink(filepath.Join(mount, "sub"), filepath.Join(base, "dirlink")))
	require.NoError(t, os.Symlink(filepath.Join(mount, "sub", "file"), filepath.Join(base, "filelink")))

	matcher := exclusion.NewMatcher(nil, []string{mount})
	fs, _, err := walkWith(t, base, matcher, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{filepath.Join(base, "mnt", "other.txt")}, fs.scanned)
	var mounts []string
	for _, e := range hook.AllEntries() {
		if m, ok := e.Data["mount"]; ok {
			mounts = append(mounts, m.(string))
		}
	}
	assert.NotEmpty(t, mounts)
	for _, m := range mounts {
		assert.Equal(t, mount+"/", m)
	}
}

func TestUnexpectedFailureAbortsWalk(t *testing.T) {
	root := tempDir(t)
	writeFile(t, filepath.Join(root, "a"))
	writeFile(t, filepath.Join(root, "b"))

	fs := &recordingScanner{err: errors.New("decoder exploded")}
	rep := NewReporter(nil, nil, nil, nil, nil)
	err := walk.New(NewCallbacks(nil, fs, rep, nil), walk.Options{}).Walk(root)

	var abortErr *outcome.AbortError
	require.ErrorAs(t, err, &abortErr)
	assert.Equal(t, outcome.ScanAborted, abortErr.Code)
	assert.Len(t, fs.scanned, 1)
	_, _, failed := rep.Counts()
	assert.Equal(t, int64(1), failed)
	rep.mu.Lock()
	assert.Equal(t, outcome.GenericFailure, rep.code)
	rep.mu.Unlock()
}

type panickingScanner struct{}

func (panickingScanner) Scan(string, bool) (*protocol.ScanResponse, error) {
	panic("boom")
}

func TestPanicIsEscalated(t *testing.T) {
	root := tempDir(t)
	writeFile(t, filepath.Join(root, "a"))

	rep := NewReporter(nil, nil, nil, nil, nil)
	err := walk.New(NewCallbacks(nil, panickingScanner{}, rep, nil), walk.Options{}).Walk(root)
	assert.Equal(t, outcome.ScanAborted, outcome.CodeFor(err))
}

func TestInterruptPropagatesThroughWalk(t *testing.T) {
	root := tempDir(t)
	writeFile(t, filepath.Join(root, "a"))
	writeFile(t, filepath.Join(root, "b"))

	fs := &recordingScanner{err: outcome.ErrManualInterrupt}
	rep := NewReporter(nil, nil, nil, nil, nil)
	err := walk.New(NewCallbacks(nil, fs, rep, nil), walk.Options{}).Walk(root)
	assert.ErrorIs(t, err, outcome.ErrManualInterrupt)
	assert.Len(t, fs.scanned, 1)
	_, _, failed := rep.Counts()
	assert.Zero(t, failed)
}

func TestAbortCheckedBeforeExclusions(t *testing.T) {
	manual, err := abort.NewPipeMonitor("manual")
	require.NoError(t, err)
	defer manual.Close()
	manual.Trigger()

	matcher := exclusion.NewMatcher([]*exclusion.Exclusion{exclusion.MustNew("*")}, nil)
	cb := NewCallbacks(matcher, &recordingScanner{}, NewReporter(nil, nil, nil, nil, nil), &abort.Set{Manual: manual})

	assert.ErrorIs(t, cb.ProcessFile("/any/file", false), outcome.ErrManualInterrupt)
	_, err = cb.IncludeDirectory("/any")
	assert.ErrorIs(t, err, outcome.ErrManualInterrupt)
}

func TestReloadCountsAsEnvironmentInterrupt(t *testing.T) {
	reload, err := abort.NewPipeMonitor("reload")
	require.NoError(t, err)
	defer reload.Close()

	root := tempDir(t)
	writeFile(t, filepath.Join(root, "a"))
	reload.Trigger()

	_, _, err = walkWith(t, root, nil, &abort.Set{Reload: reload})
	assert.Equal(t, outcome.EnvironmentInterrupted, outcome.CodeFor(err))
}

func TestReporterResultCode(t *testing.T) {
	log.SetLevel(log.InfoLevel)
	cases := []struct {
		name string
		act  func(r *Reporter)
		want outcome.Code
	}{
		{"nothing", func(r *Reporter) {}, outcome.Clean},
		{"clean files", func(r *Reporter) { r.Clean("/a", false) }, outcome.Clean},
		{"errors", func(r *Reporter) { r.ScanError("/a", "bad", 13) }, outcome.GenericFailure},
		{"password", func(r *Reporter) {
			r.ScanError("/a", "password protected", 22)
			r.SetResultCode(outcome.PasswordProtected)
		}, outcome.PasswordProtected},
		{"infected wins", func(r *Reporter) {
			r.SetResultCode(outcome.PasswordProtected)
			r.Infected("/a", nil, false)
		}, outcome.VirusFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewReporter(nil, nil, nil, nil, nil)
			tc.act(r)
			assert.Equal(t, tc.want, r.ResultCode())
		})
	}
}
