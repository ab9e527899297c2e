package client

import (
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/michaelscutari/avdug/internal/abort"
	"github.com/michaelscutari/avdug/internal/entry"
	"github.com/michaelscutari/avdug/internal/outcome"
	"github.com/michaelscutari/avdug/internal/protocol"
)

type fakeEngine struct {
	resp *protocol.ScanResponse
	err  error
	reqs []*protocol.ScanRequest
	fds  []int
}

func (e *fakeEngine) Scan(req *protocol.ScanRequest) (*protocol.ScanResponse, error) {
	e.reqs = append(e.reqs, req)
	e.fds = append(e.fds, req.Handle().Fd())
	if e.err != nil {
		return nil, e.err
	}
	return e.resp, nil
}

type fakeReporter struct {
	errors   []string
	codes    []syscall.Errno
	clean    []string
	infected map[string][]entry.Detection
	result   outcome.Code
}

func (r *fakeReporter) ScanError(path, msg string, code syscall.Errno) {
	r.errors = append(r.errors, msg)
	r.codes = append(r.codes, code)
}

func (r *fakeReporter) Clean(path string, isSymlink bool) {
	r.clean = append(r.clean, path)
}

func (r *fakeReporter) Infected(path string, detections []entry.Detection, isSymlink bool) {
	if r.infected == nil {
		r.infected = make(map[string][]entry.Detection)
	}
	r.infected[path] = detections
}

func (r *fakeReporter) SetResultCode(code outcome.Code) {
	r.result = code
}

func tempFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sample.bin")
	require.NoError(t, os.WriteFile(path, []byte("content"), 0o644))
	return path
}

func TestScanClean(t *testing.T) {
	path := tempFile(t)
	eng := &fakeEngine{resp: &protocol.ScanResponse{}}
	rep := &fakeReporter{}
	c := New(eng, rep, nil, Options{ScanArchives: true, ScanType: protocol.ScanTypeScheduled, UserID: "alice"})

	resp, err := c.Scan(path, false)
	require.NoError(t, err)
	assert.True(t, resp.Clean())
	assert.Equal(t, []string{path}, rep.clean)
	assert.Empty(t, rep.errors)

	require.Len(t, eng.reqs, 1)
	req := eng.reqs[0]
	assert.Equal(t, path, req.Path)
	assert.True(t, req.ScanArchives)
	assert.False(t, req.ScanImages)
	assert.Equal(t, protocol.ScanTypeScheduled, req.Type)
	assert.Equal(t, "alice", req.UserID)
	assert.GreaterOrEqual(t, eng.fds[0], 0)
	// The descriptor is released once the exchange is over.
	assert.Equal(t, -1, req.Handle().Fd())
}

func TestScanPasswordProtected(t *testing.T) {
	eng := &fakeEngine{resp: &protocol.ScanResponse{ErrorMsg: "Failed to scan archive.zip as it is password protected"}}
	rep := &fakeReporter{}
	c := New(eng, rep, nil, Options{})

	_, err := c.Scan(tempFile(t), false)
	require.NoError(t, err)
	assert.Len(t, rep.errors, 1)
	assert.Equal(t, []syscall.Errno{unix.EINVAL}, rep.codes)
	assert.Equal(t, outcome.PasswordProtected, rep.result)
	assert.Empty(t, rep.clean)
}

func TestScanErrorWithoutDetections(t *testing.T) {
	eng := &fakeEngine{resp: &protocol.ScanResponse{ErrorMsg: "engine failure"}}
	rep := &fakeReporter{}
	_, err := New(eng, rep, nil, Options{}).Scan(tempFile(t), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"engine failure"}, rep.errors)
	assert.Equal(t, outcome.Clean, rep.result)
}

func TestScanInfectedWithError(t *testing.T) {
	path := tempFile(t)
	eng := &fakeEngine{resp: &protocol.ScanResponse{
		Detections: []protocol.Detection{
			{Path: path + "/inner.exe", Type: "virus", Name: "Trojan.A"},
			{Path: path + "/other.exe", Type: "virus", Name: "Trojan.B"},
		},
		ErrorMsg: "could not unpack member",
	}}
	rep := &fakeReporter{}
	_, err := New(eng, rep, nil, Options{}).Scan(path, true)
	require.NoError(t, err)

	assert.Equal(t, []string{"could not unpack member"}, rep.errors)
	require.Contains(t, rep.infected, path)
	assert.Equal(t, map[string]string{
		path + "/inner.exe": "Trojan.A",
		path + "/other.exe": "Trojan.B",
	}, entry.ThreatMap(rep.infected[path]))
	for _, d := range rep.infected[path] {
		assert.True(t, d.IsSymlink)
		assert.Equal(t, path, d.FilePath)
	}
}

func TestScanOpenFailureIsReported(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "gone")
	eng := &fakeEngine{resp: &protocol.ScanResponse{}}
	rep := &fakeReporter{}

	resp, err := New(eng, rep, nil, Options{}).Scan(missing, false)
	require.NoError(t, err)
	assert.True(t, resp.Clean())
	assert.Empty(t, eng.reqs)
	assert.Equal(t, []string{OpenErrorReason(missing, unix.ENOENT)}, rep.errors)
	assert.Equal(t, []syscall.Errno{unix.ENOENT}, rep.codes)
}

func TestScanChecksAbortFirst(t *testing.T) {
	env, err := abort.NewPipeMonitor("environment")
	require.NoError(t, err)
	defer env.Close()
	env.Trigger()

	eng := &fakeEngine{resp: &protocol.ScanResponse{}}
	rep := &fakeReporter{}
	_, err = New(eng, rep, &abort.Set{Environment: env}, Options{}).Scan(tempFile(t), false)
	assert.ErrorIs(t, err, outcome.ErrEnvironmentInterrupt)
	assert.Empty(t, eng.reqs)
}

func TestScanPropagatesEngineAbortAndClosesDescriptor(t *testing.T) {
	eng := &fakeEngine{err: outcome.NewAbort(outcome.ReconnectionsExhausted, "too many", nil)}
	rep := &fakeReporter{}
	_, err := New(eng, rep, nil, Options{}).Scan(tempFile(t), false)

	var abortErr *outcome.AbortError
	require.True(t, errors.As(err, &abortErr))
	assert.Equal(t, -1, eng.reqs[0].Handle().Fd())
	assert.Empty(t, rep.errors)
}

func TestUserFallsBackToRoot(t *testing.T) {
	t.Setenv("USER", "")
	c := New(&fakeEngine{}, &fakeReporter{}, nil, Options{})
	assert.Equal(t, DefaultUser, c.opts.UserID)

	t.Setenv("USER", "bob")
	c = New(&fakeEngine{}, &fakeReporter{}, nil, Options{})
	assert.Equal(t, "bob", c.opts.UserID)
}

func TestOpenErrorReasons(t *testing.T) {
	cases := map[syscall.Errno]string{
		unix.EACCES:       "permission denied",
		unix.ENAMETOOLONG: "too long",
		unix.ELOOP:        "symlink",
		unix.ENODEV:       "no corresponding device",
		unix.ENOENT:       "dangling symlink",
		unix.ENOMEM:       "kernel memory",
		unix.EOVERFLOW:    "too large",
	}
	for errno, want := range cases {
		assert.Contains(t, OpenErrorReason("/p", errno), want)
	}
	assert.Contains(t, OpenErrorReason("/p", unix.EIO), "error 5")
}
