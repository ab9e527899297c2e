package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelscutari/avdug/internal/engine"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
name: nightly
paths:
  - /srv/data
  - /home
exclusions:
  - "*.iso"
  - /srv/data/cache/
exclude_remote: true
exclude_pseudo: false
follow_symlinks: true
stay_on_device: true
retention: 2
user: scanner
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "nightly", cfg.Name)
	assert.Equal(t, []string{"/srv/data", "/home"}, cfg.Paths)
	assert.Equal(t, []string{"*.iso", "/srv/data/cache/"}, cfg.Exclusions)
	assert.True(t, cfg.ExcludeRemote)
	assert.False(t, cfg.ExcludePseudo)
	assert.True(t, cfg.FollowSymlinks)
	assert.True(t, cfg.StayOnDevice)
	assert.Equal(t, 2, cfg.Retention)
	assert.Equal(t, "scanner", cfg.User)

	// untouched keys keep their defaults
	assert.Equal(t, engine.DefaultSocket, cfg.Socket)
	assert.True(t, cfg.ScanArchives)
	assert.Equal(t, "./reports", cfg.ReportDir)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "paths: [unterminated"))
	assert.ErrorContains(t, err, "failed to parse")
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Name = ""
	cfg.Exclusions = []string{"  "}
	cfg.Retention = -1
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "name must not be empty")
	assert.ErrorContains(t, err, "at least one scan path")
	assert.ErrorContains(t, err, "exclusion")
	assert.ErrorContains(t, err, "retention")

	cfg = DefaultConfig()
	cfg.Paths = []string{"/tmp"}
	assert.NoError(t, cfg.Validate())
}

func TestScanOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Name = "weekly"
	cfg.Paths = []string{"/data"}
	cfg.Exclusions = []string{"core", "/data/tmp/"}
	cfg.FollowSymlinks = true
	cfg.User = "svc"

	opts, err := cfg.ScanOptions([]string{"/mnt/nfs"})
	require.NoError(t, err)
	assert.Equal(t, "weekly", opts.Name)
	assert.True(t, opts.FollowSymlinks)
	assert.Equal(t, "svc", opts.UserID)
	assert.Len(t, opts.Exclusions, 2)
	assert.Equal(t, []string{"/mnt/nfs"}, opts.MountExclusions)

	m := opts.Matcher()
	e, ok := m.Excludes("/data/tmp/x", false)
	require.True(t, ok)
	assert.Equal(t, "/data/tmp/", e.Display())
	_, ok = m.Excludes("/srv/core", false)
	assert.True(t, ok)
	_, ok = m.Excludes("/data/keep", false)
	assert.False(t, ok)
	mount, ok := m.ExcludedMount("/mnt/nfs/share")
	assert.True(t, ok)
	assert.Equal(t, "/mnt/nfs/", mount)
}

func TestMountOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ExcludeOptical = true
	o := cfg.MountOptions()
	assert.True(t, o.Pseudo)
	assert.True(t, o.Optical)
	assert.False(t, o.Remote)
	assert.False(t, o.Removable)
}
