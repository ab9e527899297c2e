package exclusion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClassifies(t *testing.T) {
	cases := []struct {
		raw  string
		want Type
	}{
		{"/var/cache/", Stem},
		{"/etc/shadow", FullPath},
		{"/var/**/*.log", Glob},
		{"core", Filename},
		{"cache/blob.bin", RelativePath},
		{"node_modules/", RelativeStem},
		{"*.iso", RelativeGlob},
		{"build/*/", RelativeGlob},
	}
	for _, tc := range cases {
		e, err := New(tc.raw)
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.want, e.Type(), tc.raw)
		assert.Equal(t, tc.raw, e.Display())
	}

	_, err := New("  ")
	assert.Error(t, err)
	_, err = New("/var/[a")
	assert.Error(t, err)
}

func TestAppliesToPath(t *testing.T) {
	cases := []struct {
		rule  string
		path  string
		isDir bool
		want  bool
	}{
		{"/var/cache/", "/var/cache", true, true},
		{"/var/cache/", "/var/cache/", true, true},
		{"/var/cache/", "/var/cache/a/b.bin", false, true},
		{"/var/cache/", "/var/cache", false, false},
		{"/var/cache/", "/var/cachex", true, false},
		{"/etc/shadow", "/etc/shadow", false, true},
		{"/etc/shadow", "/etc/shadow.bak", false, false},
		{"/home/u/data", "/home/u/data/", true, true},
		{"core", "/srv/app/core", false, true},
		{"core", "/srv/app/core.1", false, false},
		{"cache/blob.bin", "/x/cache/blob.bin", false, true},
		{"cache/blob.bin", "/x/mycache/blob.bin", false, false},
		{"node_modules/", "/p/node_modules", true, true},
		{"node_modules/", "/p/node_modules/a.js", false, true},
		{"node_modules/", "/p/node_modules", false, false},
		{"*.iso", "/data/img/disk.iso", false, true},
		{"*.iso", "/data/img/disk.img", false, false},
		{"/var/**/*.log", "/var/log/app/x.log", false, true},
		{"/var/**/*.log", "/srv/log/x.log", false, false},
		{"build*/", "/src/build-linux", true, true},
		{"build*/", "/src/build-linux/obj.o", false, true},
	}
	for _, tc := range cases {
		e := MustNew(tc.rule)
		assert.Equal(t, tc.want, e.AppliesToPath(tc.path, tc.isDir), "rule %q path %q dir=%v", tc.rule, tc.path, tc.isDir)
	}
}

func TestMatcher(t *testing.T) {
	rules, err := Parse([]string{"*.tmp", "/srv/skip/"})
	require.NoError(t, err)
	m := NewMatcher(rules, []string{"/mnt/excluded", "/proc/"})

	e, ok := m.Excludes("/home/a.tmp", false)
	require.True(t, ok)
	assert.Equal(t, "*.tmp", e.Display())

	e, ok = m.Excludes("/srv/skip", true)
	require.True(t, ok)
	assert.Equal(t, "/srv/skip/", e.Display())

	_, ok = m.Excludes("/home/a.txt", false)
	assert.False(t, ok)

	mount, ok := m.ExcludedMount("/mnt/excluded/sub/file")
	require.True(t, ok)
	assert.Equal(t, "/mnt/excluded/", mount)

	mount, ok = m.ExcludedMount("/mnt/excluded")
	require.True(t, ok)
	assert.Equal(t, "/mnt/excluded/", mount)

	_, ok = m.ExcludedMount("/mnt/excludedother/file")
	assert.False(t, ok)

	var nilMatcher *Matcher
	_, ok = nilMatcher.Excludes("/x", false)
	assert.False(t, ok)
}
