package exclusion

import (
	"strings"

	"github.com/michaelscutari/avdug/internal/pathutil"
)

// Matcher answers exclusion questions for one walk. It is read-only after
// construction.
type Matcher struct {
	exclusions []*Exclusion
	mounts     []string
}

// NewMatcher builds a matcher from user rules and excluded mount points.
func NewMatcher(exclusions []*Exclusion, mountExclusions []string) *Matcher {
	mounts := make([]string, 0, len(mountExclusions))
	for _, m := range mountExclusions {
		mounts = append(mounts, pathutil.WithTrailingSlash(m))
	}
	return &Matcher{exclusions: exclusions, mounts: mounts}
}

// Excludes returns the first user-defined rule matching path.
func (m *Matcher) Excludes(path string, isDirectory bool) (*Exclusion, bool) {
	if m == nil {
		return nil, false
	}
	for _, e := range m.exclusions {
		if e.AppliesToPath(path, isDirectory) {
			return e, true
		}
	}
	return nil, false
}

// ExcludedMount returns the excluded mount point that contains path, if any.
// path is expected to be canonical.
func (m *Matcher) ExcludedMount(path string) (string, bool) {
	if m == nil {
		return "", false
	}
	candidate := pathutil.WithTrailingSlash(path)
	for _, mount := range m.mounts {
		if strings.HasPrefix(candidate, mount) {
			return mount, true
		}
	}
	return "", false
}

// Exclusions returns the user-defined rules.
func (m *Matcher) Exclusions() []*Exclusion {
	return m.exclusions
}

// MountExclusions returns the excluded mount prefixes in trailing-slash form.
func (m *Matcher) MountExclusions() []string {
	return m.mounts
}
