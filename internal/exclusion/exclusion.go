// Package exclusion decides whether a path is excluded from scanning, either
// by a user-defined rule or by lying under an excluded mount point.
package exclusion

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/michaelscutari/avdug/internal/pathutil"
)

// Type is the matching strategy derived from the written form of a rule.
type Type uint8

const (
	Stem         Type = iota // "/var/cache/"
	FullPath                 // "/etc/shadow"
	Glob                     // "/var/**/*.log"
	Filename                 // "core"
	RelativePath             // "cache/blob.bin"
	RelativeStem             // "node_modules/"
	RelativeGlob             // "*.iso", "build/*.o"
)

func (t Type) String() string {
	switch t {
	case Stem:
		return "stem"
	case FullPath:
		return "fullpath"
	case Glob:
		return "glob"
	case Filename:
		return "filename"
	case RelativePath:
		return "relative-path"
	case RelativeStem:
		return "relative-stem"
	default:
		return "relative-glob"
	}
}

// Exclusion is one immutable user-defined rule.
type Exclusion struct {
	display string
	pattern string
	typ     Type
	dirOnly bool
}

// New classifies raw into an Exclusion.
func New(raw string) (*Exclusion, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("empty exclusion")
	}
	e := &Exclusion{display: raw}
	dirOnly := strings.HasSuffix(raw, "/")
	absolute := strings.HasPrefix(raw, "/")

	if strings.ContainsAny(raw, "*?[") {
		pattern := strings.TrimRight(raw, "/")
		if absolute {
			e.typ = Glob
		} else {
			e.typ = RelativeGlob
			pattern = "**/" + pattern
		}
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid exclusion glob %q", raw)
		}
		e.pattern = pattern
		e.dirOnly = dirOnly
		return e, nil
	}

	switch {
	case absolute && dirOnly:
		e.typ = Stem
		e.pattern = pathutil.WithTrailingSlash(raw)
	case absolute:
		e.typ = FullPath
		e.pattern = pathutil.Normalize(raw)
	case dirOnly:
		e.typ = RelativeStem
		e.pattern = "/" + pathutil.WithTrailingSlash(raw)
	case strings.Contains(raw, "/"):
		e.typ = RelativePath
		e.pattern = "/" + pathutil.Normalize(raw)
	default:
		e.typ = Filename
		e.pattern = raw
	}
	return e, nil
}

// MustNew is New for rules known at compile time.
func MustNew(raw string) *Exclusion {
	e, err := New(raw)
	if err != nil {
		panic(err)
	}
	return e
}

// Parse builds exclusions from their written forms.
func Parse(raws []string) ([]*Exclusion, error) {
	out := make([]*Exclusion, 0, len(raws))
	for _, raw := range raws {
		e, err := New(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Display is the rule as the user wrote it.
func (e *Exclusion) Display() string {
	return e.display
}

// Type returns the matching strategy.
func (e *Exclusion) Type() Type {
	return e.typ
}

// AppliesToPath reports whether the rule matches path. Directories are
// compared in trailing-slash form so stems match the directory itself.
func (e *Exclusion) AppliesToPath(path string, isDirectory bool) bool {
	clean := pathutil.Normalize(path)
	candidate := clean
	if isDirectory {
		candidate = pathutil.WithTrailingSlash(clean)
	}

	switch e.typ {
	case Stem:
		return strings.HasPrefix(candidate, e.pattern)
	case FullPath:
		return clean == e.pattern
	case Filename:
		return filepath.Base(clean) == e.pattern
	case RelativePath:
		return strings.HasSuffix(clean, e.pattern)
	case RelativeStem:
		return strings.Contains(candidate, e.pattern)
	default:
		return e.matchGlob(clean, isDirectory)
	}
}

func (e *Exclusion) matchGlob(clean string, isDirectory bool) bool {
	subject := clean
	if e.typ == RelativeGlob {
		// "**/" anchors on path components, not on the leading slash.
		subject = strings.TrimPrefix(clean, "/")
	}
	if e.dirOnly {
		if isDirectory && doublestar.MatchUnvalidated(e.pattern, subject) {
			return true
		}
		return doublestar.MatchUnvalidated(e.pattern+"/**", subject)
	}
	return doublestar.MatchUnvalidated(e.pattern, subject)
}
