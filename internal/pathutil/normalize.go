package pathutil

import (
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// MaxPathLength is the longest path the walker will accept as a starting point.
const MaxPathLength = 4096

// Normalize returns a canonical filesystem path string.
// It removes trailing slashes, collapses "." and "..", and
// preserves relative paths when provided.
func Normalize(path string) string {
	if path == "" {
		return path
	}
	return filepath.Clean(path)
}

// WithTrailingSlash normalizes path and guarantees exactly one trailing slash.
// Directory exclusions and mount prefixes are compared in this form so that
// "/mnt/a" never matches "/mnt/ab".
func WithTrailingSlash(path string) string {
	if path == "" {
		return "/"
	}
	clean := Normalize(path)
	if strings.HasSuffix(clean, "/") {
		return clean
	}
	return clean + "/"
}

// StripTrailingSlash removes trailing slashes without touching the rest of the
// path. A trailing slash makes lstat resolve through a symlink, so status
// checks on a possible symlink must use this form.
func StripTrailingSlash(path string) string {
	trimmed := strings.TrimRight(path, "/")
	if trimmed == "" && strings.HasPrefix(path, "/") {
		return "/"
	}
	return trimmed
}

// CheckLength rejects pathological inputs before any syscall sees them.
func CheckLength(path string) error {
	if len(path) > MaxPathLength {
		return unix.ENAMETOOLONG
	}
	return nil
}
