// Package walk implements the directory traversal that feeds files to the
// scanner. Policy decisions (exclusions, aborts, what to do with a file) are
// delegated to Callbacks; the walker owns symlink and mount policy and the
// backtrack protection that keeps it from entering a directory twice.
package walk

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/michaelscutari/avdug/internal/entry"
	"github.com/michaelscutari/avdug/internal/outcome"
	"github.com/michaelscutari/avdug/internal/pathutil"
)

const readDirBatch = 256

// Callbacks receives every candidate the walker finds.
type Callbacks interface {
	// ProcessFile handles one regular file. symlinkTarget is set when the
	// file was reached through a symlink, either the entry itself or the
	// starting point of the walk.
	ProcessFile(path string, symlinkTarget bool) error
	// IncludeDirectory decides whether a directory is entered.
	IncludeDirectory(path string) (bool, error)
	// UserDefinedExclusionCheck reports whether path matches a user rule.
	UserDefinedExclusionCheck(path string, isSymlink bool) bool
	// RegisterError records a non-fatal error.
	RegisterError(path string, err error)
}

// Options configures one walker.
type Options struct {
	FollowSymlinks     bool
	StayOnDevice       bool
	RequireStartExists bool
}

// Walker traverses one starting point at a time. It is not safe for
// concurrent use.
type Walker struct {
	cb   Callbacks
	opts Options

	startDev       uint64
	haveStartDev   bool
	startIsSymlink bool
	visited        map[entry.FileIdentity]struct{}
	includeLogged  bool
	stack          []string
}

// New creates a walker.
func New(cb Callbacks, opts Options) *Walker {
	return &Walker{cb: cb, opts: opts}
}

func (w *Walker) reset() {
	w.startDev = 0
	w.haveStartDev = false
	w.startIsSymlink = false
	w.visited = make(map[entry.FileIdentity]struct{})
	w.includeLogged = false
	w.stack = w.stack[:0]
}

// Walk scans start. Errors inspecting start itself are returned as
// *outcome.FilesystemError; control-flow errors from callbacks are returned
// as-is. Everything else is registered through Callbacks and skipped.
func (w *Walker) Walk(start string) error {
	w.reset()

	if err := pathutil.CheckLength(start); err != nil {
		return &outcome.FilesystemError{Path: start, Err: err}
	}

	info, err := os.Stat(start)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !w.opts.RequireStartExists {
			log.WithFields(log.Fields{"path": start}).Error("Failed to scan path as it does not exist")
			w.cb.RegisterError(start, err)
			return nil
		}
		return &outcome.FilesystemError{Path: start, Err: err}
	}
	linkInfo, err := os.Lstat(pathutil.StripTrailingSlash(start))
	if err != nil {
		return &outcome.FilesystemError{Path: start, Err: err}
	}
	w.startIsSymlink = linkInfo.Mode()&os.ModeSymlink != 0

	switch {
	case info.Mode().IsRegular():
		return w.processFile(start, w.startIsSymlink)

	case info.IsDir():
		if w.cb.UserDefinedExclusionCheck(start, w.startIsSymlink) {
			return nil
		}
		if w.opts.StayOnDevice {
			if id, ok := entry.IdentityFromInfo(info); ok {
				w.startDev = id.Dev
				w.haveStartDev = true
			}
		}
		return w.scanDirectory(start)

	default:
		log.WithFields(log.Fields{"path": start}).Info("Not scanning special file/device")
		return nil
	}
}

func (w *Walker) processFile(path string, symlinkTarget bool) error {
	err := w.cb.ProcessFile(path, symlinkTarget)
	if err == nil || outcome.IsControlFlow(err) {
		return err
	}
	log.WithFields(log.Fields{"path": path, "error": err}).Error("Failed to process file")
	w.cb.RegisterError(path, err)
	return nil
}

// scanDirectory drains an explicit stack instead of recursing, so depth is
// bounded by memory rather than by the goroutine stack.
func (w *Walker) scanDirectory(start string) error {
	w.stack = append(w.stack, start)
	for len(w.stack) > 0 {
		dir := w.stack[len(w.stack)-1]
		w.stack = w.stack[:len(w.stack)-1]

		subdirs, err := w.visitDirectory(dir)
		if err != nil {
			return err
		}
		// Reverse push keeps enumeration order when popping.
		for i := len(subdirs) - 1; i >= 0; i-- {
			w.stack = append(w.stack, subdirs[i])
		}
	}
	return nil
}

// visitDirectory runs inclusion, stat, device and backtrack checks in that
// order, then enumerates dir. It returns the subdirectories to visit.
func (w *Walker) visitDirectory(dir string) ([]string, error) {
	include, err := w.cb.IncludeDirectory(dir)
	if err != nil {
		if outcome.IsControlFlow(err) {
			return nil, err
		}
		if !w.includeLogged {
			log.WithFields(log.Fields{"path": dir, "error": err}).Error("Failed to check directory inclusion")
			w.includeLogged = true
		}
		include = true
	}
	if !include {
		return nil, nil
	}

	info, err := os.Stat(dir)
	if err != nil {
		log.WithFields(log.Fields{"path": dir, "error": err}).Error("Failed to get the status of directory")
		w.cb.RegisterError(dir, err)
		return nil, nil
	}

	id, haveID := entry.IdentityFromInfo(info)
	if w.opts.StayOnDevice && haveID && w.haveStartDev && id.Dev != w.startDev {
		log.WithFields(log.Fields{"path": dir}).Debug("Not recursing into directory on a different mount")
		return nil, nil
	}
	if haveID {
		if _, seen := w.visited[id]; seen {
			log.WithFields(log.Fields{"path": dir, "dev": id.Dev, "inode": id.Inode}).Debug("Directory already scanned")
			return nil, nil
		}
		w.visited[id] = struct{}{}
	}

	f, err := os.Open(dir)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			log.WithFields(log.Fields{"path": dir}).Debug("Skipping unreadable directory")
			return nil, nil
		}
		log.WithFields(log.Fields{"path": dir, "error": err}).Error("Failed to open directory")
		w.cb.RegisterError(dir, err)
		return nil, nil
	}
	defer f.Close()

	var subdirs []string
	for {
		batch, readErr := f.ReadDir(readDirBatch)
		for _, de := range batch {
			sub, err := w.visitEntry(dir, de)
			if err != nil {
				return nil, err
			}
			if sub != "" {
				subdirs = append(subdirs, sub)
			}
		}
		if readErr == io.EOF || (readErr == nil && len(batch) == 0) {
			break
		}
		if readErr != nil {
			log.WithFields(log.Fields{"path": dir, "error": readErr}).Error("Failed to iterate directory")
			w.cb.RegisterError(dir, readErr)
			break
		}
	}
	return subdirs, nil
}

// visitEntry handles one directory entry and returns its path when it is a
// directory still to be visited.
func (w *Walker) visitEntry(dir string, de fs.DirEntry) (string, error) {
	child := filepath.Join(dir, de.Name())
	isLink := de.Type()&fs.ModeSymlink != 0
	if isLink && !w.opts.FollowSymlinks {
		log.WithFields(log.Fields{"path": child}).Debug("Not following symlink")
		return "", nil
	}

	info, err := os.Stat(child)
	if err != nil {
		log.WithFields(log.Fields{"path": child, "error": err}).Error("Failed to get the status of entry")
		w.cb.RegisterError(child, err)
		return "", nil
	}

	switch {
	case info.Mode().IsRegular():
		return "", w.processFile(child, w.startIsSymlink || isLink)
	case info.IsDir():
		return child, nil
	default:
		return "", nil
	}
}
