package scan

import (
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/michaelscutari/avdug/internal/abort"
	"github.com/michaelscutari/avdug/internal/exclusion"
	"github.com/michaelscutari/avdug/internal/outcome"
	"github.com/michaelscutari/avdug/internal/pathutil"
	"github.com/michaelscutari/avdug/internal/protocol"
)

// FileScanner submits one file to the engine. *client.Client implements it.
type FileScanner interface {
	Scan(path string, isSymlink bool) (*protocol.ScanResponse, error)
}

// Callbacks applies exclusion and abort policy for the walker and hands
// surviving files to the engine.
type Callbacks struct {
	matcher  *exclusion.Matcher
	scanner  FileScanner
	reporter *Reporter
	monitors *abort.Set
}

// NewCallbacks wires the walker's callbacks.
func NewCallbacks(matcher *exclusion.Matcher, scanner FileScanner, reporter *Reporter, monitors *abort.Set) *Callbacks {
	return &Callbacks{matcher: matcher, scanner: scanner, reporter: reporter, monitors: monitors}
}

// ProcessFile checks for an abort before anything else, then exclusions,
// then scans. A failure other than an abort is escalated to stop the walk.
func (c *Callbacks) ProcessFile(path string, symlinkTarget bool) error {
	if err := c.monitors.Check(); err != nil {
		return err
	}

	excluded, err := c.fileExcluded(path, symlinkTarget)
	if err != nil || excluded {
		return err
	}

	log.WithFields(log.Fields{"path": path}).Info("Scanning")
	return c.dispatch(path, symlinkTarget)
}

func (c *Callbacks) fileExcluded(path string, symlinkTarget bool) (bool, error) {
	if rule, ok := c.matcher.Excludes(path, false); ok {
		log.WithFields(log.Fields{"path": path, "exclusion": rule.Display()}).Info("Excluding file")
		return true, nil
	}
	if mount, ok := c.matcher.ExcludedMount(path); ok {
		log.WithFields(log.Fields{"path": path, "mount": mount}).Info("Excluding file on excluded mount point")
		return true, nil
	}
	if !symlinkTarget {
		return false, nil
	}

	target, err := filepath.EvalSymlinks(path)
	if err != nil {
		return false, fmt.Errorf("failed to resolve symlink target of %s: %w", path, err)
	}
	if mount, ok := c.matcher.ExcludedMount(target); ok {
		log.WithFields(log.Fields{"path": path, "target": target, "mount": mount}).
			Info("Skipping the scanning of symlink target which is on excluded mount point")
		return true, nil
	}
	if rule, ok := c.matcher.Excludes(target, false); ok {
		log.WithFields(log.Fields{"path": path, "target": target, "exclusion": rule.Display()}).
			Info("Skipping the scanning of symlink target which is excluded by user defined exclusion")
		return true, nil
	}
	return false, nil
}

func (c *Callbacks) dispatch(path string, isSymlink bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = c.escalate(path, fmt.Errorf("panic: %v", r))
		}
	}()

	if _, err := c.scanner.Scan(path, isSymlink); err != nil {
		if outcome.IsControlFlow(err) {
			log.WithFields(log.Fields{"path": path, "error": err}).Warn("Scan stopped")
			return err
		}
		return c.escalate(path, err)
	}
	return nil
}

// escalate turns an unexpected failure into an abort of the whole walk.
func (c *Callbacks) escalate(path string, cause error) error {
	msg := fmt.Sprintf("Failed to scan %s: %v", path, cause)
	c.reporter.ScanError(path, msg, unix.EINVAL)
	c.reporter.SetResultCode(outcome.GenericFailure)
	return outcome.NewAbort(outcome.ScanAborted, "scan aborted after unexpected failure", cause)
}

// IncludeDirectory reports whether the walker should enter path.
func (c *Callbacks) IncludeDirectory(path string) (bool, error) {
	if err := c.monitors.Check(); err != nil {
		return false, err
	}

	if c.UserDefinedExclusionCheck(path, false) {
		return false, nil
	}
	if mount, ok := c.matcher.ExcludedMount(path); ok {
		log.WithFields(log.Fields{"path": path, "mount": mount}).Info("Excluding directory on excluded mount point")
		return false, nil
	}

	if !isSymlink(path) {
		return true, nil
	}
	target, err := filepath.EvalSymlinks(path)
	if err != nil {
		return true, fmt.Errorf("failed to resolve symlink target of %s: %w", path, err)
	}
	if mount, ok := c.matcher.ExcludedMount(target); ok {
		log.WithFields(log.Fields{"path": path, "target": target, "mount": mount}).
			Info("Skipping the scanning of symlink target which is on excluded mount point")
		return false, nil
	}
	if c.UserDefinedExclusionCheck(target, true) {
		return false, nil
	}
	return true, nil
}

// UserDefinedExclusionCheck checks path alone against the user rules in
// directory mode. It never resolves symlinks; callers check the target
// themselves.
func (c *Callbacks) UserDefinedExclusionCheck(path string, isSymlink bool) bool {
	rule, ok := c.matcher.Excludes(path, true)
	if !ok {
		return false
	}
	if isSymlink {
		log.WithFields(log.Fields{"target": path, "exclusion": rule.Display()}).
			Info("Skipping the scanning of symlink target which is excluded by user defined exclusion")
	} else {
		log.WithFields(log.Fields{"path": path, "exclusion": rule.Display()}).Info("Excluding directory")
	}
	return true
}

// RegisterError forwards walk errors to the reporter.
func (c *Callbacks) RegisterError(path string, err error) {
	c.reporter.RegisterError(path, err)
}

func isSymlink(path string) bool {
	info, err := os.Lstat(pathutil.StripTrailingSlash(path))
	return err == nil && info.Mode()&os.ModeSymlink != 0
}
