package scan

import (
	"errors"
	"sync"
	"syscall"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/michaelscutari/avdug/internal/entry"
	"github.com/michaelscutari/avdug/internal/outcome"
	"github.com/michaelscutari/avdug/internal/rollup"
)

// Reporter is the sink for every scan outcome. It logs, keeps the run's
// counters and result code, and forwards records to the report writer.
// Nil channels are skipped.
type Reporter struct {
	done       <-chan struct{}
	files      chan<- entry.FileResult
	detections chan<- entry.Detection
	errors     chan<- entry.ScanError
	tallies    chan<- rollup.Tally

	mu       sync.Mutex
	scanned  int64
	infected int64
	failed   int64
	code     outcome.Code
}

// NewReporter creates a reporter. Sends give up once done is closed.
func NewReporter(done <-chan struct{}, files chan<- entry.FileResult, detections chan<- entry.Detection, errs chan<- entry.ScanError, tallies chan<- rollup.Tally) *Reporter {
	return &Reporter{done: done, files: files, detections: detections, errors: errs, tallies: tallies}
}

func send[T any](done <-chan struct{}, ch chan<- T, v T) {
	if ch == nil {
		return
	}
	select {
	case ch <- v:
	case <-done:
	}
}

// ScanError records a non-fatal error.
func (r *Reporter) ScanError(path, msg string, code syscall.Errno) {
	log.WithFields(log.Fields{"path": path, "errno": int(code)}).Error(msg)
	r.mu.Lock()
	r.failed++
	r.mu.Unlock()
	send(r.done, r.errors, entry.ScanError{Path: path, Message: msg, Code: code})
	send(r.done, r.tallies, rollup.Tally{Path: path, Errors: 1})
}

// RegisterError records a walk error, taking the errno from err when it
// carries one.
func (r *Reporter) RegisterError(path string, err error) {
	r.ScanError(path, err.Error(), Errno(err))
}

// Clean records a file the engine found nothing in.
func (r *Reporter) Clean(path string, isSymlink bool) {
	log.WithFields(log.Fields{"path": path}).Debug("Clean")
	r.mu.Lock()
	r.scanned++
	r.mu.Unlock()
	send(r.done, r.files, entry.FileResult{Path: path, Status: entry.StatusClean, IsSymlink: isSymlink})
	send(r.done, r.tallies, rollup.Tally{Path: path, Files: 1})
}

// Infected records a file with detections.
func (r *Reporter) Infected(path string, detections []entry.Detection, isSymlink bool) {
	log.WithFields(log.Fields{"path": path, "threats": entry.ThreatMap(detections), "symlink": isSymlink}).Warn("Detected threat")
	r.mu.Lock()
	r.scanned++
	r.infected++
	r.mu.Unlock()
	send(r.done, r.files, entry.FileResult{Path: path, Status: entry.StatusInfected, IsSymlink: isSymlink})
	for _, d := range detections {
		send(r.done, r.detections, d)
	}
	send(r.done, r.tallies, rollup.Tally{Path: path, Files: 1, Infected: 1})
}

// SetResultCode records an explicit outcome such as a password-protected file.
func (r *Reporter) SetResultCode(code outcome.Code) {
	r.mu.Lock()
	r.code = code
	r.mu.Unlock()
}

// Counts returns scanned files, infected files and errors so far.
func (r *Reporter) Counts() (scanned, infected, failed int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scanned, r.infected, r.failed
}

// ResultCode derives the run's outcome: detections first, then an explicit
// code, then errors.
func (r *Reporter) ResultCode() outcome.Code {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.infected > 0:
		return outcome.VirusFound
	case r.code != outcome.Clean:
		return r.code
	case r.failed > 0:
		return outcome.GenericFailure
	default:
		return outcome.Clean
	}
}

// Errno extracts the errno carried by err, or EINVAL.
func Errno(err error) syscall.Errno {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return unix.EINVAL
}
