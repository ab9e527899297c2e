// Package client turns one file path into a scan request, hands it to the
// engine and reports what came back.
package client

import (
	"fmt"
	"os"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/michaelscutari/avdug/internal/abort"
	"github.com/michaelscutari/avdug/internal/entry"
	"github.com/michaelscutari/avdug/internal/outcome"
	"github.com/michaelscutari/avdug/internal/protocol"
)

// DefaultUser is sent when the environment names no user.
const DefaultUser = "root"

// Requester performs one exchange with the engine. *engine.Wrapper
// implements it.
type Requester interface {
	Scan(req *protocol.ScanRequest) (*protocol.ScanResponse, error)
}

// Reporter receives every outcome of a scan.
type Reporter interface {
	ScanError(path, msg string, code syscall.Errno)
	Clean(path string, isSymlink bool)
	Infected(path string, detections []entry.Detection, isSymlink bool)
	SetResultCode(code outcome.Code)
}

// Options are copied into every request.
type Options struct {
	ScanArchives bool
	ScanImages   bool
	ScanType     protocol.ScanType
	UserID       string
}

// Client dispatches files to the engine.
type Client struct {
	engine   Requester
	reporter Reporter
	monitors *abort.Set
	opts     Options
}

// New creates a client. An empty UserID is taken from $USER.
func New(engine Requester, reporter Reporter, monitors *abort.Set, opts Options) *Client {
	if opts.UserID == "" {
		opts.UserID = os.Getenv("USER")
	}
	if opts.UserID == "" {
		opts.UserID = DefaultUser
	}
	return &Client{engine: engine, reporter: reporter, monitors: monitors, opts: opts}
}

// Scan submits path. A file that cannot be opened is reported and yields an
// empty response, not an error. Errors returned are control flow.
func (c *Client) Scan(path string, isSymlink bool) (*protocol.ScanResponse, error) {
	if err := c.monitors.Check(); err != nil {
		return nil, err
	}

	fd, err := openReadOnly(path)
	if err != nil {
		errno, _ := err.(syscall.Errno)
		c.reporter.ScanError(path, OpenErrorReason(path, errno), errno)
		return &protocol.ScanResponse{}, nil
	}

	req := protocol.NewScanRequest(path, protocol.NewFileHandle(fd))
	defer req.Close()
	req.ScanArchives = c.opts.ScanArchives
	req.ScanImages = c.opts.ScanImages
	req.Type = c.opts.ScanType
	req.UserID = c.opts.UserID

	resp, err := c.engine.Scan(req)
	if err != nil {
		return nil, err
	}
	c.interpret(path, isSymlink, resp)
	return resp, nil
}

func (c *Client) interpret(path string, isSymlink bool, resp *protocol.ScanResponse) {
	if len(resp.Detections) == 0 {
		if resp.ErrorMsg == "" {
			c.reporter.Clean(path, isSymlink)
			return
		}
		c.reporter.ScanError(path, resp.ErrorMsg, unix.EINVAL)
		if strings.Contains(resp.ErrorMsg, "password protected") {
			c.reporter.SetResultCode(outcome.PasswordProtected)
		}
		return
	}

	if resp.ErrorMsg != "" {
		c.reporter.ScanError(path, resp.ErrorMsg, unix.EINVAL)
	}
	detections := make([]entry.Detection, 0, len(resp.Detections))
	for _, d := range resp.Detections {
		detections = append(detections, entry.Detection{
			Path:      d.Path,
			FilePath:  path,
			Type:      d.Type,
			Name:      d.Name,
			Hash:      d.Hash,
			IsSymlink: isSymlink,
		})
	}
	c.reporter.Infected(path, detections, isSymlink)
}

func openReadOnly(path string) (int, error) {
	for {
		fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
		if err == unix.EINTR {
			continue
		}
		return fd, err
	}
}

// OpenErrorReason describes why path could not be opened.
func OpenErrorReason(path string, errno syscall.Errno) string {
	switch errno {
	case unix.EACCES:
		return "Failed to open as permission denied: " + path
	case unix.ENAMETOOLONG:
		return "Failed to open as the path is too long: " + path
	case unix.ELOOP:
		return "Failed to open as couldn't follow symlink further: " + path
	case unix.ENODEV:
		return "Failed to open as path is a device special file and no corresponding device exists: " + path
	case unix.ENOENT:
		return "Failed to open as path is a dangling symlink or a directory component is missing: " + path
	case unix.ENOMEM:
		return "Failed to open as kernel memory was not available: " + path
	case unix.EOVERFLOW:
		return "Failed to open as the file is too large: " + path
	default:
		return fmt.Sprintf("Failed to open %s with error %d", path, int(errno))
	}
}
