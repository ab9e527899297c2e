// Package protocol defines the messages exchanged with the scanning engine
// and their framing on a unix stream socket.
package protocol

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// ScanType records why a scan was requested.
type ScanType int

const (
	ScanTypeOnDemand ScanType = iota
	ScanTypeScheduled
	ScanTypeOnAccessOpen
	ScanTypeOnAccessClose
	ScanTypeRescan
)

var scanTypeTags = map[ScanType]string{
	ScanTypeOnDemand:      "on-demand",
	ScanTypeScheduled:     "scheduled",
	ScanTypeOnAccessOpen:  "on-access-open",
	ScanTypeOnAccessClose: "on-access-close",
	ScanTypeRescan:        "rescan",
}

func (t ScanType) String() string {
	if tag, ok := scanTypeTags[t]; ok {
		return tag
	}
	return fmt.Sprintf("scan-type(%d)", int(t))
}

// MarshalText encodes the wire tag.
func (t ScanType) MarshalText() ([]byte, error) {
	tag, ok := scanTypeTags[t]
	if !ok {
		return nil, fmt.Errorf("unknown scan type %d", int(t))
	}
	return []byte(tag), nil
}

// UnmarshalText decodes a wire tag.
func (t *ScanType) UnmarshalText(b []byte) error {
	parsed, err := ParseScanType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseScanType maps a wire tag back to its ScanType.
func ParseScanType(tag string) (ScanType, error) {
	for t, s := range scanTypeTags {
		if s == tag {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown scan type %q", tag)
}

// FileHandle owns an open file descriptor until Close. Close is idempotent,
// so a deferred Close releases the descriptor on every path.
type FileHandle struct {
	fd   int
	once sync.Once
	err  error
}

// NewFileHandle takes ownership of fd.
func NewFileHandle(fd int) *FileHandle {
	return &FileHandle{fd: fd}
}

// Fd returns the descriptor, or -1 once closed.
func (h *FileHandle) Fd() int {
	if h == nil {
		return -1
	}
	return h.fd
}

// Close releases the descriptor exactly once.
func (h *FileHandle) Close() error {
	if h == nil {
		return nil
	}
	h.once.Do(func() {
		if h.fd >= 0 {
			h.err = unix.Close(h.fd)
		}
		h.fd = -1
	})
	return h.err
}

// ScanRequest asks the engine to scan one open file.
type ScanRequest struct {
	Path         string   `json:"path"`
	ScanArchives bool     `json:"scan_archives"`
	ScanImages   bool     `json:"scan_images"`
	Type         ScanType `json:"scan_type"`
	UserID       string   `json:"user_id"`

	handle *FileHandle
}

// NewScanRequest builds a request that owns handle.
func NewScanRequest(path string, handle *FileHandle) *ScanRequest {
	return &ScanRequest{Path: path, Type: ScanTypeOnDemand, handle: handle}
}

// Handle returns the descriptor travelling with the request.
func (r *ScanRequest) Handle() *FileHandle {
	return r.handle
}

// Close releases the descriptor owned by the request.
func (r *ScanRequest) Close() error {
	return r.handle.Close()
}

// Detection is one threat found in the scanned file.
type Detection struct {
	Path string `json:"path"`
	Type string `json:"type"`
	Name string `json:"name"`
	Hash string `json:"sha256,omitempty"`
}

// ScanResponse carries the engine's verdict. Detections and ErrorMsg may
// both be set.
type ScanResponse struct {
	Detections []Detection `json:"detections,omitempty"`
	ErrorMsg   string      `json:"error,omitempty"`
}

// Clean reports a response with neither detections nor an error.
func (r *ScanResponse) Clean() bool {
	return len(r.Detections) == 0 && r.ErrorMsg == ""
}
