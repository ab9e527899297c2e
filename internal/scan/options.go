package scan

import (
	"time"

	"github.com/michaelscutari/avdug/internal/exclusion"
	"github.com/michaelscutari/avdug/internal/protocol"
)

// ScanOptions configures one scan run.
type ScanOptions struct {
	// Name labels the run in the report.
	Name string

	// Exclusions are user-defined rules checked for every file and directory.
	Exclusions []*exclusion.Exclusion

	// MountExclusions are mount points whose contents are never scanned.
	MountExclusions []string

	// FollowSymlinks descends into symlinked directories and scans symlinked files.
	FollowSymlinks bool

	// StayOnDevice prevents crossing filesystem boundaries.
	StayOnDevice bool

	// RequireStartExists makes a missing scan path fatal for that path.
	RequireStartExists bool

	ScanArchives bool
	ScanImages   bool
	ScanType     protocol.ScanType

	// UserID is sent with every request. Empty means $USER.
	UserID string

	// BatchSize is the number of results to batch before flushing to DB.
	BatchSize int

	// FlushInterval is the maximum time between flushes.
	FlushInterval time.Duration
}

// DefaultOptions returns sensible defaults for an on-demand scan.
func DefaultOptions() *ScanOptions {
	return &ScanOptions{
		Name:          "on-demand",
		ScanType:      protocol.ScanTypeOnDemand,
		BatchSize:     1000,
		FlushInterval: time.Second,
	}
}

// WithName sets the run label.
func (o *ScanOptions) WithName(name string) *ScanOptions {
	o.Name = name
	return o
}

// WithFollowSymlinks sets symlink behavior.
func (o *ScanOptions) WithFollowSymlinks(follow bool) *ScanOptions {
	o.FollowSymlinks = follow
	return o
}

// WithStayOnDevice sets cross-device behavior.
func (o *ScanOptions) WithStayOnDevice(stay bool) *ScanOptions {
	o.StayOnDevice = stay
	return o
}

// WithRequireStartExists sets missing scan path behavior.
func (o *ScanOptions) WithRequireStartExists(require bool) *ScanOptions {
	o.RequireStartExists = require
	return o
}

// WithArchives toggles archive scanning in the engine.
func (o *ScanOptions) WithArchives(on bool) *ScanOptions {
	o.ScanArchives = on
	return o
}

// WithImages toggles disk image scanning in the engine.
func (o *ScanOptions) WithImages(on bool) *ScanOptions {
	o.ScanImages = on
	return o
}

// WithScanType sets the reason sent with every request.
func (o *ScanOptions) WithScanType(t protocol.ScanType) *ScanOptions {
	o.ScanType = t
	return o
}

// WithUser sets the acting user identity.
func (o *ScanOptions) WithUser(user string) *ScanOptions {
	o.UserID = user
	return o
}

// WithBatchSize sets the DB batch size.
func (o *ScanOptions) WithBatchSize(n int) *ScanOptions {
	o.BatchSize = n
	return o
}

// AddExclusion parses and adds a user-defined rule.
func (o *ScanOptions) AddExclusion(raw string) error {
	e, err := exclusion.New(raw)
	if err != nil {
		return err
	}
	o.Exclusions = append(o.Exclusions, e)
	return nil
}

// AddMountExclusion adds an excluded mount point.
func (o *ScanOptions) AddMountExclusion(mountPoint string) {
	o.MountExclusions = append(o.MountExclusions, mountPoint)
}

// Matcher builds the exclusion matcher for a run.
func (o *ScanOptions) Matcher() *exclusion.Matcher {
	return exclusion.NewMatcher(o.Exclusions, o.MountExclusions)
}
