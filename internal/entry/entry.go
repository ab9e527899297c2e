package entry

import (
	"os"
	"syscall"
	"time"
)

// Kind represents the type of filesystem entry.
type Kind uint8

const (
	KindFile    Kind = 0
	KindDir     Kind = 1
	KindSymlink Kind = 2
	KindOther   Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "dir"
	case KindSymlink:
		return "symlink"
	default:
		return "other"
	}
}

// KindFromMode derives the Kind from an os.FileMode.
func KindFromMode(mode os.FileMode) Kind {
	switch {
	case mode.IsRegular():
		return KindFile
	case mode.IsDir():
		return KindDir
	case mode&os.ModeSymlink != 0:
		return KindSymlink
	default:
		return KindOther
	}
}

// FileIdentity is the physical identity of a directory. Two paths reaching
// the same directory through a symlink or bind mount share an identity.
type FileIdentity struct {
	Dev   uint64
	Inode uint64
}

// IdentityFromInfo extracts the (device, inode) pair from a stat result.
func IdentityFromInfo(info os.FileInfo) (FileIdentity, bool) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return FileIdentity{}, false
	}
	return FileIdentity{Dev: uint64(stat.Dev), Inode: stat.Ino}, true
}

// Status is the outcome recorded for one scanned file.
type Status uint8

const (
	StatusClean    Status = 0
	StatusInfected Status = 1
	StatusError    Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusClean:
		return "clean"
	case StatusInfected:
		return "infected"
	default:
		return "error"
	}
}

// FileResult is emitted once for every file handed to the engine.
type FileResult struct {
	Path      string
	Status    Status
	IsSymlink bool
}

// Detection is one threat reported by the engine.
type Detection struct {
	Path      string // Path inside the scanned file (archive member or the file itself)
	FilePath  string // File that was submitted
	Type      string
	Name      string
	Hash      string
	IsSymlink bool
}

// ScanError represents an error encountered during scanning.
type ScanError struct {
	Path    string
	Message string
	Code    syscall.Errno
}

// Rollup holds per-directory scan counts, including all descendants.
type Rollup struct {
	DirPath       string
	TotalFiles    int64
	TotalInfected int64
	TotalErrors   int64
}

// ScanMeta holds metadata about a scan.
type ScanMeta struct {
	RunID         string
	Name          string
	RootPaths     []string
	StartTime     time.Time
	EndTime       time.Time
	FileCount     int64
	InfectedCount int64
	ErrorCount    int64
	ResultCode    int
}

// ThreatMap keys each detection's threat name by the path it was found at.
func ThreatMap(detections []Detection) map[string]string {
	threats := make(map[string]string, len(detections))
	for _, d := range detections {
		threats[d.Path] = d.Name
	}
	return threats
}
