// Package mounts reads the mount table and turns selected kinds of mounts
// into mount exclusions.
package mounts

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/michaelscutari/avdug/internal/pathutil"
)

const mountInfoPath = "/proc/self/mountinfo"

// Mount is one line of /proc/self/mountinfo.
type Mount struct {
	MountPoint string
	FSType     string
	Source     string
	Major      int
	Minor      int
}

var remoteTypes = map[string]bool{
	"nfs": true, "nfs4": true, "cifs": true, "smbfs": true, "smb3": true,
	"ncpfs": true, "afs": true, "coda": true, "ceph": true, "glusterfs": true,
	"fuse.sshfs": true, "9p": true, "lustre": true, "gfs2": true,
}

var pseudoTypes = map[string]bool{
	"proc": true, "sysfs": true, "devpts": true, "devtmpfs": true, "cgroup": true,
	"cgroup2": true, "securityfs": true, "debugfs": true, "tracefs": true,
	"pstore": true, "bpf": true, "configfs": true, "fusectl": true, "mqueue": true,
	"hugetlbfs": true, "binfmt_misc": true, "autofs": true, "rpc_pipefs": true,
	"nsfs": true, "efivarfs": true, "selinuxfs": true,
}

var opticalTypes = map[string]bool{
	"iso9660": true, "udf": true,
}

// IsRemote reports a network filesystem.
func (m Mount) IsRemote() bool {
	return remoteTypes[m.FSType]
}

// IsPseudo reports a kernel pseudo filesystem with nothing worth scanning.
func (m Mount) IsPseudo() bool {
	return pseudoTypes[m.FSType]
}

// IsOptical reports CD/DVD media.
func (m Mount) IsOptical() bool {
	return opticalTypes[m.FSType]
}

// Parse reads mountinfo formatted lines.
func Parse(r io.Reader) ([]Mount, error) {
	var out []Mount
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		m, err := parseLine(line)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read mount table: %w", err)
	}
	return out, nil
}

// 36 35 98:0 /mnt1 /mnt/parent rw,noatime master:1 - ext3 /dev/root rw,errors=continue
func parseLine(line string) (Mount, error) {
	fields := strings.Fields(line)
	sep := -1
	for i, f := range fields {
		if f == "-" {
			sep = i
			break
		}
	}
	if sep < 5 || len(fields) < sep+3 {
		return Mount{}, fmt.Errorf("malformed mountinfo line: %q", line)
	}
	var m Mount
	majmin := strings.SplitN(fields[2], ":", 2)
	if len(majmin) == 2 {
		m.Major, _ = strconv.Atoi(majmin[0])
		m.Minor, _ = strconv.Atoi(majmin[1])
	}
	m.MountPoint = unescape(fields[4])
	m.FSType = fields[sep+1]
	m.Source = unescape(fields[sep+2])
	return m, nil
}

// unescape decodes the octal escapes the kernel uses for blanks in paths.
func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+4 <= len(s) {
			if v, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// Load parses the mount table of the current process.
func Load() ([]Mount, error) {
	f, err := os.Open(mountInfoPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// Options selects which kinds of mounts are excluded.
type Options struct {
	Remote    bool
	Pseudo    bool
	Optical   bool
	Removable bool

	// SysBlock is where removable flags are read from; defaults to /sys/block.
	SysBlock string
}

// Exclusions returns the mount points to exclude. A mount point that is
// itself one of the explicitly requested scan paths is kept, so asking to
// scan an NFS share still scans it.
func Exclusions(all []Mount, opts Options, scanPaths []string) []string {
	requested := make(map[string]bool, len(scanPaths))
	for _, p := range scanPaths {
		requested[pathutil.Normalize(p)] = true
	}

	var out []string
	for _, m := range all {
		if m.MountPoint == "/" || requested[pathutil.Normalize(m.MountPoint)] {
			continue
		}
		reason := ""
		switch {
		case opts.Remote && m.IsRemote():
			reason = "remote"
		case opts.Pseudo && m.IsPseudo():
			reason = "pseudo"
		case opts.Optical && m.IsOptical():
			reason = "optical"
		case opts.Removable && isRemovable(opts.sysBlock(), m):
			reason = "removable"
		}
		if reason == "" {
			continue
		}
		log.WithFields(log.Fields{"mount": m.MountPoint, "fstype": m.FSType, "kind": reason}).Debug("Excluding mount point")
		out = append(out, pathutil.WithTrailingSlash(m.MountPoint))
	}
	return out
}

func (o Options) sysBlock() string {
	if o.SysBlock != "" {
		return o.SysBlock
	}
	return "/sys/block"
}

// isRemovable checks the block device backing m. Partitions report through
// their parent disk, found via the major:minor symlink in /sys/dev/block.
func isRemovable(sysBlock string, m Mount) bool {
	if !strings.HasPrefix(m.Source, "/dev/") {
		return false
	}
	dev := filepath.Base(m.Source)
	candidates := []string{dev, strings.TrimRightFunc(dev, func(r rune) bool { return r >= '0' && r <= '9' })}
	if strings.HasPrefix(dev, "mmcblk") || strings.HasPrefix(dev, "nvme") {
		if i := strings.LastIndex(dev, "p"); i > 0 {
			candidates = append(candidates, dev[:i])
		}
	}
	for _, c := range candidates {
		data, err := os.ReadFile(filepath.Join(sysBlock, c, "removable"))
		if err != nil {
			continue
		}
		return strings.TrimSpace(string(data)) == "1"
	}
	return false
}
