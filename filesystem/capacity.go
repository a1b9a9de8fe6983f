package filesystem

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/capsulefs/capsule"
)

// Capacity probes the filesystem backing path.
func (s *Store) Capacity(path string) (*capsule.CapacityInfo, error) {
	return Probe(path)
}

func Probe(path string) (*capsule.CapacityInfo, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return nil, fmt.Errorf("statfs %s: %w", path, err)
	}

	bsize := int64(st.Bsize)
	total := int64(st.Blocks) * bsize
	free := int64(st.Bavail) * bsize

	return &capsule.CapacityInfo{
		Path:  path,
		Total: total,
		Free:  free,
		Used:  total - free,
	}, nil
}

// Filesystem types that never back a storage volume.
var pseudoFSTypes = map[string]bool{
	"proc": true, "sysfs": true, "devtmpfs": true, "devpts": true,
	"tmpfs": true, "cgroup": true, "cgroup2": true, "overlay": true,
	"squashfs": true, "securityfs": true, "debugfs": true, "tracefs": true,
	"pstore": true, "bpf": true, "autofs": true, "mqueue": true,
	"hugetlbfs": true, "fusectl": true, "configfs": true, "ramfs": true,
	"binfmt_misc": true, "nsfs": true, "rpc_pipefs": true,
}

// DetectDrives lists mounted filesystems that could host a volume, with
// their capacity. Pseudo filesystems are skipped.
func DetectDrives() ([]capsule.CapacityInfo, error) {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return nil, fmt.Errorf("read mounts: %w", err)
	}
	defer f.Close()

	var out []capsule.CapacityInfo
	seen := make(map[string]bool)

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		mountPoint, fsType := fields[1], fields[2]
		if pseudoFSTypes[fsType] || seen[mountPoint] {
			continue
		}
		seen[mountPoint] = true

		info, err := Probe(mountPoint)
		if err != nil || info.Total == 0 {
			continue
		}
		out = append(out, *info)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan mounts: %w", err)
	}
	return out, nil
}
