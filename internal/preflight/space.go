package preflight

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// SpaceMultiplier is the fixed headroom factor applied to the estimate
const SpaceMultiplier = 2

// SpaceEstimate is the expected size of one backup set
type SpaceEstimate struct {
	Datastore int64
	FileTree  int64
	Install   int64
}

// Total returns the combined estimate in bytes
func (e SpaceEstimate) Total() int64 {
	return e.Datastore + e.FileTree + e.Install
}

// Required returns the free bytes needed at the destination
func (e SpaceEstimate) Required() int64 {
	return SpaceMultiplier * e.Total()
}

// FreeSpaceFunc reports the bytes available to unprivileged users at path
type FreeSpaceFunc func(path string) (uint64, error)

// StatfsFreeSpace measures free space on the filesystem holding path, or
// its nearest existing parent when path does not exist yet
func StatfsFreeSpace(path string) (uint64, error) {
	dir, err := nearestExisting(path)
	if err != nil {
		return 0, err
	}

	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", dir, err)
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}

func nearestExisting(path string) (string, error) {
	dir, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(dir); err == nil {
			return dir, nil
		} else if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no existing parent directory for %s", path)
		}
		dir = parent
	}
}
