package secrets

import (
	"fmt"
	"os"
)

// PermissionProblem describes an unsafe mode on key material
type PermissionProblem struct {
	Path    string
	Mode    os.FileMode
	Fatal   bool
	Message string
}

// CheckPermissions inspects a secret file. World-readable is fatal,
// group-readable is only a warning. A nil result means the mode is safe.
func CheckPermissions(path string) (*PermissionProblem, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}

	mode := info.Mode().Perm()
	switch {
	case mode&0o004 != 0:
		return &PermissionProblem{
			Path:    path,
			Mode:    mode,
			Fatal:   true,
			Message: fmt.Sprintf("%s is world-readable (%04o); fix with: chmod 600 %s", path, mode, path),
		}, nil
	case mode&0o040 != 0:
		return &PermissionProblem{
			Path:    path,
			Mode:    mode,
			Message: fmt.Sprintf("%s is group-readable (%04o); recommended: chmod 600 %s", path, mode, path),
		}, nil
	}
	return nil, nil
}
