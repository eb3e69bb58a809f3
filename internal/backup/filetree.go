package backup

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// TreeStats summarizes a copied or measured file tree
type TreeStats struct {
	Files    int
	Dirs     int
	Symlinks int
	Bytes    int64
}

// CopyTree recursively copies src to dst on fsys, preserving file modes and
// recreating symbolic links. dst must not exist yet.
func CopyTree(fsys afero.Fs, src, dst string) (TreeStats, error) {
	var stats TreeStats

	err := afero.Walk(fsys, src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			if err := copySymlink(fsys, path, target); err != nil {
				return err
			}
			stats.Symlinks++
		case info.IsDir():
			if err := fsys.MkdirAll(target, info.Mode().Perm()|0o700); err != nil {
				return fmt.Errorf("failed to create %s: %w", target, err)
			}
			stats.Dirs++
		case info.Mode().IsRegular():
			n, err := copyFile(fsys, path, target, info.Mode().Perm())
			if err != nil {
				return err
			}
			stats.Files++
			stats.Bytes += n
		}
		return nil
	})
	return stats, err
}

// TreeSize measures the bytes held by regular files under root. A missing
// root measures zero.
func TreeSize(fsys afero.Fs, root string) (TreeStats, error) {
	var stats TreeStats
	if exists, err := afero.Exists(fsys, root); err != nil || !exists {
		return stats, err
	}

	err := afero.Walk(fsys, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			stats.Symlinks++
		case info.IsDir():
			stats.Dirs++
		case info.Mode().IsRegular():
			stats.Files++
			stats.Bytes += info.Size()
		}
		return nil
	})
	return stats, err
}

// IsEmptyTree reports whether root is missing or holds no regular files
func IsEmptyTree(fsys afero.Fs, root string) (bool, error) {
	stats, err := TreeSize(fsys, root)
	if err != nil {
		return false, err
	}
	return stats.Files == 0, nil
}

func copyFile(fsys afero.Fs, src, dst string, perm os.FileMode) (int64, error) {
	in, err := fsys.Open(src)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := fsys.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", dst, err)
	}

	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		return n, fmt.Errorf("failed to copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return n, fmt.Errorf("failed to close %s: %w", dst, err)
	}
	return n, nil
}

func copySymlink(fsys afero.Fs, src, dst string) error {
	reader, okRead := fsys.(afero.LinkReader)
	linker, okLink := fsys.(afero.Linker)
	if !okRead || !okLink {
		return fmt.Errorf("cannot copy symlink %s on this filesystem", src)
	}

	target, err := reader.ReadlinkIfPossible(src)
	if err != nil {
		return fmt.Errorf("failed to read symlink %s: %w", src, err)
	}
	if err := linker.SymlinkIfPossible(target, dst); err != nil {
		return fmt.Errorf("failed to create symlink %s: %w", dst, err)
	}
	return nil
}
