package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// LocalProvider stores archives in a directory, typically a mounted
// network share or second disk
type LocalProvider struct {
	fs       afero.Fs
	basePath string
}

// NewLocalProvider creates a provider rooted at basePath
func NewLocalProvider(fs afero.Fs, basePath string) (*LocalProvider, error) {
	if basePath == "" {
		return nil, fmt.Errorf("base path is required for local storage")
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if err := fs.MkdirAll(basePath, 0o700); err != nil {
		return nil, NewStorageError("init", basePath, "failed to create base directory", err)
	}
	return &LocalProvider{fs: fs, basePath: basePath}, nil
}

// BasePath returns the storage root
func (lp *LocalProvider) BasePath() string {
	return lp.basePath
}

func (lp *LocalProvider) path(key string) string {
	return filepath.Join(lp.basePath, filepath.FromSlash(key))
}

// Location returns the file path of key
func (lp *LocalProvider) Location(key string) string {
	return lp.path(key)
}

// Upload writes to a temporary file and renames it into place so a partial
// upload never appears under key
func (lp *LocalProvider) Upload(ctx context.Context, key string, r io.Reader) error {
	if err := validateKey(key); err != nil {
		return NewStorageError("upload", key, "invalid key", err)
	}
	dst := lp.path(key)
	if err := lp.fs.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return NewStorageError("upload", key, "failed to create directory", err)
	}

	tmp, err := afero.TempFile(lp.fs, filepath.Dir(dst), "."+filepath.Base(dst)+".*.part")
	if err != nil {
		return NewStorageError("upload", key, "failed to create temporary file", err)
	}
	tmpName := tmp.Name()
	defer lp.fs.Remove(tmpName)

	_, err = io.Copy(tmp, contextReader{ctx: ctx, r: r})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return NewStorageError("upload", key, "failed to write object", err)
	}
	if err := lp.fs.Chmod(tmpName, 0o600); err != nil {
		return NewStorageError("upload", key, "failed to set permissions", err)
	}
	if err := lp.fs.Rename(tmpName, dst); err != nil {
		return NewStorageError("upload", key, "failed to move object into place", err)
	}
	return nil
}

// Download opens the stored file
func (lp *LocalProvider) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := validateKey(key); err != nil {
		return nil, NewStorageError("download", key, "invalid key", err)
	}
	f, err := lp.fs.Open(lp.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, &NotFoundError{Key: key}
	}
	if err != nil {
		return nil, NewStorageError("download", key, "failed to open object", err)
	}
	return f, nil
}

// List walks the base directory, skipping in-progress uploads
func (lp *LocalProvider) List(ctx context.Context, prefix string) ([]Object, error) {
	var objects []Object
	err := afero.Walk(lp.fs, lp.basePath, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !info.Mode().IsRegular() || strings.HasSuffix(info.Name(), ".part") {
			return nil
		}
		rel, err := filepath.Rel(lp.basePath, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			objects = append(objects, Object{Key: key, Size: info.Size(), Modified: info.ModTime()})
		}
		return nil
	})
	if err != nil {
		return nil, NewStorageError("list", prefix, "failed to list objects", err)
	}
	sortObjects(objects)
	return objects, nil
}

// Delete removes the stored file
func (lp *LocalProvider) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return NewStorageError("delete", key, "invalid key", err)
	}
	err := lp.fs.Remove(lp.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return &NotFoundError{Key: key}
	}
	if err != nil {
		return NewStorageError("delete", key, "failed to remove object", err)
	}
	return nil
}

// contextReader stops a copy once ctx is done
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
