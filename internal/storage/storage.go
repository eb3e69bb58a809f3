// Package storage moves packed backup archives to and from offsite storage.
package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"
)

// ProviderType identifies a storage backend
type ProviderType string

const (
	ProviderLocal ProviderType = "local"
	ProviderS3    ProviderType = "s3"
	ProviderAzure ProviderType = "azure"
	ProviderGCS   ProviderType = "gcs"
)

// DefaultPrefix is prepended to object keys on cloud backends
const DefaultPrefix = "migration-guard/"

// Object describes one stored archive
type Object struct {
	Key      string
	Size     int64
	Modified time.Time
}

// Provider stores archives under flat keys
type Provider interface {
	// Upload streams r to key, replacing any existing object
	Upload(ctx context.Context, key string, r io.Reader) error
	// Download opens key for reading; the caller closes it
	Download(ctx context.Context, key string) (io.ReadCloser, error)
	// List returns the objects whose key starts with prefix, sorted by key
	List(ctx context.Context, prefix string) ([]Object, error)
	Delete(ctx context.Context, key string) error
	// Location describes where key lives, for logs and reports
	Location(key string) string
}

// StorageError reports a backend failure
type StorageError struct {
	Op      string
	Key     string
	Message string
	Cause   error
}

// NewStorageError creates a StorageError
func NewStorageError(op, key, message string, cause error) *StorageError {
	return &StorageError{Op: op, Key: key, Message: message, Cause: cause}
}

func (e *StorageError) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Op, e.Key, e.Message)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *StorageError) Unwrap() error { return e.Cause }

// NotFoundError reports a missing object
type NotFoundError struct {
	Key string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("object %s not found", e.Key)
}

// validateKey rejects keys that are empty or could escape a prefix
func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("object key cannot be empty")
	}
	clean := path.Clean(key)
	if clean != key || strings.HasPrefix(key, "/") || clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("invalid object key %q", key)
	}
	return nil
}

// normalizePrefix makes a configured prefix end in exactly one slash
func normalizePrefix(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}

func sortObjects(objects []Object) {
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
}
