package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"migration-guard/internal/config"
)

// GCSProvider stores archives in a Google Cloud Storage bucket
type GCSProvider struct {
	client *gcs.Client
	bucket string
	prefix string
}

// NewGCSProvider creates a GCS provider. Without a credentials file the
// application default credentials are used.
func NewGCSProvider(ctx context.Context, cfg *config.GCSConfig) (*GCSProvider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("GCS storage configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid GCS storage configuration: %w", err)
	}

	var opts []option.ClientOption
	if cfg.CredentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsPath))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, NewStorageError("init", cfg.Bucket, "failed to create GCS client", err)
	}

	return &GCSProvider{client: client, bucket: cfg.Bucket, prefix: DefaultPrefix}, nil
}

func (gp *GCSProvider) object(key string) *gcs.ObjectHandle {
	return gp.client.Bucket(gp.bucket).Object(gp.prefix + key)
}

// Location returns the gs:// URL of key
func (gp *GCSProvider) Location(key string) string {
	return fmt.Sprintf("gs://%s/%s%s", gp.bucket, gp.prefix, key)
}

// Upload streams r through an object writer; the object only becomes
// visible when the writer closes successfully
func (gp *GCSProvider) Upload(ctx context.Context, key string, r io.Reader) error {
	if err := validateKey(key); err != nil {
		return NewStorageError("upload", key, "invalid key", err)
	}
	w := gp.object(key).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return NewStorageError("upload", gp.Location(key), "failed to write object", err)
	}
	if err := w.Close(); err != nil {
		return NewStorageError("upload", gp.Location(key), "failed to finalize object", err)
	}
	return nil
}

// Download opens an object reader
func (gp *GCSProvider) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := validateKey(key); err != nil {
		return nil, NewStorageError("download", key, "invalid key", err)
	}
	r, err := gp.object(key).NewReader(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil, &NotFoundError{Key: key}
	}
	if err != nil {
		return nil, NewStorageError("download", gp.Location(key), "failed to open object", err)
	}
	return r, nil
}

// List iterates the bucket under the provider prefix
func (gp *GCSProvider) List(ctx context.Context, prefix string) ([]Object, error) {
	var objects []Object
	it := gp.client.Bucket(gp.bucket).Objects(ctx, &gcs.Query{Prefix: gp.prefix + prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, NewStorageError("list", gp.Location(prefix), "failed to list objects", err)
		}
		objects = append(objects, Object{
			Key:      strings.TrimPrefix(attrs.Name, gp.prefix),
			Size:     attrs.Size,
			Modified: attrs.Updated,
		})
	}
	sortObjects(objects)
	return objects, nil
}

// Delete removes the object
func (gp *GCSProvider) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return NewStorageError("delete", key, "invalid key", err)
	}
	err := gp.object(key).Delete(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return &NotFoundError{Key: key}
	}
	if err != nil {
		return NewStorageError("delete", gp.Location(key), "failed to delete object", err)
	}
	return nil
}

// Close releases the client
func (gp *GCSProvider) Close() error {
	return gp.client.Close()
}
