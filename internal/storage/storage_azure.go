package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/Azure/azure-storage-blob-go/azblob"

	"migration-guard/internal/config"
)

// AzureProvider stores archives in an Azure Blob Storage container
type AzureProvider struct {
	container azblob.ContainerURL
	account   string
	name      string
	prefix    string
}

// NewAzureProvider creates an Azure provider using shared key credentials
func NewAzureProvider(cfg *config.AzureConfig) (*AzureProvider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("Azure storage configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid Azure storage configuration: %w", err)
	}

	credential, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, NewStorageError("init", cfg.ContainerName, "failed to create Azure credentials", err)
	}
	pipeline := azblob.NewPipeline(credential, azblob.PipelineOptions{})

	serviceURL, err := url.Parse(fmt.Sprintf("https://%s.blob.core.windows.net", cfg.AccountName))
	if err != nil {
		return nil, NewStorageError("init", cfg.ContainerName, "failed to parse Azure service URL", err)
	}

	return &AzureProvider{
		container: azblob.NewServiceURL(*serviceURL, pipeline).NewContainerURL(cfg.ContainerName),
		account:   cfg.AccountName,
		name:      cfg.ContainerName,
		prefix:    DefaultPrefix,
	}, nil
}

func (ap *AzureProvider) blob(key string) azblob.BlockBlobURL {
	return ap.container.NewBlockBlobURL(ap.prefix + key)
}

// Location returns the blob URL of key
func (ap *AzureProvider) Location(key string) string {
	return fmt.Sprintf("https://%s.blob.core.windows.net/%s/%s%s", ap.account, ap.name, ap.prefix, key)
}

// Upload streams r as a block blob
func (ap *AzureProvider) Upload(ctx context.Context, key string, r io.Reader) error {
	if err := validateKey(key); err != nil {
		return NewStorageError("upload", key, "invalid key", err)
	}
	_, err := azblob.UploadStreamToBlockBlob(ctx, r, ap.blob(key), azblob.UploadStreamToBlockBlobOptions{
		BufferSize: 4 * 1024 * 1024,
		MaxBuffers: 4,
		BlobHTTPHeaders: azblob.BlobHTTPHeaders{
			ContentType: "application/octet-stream",
		},
	})
	if err != nil {
		return NewStorageError("upload", ap.Location(key), "failed to upload blob", err)
	}
	return nil
}

// Download opens the blob body with the SDK's retrying reader
func (ap *AzureProvider) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := validateKey(key); err != nil {
		return nil, NewStorageError("download", key, "invalid key", err)
	}
	resp, err := ap.blob(key).Download(ctx, 0, azblob.CountToEnd, azblob.BlobAccessConditions{}, false, azblob.ClientProvidedKeyOptions{})
	if err != nil {
		if isAzureNotFound(err) {
			return nil, &NotFoundError{Key: key}
		}
		return nil, NewStorageError("download", ap.Location(key), "failed to download blob", err)
	}
	return resp.Body(azblob.RetryReaderOptions{MaxRetryRequests: 20}), nil
}

// List pages through the container under the provider prefix
func (ap *AzureProvider) List(ctx context.Context, prefix string) ([]Object, error) {
	var objects []Object
	for marker := (azblob.Marker{}); marker.NotDone(); {
		resp, err := ap.container.ListBlobsFlatSegment(ctx, marker, azblob.ListBlobsSegmentOptions{
			Prefix: ap.prefix + prefix,
		})
		if err != nil {
			return nil, NewStorageError("list", ap.Location(prefix), "failed to list blobs", err)
		}
		for _, item := range resp.Segment.BlobItems {
			obj := Object{
				Key:      strings.TrimPrefix(item.Name, ap.prefix),
				Modified: item.Properties.LastModified,
			}
			if item.Properties.ContentLength != nil {
				obj.Size = *item.Properties.ContentLength
			}
			objects = append(objects, obj)
		}
		marker = resp.NextMarker
	}
	sortObjects(objects)
	return objects, nil
}

// Delete removes the blob and its snapshots
func (ap *AzureProvider) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return NewStorageError("delete", key, "invalid key", err)
	}
	_, err := ap.blob(key).Delete(ctx, azblob.DeleteSnapshotsOptionInclude, azblob.BlobAccessConditions{})
	if err != nil {
		if isAzureNotFound(err) {
			return &NotFoundError{Key: key}
		}
		return NewStorageError("delete", ap.Location(key), "failed to delete blob", err)
	}
	return nil
}

func isAzureNotFound(err error) bool {
	if serr, ok := err.(azblob.StorageError); ok {
		return serr.ServiceCode() == azblob.ServiceCodeBlobNotFound
	}
	return false
}
