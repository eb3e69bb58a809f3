package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"migration-guard/internal/config"
)

// S3Provider stores archives in an Amazon S3 bucket
type S3Provider struct {
	client   *s3.S3
	uploader *s3manager.Uploader
	bucket   string
	prefix   string
}

// NewS3Provider creates an S3 provider. Static keys are used when
// configured; otherwise the SDK's default credential chain applies.
func NewS3Provider(cfg *config.S3Config) (*S3Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("S3 storage configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid S3 storage configuration: %w", err)
	}

	awsCfg := &aws.Config{Region: aws.String(cfg.Region)}
	if cfg.AccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, NewStorageError("init", cfg.Bucket, "failed to create AWS session", err)
	}

	prefix := DefaultPrefix
	if cfg.Prefix != "" {
		prefix = normalizePrefix(cfg.Prefix)
	}
	return &S3Provider{
		client:   s3.New(sess),
		uploader: s3manager.NewUploader(sess),
		bucket:   cfg.Bucket,
		prefix:   prefix,
	}, nil
}

func (sp *S3Provider) objectKey(key string) string {
	return sp.prefix + key
}

// Location returns the s3:// URL of key
func (sp *S3Provider) Location(key string) string {
	return fmt.Sprintf("s3://%s/%s", sp.bucket, sp.objectKey(key))
}

// Upload streams r with the multipart uploader
func (sp *S3Provider) Upload(ctx context.Context, key string, r io.Reader) error {
	if err := validateKey(key); err != nil {
		return NewStorageError("upload", key, "invalid key", err)
	}
	_, err := sp.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(sp.bucket),
		Key:         aws.String(sp.objectKey(key)),
		Body:        r,
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return NewStorageError("upload", sp.Location(key), "failed to upload object", err)
	}
	return nil
}

// Download opens the object body
func (sp *S3Provider) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := validateKey(key); err != nil {
		return nil, NewStorageError("download", key, "invalid key", err)
	}
	out, err := sp.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(sp.bucket),
		Key:    aws.String(sp.objectKey(key)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, &NotFoundError{Key: key}
		}
		return nil, NewStorageError("download", sp.Location(key), "failed to get object", err)
	}
	return out.Body, nil
}

// List pages through the bucket under the provider prefix
func (sp *S3Provider) List(ctx context.Context, prefix string) ([]Object, error) {
	var objects []Object
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(sp.bucket),
		Prefix: aws.String(sp.objectKey(prefix)),
	}
	err := sp.client.ListObjectsV2PagesWithContext(ctx, input,
		func(page *s3.ListObjectsV2Output, lastPage bool) bool {
			for _, obj := range page.Contents {
				objects = append(objects, Object{
					Key:      strings.TrimPrefix(aws.StringValue(obj.Key), sp.prefix),
					Size:     aws.Int64Value(obj.Size),
					Modified: aws.TimeValue(obj.LastModified),
				})
			}
			return true
		})
	if err != nil {
		return nil, NewStorageError("list", sp.Location(prefix), "failed to list objects", err)
	}
	sortObjects(objects)
	return objects, nil
}

// Delete removes the object
func (sp *S3Provider) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return NewStorageError("delete", key, "invalid key", err)
	}
	_, err := sp.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(sp.bucket),
		Key:    aws.String(sp.objectKey(key)),
	})
	if err != nil {
		return NewStorageError("delete", sp.Location(key), "failed to delete object", err)
	}
	return nil
}

func isS3NotFound(err error) bool {
	if aerr, ok := err.(awserr.Error); ok {
		return aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound"
	}
	return false
}
