package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"migration-guard/internal/config"
)

func newLocal(t *testing.T) (*LocalProvider, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	p, err := NewLocalProvider(fs, "/offsite")
	require.NoError(t, err)
	return p, fs
}

func TestLocalUploadDownload(t *testing.T) {
	p, fs := newLocal(t)
	ctx := context.Background()

	require.NoError(t, p.Upload(ctx, "01J9ZX.tar.zst", strings.NewReader("archive-bytes")))

	rc, err := p.Download(ctx, "01J9ZX.tar.zst")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "archive-bytes", string(data))

	info, err := fs.Stat("/offsite/01J9ZX.tar.zst")
	require.NoError(t, err)
	assert.Equal(t, "-rw-------", info.Mode().Perm().String())
	assert.Equal(t, filepath.Join("/offsite", "01J9ZX.tar.zst"), p.Location("01J9ZX.tar.zst"))
}

func TestLocalUploadReplaces(t *testing.T) {
	p, _ := newLocal(t)
	ctx := context.Background()

	require.NoError(t, p.Upload(ctx, "a.tar", strings.NewReader("first")))
	require.NoError(t, p.Upload(ctx, "a.tar", strings.NewReader("second")))

	rc, err := p.Download(ctx, "a.tar")
	require.NoError(t, err)
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	assert.Equal(t, "second", string(data))
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk on fire") }

func TestLocalFailedUploadLeavesNothing(t *testing.T) {
	p, _ := newLocal(t)
	ctx := context.Background()

	err := p.Upload(ctx, "a.tar", io.MultiReader(strings.NewReader("partial"), failingReader{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk on fire")

	objects, err := p.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, objects)
}

func TestLocalUploadHonorsContext(t *testing.T) {
	p, _ := newLocal(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Upload(ctx, "a.tar", bytes.NewReader(make([]byte, 10)))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLocalList(t *testing.T) {
	p, fs := newLocal(t)
	ctx := context.Background()

	for _, key := range []string{"b.tar.zst", "a.tar.zst", "host1/c.tar.gz"} {
		require.NoError(t, p.Upload(ctx, key, strings.NewReader(key)))
	}
	require.NoError(t, afero.WriteFile(fs, "/offsite/.d.tar.zst.123.part", []byte("x"), 0o600))

	objects, err := p.List(ctx, "")
	require.NoError(t, err)
	var keys []string
	for _, o := range objects {
		keys = append(keys, o.Key)
	}
	assert.Equal(t, []string{"a.tar.zst", "b.tar.zst", "host1/c.tar.gz"}, keys)
	assert.Equal(t, int64(len("a.tar.zst")), objects[0].Size)

	objects, err = p.List(ctx, "host1/")
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, "host1/c.tar.gz", objects[0].Key)
}

func TestLocalNotFound(t *testing.T) {
	p, _ := newLocal(t)
	ctx := context.Background()

	_, err := p.Download(ctx, "missing.tar")
	var nf *NotFoundError
	assert.ErrorAs(t, err, &nf)

	assert.ErrorAs(t, p.Delete(ctx, "missing.tar"), &nf)
}

func TestLocalDelete(t *testing.T) {
	p, _ := newLocal(t)
	ctx := context.Background()

	require.NoError(t, p.Upload(ctx, "a.tar", strings.NewReader("x")))
	require.NoError(t, p.Delete(ctx, "a.tar"))
	_, err := p.Download(ctx, "a.tar")
	assert.Error(t, err)
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		key     string
		wantErr bool
	}{
		{"a.tar.zst", false},
		{"host/a.tar", false},
		{"", true},
		{"/etc/passwd", true},
		{"../escape", true},
		{"a/../../b", true},
		{"a//b", true},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			err := validateKey(tt.key)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNormalizePrefix(t *testing.T) {
	assert.Equal(t, "", normalizePrefix(""))
	assert.Equal(t, "backups/", normalizePrefix("/backups/"))
	assert.Equal(t, "a/b/", normalizePrefix("a/b"))
}

func TestNewSelectsProvider(t *testing.T) {
	p, err := New(context.Background(), config.StorageConfig{
		Provider: "local",
		Local:    &config.LocalConfig{BasePath: "/offsite"},
	}, afero.NewMemMapFs())
	require.NoError(t, err)
	assert.IsType(t, &LocalProvider{}, p)

	_, err = New(context.Background(), config.StorageConfig{Provider: "ftp"}, nil)
	assert.Error(t, err)

	_, err = New(context.Background(), config.StorageConfig{Provider: "s3", S3: &config.S3Config{}}, nil)
	assert.Error(t, err)
}

func TestNewS3ProviderUsesPrefix(t *testing.T) {
	p, err := NewS3Provider(&config.S3Config{Bucket: "b", Region: "eu-west-1", Prefix: "/nightly/"})
	require.NoError(t, err)
	assert.Equal(t, "s3://b/nightly/x.tar", p.Location("x.tar"))

	p, err = NewS3Provider(&config.S3Config{Bucket: "b", Region: "eu-west-1"})
	require.NoError(t, err)
	assert.Equal(t, "s3://b/migration-guard/x.tar", p.Location("x.tar"))
}

func TestNewAzureProviderLocation(t *testing.T) {
	p, err := NewAzureProvider(&config.AzureConfig{
		AccountName:   "acct",
		AccountKey:    "a2V5",
		ContainerName: "backups",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://acct.blob.core.windows.net/backups/migration-guard/x.tar", p.Location("x.tar"))
}
