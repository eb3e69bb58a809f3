package application

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"migration-guard/internal/archive"
	"migration-guard/internal/backup"
	"migration-guard/internal/config"
	"migration-guard/internal/errors"
	"migration-guard/internal/logging"
	"migration-guard/internal/storage"

	"github.com/spf13/afero"
)

// Pushed describes an archive written to offsite storage
type Pushed struct {
	Key      string
	Location string
	Bytes    int64
	Stats    archive.Stats
}

// Offsite copies verified backup sets to remote storage and back
type Offsite struct {
	provider   storage.Provider
	fs         afero.Fs
	opts       archive.Options
	passphrase string
	logger     *logging.Logger
}

// NewOffsite builds the storage provider and archive options from cfg
func NewOffsite(ctx context.Context, cfg config.OffsiteConfig, fs afero.Fs, logger *logging.Logger) (*Offsite, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	provider, err := storage.New(ctx, cfg.Storage, fs)
	if err != nil {
		return nil, errors.NewAppError(errors.ErrorTypeValidation, "failed to set up offsite storage", err)
	}
	return NewOffsiteWithProvider(provider, cfg, fs, logger)
}

// NewOffsiteWithProvider uses an existing provider
func NewOffsiteWithProvider(provider storage.Provider, cfg config.OffsiteConfig, fs afero.Fs, logger *logging.Logger) (*Offsite, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	algorithm, err := archive.ParseAlgorithm(cfg.Compression.Algorithm)
	if err != nil {
		return nil, errors.NewAppError(errors.ErrorTypeValidation, "invalid offsite compression", err)
	}
	passphrase, err := cfg.Encryption.Passphrase()
	if err != nil {
		return nil, errors.NewAppError(errors.ErrorTypeValidation, "offsite encryption passphrase is unavailable", err)
	}
	return &Offsite{
		provider:   provider,
		fs:         fs,
		passphrase: passphrase,
		logger:     logger,
		opts: archive.Options{
			Algorithm:  algorithm,
			Level:      cfg.Compression.Level,
			Passphrase: passphrase,
		},
	}, nil
}

// Provider returns the storage backend
func (o *Offsite) Provider() storage.Provider {
	return o.provider
}

// Close releases provider resources when the provider holds any
func (o *Offsite) Close() error {
	if c, ok := o.provider.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Push streams set as an archive to the provider. Only complete sets with a
// manifest are pushed.
func (o *Offsite) Push(ctx context.Context, set *backup.BackupSet) (pushed *Pushed, err error) {
	if set.Manifest == nil {
		return nil, errors.NewFatalPrecondition(fmt.Sprintf("backup %s has no manifest and cannot be copied offsite", set.ID), nil)
	}
	key := o.opts.Name(set.ID)
	done := o.logger.LogOperationStart("offsite_push", map[string]interface{}{"backup_id": set.ID, "key": key})
	defer func() { done(err) }()

	pr, pw := io.Pipe()
	counter := &countingWriter{w: pw}
	packed := make(chan archive.Stats, 1)
	go func() {
		stats, perr := archive.NewArchiver(o.fs, o.opts).Pack(set.Dir, counter)
		packed <- stats
		pw.CloseWithError(perr)
	}()

	uerr := o.provider.Upload(ctx, key, pr)
	// unblock the packer if the upload stopped reading early
	pr.CloseWithError(io.ErrClosedPipe)
	stats := <-packed
	if uerr != nil {
		return nil, errors.NewArtifactFailure("offsite_archive",
			fmt.Sprintf("failed to upload backup %s to %s", set.ID, o.provider.Location(key)), uerr)
	}

	pushed = &Pushed{Key: key, Location: o.provider.Location(key), Bytes: counter.n, Stats: stats}
	o.logger.LogArtifact("offsite_archive", pushed.Location, pushed.Bytes, nil)
	return pushed, nil
}

// List returns the backup archives held by the provider
func (o *Offsite) List(ctx context.Context) ([]storage.Object, error) {
	objects, err := o.provider.List(ctx, "")
	if err != nil {
		return nil, err
	}
	archives := objects[:0]
	for _, obj := range objects {
		if _, _, _, err := archive.ParseName(obj.Key); err == nil {
			archives = append(archives, obj)
		}
	}
	return archives, nil
}

// Fetch downloads the archive of backup id and unpacks it under
// destination. The codec is taken from the object name, so archives
// written with other settings can still be read. The returned set has been
// loaded from its manifest but not verified.
func (o *Offsite) Fetch(ctx context.Context, id, destination string) (set *backup.BackupSet, err error) {
	done := o.logger.LogOperationStart("offsite_fetch", map[string]interface{}{"backup_id": id, "destination": destination})
	defer func() { done(err) }()

	target := filepath.Join(destination, id)
	if exists, _ := afero.DirExists(o.fs, target); exists {
		return nil, errors.NewFatalPrecondition(fmt.Sprintf("%s already exists; remove it before fetching backup %s", target, id), nil)
	}

	key, algorithm, encrypted, err := o.find(ctx, id)
	if err != nil {
		return nil, err
	}
	if encrypted && o.passphrase == "" {
		return nil, errors.NewFatalPrecondition(fmt.Sprintf("archive %s is encrypted but no passphrase is configured", key), nil)
	}
	opts := archive.Options{Algorithm: algorithm}
	if encrypted {
		opts.Passphrase = o.passphrase
	}

	rc, err := o.provider.Download(ctx, key)
	if err != nil {
		return nil, errors.NewArtifactFailure("offsite_archive", fmt.Sprintf("failed to download %s", o.provider.Location(key)), err)
	}
	defer rc.Close()

	dir, stats, err := archive.NewArchiver(o.fs, opts).Unpack(rc, destination)
	if err != nil {
		return nil, errors.NewArtifactFailure("offsite_archive", fmt.Sprintf("failed to unpack %s", key), err)
	}
	if filepath.Base(dir) != id {
		return nil, errors.NewArtifactFailure("offsite_archive",
			fmt.Sprintf("archive %s unpacked into %s instead of %s", key, filepath.Base(dir), id), nil)
	}
	o.logger.WithFields(map[string]interface{}{
		"backup_id": id,
		"files":     stats.Files,
		"bytes":     stats.Bytes,
	}).Info("Backup archive unpacked")

	set, err = backup.LoadSet(dir)
	if err != nil {
		return nil, errors.NewArtifactFailure("manifest", fmt.Sprintf("fetched backup %s has no valid manifest", id), err)
	}
	return set, nil
}

func (o *Offsite) find(ctx context.Context, id string) (string, archive.Algorithm, bool, error) {
	objects, err := o.List(ctx)
	if err != nil {
		return "", "", false, errors.NewArtifactFailure("offsite_archive", "failed to list offsite archives", err)
	}
	for _, obj := range objects {
		objID, algorithm, encrypted, _ := archive.ParseName(obj.Key)
		if objID == id {
			return obj.Key, algorithm, encrypted, nil
		}
	}
	return "", "", false, errors.NewFatalPrecondition(fmt.Sprintf("no offsite archive found for backup %s", id), nil)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
