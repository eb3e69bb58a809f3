package backup

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"migration-guard/internal/config"
	"migration-guard/internal/database"
	"migration-guard/internal/errors"
	"migration-guard/internal/logging"
	"migration-guard/internal/secrets"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/afero"
)

// Datastore is the read access the manager needs to dump tables
type Datastore interface {
	GetVersion(ctx context.Context) (string, error)
	Columns(ctx context.Context, table string) ([]string, error)
	StreamRows(ctx context.Context, query string, fn func(columns []string, values []*string) error, args ...interface{}) error
}

// Manager creates backup sets
type Manager struct {
	cfg         *config.Config
	store       Datastore
	tool        secrets.Tool
	fs          afero.Fs
	logger      *logging.Logger
	toolVersion string
}

// NewManager creates a backup manager
func NewManager(cfg *config.Config, store Datastore, tool secrets.Tool, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Manager{
		cfg:         cfg,
		store:       store,
		tool:        tool,
		fs:          afero.NewOsFs(),
		logger:      logger,
		toolVersion: "dev",
	}
}

// WithFs replaces the filesystem used for file copies
func (m *Manager) WithFs(fs afero.Fs) *Manager {
	m.fs = fs
	return m
}

// WithToolVersion records the migration-guard version in backup logs
func (m *Manager) WithToolVersion(v string) *Manager {
	m.toolVersion = v
	return m
}

// NewBackupID returns a new time-sortable backup ID
func NewBackupID() string {
	return ulid.Make().String()
}

// Backup creates a new backup directory under destination and fills it
func (m *Manager) Backup(ctx context.Context, destination string) (*BackupSet, error) {
	return m.BackupTo(ctx, filepath.Join(destination, NewBackupID()))
}

// BackupTo fills dir, whose base name must be a backup ID. The directory may
// already exist and hold the run log. Every artifact is attempted; failures
// are aggregated and the manifest is written only when all succeeded.
// Partial artifacts are left in place.
func (m *Manager) BackupTo(ctx context.Context, dir string) (set *BackupSet, err error) {
	id := filepath.Base(dir)
	if _, perr := ulid.ParseStrict(id); perr != nil {
		return nil, errors.NewFatalPrecondition(fmt.Sprintf("backup directory name %q is not a backup ID", id), perr)
	}

	done := m.logger.LogOperationStart("backup", map[string]interface{}{"backup_id": id, "dir": dir})
	defer func() { done(err) }()

	if err := m.fs.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.NewArtifactFailure("backup_directory", fmt.Sprintf("failed to create %s", dir), err)
	}
	set = &BackupSet{ID: id, Dir: dir}

	var failures []error
	fail := func(artifact string, err error) {
		failures = append(failures, Problem{Artifact: artifact, Message: "failed", Fatal: true, Cause: err})
	}

	toc, err := m.dumpDatastore(ctx, set.DumpPath())
	if err != nil {
		fail(ArtifactDatastoreDump, err)
	}

	secretCopies := []struct {
		artifact string
		src      string
		dst      string
	}{
		{ArtifactSecretBundle, m.cfg.Secrets.BundlePath, set.BundlePath()},
		{ArtifactSecretKey, m.cfg.Secrets.KeyPath, set.KeyPath()},
		{ArtifactSecretConfig, m.cfg.Secrets.SopsConfig, set.ConfigPath()},
	}
	for _, c := range secretCopies {
		if err := m.copySecret(c.artifact, c.src, c.dst); err != nil {
			fail(c.artifact, err)
		}
	}

	if err := m.copyFileTree(set.FileTreePath()); err != nil {
		fail(ArtifactFileTree, err)
	}

	if err := m.ensureRunLog(set.LogPath()); err != nil {
		fail(ArtifactRunLog, err)
	}

	manifest := &Manifest{
		BackupID:           id,
		BackupTimestamp:    time.Now().UTC(),
		ApplicationVersion: m.applicationVersion(),
		OS:                 m.detectOS(),
		Database:           m.cfg.Database.Name,
		Tables:             toc,
		Contents:           DefaultContents(),
	}
	if manifest.DatastoreVersion, err = m.store.GetVersion(ctx); err != nil {
		fail("datastore_version", err)
	}
	if manifest.SecretToolVersion, err = m.tool.Version(ctx); err != nil {
		fail("secret_tool_version", err)
	}

	if len(failures) > 0 {
		return set, errors.NewArtifactFailure("backup",
			fmt.Sprintf("backup %s failed for %d artifact(s); partial artifacts kept in %s", id, len(failures), dir),
			stderrors.Join(failures...))
	}

	if err := WriteManifest(dir, manifest); err != nil {
		return set, errors.NewArtifactFailure("manifest", "failed to finalize backup", err)
	}
	set.Manifest = manifest

	m.logger.WithFields(map[string]interface{}{
		"backup_id":    id,
		"tables":       len(toc),
		"rows":         (&DumpSummary{Tables: toc}).Rows(),
		"tool_version": m.toolVersion,
	}).Info("Backup completed")
	return set, nil
}

func (m *Manager) dumpDatastore(ctx context.Context, path string) (toc []TOCEntry, err error) {
	f, err := m.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
		var size int64
		if info, serr := m.fs.Stat(path); serr == nil {
			size = info.Size()
		}
		m.logger.LogArtifact(ArtifactDatastoreDump, path, size, err)
	}()

	dw, err := NewDumpWriter(f, m.cfg.Database.Name)
	if err != nil {
		return nil, err
	}

	for _, t := range config.Catalog(m.cfg.Tables).BackupTables() {
		if err := m.dumpTable(ctx, dw, t); err != nil {
			dw.Close()
			return nil, err
		}
	}

	if err := dw.Close(); err != nil {
		return nil, err
	}
	if err := f.Sync(); err != nil {
		return nil, err
	}
	return dw.TOC(), nil
}

func (m *Manager) dumpTable(ctx context.Context, dw *DumpWriter, t config.TableSpec) error {
	columns, err := m.store.Columns(ctx, t.Name)
	if err != nil {
		return err
	}
	if err := dw.BeginTable(t.Name, columns); err != nil {
		return err
	}

	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s",
		database.QuoteIdents(columns), database.QuoteIdent(t.Name), database.QuoteIdents(t.PrimaryKey))
	return m.store.StreamRows(ctx, query, func(_ []string, values []*string) error {
		return dw.WriteRow(values)
	})
}

// copySecret copies key material verbatim and tightens the copy to 0600
func (m *Manager) copySecret(artifact, src, dst string) error {
	if src == "" {
		return fmt.Errorf("no source path configured")
	}

	n, err := copyFile(m.fs, src, dst, 0o600)
	if err == nil {
		err = m.fs.Chmod(dst, 0o600)
	}
	m.logger.LogArtifact(artifact, dst, n, err)
	return err
}

// copyFileTree mirrors the user data directory. A missing source yields an
// empty mirror and a warning.
func (m *Manager) copyFileTree(dst string) error {
	src := m.cfg.Install.UserDataPath()

	exists, err := afero.DirExists(m.fs, src)
	if err != nil {
		return err
	}
	if !exists {
		m.logger.WithField("path", src).Warn("User data directory does not exist; backing up an empty file tree")
		if err := m.fs.MkdirAll(dst, 0o750); err != nil {
			return err
		}
		m.logger.LogArtifact(ArtifactFileTree, dst, 0, nil)
		return nil
	}

	stats, err := CopyTree(m.fs, src, dst)
	m.logger.LogArtifact(ArtifactFileTree, dst, stats.Bytes, err)
	if err == nil {
		m.logger.WithFields(map[string]interface{}{
			"files":    stats.Files,
			"dirs":     stats.Dirs,
			"symlinks": stats.Symlinks,
		}).Info("User data copied")
	}
	return err
}

// ensureRunLog makes sure the backup directory holds the run log. A logger
// writing elsewhere is copied in; without any log an empty file is created.
func (m *Manager) ensureRunLog(dst string) error {
	if exists, _ := afero.Exists(m.fs, dst); exists {
		return nil
	}

	if src := m.logger.LogFile(); src != "" {
		n, err := copyFile(m.fs, src, dst, 0o640)
		m.logger.LogArtifact(ArtifactRunLog, dst, n, err)
		return err
	}

	m.logger.Warn("No run log file is configured; writing an empty run log")
	return afero.WriteFile(m.fs, dst, nil, 0o640)
}

func (m *Manager) applicationVersion() string {
	data, err := afero.ReadFile(m.fs, m.cfg.Install.VersionPath())
	if err != nil {
		m.logger.WithField("path", m.cfg.Install.VersionPath()).Warn("Application version file is unreadable")
		return "unknown"
	}
	v := strings.TrimSpace(string(data))
	if v == "" {
		return "unknown"
	}
	return v
}

// detectOS reports the distribution from /etc/os-release when available
func (m *Manager) detectOS() string {
	platform := runtime.GOOS + "/" + runtime.GOARCH

	f, err := m.fs.Open("/etc/os-release")
	if err != nil {
		return platform
	}
	defer f.Close()

	name := prettyName(f)
	if name == "" {
		return platform
	}
	return fmt.Sprintf("%s (%s)", name, platform)
}

func prettyName(r io.Reader) string {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if v, ok := strings.CutPrefix(line, "PRETTY_NAME="); ok {
			return strings.Trim(v, `"'`)
		}
	}
	return ""
}
