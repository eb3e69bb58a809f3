package preflight

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"migration-guard/internal/config"
	"migration-guard/internal/database"
	apperrors "migration-guard/internal/errors"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const encryptedBundle = `database:
    password: ENC[AES256_GCM,data:abc,iv:def,tag:ghi,type:str]
sops:
    mac: ENC[AES256_GCM,data:mac,iv:iv,tag:tag,type:str]
    version: 3.8.1
`

type fakeTool struct {
	plaintext  string
	decryptErr error
}

func (f *fakeTool) Decrypt(ctx context.Context, bundlePath, keyPath string) ([]byte, error) {
	if f.decryptErr != nil {
		return nil, f.decryptErr
	}
	return []byte(f.plaintext), nil
}

func (f *fakeTool) Encrypt(ctx context.Context, plaintext []byte, recipient string) ([]byte, error) {
	return nil, errors.New("not used")
}

func (f *fakeTool) Version(ctx context.Context) (string, error) { return "3.8.1", nil }

type fakeDialer struct {
	db  *sql.DB
	err error
}

func (d *fakeDialer) Connect(ctx context.Context) (*sql.DB, database.Credential, error) {
	if d.err != nil {
		return nil, "", d.err
	}
	return d.db, database.CredentialPrivilegedSocket, nil
}

func newConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	install := filepath.Join(root, "srv", "notes")
	live := filepath.Join(root, "etc", "notes")

	require.NoError(t, os.MkdirAll(filepath.Join(install, "data", "users", "alice"), 0o750))
	require.NoError(t, os.MkdirAll(filepath.Join(install, "bin"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(install, "bin", "notes-server"), make([]byte, 2048), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(install, "data", "users", "alice", "a.md"), make([]byte, 1024), 0o640))
	require.NoError(t, os.MkdirAll(live, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(live, "secrets.enc.yaml"), []byte(encryptedBundle), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(live, "age.key"), []byte("AGE-SECRET-KEY-1XYZ\n"), 0o600))

	cfg := &config.Config{
		Install: config.InstallConfig{
			Dir:     install,
			Markers: []string{"bin/notes-server"},
		},
		Database: config.DatabaseConfig{Name: "notesdb", Socket: "/run/mysqld/mysqld.sock"},
		Secrets: config.SecretsConfig{
			BundlePath: filepath.Join(live, "secrets.enc.yaml"),
			KeyPath:    filepath.Join(live, "age.key"),
			Required:   []string{"database.password"},
		},
		Backup: config.BackupConfig{Destination: filepath.Join(root, "backups")},
	}
	cfg.SetDefaults()
	return cfg
}

func healthyDatastore(t *testing.T, sessions int, dataSize int64) (*fakeDialer, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1")).WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta("information_schema.PROCESSLIST")).WithArgs("notesdb").
		WillReturnRows(sqlmock.NewRows([]string{"COUNT(*)"}).AddRow(sessions))
	mock.ExpectQuery(regexp.QuoteMeta("information_schema.TABLES")).WithArgs("notesdb").
		WillReturnRows(sqlmock.NewRows([]string{"size"}).AddRow(dataSize))
	mock.ExpectClose()
	return &fakeDialer{db: db}, mock
}

func plenty(string) (uint64, error) { return 1 << 40, nil }

func TestValidatePasses(t *testing.T) {
	cfg := newConfig(t)
	dialer, mock := healthyDatastore(t, 0, 4096)

	report, err := NewValidator(cfg, dialer, &fakeTool{plaintext: "database:\n  password: s3cret\n"}, nil).
		WithFreeSpaceFunc(plenty).
		Validate(context.Background())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	assert.True(t, report.OK())
	assert.Empty(t, report.Warnings)
	assert.Equal(t, database.CredentialPrivilegedSocket, report.Credential)
	assert.Equal(t, SpaceEstimate{Datastore: 4096, FileTree: 1024, Install: 3072}, report.Estimate)
	assert.ElementsMatch(t, []Check{
		CheckInstallation, CheckSecretBundle, CheckSecretKey, CheckSecretDecrypt,
		CheckSecretRequired, CheckDatastore, CheckActiveSessions, CheckDiskSpace,
	}, report.Passed)
}

func TestValidateMakesNoWrites(t *testing.T) {
	cfg := newConfig(t)
	dialer, _ := healthyDatastore(t, 0, 0)

	_, err := NewValidator(cfg, dialer, &fakeTool{plaintext: "database:\n  password: x\n"}, nil).
		WithFreeSpaceFunc(plenty).
		Validate(context.Background())
	require.NoError(t, err)
	assert.NoDirExists(t, cfg.Backup.Destination)
}

func TestValidateInsufficientSpace(t *testing.T) {
	cfg := newConfig(t)
	dialer, _ := healthyDatastore(t, 0, 4096)

	var probed string
	report, err := NewValidator(cfg, dialer, &fakeTool{plaintext: "database:\n  password: x\n"}, nil).
		WithFreeSpaceFunc(func(path string) (uint64, error) {
			probed = path
			return 16383, nil
		}).
		Validate(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeFatalPrecondition))
	assert.Equal(t, cfg.Backup.Destination, probed)

	require.Len(t, report.Failures, 1)
	assert.Equal(t, CheckDiskSpace, report.Failures[0].Check)
	assert.Contains(t, report.Failures[0].Message, "16383 bytes free")
	assert.Contains(t, report.Failures[0].Message, "16384 required")
	assert.Equal(t, int64(16384), report.Estimate.Required())
}

func TestValidateReportsEveryFailure(t *testing.T) {
	cfg := newConfig(t)
	cfg.Install.Markers = append(cfg.Install.Markers, "etc/notes.conf")
	require.NoError(t, os.Chmod(cfg.Secrets.KeyPath, 0o644))

	report, err := NewValidator(cfg, &fakeDialer{err: errors.New("connection refused")},
		&fakeTool{decryptErr: errors.New("no matching key")}, nil).
		WithFreeSpaceFunc(plenty).
		Validate(context.Background())
	require.Error(t, err)

	var checks []Check
	for _, f := range report.Failures {
		checks = append(checks, f.Check)
	}
	assert.Equal(t, []Check{CheckInstallation, CheckSecretKey, CheckSecretDecrypt, CheckDatastore}, checks)
	assert.Contains(t, err.Error(), "etc/notes.conf")
	assert.Contains(t, err.Error(), "world-readable")
}

func TestValidateGroupReadableKeyIsAWarning(t *testing.T) {
	cfg := newConfig(t)
	require.NoError(t, os.Chmod(cfg.Secrets.KeyPath, 0o640))
	dialer, _ := healthyDatastore(t, 2, 0)

	report, err := NewValidator(cfg, dialer, &fakeTool{plaintext: "database:\n  password: x\n"}, nil).
		WithFreeSpaceFunc(plenty).
		Validate(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Warnings, 2)
	assert.Equal(t, CheckSecretKey, report.Warnings[0].Check)
	assert.Equal(t, CheckActiveSessions, report.Warnings[1].Check)
	assert.Contains(t, report.Warnings[1].Message, "2 other session(s)")
}

func TestValidatePlaintextBundle(t *testing.T) {
	cfg := newConfig(t)
	require.NoError(t, os.WriteFile(cfg.Secrets.BundlePath, []byte("database:\n  password: x\n"), 0o600))
	dialer, _ := healthyDatastore(t, 0, 0)

	report, err := NewValidator(cfg, dialer, &fakeTool{plaintext: "database:\n  password: x\n"}, nil).
		WithFreeSpaceFunc(plenty).
		Validate(context.Background())
	require.Error(t, err)
	assert.Equal(t, CheckSecretBundle, report.Failures[0].Check)
}

func TestValidateMissingRequiredSecret(t *testing.T) {
	cfg := newConfig(t)
	dialer, _ := healthyDatastore(t, 0, 0)

	report, err := NewValidator(cfg, dialer, &fakeTool{plaintext: "smtp:\n  password: x\n"}, nil).
		WithFreeSpaceFunc(plenty).
		Validate(context.Background())
	require.Error(t, err)
	assert.Equal(t, CheckSecretRequired, report.Failures[0].Check)
}

func TestStatfsFreeSpaceUsesNearestParent(t *testing.T) {
	dir := t.TempDir()
	free, err := StatfsFreeSpace(filepath.Join(dir, "not", "yet", "created"))
	require.NoError(t, err)
	assert.Greater(t, free, uint64(0))
}

