package restore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"migration-guard/internal/backup"
	"migration-guard/internal/config"
	"migration-guard/internal/database"
	apperrors "migration-guard/internal/errors"
	"migration-guard/internal/logging"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const backedUpBundle = `database:
    password: ENC[AES256_GCM,data:old,iv:a,tag:b,type:str]
sops:
    age:
        - recipient: age1old
    mac: ENC[AES256_GCM,data:mac,iv:iv,tag:tag,type:str]
    version: 3.8.1
`

const reencryptedBundle = `database:
    password: ENC[AES256_GCM,data:new,iv:a,tag:b,type:str]
sops:
    age:
        - recipient: age1new
    mac: ENC[AES256_GCM,data:mac2,iv:iv,tag:tag,type:str]
    version: 3.8.1
`

type fakeTool struct {
	decryptErr error
	recipient  string
}

func (f *fakeTool) Decrypt(ctx context.Context, bundlePath, keyPath string) ([]byte, error) {
	if f.decryptErr != nil {
		return nil, f.decryptErr
	}
	return []byte("database:\n    password: s3cret\n"), nil
}

func (f *fakeTool) Encrypt(ctx context.Context, plaintext []byte, recipient string) ([]byte, error) {
	f.recipient = recipient
	return []byte(reencryptedBundle), nil
}

func (f *fakeTool) Version(ctx context.Context) (string, error) { return "3.8.1", nil }

func strPtr(s string) *string { return &s }

type fixture struct {
	cfg *config.Config
	set *backup.BackupSet
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()

	id := ulid.Make().String()
	dir := filepath.Join(root, "backups", id)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, backup.FileTreeDir, "alice"), 0o750))

	f, err := os.OpenFile(filepath.Join(dir, backup.DumpFile), os.O_CREATE|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	dw, err := backup.NewDumpWriter(f, "notesdb")
	require.NoError(t, err)
	require.NoError(t, dw.BeginTable("notes", []string{"id", "body"}))
	require.NoError(t, dw.WriteRow([]*string{strPtr("1"), strPtr("first")}))
	require.NoError(t, dw.WriteRow([]*string{strPtr("2"), nil}))
	require.NoError(t, dw.WriteRow([]*string{strPtr("3"), strPtr("third")}))
	require.NoError(t, dw.BeginTable("users", []string{"id", "username"}))
	require.NoError(t, dw.WriteRow([]*string{strPtr("1"), strPtr("alice")}))
	require.NoError(t, dw.Close())
	require.NoError(t, f.Close())

	files := map[string]string{
		backup.BundleFile:       backedUpBundle,
		backup.KeyFile:          "AGE-SECRET-KEY-1OLD\n",
		backup.SecretConfigFile: "creation_rules:\n  - age: age1old\n",
		backup.RunLogFile:       "",
		filepath.Join(backup.FileTreeDir, "alice", "notes.md"): "# restored",
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
	}

	require.NoError(t, backup.WriteManifest(dir, &backup.Manifest{
		BackupID:           id,
		BackupTimestamp:    time.Now().UTC(),
		ApplicationVersion: "2.4.0",
		DatastoreVersion:   "8.0.36",
		SecretToolVersion:  "3.8.1",
		OS:                 "linux/amd64",
		Database:           "notesdb",
		Tables:             dw.TOC(),
		Contents:           backup.DefaultContents(),
	}))
	set, err := backup.LoadSet(dir)
	require.NoError(t, err)

	install := filepath.Join(root, "srv", "notes")
	live := filepath.Join(root, "etc", "notes")
	require.NoError(t, os.MkdirAll(filepath.Join(install, "data", "users", "bob"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(install, "data", "users", "bob", "old.txt"), []byte("stale"), 0o640))
	require.NoError(t, os.MkdirAll(live, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(live, "secrets.enc.yaml"), []byte("stale"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(live, "age.key"), []byte("AGE-SECRET-KEY-1NEW\n"), 0o600))

	cfg := &config.Config{
		Install:  config.InstallConfig{Dir: install},
		Database: config.DatabaseConfig{Name: "notesdb"},
		Secrets: config.SecretsConfig{
			BundlePath: filepath.Join(live, "secrets.enc.yaml"),
			KeyPath:    filepath.Join(live, "age.key"),
			SopsConfig: filepath.Join(live, ".sops.yaml"),
		},
		Restore: config.RestoreConfig{BatchSize: 2},
		Tables: []config.TableSpec{
			{Name: "users", Backup: true, Count: true, Role: config.RoleIdentity},
			{Name: "notes", Backup: true, Count: true, Role: config.RoleContent},
		},
	}
	cfg.SetDefaults()
	return &fixture{cfg: cfg, set: set}
}

func newStore(t *testing.T) (*database.Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return database.NewService(db, "notesdb", logging.NewNopLogger()), mock
}

func exec(mock sqlmock.Sqlmock, query string) *sqlmock.ExpectedExec {
	return mock.ExpectExec(regexp.QuoteMeta(query))
}

func TestRestore(t *testing.T) {
	fx := newFixture(t)
	store, mock := newStore(t)

	mock.ExpectBegin()
	exec(mock, "SET FOREIGN_KEY_CHECKS=0").WillReturnResult(sqlmock.NewResult(0, 0))
	exec(mock, "DELETE FROM `notes`").WillReturnResult(sqlmock.NewResult(0, 7))
	exec(mock, "INSERT INTO `notes` (`id`, `body`) VALUES (?, ?), (?, ?)").
		WithArgs("1", "first", "2", nil).WillReturnResult(sqlmock.NewResult(0, 2))
	exec(mock, "INSERT INTO `notes` (`id`, `body`) VALUES (?, ?)").
		WithArgs("3", "third").WillReturnResult(sqlmock.NewResult(0, 1))
	exec(mock, "DELETE FROM `users`").WillReturnResult(sqlmock.NewResult(0, 1))
	exec(mock, "INSERT INTO `users` (`id`, `username`) VALUES (?, ?)").
		WithArgs("1", "alice").WillReturnResult(sqlmock.NewResult(0, 1))
	exec(mock, "SET FOREIGN_KEY_CHECKS=1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	result, err := NewOrchestrator(fx.cfg, store, &fakeTool{}, nil).Restore(context.Background(), fx.set)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	assert.False(t, result.Degraded)
	assert.Equal(t, []backup.TOCEntry{{Name: "notes", Rows: 3}, {Name: "users", Rows: 1}}, result.Tables)

	bundle, err := os.ReadFile(fx.cfg.Secrets.BundlePath)
	require.NoError(t, err)
	assert.Equal(t, backedUpBundle, string(bundle))
	for _, p := range []string{fx.cfg.Secrets.BundlePath, fx.cfg.Secrets.KeyPath, fx.cfg.Secrets.SopsConfig} {
		info, err := os.Stat(p)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm(), p)
	}

	userData := fx.cfg.Install.UserDataPath()
	assert.FileExists(t, filepath.Join(userData, "alice", "notes.md"))
	assert.NoFileExists(t, filepath.Join(userData, "bob", "old.txt"))
	assert.FileExists(t, filepath.Join(result.ReplacedTree, "bob", "old.txt"))
	assert.Equal(t, 1, result.Files.Files)
}

func TestRestoreDegradedWhenCanaryHasRows(t *testing.T) {
	fx := newFixture(t)
	store, mock := newStore(t)

	mock.ExpectBegin()
	exec(mock, "SET FOREIGN_KEY_CHECKS=0").WillReturnResult(sqlmock.NewResult(0, 0))
	exec(mock, "DELETE FROM `notes`").WillReturnResult(sqlmock.NewResult(0, 0))
	exec(mock, "INSERT INTO `notes`").WillReturnError(errors.New("Error 1452: Cannot add or update a child row"))
	mock.ExpectRollback()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM `users`")).
		WillReturnRows(sqlmock.NewRows([]string{"COUNT(*)"}).AddRow(5))

	result, err := NewOrchestrator(fx.cfg, store, &fakeTool{}, nil).Restore(context.Background(), fx.set)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	assert.True(t, result.Degraded)
	assert.Equal(t, int64(5), result.CanaryCount)
	require.NotEmpty(t, result.Warnings)
	degraded := result.Warnings[len(result.Warnings)-1]
	assert.Contains(t, degraded, "dump was not applied")
	assert.Contains(t, degraded, "live data kept")
	assert.Contains(t, degraded, "canary table users holds 5 rows")
	assert.FileExists(t, filepath.Join(fx.cfg.Install.UserDataPath(), "alice", "notes.md"))
}

func TestRestoreFailsWhenCanaryIsEmpty(t *testing.T) {
	fx := newFixture(t)
	store, mock := newStore(t)

	mock.ExpectBegin()
	exec(mock, "SET FOREIGN_KEY_CHECKS=0").WillReturnError(errors.New("Error 1227: Access denied"))
	mock.ExpectRollback()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM `users`")).
		WillReturnRows(sqlmock.NewRows([]string{"COUNT(*)"}).AddRow(0))

	_, err := NewOrchestrator(fx.cfg, store, &fakeTool{}, nil).Restore(context.Background(), fx.set)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeArtifactFailure))
	assert.Contains(t, err.Error(), "canary table users is empty")
	assert.FileExists(t, filepath.Join(fx.cfg.Install.UserDataPath(), "bob", "old.txt"), "file tree is not touched")
}

func TestRestoreRefusesUnverifiableSet(t *testing.T) {
	fx := newFixture(t)
	store, mock := newStore(t)

	_, err := NewOrchestrator(fx.cfg, store, &fakeTool{decryptErr: errors.New("MAC mismatch")}, nil).
		Restore(context.Background(), fx.set)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	bundle, err := os.ReadFile(fx.cfg.Secrets.BundlePath)
	require.NoError(t, err)
	assert.Equal(t, "stale", string(bundle), "live bundle untouched")
}

func TestRestoreReencryptsForNewRecipient(t *testing.T) {
	fx := newFixture(t)
	fx.cfg.Restore.ReencryptRecipient = "age1new"
	store, mock := newStore(t)

	mock.ExpectBegin()
	exec(mock, "SET FOREIGN_KEY_CHECKS=0").WillReturnResult(sqlmock.NewResult(0, 0))
	exec(mock, "DELETE FROM `notes`").WillReturnResult(sqlmock.NewResult(0, 0))
	exec(mock, "INSERT INTO `notes`").WillReturnResult(sqlmock.NewResult(0, 2))
	exec(mock, "INSERT INTO `notes`").WillReturnResult(sqlmock.NewResult(0, 1))
	exec(mock, "DELETE FROM `users`").WillReturnResult(sqlmock.NewResult(0, 0))
	exec(mock, "INSERT INTO `users`").WillReturnResult(sqlmock.NewResult(0, 1))
	exec(mock, "SET FOREIGN_KEY_CHECKS=1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	tool := &fakeTool{}
	result, err := NewOrchestrator(fx.cfg, store, tool, nil).Restore(context.Background(), fx.set)
	require.NoError(t, err)

	assert.Equal(t, "age1new", tool.recipient)
	bundle, err := os.ReadFile(fx.cfg.Secrets.BundlePath)
	require.NoError(t, err)
	assert.Equal(t, reencryptedBundle, string(bundle))

	key, err := os.ReadFile(fx.cfg.Secrets.KeyPath)
	require.NoError(t, err)
	assert.Equal(t, "AGE-SECRET-KEY-1NEW\n", string(key), "live key untouched")
	assert.Equal(t, []string{fx.cfg.Secrets.BundlePath}, result.Secrets)
}

func TestInserterCapsPlaceholders(t *testing.T) {
	ins := &inserter{batchSize: 100000}
	columns := make([]string, 1000)
	ins.begin("wide", columns)
	assert.Equal(t, 65, ins.limit)

	ins = &inserter{batchSize: 0}
	ins.begin("narrow", []string{"id"})
	assert.Equal(t, 1, ins.limit)
}
