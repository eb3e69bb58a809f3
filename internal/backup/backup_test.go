package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"migration-guard/internal/config"
	"migration-guard/internal/database"
	apperrors "migration-guard/internal/errors"
	"migration-guard/internal/logging"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/oklog/ulid/v2"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBundle = `database:
    password: ENC[AES256_GCM,data:abc,iv:def,tag:ghi,type:str]
sops:
    age:
        - recipient: age1qyqszqgpqyqszqgpqyqszqgpqyqszqgpqyqszqgpqyqszqgpqyqs3290gq
    mac: ENC[AES256_GCM,data:mac,iv:iv,tag:tag,type:str]
    version: 3.8.1
`

type fakeTool struct {
	decryptErr error
	versionErr error
	decrypts   int
}

func (f *fakeTool) Decrypt(ctx context.Context, bundlePath, keyPath string) ([]byte, error) {
	f.decrypts++
	if f.decryptErr != nil {
		return nil, f.decryptErr
	}
	return []byte("database:\n    password: s3cret\n"), nil
}

func (f *fakeTool) Encrypt(ctx context.Context, plaintext []byte, recipient string) ([]byte, error) {
	return []byte(testBundle), nil
}

func (f *fakeTool) Version(ctx context.Context) (string, error) {
	if f.versionErr != nil {
		return "", f.versionErr
	}
	return "3.8.1", nil
}

func strPtr(s string) *string { return &s }

// fixture lays out an installation and its secret files under a temp dir
type fixture struct {
	root string
	cfg  *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()

	install := filepath.Join(root, "srv", "notes")
	secretsDir := filepath.Join(root, "etc", "notes")
	require.NoError(t, os.MkdirAll(filepath.Join(install, "data", "users", "alice"), 0o750))
	require.NoError(t, os.MkdirAll(secretsDir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(install, "VERSION"), []byte("2.4.0\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(install, "data", "users", "alice", "notes.md"), []byte("# hello"), 0o640))
	require.NoError(t, os.WriteFile(filepath.Join(secretsDir, "secrets.enc.yaml"), []byte(testBundle), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(secretsDir, "age.key"), []byte("AGE-SECRET-KEY-1XYZ\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(secretsDir, ".sops.yaml"), []byte("creation_rules: []\n"), 0o644))

	cfg := &config.Config{
		Install: config.InstallConfig{Dir: install},
		Database: config.DatabaseConfig{
			Name:     "notesdb",
			Username: "notes",
		},
		Secrets: config.SecretsConfig{
			BundlePath: filepath.Join(secretsDir, "secrets.enc.yaml"),
			KeyPath:    filepath.Join(secretsDir, "age.key"),
			SopsConfig: filepath.Join(secretsDir, ".sops.yaml"),
		},
		Backup: config.BackupConfig{Destination: filepath.Join(root, "backups")},
		Tables: []config.TableSpec{
			{Name: "users", Backup: true, Count: true, Role: config.RoleIdentity},
			{Name: "notes", Backup: true, Count: true, Role: config.RoleContent},
			{Name: "search_index", Role: config.RoleDerived},
		},
	}
	cfg.SetDefaults()
	return &fixture{root: root, cfg: cfg}
}

func expectDump(mock sqlmock.Sqlmock) {
	columnsQuery := regexp.QuoteMeta("SELECT COLUMN_NAME FROM information_schema.COLUMNS WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ? ORDER BY ORDINAL_POSITION")

	mock.ExpectQuery(columnsQuery).WithArgs("notesdb", "notes").
		WillReturnRows(sqlmock.NewRows([]string{"COLUMN_NAME"}).AddRow("id").AddRow("user_id").AddRow("body"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT `id`, `user_id`, `body` FROM `notes` ORDER BY `id`")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "body"}).
			AddRow("1", "1", "first").
			AddRow("2", "1", nil))
	mock.ExpectQuery(columnsQuery).WithArgs("notesdb", "users").
		WillReturnRows(sqlmock.NewRows([]string{"COLUMN_NAME"}).AddRow("id").AddRow("username"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT `id`, `username` FROM `users` ORDER BY `id`")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "username"}).AddRow("1", "alice"))
}

func newTestService(t *testing.T) (*database.Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return database.NewService(db, "notesdb", logging.NewNopLogger()), mock
}

func TestValueJSON(t *testing.T) {
	tests := []struct {
		name string
		in   *string
		want string
	}{
		{"null", nil, `null`},
		{"text", strPtr("hé \"quoted\""), `"hé \"quoted\""`},
		{"empty", strPtr(""), `""`},
		{"binary", strPtr(string([]byte{0xff, 0x00, 0xfe})), `{"base64":"/wD+"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(Value{Data: tt.in})
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(data))

			var back Value
			require.NoError(t, json.Unmarshal(data, &back))
			if tt.in == nil {
				assert.Nil(t, back.Data)
				return
			}
			require.NotNil(t, back.Data)
			assert.Equal(t, *tt.in, *back.Data)
		})
	}
}

func TestValueRejectsGarbage(t *testing.T) {
	var v Value
	assert.Error(t, json.Unmarshal([]byte(`{"hex":"00"}`), &v))
	assert.Error(t, json.Unmarshal([]byte(`42`), &v))
}

func writeTestDump(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	dw, err := NewDumpWriter(&buf, "notesdb")
	require.NoError(t, err)
	require.NoError(t, dw.BeginTable("users", []string{"id", "username"}))
	require.NoError(t, dw.WriteRow([]*string{strPtr("1"), strPtr("alice")}))
	require.NoError(t, dw.WriteRow([]*string{strPtr("2"), nil}))
	require.NoError(t, dw.BeginTable("tokens", []string{"id"}))
	require.NoError(t, dw.Close())
	return buf.Bytes()
}

func TestDumpRoundTrip(t *testing.T) {
	data := writeTestDump(t)

	var rows [][]*string
	var tables []string
	summary, err := ReadDump(bytes.NewReader(data), DumpHandler{
		OnTable: func(table string, columns []string) error {
			tables = append(tables, table)
			return nil
		},
		OnRow: func(table string, columns []string, values []*string) error {
			assert.Equal(t, "users", table)
			rows = append(rows, values)
			return nil
		},
	})
	require.NoError(t, err)

	assert.Equal(t, DumpFormat, summary.Header.Format)
	assert.Equal(t, "notesdb", summary.Header.Database)
	assert.False(t, summary.Header.CreatedAt.IsZero())
	assert.Equal(t, []TOCEntry{{Name: "users", Rows: 2}, {Name: "tokens", Rows: 0}}, summary.Tables)
	assert.Equal(t, int64(2), summary.Rows())
	assert.Equal(t, []string{"users", "tokens"}, tables)
	require.Len(t, rows, 2)
	assert.Equal(t, "alice", *rows[0][1])
	assert.Nil(t, rows[1][1])
}

func TestDumpWriterRejectsBadRows(t *testing.T) {
	dw, err := NewDumpWriter(&bytes.Buffer{}, "notesdb")
	require.NoError(t, err)

	assert.Error(t, dw.WriteRow([]*string{strPtr("1")}), "row before table")
	require.NoError(t, dw.BeginTable("users", []string{"id", "username"}))
	assert.Error(t, dw.WriteRow([]*string{strPtr("1")}), "wrong arity")
	assert.Error(t, dw.BeginTable("empty", nil))
}

func TestReadDumpDetectsTruncation(t *testing.T) {
	var buf bytes.Buffer
	dw, err := NewDumpWriter(&buf, "notesdb")
	require.NoError(t, err)
	require.NoError(t, dw.BeginTable("users", []string{"id"}))
	require.NoError(t, dw.WriteRow([]*string{strPtr("1")}))
	// flush without the table of contents, as a crashed writer would leave it
	require.NoError(t, dw.buf.Flush())
	require.NoError(t, dw.zw.Close())

	_, err = ReadDump(bytes.NewReader(buf.Bytes()), DumpHandler{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no table of contents")
}

func TestReadDumpRejectsNonDump(t *testing.T) {
	_, err := ReadDump(bytes.NewReader([]byte("-- MySQL dump 10.13\n")), DumpHandler{})
	assert.Error(t, err)

	_, err = ReadDump(bytes.NewReader(nil), DumpHandler{})
	assert.Error(t, err)
}

func TestCompareTOC(t *testing.T) {
	seen := []TOCEntry{{Name: "users", Rows: 2}}
	assert.NoError(t, compareTOC([]TOCEntry{{Name: "users", Rows: 2}}, seen))
	assert.Error(t, compareTOC([]TOCEntry{{Name: "users", Rows: 3}}, seen))
	assert.Error(t, compareTOC([]TOCEntry{{Name: "accounts", Rows: 2}}, seen))
	assert.Error(t, compareTOC(nil, seen))
}

func validManifest() *Manifest {
	return &Manifest{
		BackupID:           ulid.Make().String(),
		BackupTimestamp:    time.Now().UTC(),
		ApplicationVersion: "2.4.0",
		DatastoreVersion:   "8.0.36",
		SecretToolVersion:  "3.8.1",
		OS:                 "linux/amd64",
		Contents:           DefaultContents(),
	}
}

func TestManifestValidate(t *testing.T) {
	assert.NoError(t, validManifest().Validate())

	tests := []struct {
		name   string
		mutate func(m *Manifest)
		field  string
	}{
		{"missing id", func(m *Manifest) { m.BackupID = "" }, "backupId"},
		{"missing datastore version", func(m *Manifest) { m.DatastoreVersion = "" }, "datastoreVersion"},
		{"missing artifact", func(m *Manifest) { delete(m.Contents, ArtifactSecretKey) }, "contents.secret_key"},
		{"absolute path", func(m *Manifest) { m.Contents[ArtifactDatastoreDump] = "/etc/passwd" }, "contents.datastore_dump"},
		{"escaping path", func(m *Manifest) { m.Contents[ArtifactRunLog] = "../migration.log" }, "contents.run_log"},
		{"unknown artifact", func(m *Manifest) { m.Contents["extra"] = "extra.bin" }, "contents.extra"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := validManifest()
			tt.mutate(m)
			err := m.Validate()
			require.Error(t, err)
			var verrs ValidationErrors
			require.True(t, errors.As(err, &verrs))
			assert.Equal(t, tt.field, verrs[0].Field)
		})
	}
}

func TestManifestReadWrite(t *testing.T) {
	dir := t.TempDir()

	_, err := ReadManifest(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "never completed")

	m := validManifest()
	require.NoError(t, WriteManifest(dir, m))
	back, err := ReadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, m.BackupID, back.BackupID)
	assert.Equal(t, m.Contents, back.Contents)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte(`{"backupId":"x"}`), 0o640))
	_, err = ReadManifest(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid")

	bad := validManifest()
	bad.OS = ""
	assert.Error(t, WriteManifest(t.TempDir(), bad))
}

func TestManagerBackup(t *testing.T) {
	fx := newFixture(t)
	service, mock := newTestService(t)
	expectDump(mock)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT VERSION()")).
		WillReturnRows(sqlmock.NewRows([]string{"VERSION()"}).AddRow("8.0.36"))

	manager := NewManager(fx.cfg, service, &fakeTool{}, nil)
	set, err := manager.Backup(context.Background(), fx.cfg.Backup.Destination)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	assert.Equal(t, filepath.Join(fx.cfg.Backup.Destination, set.ID), set.Dir)
	_, err = ulid.ParseStrict(set.ID)
	require.NoError(t, err)

	require.NotNil(t, set.Manifest)
	assert.Equal(t, "2.4.0", set.Manifest.ApplicationVersion)
	assert.Equal(t, "8.0.36", set.Manifest.DatastoreVersion)
	assert.Equal(t, "3.8.1", set.Manifest.SecretToolVersion)
	assert.Equal(t, []TOCEntry{{Name: "notes", Rows: 2}, {Name: "users", Rows: 1}}, set.Manifest.Tables)

	for _, p := range []string{set.BundlePath(), set.KeyPath(), set.ConfigPath()} {
		info, err := os.Stat(p)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm(), p)
	}

	bundle, err := os.ReadFile(set.BundlePath())
	require.NoError(t, err)
	assert.Equal(t, testBundle, string(bundle))

	assert.FileExists(t, filepath.Join(set.FileTreePath(), "alice", "notes.md"))
	assert.FileExists(t, set.LogPath())

	loaded, err := LoadSet(set.Dir)
	require.NoError(t, err)
	assert.Equal(t, set.ID, loaded.Manifest.BackupID)

	report, err := NewVerifier(&fakeTool{}, nil).Verify(context.Background(), loaded)
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Empty(t, report.Warnings())
	assert.Equal(t, int64(3), report.Dump.Rows())
}

func TestManagerMissingUserDataYieldsEmptyMirror(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, os.RemoveAll(fx.cfg.Install.UserDataPath()))

	service, mock := newTestService(t)
	expectDump(mock)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT VERSION()")).
		WillReturnRows(sqlmock.NewRows([]string{"VERSION()"}).AddRow("8.0.36"))

	set, err := NewManager(fx.cfg, service, &fakeTool{}, nil).Backup(context.Background(), fx.cfg.Backup.Destination)
	require.NoError(t, err)
	assert.DirExists(t, set.FileTreePath())

	report, err := NewVerifier(&fakeTool{}, nil).Verify(context.Background(), set)
	require.NoError(t, err)
	require.Len(t, report.Warnings(), 1)
	assert.Equal(t, ArtifactFileTree, report.Warnings()[0].Artifact)
}

func TestManagerAggregatesFailuresAndSkipsManifest(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, os.Remove(fx.cfg.Secrets.KeyPath))

	service, mock := newTestService(t)
	expectDump(mock)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT VERSION()")).
		WillReturnRows(sqlmock.NewRows([]string{"VERSION()"}).AddRow("8.0.36"))

	set, err := NewManager(fx.cfg, service, &fakeTool{versionErr: errors.New("sops: command not found")}, nil).
		Backup(context.Background(), fx.cfg.Backup.Destination)
	require.Error(t, err)
	require.NotNil(t, set)

	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeArtifactFailure))
	assert.Contains(t, err.Error(), "2 artifact(s)")
	assert.Contains(t, apperrors.FormatUserError(err), ArtifactSecretKey)

	assert.NoFileExists(t, filepath.Join(set.Dir, ManifestFile))
	assert.FileExists(t, set.DumpPath(), "partial artifacts stay for inspection")

	_, err = LoadSet(set.Dir)
	assert.Error(t, err)
}

func TestManagerDumpFailure(t *testing.T) {
	fx := newFixture(t)
	service, mock := newTestService(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COLUMN_NAME FROM information_schema.COLUMNS")).
		WithArgs("notesdb", "notes").
		WillReturnError(errors.New("Table 'notesdb.notes' doesn't exist"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT VERSION()")).
		WillReturnRows(sqlmock.NewRows([]string{"VERSION()"}).AddRow("8.0.36"))

	set, err := NewManager(fx.cfg, service, &fakeTool{}, nil).Backup(context.Background(), fx.cfg.Backup.Destination)
	require.Error(t, err)
	assert.Contains(t, apperrors.FormatUserError(err), ArtifactDatastoreDump)
	assert.Nil(t, set.Manifest)
}

func TestBackupToRejectsNonIDDirectory(t *testing.T) {
	fx := newFixture(t)
	service, _ := newTestService(t)

	_, err := NewManager(fx.cfg, service, &fakeTool{}, nil).BackupTo(context.Background(), filepath.Join(fx.root, "latest"))
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeFatalPrecondition))
}

func writeCompleteSet(t *testing.T, fx *fixture) *BackupSet {
	t.Helper()
	service, mock := newTestService(t)
	expectDump(mock)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT VERSION()")).
		WillReturnRows(sqlmock.NewRows([]string{"VERSION()"}).AddRow("8.0.36"))

	set, err := NewManager(fx.cfg, service, &fakeTool{}, nil).Backup(context.Background(), fx.cfg.Backup.Destination)
	require.NoError(t, err)
	return set
}

func TestVerifierRejectsUndecryptableBundle(t *testing.T) {
	fx := newFixture(t)
	set := writeCompleteSet(t, fx)

	tool := &fakeTool{decryptErr: errors.New("MAC mismatch")}
	report, err := NewVerifier(tool, nil).Verify(context.Background(), set)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeArtifactFailure))
	assert.False(t, report.OK())
	assert.Equal(t, ArtifactSecretBundle, report.Fatal()[0].Artifact)
	assert.Equal(t, 1, tool.decrypts)
}

func TestVerifierRejectsPlaintextBundle(t *testing.T) {
	fx := newFixture(t)
	set := writeCompleteSet(t, fx)
	require.NoError(t, os.WriteFile(set.BundlePath(), []byte("database:\n    password: s3cret\n"), 0o600))

	tool := &fakeTool{}
	report, err := NewVerifier(tool, nil).Verify(context.Background(), set)
	require.Error(t, err)
	assert.Contains(t, report.Fatal()[0].Error(), "not an encrypted bundle")
	assert.Equal(t, 0, tool.decrypts)
}

func TestVerifierRejectsTamperedDump(t *testing.T) {
	fx := newFixture(t)
	set := writeCompleteSet(t, fx)
	require.NoError(t, os.WriteFile(set.DumpPath(), writeTestDump(t), 0o600))

	report, err := NewVerifier(&fakeTool{}, nil).Verify(context.Background(), set)
	require.Error(t, err)
	assert.Contains(t, report.Fatal()[0].Error(), "disagrees with the manifest")
}

func TestVerifierRequiresManifest(t *testing.T) {
	fx := newFixture(t)
	set := writeCompleteSet(t, fx)
	require.NoError(t, os.Remove(filepath.Join(set.Dir, ManifestFile)))

	report, err := NewVerifier(&fakeTool{}, nil).Verify(context.Background(), set)
	require.Error(t, err)
	assert.Equal(t, "manifest", report.Fatal()[0].Artifact)
}

func TestVerifierEmptyDumpIsFatal(t *testing.T) {
	fx := newFixture(t)
	set := writeCompleteSet(t, fx)
	require.NoError(t, os.Truncate(set.DumpPath(), 0))

	report, err := NewVerifier(&fakeTool{}, nil).Verify(context.Background(), set)
	require.Error(t, err)
	assert.Contains(t, report.Fatal()[0].Message, "empty")
}

func TestListSets(t *testing.T) {
	dest := t.TempDir()

	older := ulid.MustNew(ulid.Timestamp(time.Now().Add(-time.Hour)), ulid.DefaultEntropy()).String()
	newer := ulid.MustNew(ulid.Timestamp(time.Now()), ulid.DefaultEntropy()).String()

	m := validManifest()
	m.BackupID = older
	require.NoError(t, os.MkdirAll(filepath.Join(dest, older), 0o750))
	require.NoError(t, WriteManifest(filepath.Join(dest, older), m))
	require.NoError(t, os.MkdirAll(filepath.Join(dest, newer), 0o750))
	require.NoError(t, os.MkdirAll(filepath.Join(dest, "lost+found"), 0o750))

	sets, err := ListSets(dest)
	require.NoError(t, err)
	require.Len(t, sets, 2)
	assert.Equal(t, newer, sets[0].ID)
	assert.False(t, sets[0].Complete())
	assert.Equal(t, older, sets[1].ID)
	assert.True(t, sets[1].Complete())

	found, err := FindSet(dest, older)
	require.NoError(t, err)
	assert.Equal(t, older, found.ID)

	_, err = FindSet(dest, "../etc")
	assert.Error(t, err)

	none, err := ListSets(filepath.Join(dest, "missing"))
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestCopyTree(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/src/alice/media", 0o750))
	require.NoError(t, afero.WriteFile(fs, "/src/alice/notes.md", []byte("hello"), 0o640))
	require.NoError(t, afero.WriteFile(fs, "/src/alice/media/a.png", []byte{1, 2, 3}, 0o600))

	stats, err := CopyTree(fs, "/src", "/dst")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Files)
	assert.Equal(t, int64(8), stats.Bytes)

	data, err := afero.ReadFile(fs, "/dst/alice/notes.md")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	size, err := TreeSize(fs, "/src")
	require.NoError(t, err)
	assert.Equal(t, int64(8), size.Bytes)

	empty, err := IsEmptyTree(fs, "/nowhere")
	require.NoError(t, err)
	assert.True(t, empty)
}

func TestPrettyName(t *testing.T) {
	assert.Equal(t, "Debian GNU/Linux 12 (bookworm)",
		prettyName(bytes.NewBufferString("NAME=\"Debian GNU/Linux\"\nPRETTY_NAME=\"Debian GNU/Linux 12 (bookworm)\"\n")))
	assert.Equal(t, "", prettyName(bytes.NewBufferString("ID=alpine\n")))
}
