package cmd

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"migration-guard/internal/backup"
	apperrors "migration-guard/internal/errors"
	"migration-guard/internal/snapshot"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig writes a minimal valid configuration under a temp dir
func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	root := t.TempDir()
	destination := filepath.Join(root, "backups")

	cfg := fmt.Sprintf(`install:
  dir: %[1]s/srv/notes
database:
  name: notesdb
  socket: /run/mysqld/mysqld.sock
secrets:
  bundle_path: %[1]s/etc/secrets.enc.yaml
  key_path: %[1]s/etc/age.key
backup:
  destination: %[2]s
tables:
  - name: users
    count: true
    role: identity
    headline: true
  - name: notes
    count: true
    role: content
`, root, destination)

	path := filepath.Join(root, "migration-guard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path, destination
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
		verbose, quiet = false, false
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func writeSnapshot(t *testing.T, dir, name string, counts map[string]int64) string {
	t.Helper()
	snap := snapshot.New(strings.TrimSuffix(name, ".json"))
	for table, n := range counts {
		snap.RowCounts[table] = n
	}
	path := filepath.Join(dir, name)
	require.NoError(t, snapshot.WriteFile(path, snap))
	return path
}

func TestCommandTree(t *testing.T) {
	want := map[string][]string{
		"run":           nil,
		"preflight":     nil,
		"backup":        {"create", "verify", "list", "push", "fetch"},
		"snapshot":      {"capture", "compare"},
		"restore":       nil,
		"verify-counts": nil,
		"config":        nil,
		"version":       nil,
	}

	for name, subs := range want {
		c, _, err := rootCmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, c.Name())
		for _, sub := range subs {
			sc, _, err := rootCmd.Find([]string{name, sub})
			require.NoError(t, err, name+" "+sub)
			assert.Equal(t, sub, sc.Name())
		}
	}
}

func TestConfigCommand(t *testing.T) {
	out, err := execute(t, "config")
	require.NoError(t, err)
	assert.Contains(t, out, "# migration-guard configuration")
	assert.Contains(t, out, "tables:")
	assert.Contains(t, out, "canary_table:")
}

func TestVersionCommand(t *testing.T) {
	SetVersionInfo("1.2.3", "2025-01-01", "abc123", "go1.25")
	t.Cleanup(func() { SetVersionInfo("dev", "unknown", "unknown", "unknown") })

	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "migration-guard version 1.2.3")
	assert.Contains(t, out, "Commit: abc123")
}

func TestVerboseAndQuietConflict(t *testing.T) {
	cfg, _ := writeConfig(t)
	_, err := execute(t, "backup", "list", "--config", cfg, "--verbose", "--quiet")
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))
}

func TestInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database:\n  name: notesdb\n"), 0o600))

	_, err := execute(t, "backup", "list", "--config", path)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))
	assert.Contains(t, err.Error(), "install")
}

func TestSnapshotCompareUnchanged(t *testing.T) {
	cfg, _ := writeConfig(t)
	dir := t.TempDir()
	before := writeSnapshot(t, dir, "before.json", map[string]int64{"users": 2, "notes": 5})
	after := writeSnapshot(t, dir, "after.json", map[string]int64{"users": 2, "notes": 5})

	out, err := execute(t, "snapshot", "compare", before, after, "--config", cfg, "--yes=false")
	require.NoError(t, err)
	assert.Contains(t, out, "No differences require confirmation")
}

func TestSnapshotCompareDataLoss(t *testing.T) {
	cfg, _ := writeConfig(t)
	dir := t.TempDir()
	before := writeSnapshot(t, dir, "before.json", map[string]int64{"users": 2, "notes": 5})
	after := writeSnapshot(t, dir, "after.json", map[string]int64{"users": 1, "notes": 5})

	// no terminal in tests, so the finding cannot be confirmed
	_, err := execute(t, "snapshot", "compare", before, after, "--config", cfg, "--yes=false")
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeAborted))

	out, err := execute(t, "snapshot", "compare", before, after, "--config", cfg, "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "1 finding(s) acknowledged")
}

func TestSnapshotCompareRejectsTamperedFile(t *testing.T) {
	cfg, _ := writeConfig(t)
	dir := t.TempDir()
	before := writeSnapshot(t, dir, "before.json", map[string]int64{"users": 2})
	after := writeSnapshot(t, dir, "after.json", map[string]int64{"users": 2})

	data, err := os.ReadFile(after)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(after, bytes.Replace(data, []byte(`"users": 2`), []byte(`"users": 3`), 1), 0o600))

	_, err = execute(t, "snapshot", "compare", before, after, "--config", cfg, "--yes")
	require.Error(t, err)
}

func TestBackupListAndVerifyIncomplete(t *testing.T) {
	cfg, destination := writeConfig(t)

	out, err := execute(t, "backup", "list", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "no backups found")

	id := backup.NewBackupID()
	require.NoError(t, os.MkdirAll(filepath.Join(destination, id), 0o750))

	out, err = execute(t, "backup", "list", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, id)
	assert.Contains(t, out, "incomplete")

	_, err = execute(t, "backup", "verify", filepath.Join(destination, id), "--config", cfg)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeArtifactFailure))

	_, err = execute(t, "backup", "verify", "not-an-id", "--config", cfg)
	require.Error(t, err)
}
