package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := Example()
	cfg.SetDefaults()
	return cfg
}

func TestConfigValidate(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
}

func TestConfigValidateReportsEveryProblem(t *testing.T) {
	cfg := validConfig()
	cfg.Install.Dir = ""
	cfg.Secrets.KeyPath = ""
	cfg.Database.Name = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "install: dir is required")
	assert.Contains(t, err.Error(), "key_path is required")
	assert.Contains(t, err.Error(), "name is required")
}

func TestConfigSetDefaults(t *testing.T) {
	cfg := &Config{
		Secrets: SecretsConfig{BundlePath: "/srv/app/config/secrets.enc.yaml", KeyPath: "/srv/app/config/age.key"},
		Tables: []TableSpec{
			{Name: "notes", Role: RoleContent},
			{Name: "accounts", Role: RoleIdentity},
		},
	}
	cfg.SetDefaults()

	assert.Equal(t, 5, cfg.Snapshot.SampleSize)
	assert.Equal(t, 500, cfg.Restore.BatchSize)
	assert.Equal(t, "accounts", cfg.Restore.CanaryTable)
	assert.Equal(t, "sops", cfg.Secrets.Binary)
	assert.Equal(t, "/srv/app/config/.sops.yaml", cfg.Secrets.SopsConfig)
	assert.Equal(t, 3306, cfg.Database.Port)
	assert.Equal(t, 30*time.Second, cfg.Database.Timeout)
	assert.Zero(t, cfg.Secrets.Timeout)
	assert.Equal(t, []string{"id"}, cfg.Tables[0].PrimaryKey)
}

func TestConfigLoadFromEnvironment(t *testing.T) {
	t.Setenv("MIGRATION_GUARD_KEY_FILE", "/tmp/key.txt")
	t.Setenv("MIGRATION_GUARD_INSTALL_DIR", "/srv/app")
	t.Setenv("MIGRATION_GUARD_BACKUP_DIR", "/mnt/backups")

	cfg := &Config{}
	cfg.LoadFromEnvironment()

	assert.Equal(t, "/tmp/key.txt", cfg.Secrets.KeyPath)
	assert.Equal(t, "/srv/app", cfg.Install.Dir)
	assert.Equal(t, "/mnt/backups", cfg.Backup.Destination)
}

func TestInstallPaths(t *testing.T) {
	ic := InstallConfig{
		Dir:         "/opt/app",
		Markers:     []string{"app/main.py", "/etc/app/app.conf"},
		UserDataDir: "data/users",
		VersionFile: "VERSION",
	}

	assert.Equal(t, "/opt/app/data/users", ic.UserDataPath())
	assert.Equal(t, "/opt/app/VERSION", ic.VersionPath())
	assert.Equal(t, []string{"/opt/app/app/main.py", "/etc/app/app.conf"}, ic.MarkerPaths())
}

func TestDatabaseConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  DatabaseConfig
		wantErr string
	}{
		{
			name:   "socket only",
			config: DatabaseConfig{Name: "notes", Socket: "/run/mysqld/mysqld.sock"},
		},
		{
			name:    "no transport",
			config:  DatabaseConfig{Name: "notes"},
			wantErr: "either socket or host is required",
		},
		{
			name:    "service account without password key",
			config:  DatabaseConfig{Name: "notes", Host: "db", Port: 3306, Username: "app"},
			wantErr: "password_key is required",
		},
		{
			name:    "bad port",
			config:  DatabaseConfig{Name: "notes", Host: "db", Port: 70000, Username: "app", PasswordKey: "db.password"},
			wantErr: "port must be between 1 and 65535",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCanaryTableMustBeInCatalog(t *testing.T) {
	cfg := validConfig()
	cfg.Restore.CanaryTable = "ghosts"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `canary_table "ghosts"`)
}

func TestOffsiteValidatedOnlyWhenEnabled(t *testing.T) {
	cfg := validConfig()
	cfg.Offsite = OffsiteConfig{Storage: StorageConfig{Provider: "ftp"}}
	require.NoError(t, cfg.Validate())

	cfg.Offsite.Enabled = true
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid storage provider: ftp")
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "guard.yaml")

	sample, err := SampleYAML()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "notes", cfg.Database.Name)
	assert.Equal(t, 30*time.Second, cfg.Database.Timeout)
	assert.Zero(t, cfg.Secrets.Timeout)
	require.Len(t, cfg.Tables, 4)
	assert.Equal(t, RoleIdentity, cfg.Tables[0].Role)
	assert.Equal(t, []string{"username"}, cfg.Tables[0].NaturalKey)
	assert.Equal(t, "users", cfg.Restore.CanaryTable)
}

func TestLoadEnvironmentOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "guard.yaml")

	sample, err := SampleYAML()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	t.Setenv("MIGRATION_GUARD_DATABASE_NAME", "notes_staging")
	t.Setenv("MIGRATION_GUARD_BACKUP_DIR", dir)

	v := viper.New()
	SetupViper(v, path)
	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, "notes_staging", cfg.Database.Name)
	assert.Equal(t, dir, cfg.Backup.Destination)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestSampleYAMLHeader(t *testing.T) {
	sample, err := SampleYAML()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sample, "# migration-guard configuration"))
	assert.Contains(t, sample, "password_key: database.password")
}
