package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the complete migration-guard configuration
type Config struct {
	Install  InstallConfig  `mapstructure:"install" yaml:"install"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Secrets  SecretsConfig  `mapstructure:"secrets" yaml:"secrets"`
	Backup   BackupConfig   `mapstructure:"backup" yaml:"backup"`
	Restore  RestoreConfig  `mapstructure:"restore" yaml:"restore"`
	Snapshot SnapshotConfig `mapstructure:"snapshot" yaml:"snapshot"`
	Offsite  OffsiteConfig  `mapstructure:"offsite" yaml:"offsite"`
	Tables   []TableSpec    `mapstructure:"tables" yaml:"tables"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
}

// InstallConfig describes the installation being migrated
type InstallConfig struct {
	Dir         string   `mapstructure:"dir" yaml:"dir"`
	Markers     []string `mapstructure:"markers" yaml:"markers"`
	UserDataDir string   `mapstructure:"user_data_dir" yaml:"user_data_dir"`
	VersionFile string   `mapstructure:"version_file" yaml:"version_file"`
}

// DatabaseConfig holds the datastore connection parameters. The privileged
// socket login is tried first; the service account is the fallback.
type DatabaseConfig struct {
	Name           string        `mapstructure:"name" yaml:"name"`
	Socket         string        `mapstructure:"socket" yaml:"socket"`
	PrivilegedUser string        `mapstructure:"privileged_user" yaml:"privileged_user"`
	Host           string        `mapstructure:"host" yaml:"host"`
	Port           int           `mapstructure:"port" yaml:"port"`
	Username       string        `mapstructure:"username" yaml:"username"`
	PasswordKey    string        `mapstructure:"password_key" yaml:"password_key"`
	// Timeout bounds connecting and the liveness ping only
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// SecretsConfig locates the encrypted secret bundle and its key material
type SecretsConfig struct {
	BundlePath string        `mapstructure:"bundle_path" yaml:"bundle_path"`
	KeyPath    string        `mapstructure:"key_path" yaml:"key_path"`
	SopsConfig string        `mapstructure:"sops_config" yaml:"sops_config"`
	Binary     string        `mapstructure:"binary" yaml:"binary"`
	// Timeout bounds each secret tool call; zero means no limit
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout,omitempty"`
	Required []string      `mapstructure:"required" yaml:"required,omitempty"`
}

// BackupConfig controls where backup sets are written
type BackupConfig struct {
	Destination string `mapstructure:"destination" yaml:"destination"`
}

// RestoreConfig controls the restore orchestrator
type RestoreConfig struct {
	ReencryptRecipient string `mapstructure:"reencrypt_recipient" yaml:"reencrypt_recipient"`
	CanaryTable        string `mapstructure:"canary_table" yaml:"canary_table"`
	BatchSize          int    `mapstructure:"batch_size" yaml:"batch_size"`
}

// SnapshotConfig controls snapshot capture
type SnapshotConfig struct {
	SampleSize int `mapstructure:"sample_size" yaml:"sample_size"`
}

// LogConfig controls console and run log output
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Validate checks the whole configuration and reports every problem at once
func (c *Config) Validate() error {
	var errs []error

	if err := c.Install.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("install: %w", err))
	}
	if err := c.Database.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("database: %w", err))
	}
	if err := c.Secrets.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("secrets: %w", err))
	}
	if c.Backup.Destination == "" {
		errs = append(errs, fmt.Errorf("backup: destination is required"))
	}
	if c.Snapshot.SampleSize < 0 {
		errs = append(errs, fmt.Errorf("snapshot: sample_size must not be negative"))
	}
	if c.Restore.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("restore: batch_size must be positive"))
	}
	if err := Catalog(c.Tables).Validate(); err != nil {
		errs = append(errs, fmt.Errorf("tables: %w", err))
	}
	if c.Restore.CanaryTable != "" {
		if _, ok := Catalog(c.Tables).Lookup(c.Restore.CanaryTable); !ok {
			errs = append(errs, fmt.Errorf("restore: canary_table %q is not in the table catalog", c.Restore.CanaryTable))
		}
	}
	if c.Offsite.Enabled {
		if err := c.Offsite.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("offsite: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %w", errors.Join(errs...))
	}
	return nil
}

// SetDefaults fills in values the operator left empty
func (c *Config) SetDefaults() {
	c.Install.SetDefaults()
	c.Database.SetDefaults()
	c.Secrets.SetDefaults()

	if c.Backup.Destination == "" {
		c.Backup.Destination = "/var/backups/migration-guard"
	}
	if c.Snapshot.SampleSize == 0 {
		c.Snapshot.SampleSize = 5
	}
	if c.Restore.BatchSize == 0 {
		c.Restore.BatchSize = 500
	}
	if c.Restore.CanaryTable == "" {
		if identity := Catalog(c.Tables).ByRole(RoleIdentity); len(identity) > 0 {
			c.Restore.CanaryTable = identity[0].Name
		}
	}
	if c.Log.Level == "" {
		c.Log.Level = "normal"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	for i := range c.Tables {
		c.Tables[i].SetDefaults()
	}
	if c.Offsite.Enabled {
		c.Offsite.SetDefaults()
	}
}

// LoadFromEnvironment applies the documented environment overrides
func (c *Config) LoadFromEnvironment() {
	if val := os.Getenv("MIGRATION_GUARD_KEY_FILE"); val != "" {
		c.Secrets.KeyPath = val
	}
	if val := os.Getenv("MIGRATION_GUARD_INSTALL_DIR"); val != "" {
		c.Install.Dir = val
	}
	if val := os.Getenv("MIGRATION_GUARD_BACKUP_DIR"); val != "" {
		c.Backup.Destination = val
	}
	if c.Offsite.Enabled {
		c.Offsite.LoadFromEnvironment()
	}
}

// UserDataPath returns the absolute path of the per-identity file trees
func (ic *InstallConfig) UserDataPath() string {
	return ic.resolve(ic.UserDataDir)
}

// VersionPath returns the absolute path of the application version file
func (ic *InstallConfig) VersionPath() string {
	return ic.resolve(ic.VersionFile)
}

// MarkerPaths returns the absolute paths of every marker
func (ic *InstallConfig) MarkerPaths() []string {
	paths := make([]string, 0, len(ic.Markers))
	for _, m := range ic.Markers {
		paths = append(paths, ic.resolve(m))
	}
	return paths
}

func (ic *InstallConfig) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(ic.Dir, p)
}

// Validate validates the installation configuration
func (ic *InstallConfig) Validate() error {
	if ic.Dir == "" {
		return errors.New("dir is required")
	}
	if ic.UserDataDir == "" {
		return errors.New("user_data_dir is required")
	}
	return nil
}

// SetDefaults sets default values for the installation configuration
func (ic *InstallConfig) SetDefaults() {
	if ic.UserDataDir == "" {
		ic.UserDataDir = "data/users"
	}
	if ic.VersionFile == "" {
		ic.VersionFile = "VERSION"
	}
}

// Validate validates the datastore configuration
func (dc *DatabaseConfig) Validate() error {
	var errs []error

	if dc.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if dc.Socket == "" && dc.Host == "" {
		errs = append(errs, errors.New("either socket or host is required"))
	}
	if dc.Host != "" && (dc.Port <= 0 || dc.Port > 65535) {
		errs = append(errs, errors.New("port must be between 1 and 65535"))
	}
	if dc.Host != "" && dc.Username == "" {
		errs = append(errs, errors.New("username is required for the service account"))
	}
	if dc.Host != "" && dc.PasswordKey == "" {
		errs = append(errs, errors.New("password_key is required for the service account"))
	}

	return errors.Join(errs...)
}

// SetDefaults sets default values for the datastore configuration
func (dc *DatabaseConfig) SetDefaults() {
	if dc.Port == 0 {
		dc.Port = 3306
	}
	if dc.Timeout == 0 {
		dc.Timeout = 30 * time.Second
	}
	if dc.Socket != "" && dc.PrivilegedUser == "" {
		dc.PrivilegedUser = "root"
	}
}

// Validate validates the secrets configuration
func (sc *SecretsConfig) Validate() error {
	var errs []error
	if sc.BundlePath == "" {
		errs = append(errs, errors.New("bundle_path is required"))
	}
	if sc.KeyPath == "" {
		errs = append(errs, errors.New("key_path is required"))
	}
	return errors.Join(errs...)
}

// SetDefaults sets default values for the secrets configuration
func (sc *SecretsConfig) SetDefaults() {
	if sc.Binary == "" {
		sc.Binary = "sops"
	}
	if sc.SopsConfig == "" && sc.BundlePath != "" {
		sc.SopsConfig = filepath.Join(filepath.Dir(sc.BundlePath), ".sops.yaml")
	}
}

// LogLevel normalizes the configured log level
func (lc *LogConfig) LogLevel() string {
	return strings.ToLower(strings.TrimSpace(lc.Level))
}
