package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override
const EnvPrefix = "MIGRATION_GUARD"

// SetupViper configures v to read the config file and environment variables
func SetupViper(v *viper.Viper, configFile string) {
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(".migration-guard")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/migration-guard")
		v.AddConfigPath("$HOME")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
}

// setDefaults registers defaults so that environment overrides are seen by Unmarshal
func setDefaults(v *viper.Viper) {
	v.SetDefault("install.dir", "")
	v.SetDefault("install.user_data_dir", "data/users")
	v.SetDefault("install.version_file", "VERSION")

	v.SetDefault("database.name", "")
	v.SetDefault("database.socket", "/run/mysqld/mysqld.sock")
	v.SetDefault("database.privileged_user", "root")
	v.SetDefault("database.host", "127.0.0.1")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.username", "")
	v.SetDefault("database.password_key", "")
	v.SetDefault("database.timeout", "30s")

	v.SetDefault("secrets.bundle_path", "")
	v.SetDefault("secrets.key_path", "")
	v.SetDefault("secrets.sops_config", "")
	v.SetDefault("secrets.binary", "sops")
	v.SetDefault("secrets.timeout", "0s")

	v.SetDefault("backup.destination", "/var/backups/migration-guard")
	v.SetDefault("restore.reencrypt_recipient", "")
	v.SetDefault("restore.canary_table", "")
	v.SetDefault("restore.batch_size", 500)
	v.SetDefault("snapshot.sample_size", 5)

	v.SetDefault("offsite.enabled", false)

	v.SetDefault("log.level", "normal")
	v.SetDefault("log.format", "text")
}

// Load reads, defaults and validates the configuration held by v. A missing
// config file is only an error when one was named explicitly.
func Load(v *viper.Viper) (*Config, error) {
	if explicit := v.ConfigFileUsed(); explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return nil, fmt.Errorf("config file %s: %w", explicit, err)
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	cfg.LoadFromEnvironment()
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile is a convenience wrapper for callers without a shared viper instance
func LoadFile(configFile string) (*Config, error) {
	v := viper.New()
	SetupViper(v, configFile)
	return Load(v)
}

// Example returns a complete example configuration
func Example() *Config {
	return &Config{
		Install: InstallConfig{
			Dir:         "/opt/notes-service",
			Markers:     []string{"app/main.py", "config/service.yaml"},
			UserDataDir: "data/users",
			VersionFile: "VERSION",
		},
		Database: DatabaseConfig{
			Name:           "notes",
			Socket:         "/run/mysqld/mysqld.sock",
			PrivilegedUser: "root",
			Host:           "127.0.0.1",
			Port:           3306,
			Username:       "notes_app",
			PasswordKey:    "database.password",
			Timeout:        30 * time.Second,
		},
		Secrets: SecretsConfig{
			BundlePath: "/opt/notes-service/config/secrets.enc.yaml",
			KeyPath:    "/opt/notes-service/config/age.key",
			SopsConfig: "/opt/notes-service/config/.sops.yaml",
			Binary:     "sops",
			Required:   []string{"database.password"},
		},
		Backup:   BackupConfig{Destination: "/var/backups/migration-guard"},
		Restore:  RestoreConfig{CanaryTable: "users", BatchSize: 500},
		Snapshot: SnapshotConfig{SampleSize: 5},
		Offsite: OffsiteConfig{
			Enabled: false,
			Storage: StorageConfig{
				Provider: "s3",
				S3:       &S3Config{Bucket: "notes-backups", Region: "eu-west-1", Prefix: "migration-guard"},
			},
			Compression: CompressionConfig{Algorithm: "zstd", Level: 3},
			Encryption:  EncryptionConfig{Enabled: true, PassphraseEnv: "MIGRATION_GUARD_OFFSITE_PASSPHRASE"},
		},
		Tables: []TableSpec{
			{Name: "users", PrimaryKey: []string{"id"}, NaturalKey: []string{"username"}, Backup: true, Count: true,
				Structural: []string{"id", "username", "email", "is_admin"}, Role: RoleIdentity, Importance: 0, Headline: true},
			{Name: "notes", PrimaryKey: []string{"id"}, Backup: true, Count: true, Sample: true,
				CreatedColumn: "created_at", Role: RoleContent, Importance: 1, Headline: true},
			{Name: "attachments", PrimaryKey: []string{"id"}, Backup: true, Count: true, Role: RoleContent, Importance: 2},
			{Name: "search_index", PrimaryKey: []string{"id"}, Count: true, Role: RoleDerived, Importance: 9},
		},
		Log: LogConfig{Level: "normal", Format: "text"},
	}
}

// SampleYAML renders Example as a YAML document
func SampleYAML() (string, error) {
	data, err := yaml.Marshal(Example())
	if err != nil {
		return "", fmt.Errorf("failed to render sample configuration: %w", err)
	}

	header := `# migration-guard configuration
# Every key can be overridden with an environment variable prefixed with
# MIGRATION_GUARD_, e.g. MIGRATION_GUARD_DATABASE_NAME=notes.
# MIGRATION_GUARD_KEY_FILE, MIGRATION_GUARD_INSTALL_DIR and
# MIGRATION_GUARD_BACKUP_DIR override the secret key, installation and
# backup destination paths.
`
	return header + string(data), nil
}
