package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// OffsiteConfig controls the optional copy of a verified backup set to remote storage
type OffsiteConfig struct {
	Enabled     bool              `mapstructure:"enabled" yaml:"enabled"`
	Storage     StorageConfig     `mapstructure:"storage" yaml:"storage"`
	Compression CompressionConfig `mapstructure:"compression" yaml:"compression"`
	Encryption  EncryptionConfig  `mapstructure:"encryption" yaml:"encryption"`
}

// StorageConfig defines storage provider configuration
type StorageConfig struct {
	Provider string       `mapstructure:"provider" yaml:"provider"`
	Local    *LocalConfig `mapstructure:"local,omitempty" yaml:"local,omitempty"`
	S3       *S3Config    `mapstructure:"s3,omitempty" yaml:"s3,omitempty"`
	Azure    *AzureConfig `mapstructure:"azure,omitempty" yaml:"azure,omitempty"`
	GCS      *GCSConfig   `mapstructure:"gcs,omitempty" yaml:"gcs,omitempty"`
}

// LocalConfig for local file system storage
type LocalConfig struct {
	BasePath string `mapstructure:"base_path" yaml:"base_path"`
}

// S3Config for Amazon S3 storage
type S3Config struct {
	Bucket    string `mapstructure:"bucket" yaml:"bucket"`
	Region    string `mapstructure:"region" yaml:"region"`
	Prefix    string `mapstructure:"prefix" yaml:"prefix"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key"`
}

// AzureConfig for Azure Blob Storage
type AzureConfig struct {
	AccountName   string `mapstructure:"account_name" yaml:"account_name"`
	AccountKey    string `mapstructure:"account_key" yaml:"account_key"`
	ContainerName string `mapstructure:"container_name" yaml:"container_name"`
}

// GCSConfig for Google Cloud Storage
type GCSConfig struct {
	Bucket          string `mapstructure:"bucket" yaml:"bucket"`
	CredentialsPath string `mapstructure:"credentials_path" yaml:"credentials_path"`
	ProjectID       string `mapstructure:"project_id" yaml:"project_id"`
}

// CompressionConfig defines archive compression settings
type CompressionConfig struct {
	Algorithm string `mapstructure:"algorithm" yaml:"algorithm"`
	Level     int    `mapstructure:"level" yaml:"level"`
}

// EncryptionConfig defines archive encryption settings
type EncryptionConfig struct {
	Enabled       bool   `mapstructure:"enabled" yaml:"enabled"`
	PassphraseEnv string `mapstructure:"passphrase_env" yaml:"passphrase_env"`
}

// Validate validates the offsite configuration
func (oc *OffsiteConfig) Validate() error {
	var errs []error
	if err := oc.Storage.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("storage: %w", err))
	}
	if err := oc.Compression.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("compression: %w", err))
	}
	if err := oc.Encryption.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("encryption: %w", err))
	}
	return errors.Join(errs...)
}

// SetDefaults sets default values for the offsite configuration
func (oc *OffsiteConfig) SetDefaults() {
	oc.Storage.SetDefaults()
	oc.Compression.SetDefaults()
	oc.Encryption.SetDefaults()
}

// LoadFromEnvironment loads offsite configuration from environment variables
func (oc *OffsiteConfig) LoadFromEnvironment() {
	oc.Storage.LoadFromEnvironment()
	oc.Compression.LoadFromEnvironment()
}

// Validate validates the storage configuration
func (sc *StorageConfig) Validate() error {
	if sc.Provider == "" {
		return errors.New("storage provider is required")
	}

	switch sc.Provider {
	case "local":
		if sc.Local == nil {
			return errors.New("local storage configuration is required when provider is 'local'")
		}
		return sc.Local.Validate()
	case "s3":
		if sc.S3 == nil {
			return errors.New("S3 storage configuration is required when provider is 's3'")
		}
		return sc.S3.Validate()
	case "azure":
		if sc.Azure == nil {
			return errors.New("Azure storage configuration is required when provider is 'azure'")
		}
		return sc.Azure.Validate()
	case "gcs":
		if sc.GCS == nil {
			return errors.New("GCS storage configuration is required when provider is 'gcs'")
		}
		return sc.GCS.Validate()
	default:
		return fmt.Errorf("invalid storage provider: %s", sc.Provider)
	}
}

// SetDefaults sets default values for storage configuration
func (sc *StorageConfig) SetDefaults() {
	if sc.Provider == "" {
		sc.Provider = "local"
	}

	switch sc.Provider {
	case "local":
		if sc.Local == nil {
			sc.Local = &LocalConfig{}
		}
		sc.Local.SetDefaults()
	case "s3":
		if sc.S3 == nil {
			sc.S3 = &S3Config{}
		}
		sc.S3.SetDefaults()
	case "gcs":
		if sc.GCS == nil {
			sc.GCS = &GCSConfig{}
		}
		sc.GCS.SetDefaults()
	}
}

// LoadFromEnvironment loads storage configuration from environment variables
func (sc *StorageConfig) LoadFromEnvironment() {
	if val := os.Getenv("MIGRATION_GUARD_OFFSITE_PROVIDER"); val != "" {
		sc.Provider = strings.ToLower(val)
	}

	switch sc.Provider {
	case "s3":
		if sc.S3 == nil {
			sc.S3 = &S3Config{}
		}
		if val := os.Getenv("MIGRATION_GUARD_OFFSITE_S3_ACCESS_KEY"); val != "" {
			sc.S3.AccessKey = val
		}
		if val := os.Getenv("MIGRATION_GUARD_OFFSITE_S3_SECRET_KEY"); val != "" {
			sc.S3.SecretKey = val
		}
	case "azure":
		if sc.Azure == nil {
			sc.Azure = &AzureConfig{}
		}
		if val := os.Getenv("MIGRATION_GUARD_OFFSITE_AZURE_ACCOUNT_KEY"); val != "" {
			sc.Azure.AccountKey = val
		}
	case "gcs":
		if sc.GCS == nil {
			sc.GCS = &GCSConfig{}
		}
		if val := os.Getenv("MIGRATION_GUARD_OFFSITE_GCS_CREDENTIALS_PATH"); val != "" {
			sc.GCS.CredentialsPath = val
		}
	}
}

// Validate validates the local storage configuration
func (lc *LocalConfig) Validate() error {
	if lc.BasePath == "" {
		return errors.New("base path is required for local storage")
	}
	return nil
}

// SetDefaults sets default values for local storage configuration
func (lc *LocalConfig) SetDefaults() {
	if lc.BasePath == "" {
		lc.BasePath = "/var/backups/migration-guard-offsite"
	}
}

// Validate validates the S3 storage configuration
func (s3c *S3Config) Validate() error {
	if s3c.Bucket == "" {
		return errors.New("bucket is required for S3 storage")
	}
	if s3c.Region == "" {
		return errors.New("region is required for S3 storage")
	}
	return nil
}

// SetDefaults sets default values for S3 storage configuration
func (s3c *S3Config) SetDefaults() {
	if s3c.Region == "" {
		s3c.Region = "us-east-1"
	}
}

// Validate validates the Azure storage configuration
func (ac *AzureConfig) Validate() error {
	if ac.AccountName == "" {
		return errors.New("account name is required for Azure storage")
	}
	if ac.AccountKey == "" {
		return errors.New("account key is required for Azure storage")
	}
	if ac.ContainerName == "" {
		return errors.New("container name is required for Azure storage")
	}
	return nil
}

// Validate validates the GCS storage configuration
func (gc *GCSConfig) Validate() error {
	if gc.Bucket == "" {
		return errors.New("bucket is required for GCS storage")
	}
	return nil
}

// SetDefaults sets default values for GCS storage configuration
func (gc *GCSConfig) SetDefaults() {
	if gc.CredentialsPath == "" {
		gc.CredentialsPath = os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
	}
}

// Validate validates the compression configuration
func (cc *CompressionConfig) Validate() error {
	switch strings.ToLower(cc.Algorithm) {
	case "none":
		return nil
	case "gzip":
		if cc.Level < 1 || cc.Level > 9 {
			return errors.New("gzip compression level must be between 1 and 9")
		}
	case "lz4":
		if cc.Level < 1 || cc.Level > 12 {
			return errors.New("lz4 compression level must be between 1 and 12")
		}
	case "zstd":
		if cc.Level < 1 || cc.Level > 22 {
			return errors.New("zstd compression level must be between 1 and 22")
		}
	default:
		return fmt.Errorf("invalid compression algorithm: %s", cc.Algorithm)
	}
	return nil
}

// SetDefaults sets default values for compression configuration
func (cc *CompressionConfig) SetDefaults() {
	if cc.Algorithm == "" {
		cc.Algorithm = "zstd"
	}

	if cc.Level == 0 {
		switch strings.ToLower(cc.Algorithm) {
		case "gzip":
			cc.Level = 6
		case "lz4":
			cc.Level = 1
		case "zstd":
			cc.Level = 3
		}
	}
}

// LoadFromEnvironment loads compression configuration from environment variables
func (cc *CompressionConfig) LoadFromEnvironment() {
	if val := os.Getenv("MIGRATION_GUARD_OFFSITE_COMPRESSION_ALGORITHM"); val != "" {
		cc.Algorithm = strings.ToLower(val)
	}
	if val := os.Getenv("MIGRATION_GUARD_OFFSITE_COMPRESSION_LEVEL"); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			cc.Level = parsed
		}
	}
}

// Validate validates the encryption configuration
func (ec *EncryptionConfig) Validate() error {
	if ec.Enabled && ec.PassphraseEnv == "" {
		return errors.New("passphrase_env is required when encryption is enabled")
	}
	return nil
}

// SetDefaults sets default values for encryption configuration
func (ec *EncryptionConfig) SetDefaults() {
	if ec.Enabled && ec.PassphraseEnv == "" {
		ec.PassphraseEnv = "MIGRATION_GUARD_OFFSITE_PASSPHRASE"
	}
}

// Passphrase reads the archive passphrase from the configured environment variable
func (ec *EncryptionConfig) Passphrase() (string, error) {
	if !ec.Enabled {
		return "", nil
	}
	val := os.Getenv(ec.PassphraseEnv)
	if val == "" {
		return "", fmt.Errorf("environment variable %s is empty", ec.PassphraseEnv)
	}
	return val, nil
}
