package storage

import (
	"context"
	"fmt"

	"github.com/spf13/afero"

	"migration-guard/internal/config"
)

// SupportedProviders lists the backends New can create
func SupportedProviders() []ProviderType {
	return []ProviderType{ProviderLocal, ProviderS3, ProviderAzure, ProviderGCS}
}

// New creates the provider selected by cfg. fs is only used by the local
// provider and may be nil.
func New(ctx context.Context, cfg config.StorageConfig, fs afero.Fs) (Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid storage configuration: %w", err)
	}

	switch ProviderType(cfg.Provider) {
	case ProviderLocal:
		return NewLocalProvider(fs, cfg.Local.BasePath)
	case ProviderS3:
		return NewS3Provider(cfg.S3)
	case ProviderAzure:
		return NewAzureProvider(cfg.Azure)
	case ProviderGCS:
		return NewGCSProvider(ctx, cfg.GCS)
	default:
		return nil, fmt.Errorf("unsupported storage provider: %s", cfg.Provider)
	}
}
