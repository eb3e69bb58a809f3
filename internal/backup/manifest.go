package backup

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Artifact names used as manifest content keys
const (
	ArtifactDatastoreDump = "datastore_dump"
	ArtifactSecretBundle  = "secret_bundle"
	ArtifactSecretKey     = "secret_key"
	ArtifactSecretConfig  = "secret_config"
	ArtifactFileTree      = "file_tree"
	ArtifactRunLog        = "run_log"
)

// File names inside a backup directory
const (
	ManifestFile     = "manifest.json"
	DumpFile         = "datastore.dump.zst"
	BundleFile       = "secrets.enc.yaml"
	KeyFile          = "age.key"
	SecretConfigFile = "sops.yaml"
	FileTreeDir      = "user_data"
	RunLogFile       = "migration.log"
)

// DefaultContents maps every artifact name to its file inside a backup directory
func DefaultContents() map[string]string {
	return map[string]string{
		ArtifactDatastoreDump: DumpFile,
		ArtifactSecretBundle:  BundleFile,
		ArtifactSecretKey:     KeyFile,
		ArtifactSecretConfig:  SecretConfigFile,
		ArtifactFileTree:      FileTreeDir,
		ArtifactRunLog:        RunLogFile,
	}
}

// Manifest records the provenance of a backup set. It is written once as the
// last act of a successful backup and never modified.
type Manifest struct {
	BackupID           string            `json:"backupId"`
	BackupTimestamp    time.Time         `json:"backupTimestamp"`
	ApplicationVersion string            `json:"applicationVersion"`
	DatastoreVersion   string            `json:"datastoreVersion"`
	SecretToolVersion  string            `json:"secretToolVersion"`
	OS                 string            `json:"os"`
	Database           string            `json:"database"`
	Tables             []TOCEntry        `json:"tables"`
	Contents           map[string]string `json:"contents"`
}

// Validate checks that every required field is present and that contents
// names exactly the fixed artifact list with safe relative paths
func (m *Manifest) Validate() error {
	var errors ValidationErrors

	if m.BackupID == "" {
		errors.Add("backupId", "backup ID is required", m.BackupID)
	}
	if m.BackupTimestamp.IsZero() {
		errors.Add("backupTimestamp", "backup timestamp is required", nil)
	}
	if m.ApplicationVersion == "" {
		errors.Add("applicationVersion", "application version is required", m.ApplicationVersion)
	}
	if m.DatastoreVersion == "" {
		errors.Add("datastoreVersion", "datastore version is required", m.DatastoreVersion)
	}
	if m.SecretToolVersion == "" {
		errors.Add("secretToolVersion", "secret tool version is required", m.SecretToolVersion)
	}
	if m.OS == "" {
		errors.Add("os", "target OS is required", m.OS)
	}

	for _, name := range ArtifactNames() {
		p, ok := m.Contents[name]
		switch {
		case !ok || p == "":
			errors.Add("contents."+name, "artifact is not listed", nil)
		case filepath.IsAbs(p) || !filepath.IsLocal(p):
			errors.Add("contents."+name, "artifact path must be relative to the backup directory", p)
		}
	}
	for name := range m.Contents {
		if !isArtifactName(name) {
			errors.Add("contents."+name, "unknown artifact", nil)
		}
	}

	if errors.HasErrors() {
		return errors
	}
	return nil
}

// ArtifactNames returns the fixed artifact list in a stable order
func ArtifactNames() []string {
	names := make([]string, 0, 6)
	for name := range DefaultContents() {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func isArtifactName(name string) bool {
	_, ok := DefaultContents()[name]
	return ok
}

// WriteManifest writes the manifest to dir/manifest.json
func WriteManifest(dir string, m *Manifest) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("refusing to write invalid manifest: %w", err)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize manifest: %w", err)
	}
	path := filepath.Join(dir, ManifestFile)
	if err := os.WriteFile(path, append(data, '\n'), 0o640); err != nil {
		return fmt.Errorf("failed to write manifest %s: %w", path, err)
	}
	return nil
}

// ReadManifest parses and validates dir/manifest.json. A previous run's
// manifest is never trusted without validation.
func ReadManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s has no manifest; the backup run never completed", dir)
		}
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest %s is not valid JSON: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("manifest %s is invalid: %w", path, err)
	}
	return &m, nil
}
