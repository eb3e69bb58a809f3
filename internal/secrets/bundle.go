package secrets

import (
	"context"
	"fmt"
	"strings"

	apperrors "migration-guard/internal/errors"

	"gopkg.in/yaml.v3"
)

// bundleMetadata is the part of an encrypted bundle the tool appends
type bundleMetadata struct {
	Sops *struct {
		MAC          string `yaml:"mac"`
		LastModified string `yaml:"lastmodified"`
		Version      string `yaml:"version"`
		Age          []struct {
			Recipient string `yaml:"recipient"`
		} `yaml:"age"`
	} `yaml:"sops"`
}

// Marker describes the integrity metadata found in an encrypted bundle
type Marker struct {
	MAC          string
	LastModified string
	ToolVersion  string
	Recipients   []string
}

// ReadMarker parses the integrity marker from encrypted bundle bytes. A bundle
// without a sops.mac entry is not an encrypted bundle.
func ReadMarker(data []byte) (*Marker, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, fmt.Errorf("bundle is empty")
	}

	var meta bundleMetadata
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("bundle is not valid YAML: %w", err)
	}
	if meta.Sops == nil {
		return nil, fmt.Errorf("bundle has no sops metadata section")
	}
	if meta.Sops.MAC == "" {
		return nil, fmt.Errorf("bundle has no integrity MAC")
	}

	m := &Marker{
		MAC:          meta.Sops.MAC,
		LastModified: meta.Sops.LastModified,
		ToolVersion:  meta.Sops.Version,
	}
	for _, a := range meta.Sops.Age {
		m.Recipients = append(m.Recipients, a.Recipient)
	}
	return m, nil
}

// Lookup walks a dot path such as "database.password" through decrypted YAML
func Lookup(plaintext []byte, path string) (string, error) {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(plaintext, &doc); err != nil {
		return "", fmt.Errorf("decrypted bundle is not valid YAML: %w", err)
	}
	return lookupIn(doc, path)
}

func lookupIn(doc map[string]interface{}, path string) (string, error) {
	var node interface{} = doc
	for _, part := range strings.Split(path, ".") {
		m, ok := node.(map[string]interface{})
		if !ok {
			return "", fmt.Errorf("secret %s not found", path)
		}
		node, ok = m[part]
		if !ok {
			return "", fmt.Errorf("secret %s not found", path)
		}
	}

	value, ok := node.(string)
	if !ok {
		return "", fmt.Errorf("secret %s is not a string (got %T)", path, node)
	}
	return value, nil
}

// Store decrypts the bundle once and serves dot-path lookups from memory
type Store struct {
	tool       Tool
	bundlePath string
	keyPath    string
	doc        map[string]interface{}
}

// NewStore creates a lazily decrypting store
func NewStore(tool Tool, bundlePath, keyPath string) *Store {
	return &Store{tool: tool, bundlePath: bundlePath, keyPath: keyPath}
}

// Load decrypts the bundle if it has not been decrypted yet
func (s *Store) Load(ctx context.Context) error {
	if s.doc != nil {
		return nil
	}

	plaintext, err := s.tool.Decrypt(ctx, s.bundlePath, s.keyPath)
	if err != nil {
		return err
	}

	var doc map[string]interface{}
	if err := yaml.Unmarshal(plaintext, &doc); err != nil {
		return apperrors.NewArtifactFailure("secret_bundle", "decrypted bundle is not valid YAML", err)
	}
	if doc == nil {
		doc = map[string]interface{}{}
	}
	s.doc = doc
	return nil
}

// Lookup returns the string secret at a dot path
func (s *Store) Lookup(ctx context.Context, path string) (string, error) {
	if err := s.Load(ctx); err != nil {
		return "", err
	}
	return lookupIn(s.doc, path)
}

// CheckRequired reports every required dot path that is missing or not a string
func (s *Store) CheckRequired(ctx context.Context, paths []string) []error {
	if err := s.Load(ctx); err != nil {
		return []error{err}
	}

	var missing []error
	for _, p := range paths {
		if _, err := lookupIn(s.doc, p); err != nil {
			missing = append(missing, err)
		}
	}
	return missing
}
