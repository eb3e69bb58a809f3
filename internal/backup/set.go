package backup

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/oklog/ulid/v2"
)

// BackupSet is a backup directory on disk
type BackupSet struct {
	ID       string
	Dir      string
	Manifest *Manifest
}

// Path returns the absolute location of an artifact inside the set
func (s *BackupSet) Path(artifact string) string {
	if s.Manifest != nil {
		if p, ok := s.Manifest.Contents[artifact]; ok {
			return filepath.Join(s.Dir, p)
		}
	}
	return filepath.Join(s.Dir, DefaultContents()[artifact])
}

// DumpPath returns the datastore dump location
func (s *BackupSet) DumpPath() string { return s.Path(ArtifactDatastoreDump) }

// BundlePath returns the secret bundle copy location
func (s *BackupSet) BundlePath() string { return s.Path(ArtifactSecretBundle) }

// KeyPath returns the decryption key copy location
func (s *BackupSet) KeyPath() string { return s.Path(ArtifactSecretKey) }

// ConfigPath returns the secret tool configuration copy location
func (s *BackupSet) ConfigPath() string { return s.Path(ArtifactSecretConfig) }

// FileTreePath returns the file-tree mirror location
func (s *BackupSet) FileTreePath() string { return s.Path(ArtifactFileTree) }

// LogPath returns the run log location
func (s *BackupSet) LogPath() string { return s.Path(ArtifactRunLog) }

// LoadSet opens the backup directory dir and revalidates its manifest
func LoadSet(dir string) (*BackupSet, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("backup directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a backup directory", dir)
	}

	m, err := ReadManifest(abs)
	if err != nil {
		return nil, err
	}
	return &BackupSet{ID: m.BackupID, Dir: abs, Manifest: m}, nil
}

// SetSummary describes one entry found under a backup destination
type SetSummary struct {
	ID       string
	Dir      string
	Manifest *Manifest
	// Err is set when the directory has no valid manifest
	Err error
}

// Complete reports whether the set has a valid manifest
func (s SetSummary) Complete() bool {
	return s.Err == nil && s.Manifest != nil
}

// ListSets lists every backup directory under destination, newest first.
// Directories whose names are not backup IDs are ignored; incomplete sets
// are listed with their error.
func ListSets(destination string) ([]SetSummary, error) {
	entries, err := os.ReadDir(destination)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", destination, err)
	}

	var sets []SetSummary
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := ulid.ParseStrict(e.Name()); err != nil {
			continue
		}

		dir := filepath.Join(destination, e.Name())
		summary := SetSummary{ID: e.Name(), Dir: dir}
		summary.Manifest, summary.Err = ReadManifest(dir)
		sets = append(sets, summary)
	}

	// ULIDs sort lexically by creation time
	sort.Slice(sets, func(i, j int) bool { return sets[i].ID > sets[j].ID })
	return sets, nil
}

// FindSet locates a backup set by ID under destination
func FindSet(destination, id string) (*BackupSet, error) {
	if _, err := ulid.ParseStrict(id); err != nil {
		return nil, fmt.Errorf("%q is not a backup ID: %w", id, err)
	}
	return LoadSet(filepath.Join(destination, id))
}
