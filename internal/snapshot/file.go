package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"migration-guard/internal/errors"
)

// DigestSuffix is appended to a snapshot path to name its detached digest
const DigestSuffix = ".sha256"

// DigestPath returns the detached digest path for a snapshot file
func DigestPath(path string) string {
	return path + DigestSuffix
}

// WriteFile seals the snapshot and writes it to path together with a
// sha256sum-compatible digest file next to it
func WriteFile(path string, snap *Snapshot) error {
	if err := snap.Seal(); err != nil {
		return errors.NewArtifactFailure("snapshot", "failed to compute snapshot checksum", err)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return errors.NewArtifactFailure("snapshot", "failed to serialize snapshot", err)
	}

	if err := writeAtomic(path, append(data, '\n')); err != nil {
		return errors.NewArtifactFailure("snapshot", fmt.Sprintf("failed to write snapshot %s", path), err)
	}

	digest := fmt.Sprintf("%s  %s\n", snap.Checksum, filepath.Base(path))
	if err := writeAtomic(DigestPath(path), []byte(digest)); err != nil {
		return errors.NewArtifactFailure("snapshot", fmt.Sprintf("failed to write snapshot digest %s", DigestPath(path)), err)
	}
	return nil
}

// ReadFile loads a snapshot and checks it against its detached digest. A
// snapshot whose content no longer matches the digest is rejected.
func ReadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewArtifactFailure("snapshot", fmt.Sprintf("failed to read snapshot %s", path), err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, errors.NewArtifactFailure("snapshot", fmt.Sprintf("snapshot %s is not valid JSON", path), err)
	}

	stored, err := readDigest(DigestPath(path))
	if err != nil {
		return nil, errors.NewArtifactFailure("snapshot", fmt.Sprintf("failed to read digest for %s", path), err)
	}

	snap.Checksum = stored
	if err := snap.Verify(); err != nil {
		return nil, errors.NewArtifactFailure("snapshot", fmt.Sprintf("snapshot %s was modified after capture", path), err)
	}
	return &snap, nil
}

func readDigest(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return "", fmt.Errorf("digest file %s is empty", path)
	}
	sum := strings.ToLower(fields[0])
	if len(sum) != 64 {
		return "", fmt.Errorf("digest file %s does not hold a sha256 hex digest", path)
	}
	return sum, nil
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o640); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
