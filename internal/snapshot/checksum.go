package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// checksumPayload is the canonical content the checksum covers. Label and
// capture time are excluded so identical data always hashes identically.
type checksumPayload struct {
	RowCounts         map[string]int64  `json:"rowCounts"`
	StructuralData    map[string][]Row  `json:"structuralData"`
	SampleIdentifiers map[string]Sample `json:"sampleIdentifiers"`
}

// ComputeChecksum returns the hex SHA-256 of the canonical serialization of
// the snapshot's data fields. encoding/json sorts map keys, and rows keep the
// primary-key order they were captured in.
func (s *Snapshot) ComputeChecksum() (string, error) {
	payload := checksumPayload{
		RowCounts:         nonNilCounts(s.RowCounts),
		StructuralData:    nonNilRows(s.StructuralData),
		SampleIdentifiers: nonNilSamples(s.SampleIdentifiers),
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to serialize snapshot: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Seal computes and stores the checksum
func (s *Snapshot) Seal() error {
	sum, err := s.ComputeChecksum()
	if err != nil {
		return err
	}
	s.Checksum = sum
	return nil
}

// Verify recomputes the checksum and compares it with the stored one
func (s *Snapshot) Verify() error {
	if s.Checksum == "" {
		return fmt.Errorf("snapshot %q has no checksum", s.Label)
	}
	sum, err := s.ComputeChecksum()
	if err != nil {
		return err
	}
	if sum != s.Checksum {
		return fmt.Errorf("snapshot %q checksum mismatch: stored %s, computed %s", s.Label, s.Checksum, sum)
	}
	return nil
}

func nonNilCounts(m map[string]int64) map[string]int64 {
	if m == nil {
		return map[string]int64{}
	}
	return m
}

func nonNilRows(m map[string][]Row) map[string][]Row {
	if m == nil {
		return map[string][]Row{}
	}
	return m
}

func nonNilSamples(m map[string]Sample) map[string]Sample {
	if m == nil {
		return map[string]Sample{}
	}
	return m
}
