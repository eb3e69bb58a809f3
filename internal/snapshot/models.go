package snapshot

import (
	"sort"
	"time"
)

// Row is one structurally captured record; a nil value is SQL NULL
type Row map[string]*string

// Sample holds the oldest and newest primary key values of a table
type Sample struct {
	First []string `json:"first"`
	Last  []string `json:"last"`
}

// Snapshot is a point-in-time structural fingerprint of the datastore
type Snapshot struct {
	Label             string            `json:"label"`
	CapturedAt        time.Time         `json:"capturedAt"`
	RowCounts         map[string]int64  `json:"rowCounts"`
	StructuralData    map[string][]Row  `json:"structuralData"`
	SampleIdentifiers map[string]Sample `json:"sampleIdentifiers"`

	// Checksum is stored detached from the snapshot file
	Checksum string `json:"-"`
}

// New returns an empty snapshot with initialized maps
func New(label string) *Snapshot {
	return &Snapshot{
		Label:             label,
		CapturedAt:        time.Now().UTC(),
		RowCounts:         make(map[string]int64),
		StructuralData:    make(map[string][]Row),
		SampleIdentifiers: make(map[string]Sample),
	}
}

// Tables returns every table name mentioned anywhere in the snapshot, sorted
func (s *Snapshot) Tables() []string {
	seen := make(map[string]bool)
	for t := range s.RowCounts {
		seen[t] = true
	}
	for t := range s.StructuralData {
		seen[t] = true
	}
	for t := range s.SampleIdentifiers {
		seen[t] = true
	}

	names := make([]string, 0, len(seen))
	for t := range seen {
		names = append(names, t)
	}
	sort.Strings(names)
	return names
}
