package diff

import (
	"fmt"
	"strings"
	"time"

	"migration-guard/internal/config"
)

// Severity classifies how much a difference matters
type Severity string

const (
	// SeverityNone means nothing changed
	SeverityNone Severity = "none"
	// SeverityInformational covers growth, such as new rows
	SeverityInformational Severity = "informational"
	// SeverityWarning covers unexplained structural change
	SeverityWarning Severity = "warning"
	// SeverityDataLoss covers shrinking counts and vanished records
	SeverityDataLoss Severity = "dataLoss"
)

func (s Severity) rank() int {
	switch s {
	case SeverityInformational:
		return 1
	case SeverityWarning:
		return 2
	case SeverityDataLoss:
		return 3
	default:
		return 0
	}
}

// AtLeast reports whether s is as severe as other
func (s Severity) AtLeast(other Severity) bool {
	return s.rank() >= other.rank()
}

// RequiresConfirmation reports whether findings of this severity must be
// acknowledged by the operator
func (s Severity) RequiresConfirmation() bool {
	return s.AtLeast(SeverityWarning)
}

func maxSeverity(a, b Severity) Severity {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// Kind is the per-table classification
type Kind string

const (
	KindUnchanged           Kind = "unchanged"
	KindCountChanged        Kind = "countChanged"
	KindStructurallyChanged Kind = "structurallyChanged"
)

// Category orders findings for presentation
type Category int

const (
	CategoryIdentityCount Category = iota
	CategoryContentCount
	CategoryStructuralMissing
	CategoryStructuralChanged
	CategorySample
	CategoryInformational
)

func (c Category) String() string {
	switch c {
	case CategoryIdentityCount:
		return "identity_count"
	case CategoryContentCount:
		return "content_count"
	case CategoryStructuralMissing:
		return "structural_missing"
	case CategoryStructuralChanged:
		return "structural_changed"
	case CategorySample:
		return "sample"
	default:
		return "informational"
	}
}

// FieldDelta is one column whose value differs between snapshots
type FieldDelta struct {
	Column string
	Before *string
	After  *string
}

func (d FieldDelta) String() string {
	return fmt.Sprintf("%s: %s -> %s", d.Column, display(d.Before), display(d.After))
}

// RowDelta is a record present in both snapshots with differing fields
type RowDelta struct {
	Key    string
	Fields []FieldDelta
}

// TableDiff is the comparison of one table
type TableDiff struct {
	Table       string
	Role        config.TableRole
	Importance  int
	Kind        Kind
	Severity    Severity
	Counted     bool
	CountBefore int64
	CountAfter  int64
	// MissingRows and AddedRows hold natural keys
	MissingRows  []string
	AddedRows    []string
	ChangedRows  []RowDelta
	MissingFirst []string
	MissingLast  []string
}

// CountDelta returns after minus before
func (t TableDiff) CountDelta() int64 {
	return t.CountAfter - t.CountBefore
}

// Finding is one reportable difference
type Finding struct {
	Table      string
	Category   Category
	Severity   Severity
	Message    string
	Importance int
	// AccountsLost is set on identity count findings
	AccountsLost int64
	Rows         []string
	Changes      []RowDelta
}

// Describe renders the finding for the operator
func (f Finding) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: %s", f.Severity, f.Table, f.Message)
	for _, r := range f.Changes {
		fmt.Fprintf(&b, "\n  %s", r.Key)
		for _, d := range r.Fields {
			fmt.Fprintf(&b, "\n    %s", d)
		}
	}
	if len(f.Rows) > 0 {
		fmt.Fprintf(&b, "\n  %s", strings.Join(f.Rows, ", "))
	}
	return b.String()
}

// Result is the outcome of comparing two snapshots. It is never persisted
// beyond the run log.
type Result struct {
	BeforeLabel    string
	AfterLabel     string
	BeforeChecksum string
	AfterChecksum  string
	Tables         []TableDiff
	// Findings are kept in presentation order
	Findings []Finding
}

// Severity returns the worst severity across all findings
func (r *Result) Severity() Severity {
	s := SeverityNone
	for _, f := range r.Findings {
		s = maxSeverity(s, f.Severity)
	}
	return s
}

// Unchanged reports whether the snapshots describe the same data
func (r *Result) Unchanged() bool {
	return len(r.Findings) == 0
}

// AccountsLost returns the total decrease across identity tables
func (r *Result) AccountsLost() int64 {
	var n int64
	for _, f := range r.Findings {
		n += f.AccountsLost
	}
	return n
}

// Table returns the diff of one table
func (r *Result) Table(name string) (TableDiff, bool) {
	for _, t := range r.Tables {
		if t.Table == name {
			return t, true
		}
	}
	return TableDiff{}, false
}

// Pending returns the findings that need operator acknowledgment, in order
func (r *Result) Pending() []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if f.Severity.RequiresConfirmation() {
			out = append(out, f)
		}
	}
	return out
}

// Count returns how many findings have the given severity
func (r *Result) Count(s Severity) int {
	n := 0
	for _, f := range r.Findings {
		if f.Severity == s {
			n++
		}
	}
	return n
}

// Decision is the operator's answer to one finding
type Decision struct {
	Finding      Finding
	Acknowledged bool
	DecidedAt    time.Time
}

func display(v *string) string {
	if v == nil {
		return "NULL"
	}
	return fmt.Sprintf("%q", *v)
}
