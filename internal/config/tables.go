package config

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
)

// TableRole tells the diff engine how much a count change in a table matters
type TableRole string

const (
	// RoleIdentity tables hold accounts; any decrease is surfaced first
	RoleIdentity TableRole = "identity"
	// RoleContent tables hold user-produced content
	RoleContent TableRole = "content"
	// RoleDerived tables can be rebuilt from other data
	RoleDerived TableRole = "derived"
	// RoleOther is everything else
	RoleOther TableRole = "other"
)

// TableSpec is one entry of the table catalog. Every component that touches
// the datastore reads the same catalog.
type TableSpec struct {
	Name          string    `mapstructure:"name" yaml:"name"`
	PrimaryKey    []string  `mapstructure:"primary_key" yaml:"primary_key"`
	NaturalKey    []string  `mapstructure:"natural_key" yaml:"natural_key,omitempty"`
	Backup        bool      `mapstructure:"backup" yaml:"backup"`
	Count         bool      `mapstructure:"count" yaml:"count"`
	Structural    []string  `mapstructure:"structural" yaml:"structural,omitempty"`
	Sample        bool      `mapstructure:"sample" yaml:"sample,omitempty"`
	CreatedColumn string    `mapstructure:"created_column" yaml:"created_column,omitempty"`
	Role          TableRole `mapstructure:"role" yaml:"role"`
	Importance    int       `mapstructure:"importance" yaml:"importance"`
	Headline      bool      `mapstructure:"headline" yaml:"headline,omitempty"`
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*$`)

// IsIdentifier reports whether s is safe to quote as a MySQL identifier
func IsIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}

// SetDefaults fills the table's optional fields
func (ts *TableSpec) SetDefaults() {
	if len(ts.PrimaryKey) == 0 {
		ts.PrimaryKey = []string{"id"}
	}
	if ts.Role == "" {
		ts.Role = RoleOther
	}
	if len(ts.NaturalKey) == 0 && len(ts.Structural) > 0 {
		ts.NaturalKey = append([]string(nil), ts.PrimaryKey...)
	}
}

// MatchKey returns the columns used to pair rows across snapshots
func (ts *TableSpec) MatchKey() []string {
	if len(ts.NaturalKey) > 0 {
		return ts.NaturalKey
	}
	return ts.PrimaryKey
}

// Validate checks a single catalog entry
func (ts *TableSpec) Validate() error {
	var errs []error

	if !IsIdentifier(ts.Name) {
		errs = append(errs, fmt.Errorf("invalid table name %q", ts.Name))
	}
	for _, col := range append(append(append([]string{}, ts.PrimaryKey...), ts.NaturalKey...), ts.Structural...) {
		if !IsIdentifier(col) {
			errs = append(errs, fmt.Errorf("%s: invalid column name %q", ts.Name, col))
		}
	}
	if ts.CreatedColumn != "" && !IsIdentifier(ts.CreatedColumn) {
		errs = append(errs, fmt.Errorf("%s: invalid created_column %q", ts.Name, ts.CreatedColumn))
	}

	switch ts.Role {
	case RoleIdentity, RoleContent, RoleDerived, RoleOther, "":
	default:
		errs = append(errs, fmt.Errorf("%s: unknown role %q", ts.Name, ts.Role))
	}

	if len(ts.Structural) > 0 {
		for _, key := range ts.MatchKey() {
			if !contains(ts.Structural, key) {
				errs = append(errs, fmt.Errorf("%s: match key column %q must be listed in structural", ts.Name, key))
			}
		}
	}
	if ts.Sample {
		if ts.CreatedColumn == "" {
			errs = append(errs, fmt.Errorf("%s: sample requires created_column", ts.Name))
		}
		if len(ts.PrimaryKey) != 1 {
			errs = append(errs, fmt.Errorf("%s: sample requires a single-column primary key", ts.Name))
		}
	}
	if ts.Headline && !ts.Count {
		errs = append(errs, fmt.Errorf("%s: headline tables must also be counted", ts.Name))
	}

	return errors.Join(errs...)
}

// Catalog is the ordered list of tables migration-guard knows about
type Catalog []TableSpec

// Validate checks every entry and rejects duplicates
func (c Catalog) Validate() error {
	if len(c) == 0 {
		return errors.New("at least one table is required")
	}

	var errs []error
	seen := make(map[string]bool, len(c))
	for i := range c {
		if seen[c[i].Name] {
			errs = append(errs, fmt.Errorf("duplicate table %q", c[i].Name))
		}
		seen[c[i].Name] = true
		if err := c[i].Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Lookup finds a table by name
func (c Catalog) Lookup(name string) (TableSpec, bool) {
	for _, t := range c {
		if t.Name == name {
			return t, true
		}
	}
	return TableSpec{}, false
}

// BackupTables returns the allowlisted tables included in the datastore dump
func (c Catalog) BackupTables() []TableSpec {
	return c.filter(func(t TableSpec) bool { return t.Backup })
}

// CountTables returns the tables whose row counts are captured
func (c Catalog) CountTables() []TableSpec {
	return c.filter(func(t TableSpec) bool { return t.Count })
}

// StructuralTables returns the tables whose rows are captured field by field
func (c Catalog) StructuralTables() []TableSpec {
	return c.filter(func(t TableSpec) bool { return len(t.Structural) > 0 })
}

// SampleTables returns the tables whose first/last identifiers are captured
func (c Catalog) SampleTables() []TableSpec {
	return c.filter(func(t TableSpec) bool { return t.Sample })
}

// HeadlineTables returns the tables the metrics verifier re-counts
func (c Catalog) HeadlineTables() []TableSpec {
	return c.filter(func(t TableSpec) bool { return t.Headline })
}

// ByRole returns the tables with the given role
func (c Catalog) ByRole(role TableRole) []TableSpec {
	return c.filter(func(t TableSpec) bool { return t.Role == role })
}

// filter returns matching tables sorted by name
func (c Catalog) filter(keep func(TableSpec) bool) []TableSpec {
	var out []TableSpec
	for _, t := range c {
		if keep(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
