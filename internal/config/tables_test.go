package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCatalog() Catalog {
	tables := []TableSpec{
		{Name: "users", Backup: true, Count: true, Structural: []string{"id", "username"}, NaturalKey: []string{"username"}, Role: RoleIdentity, Headline: true},
		{Name: "notes", Backup: true, Count: true, Sample: true, CreatedColumn: "created_at", Role: RoleContent, Importance: 1, Headline: true},
		{Name: "attachments", Backup: true, Count: true, Role: RoleContent, Importance: 2},
		{Name: "search_index", Count: true, Role: RoleDerived},
	}
	for i := range tables {
		tables[i].SetDefaults()
	}
	return Catalog(tables)
}

func TestCatalogFilters(t *testing.T) {
	c := testCatalog()
	require.NoError(t, c.Validate())

	names := func(ts []TableSpec) []string {
		var out []string
		for _, t := range ts {
			out = append(out, t.Name)
		}
		return out
	}

	assert.Equal(t, []string{"attachments", "notes", "users"}, names(c.BackupTables()))
	assert.Equal(t, []string{"attachments", "notes", "search_index", "users"}, names(c.CountTables()))
	assert.Equal(t, []string{"users"}, names(c.StructuralTables()))
	assert.Equal(t, []string{"notes"}, names(c.SampleTables()))
	assert.Equal(t, []string{"notes", "users"}, names(c.HeadlineTables()))
	assert.Equal(t, []string{"users"}, names(c.ByRole(RoleIdentity)))
}

func TestCatalogLookup(t *testing.T) {
	c := testCatalog()

	spec, ok := c.Lookup("notes")
	require.True(t, ok)
	assert.Equal(t, "created_at", spec.CreatedColumn)

	_, ok = c.Lookup("missing")
	assert.False(t, ok)
}

func TestTableSpecMatchKey(t *testing.T) {
	spec := TableSpec{Name: "users", PrimaryKey: []string{"id"}, NaturalKey: []string{"username"}}
	assert.Equal(t, []string{"username"}, spec.MatchKey())

	spec.NaturalKey = nil
	assert.Equal(t, []string{"id"}, spec.MatchKey())
}

func TestTableSpecDefaultsNaturalKeyFromPrimaryKey(t *testing.T) {
	spec := TableSpec{Name: "groups", Structural: []string{"id", "name"}}
	spec.SetDefaults()

	assert.Equal(t, []string{"id"}, spec.PrimaryKey)
	assert.Equal(t, []string{"id"}, spec.NaturalKey)
	assert.Equal(t, RoleOther, spec.Role)
}

func TestTableSpecValidate(t *testing.T) {
	tests := []struct {
		name    string
		spec    TableSpec
		wantErr string
	}{
		{
			name:    "unsafe table name",
			spec:    TableSpec{Name: "users; DROP TABLE x", PrimaryKey: []string{"id"}},
			wantErr: "invalid table name",
		},
		{
			name:    "unsafe column",
			spec:    TableSpec{Name: "users", PrimaryKey: []string{"id`"}},
			wantErr: "invalid column name",
		},
		{
			name:    "unknown role",
			spec:    TableSpec{Name: "users", PrimaryKey: []string{"id"}, Role: "vip"},
			wantErr: "unknown role",
		},
		{
			name:    "natural key outside structural",
			spec:    TableSpec{Name: "users", PrimaryKey: []string{"id"}, NaturalKey: []string{"username"}, Structural: []string{"id", "email"}},
			wantErr: `match key column "username"`,
		},
		{
			name:    "sample without created column",
			spec:    TableSpec{Name: "notes", PrimaryKey: []string{"id"}, Sample: true},
			wantErr: "sample requires created_column",
		},
		{
			name:    "headline without count",
			spec:    TableSpec{Name: "notes", PrimaryKey: []string{"id"}, Headline: true},
			wantErr: "headline tables must also be counted",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCatalogValidateRejectsDuplicatesAndEmpty(t *testing.T) {
	assert.Error(t, Catalog(nil).Validate())

	c := Catalog{
		{Name: "users", PrimaryKey: []string{"id"}},
		{Name: "users", PrimaryKey: []string{"id"}},
	}
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `duplicate table "users"`)
}

func TestIsIdentifier(t *testing.T) {
	assert.True(t, IsIdentifier("note_tags"))
	assert.True(t, IsIdentifier("_hidden"))
	assert.False(t, IsIdentifier("1st"))
	assert.False(t, IsIdentifier("a-b"))
	assert.False(t, IsIdentifier(""))
}
