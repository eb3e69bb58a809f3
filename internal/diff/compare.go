package diff

import (
	"fmt"
	"sort"
	"strings"

	"migration-guard/internal/config"
	"migration-guard/internal/errors"
	"migration-guard/internal/snapshot"
)

// Compare classifies every difference between before and after. Counts,
// structural rows and samples are compared independently: matching counts
// never hide a structural change.
func Compare(before, after *snapshot.Snapshot, catalog config.Catalog) (*Result, error) {
	if before == nil || after == nil {
		return nil, errors.NewAppError(errors.ErrorTypeValidation, "both snapshots are required for a comparison", nil)
	}

	result := &Result{
		BeforeLabel:    before.Label,
		AfterLabel:     after.Label,
		BeforeChecksum: before.Checksum,
		AfterChecksum:  after.Checksum,
	}

	for _, name := range union(before.Tables(), after.Tables()) {
		spec := lookup(catalog, name)
		td := TableDiff{
			Table:      name,
			Role:       spec.Role,
			Importance: spec.Importance,
			Kind:       KindUnchanged,
			Severity:   SeverityNone,
		}

		var findings []Finding
		findings = append(findings, compareCounts(&td, before, after)...)
		findings = append(findings, compareStructure(&td, spec, before, after)...)
		findings = append(findings, compareSamples(&td, before, after)...)

		for i := range findings {
			findings[i].Importance = spec.Importance
			td.Severity = maxSeverity(td.Severity, findings[i].Severity)
		}

		switch {
		case len(td.MissingRows) > 0 || len(td.ChangedRows) > 0 || len(td.MissingFirst) > 0:
			td.Kind = KindStructurallyChanged
		case td.CountDelta() != 0 || len(td.AddedRows) > 0:
			td.Kind = KindCountChanged
		}
		result.Tables = append(result.Tables, td)
		result.Findings = append(result.Findings, findings...)
	}

	sortFindings(result.Findings)
	return result, nil
}

func compareCounts(td *TableDiff, before, after *snapshot.Snapshot) []Finding {
	b, inBefore := before.RowCounts[td.Table]
	a, inAfter := after.RowCounts[td.Table]
	if !inBefore && !inAfter {
		return nil
	}
	td.Counted = true
	td.CountBefore, td.CountAfter = b, a

	switch {
	case !inAfter:
		return []Finding{countLoss(td, fmt.Sprintf("table was not counted after the operation (had %d rows)", b))}
	case !inBefore:
		return []Finding{{
			Table:    td.Table,
			Category: CategoryInformational,
			Severity: SeverityInformational,
			Message:  fmt.Sprintf("table is new with %d rows", a),
		}}
	case a < b:
		return []Finding{countLoss(td, fmt.Sprintf("row count dropped from %d to %d (%d lost)", b, a, b-a))}
	case a > b:
		return []Finding{{
			Table:    td.Table,
			Category: CategoryInformational,
			Severity: SeverityInformational,
			Message:  fmt.Sprintf("row count grew from %d to %d (+%d)", b, a, a-b),
		}}
	}
	return nil
}

func countLoss(td *TableDiff, msg string) Finding {
	f := Finding{
		Table:    td.Table,
		Category: CategoryContentCount,
		Severity: SeverityDataLoss,
		Message:  msg,
	}
	if td.Role == config.RoleIdentity {
		lost := td.CountBefore - td.CountAfter
		f.Category = CategoryIdentityCount
		f.AccountsLost = lost
		f.Message = fmt.Sprintf("%d account(s) lost: %s", lost, msg)
	}
	return f
}

func compareStructure(td *TableDiff, spec config.TableSpec, before, after *snapshot.Snapshot) []Finding {
	beforeRows, inBefore := before.StructuralData[td.Table]
	afterRows, inAfter := after.StructuralData[td.Table]
	if !inBefore && !inAfter {
		return nil
	}

	key := spec.MatchKey()
	afterByKey := make(map[string][]snapshot.Row, len(afterRows))
	for _, row := range afterRows {
		k := rowKey(key, row)
		afterByKey[k] = append(afterByKey[k], row)
	}

	for _, row := range beforeRows {
		k := rowKey(key, row)
		candidates := afterByKey[k]
		if len(candidates) == 0 {
			td.MissingRows = append(td.MissingRows, k)
			continue
		}
		match := candidates[0]
		afterByKey[k] = candidates[1:]

		if fields := compareFields(row, match); len(fields) > 0 {
			td.ChangedRows = append(td.ChangedRows, RowDelta{Key: k, Fields: fields})
		}
	}
	for _, row := range afterRows {
		k := rowKey(key, row)
		if rest := afterByKey[k]; len(rest) > 0 {
			td.AddedRows = append(td.AddedRows, k)
			afterByKey[k] = rest[1:]
		}
	}

	var findings []Finding
	if len(td.MissingRows) > 0 {
		findings = append(findings, Finding{
			Table:    td.Table,
			Category: CategoryStructuralMissing,
			Severity: SeverityDataLoss,
			Message:  fmt.Sprintf("%d record(s) present before are missing after", len(td.MissingRows)),
			Rows:     td.MissingRows,
		})
	}
	if len(td.ChangedRows) > 0 {
		findings = append(findings, Finding{
			Table:    td.Table,
			Category: CategoryStructuralChanged,
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("%d record(s) have changed fields", len(td.ChangedRows)),
			Changes:  td.ChangedRows,
		})
	}
	if len(td.AddedRows) > 0 {
		findings = append(findings, Finding{
			Table:    td.Table,
			Category: CategoryInformational,
			Severity: SeverityInformational,
			Message:  fmt.Sprintf("%d new record(s)", len(td.AddedRows)),
			Rows:     td.AddedRows,
		})
	}
	return findings
}

// compareSamples checks boundary identifiers. The oldest records cannot be
// displaced by inserts, so a vanished first identifier is data loss. The
// newest window legitimately moves when rows are added.
func compareSamples(td *TableDiff, before, after *snapshot.Snapshot) []Finding {
	b, ok := before.SampleIdentifiers[td.Table]
	if !ok {
		return nil
	}
	a := after.SampleIdentifiers[td.Table]

	td.MissingFirst = missing(b.First, a.First)
	td.MissingLast = missing(b.Last, a.Last)

	var findings []Finding
	if len(td.MissingFirst) > 0 {
		findings = append(findings, Finding{
			Table:    td.Table,
			Category: CategorySample,
			Severity: SeverityDataLoss,
			Message:  fmt.Sprintf("%d of the oldest record(s) are missing", len(td.MissingFirst)),
			Rows:     td.MissingFirst,
		})
	}
	if len(td.MissingLast) > 0 {
		f := Finding{
			Table:    td.Table,
			Category: CategorySample,
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("%d of the newest record(s) are no longer the newest", len(td.MissingLast)),
			Rows:     td.MissingLast,
		}
		if td.Counted && td.CountAfter > td.CountBefore {
			f.Category = CategoryInformational
			f.Severity = SeverityInformational
			f.Message += " after growth"
		}
		findings = append(findings, f)
	}
	return findings
}

func compareFields(before, after snapshot.Row) []FieldDelta {
	columns := make(map[string]struct{}, len(before))
	for c := range before {
		columns[c] = struct{}{}
	}
	for c := range after {
		columns[c] = struct{}{}
	}
	names := make([]string, 0, len(columns))
	for c := range columns {
		names = append(names, c)
	}
	sort.Strings(names)

	var deltas []FieldDelta
	for _, c := range names {
		b, a := before[c], after[c]
		if equalValue(b, a) {
			continue
		}
		deltas = append(deltas, FieldDelta{Column: c, Before: b, After: a})
	}
	return deltas
}

func equalValue(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// rowKey renders the match key of a row, e.g. "id=3" or "org=1,name=ops"
func rowKey(columns []string, row snapshot.Row) string {
	parts := make([]string, len(columns))
	for i, c := range columns {
		v := "NULL"
		if p := row[c]; p != nil {
			v = *p
		}
		parts[i] = c + "=" + v
	}
	return strings.Join(parts, ",")
}

func missing(before, after []string) []string {
	present := make(map[string]bool, len(after))
	for _, id := range after {
		present[id] = true
	}
	var out []string
	for _, id := range before {
		if !present[id] {
			out = append(out, id)
		}
	}
	return out
}

func lookup(catalog config.Catalog, name string) config.TableSpec {
	spec, ok := catalog.Lookup(name)
	if !ok {
		spec = config.TableSpec{Name: name}
	}
	spec.SetDefaults()
	return spec
}

func union(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string{}, a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// sortFindings puts findings in presentation order: identity count loss,
// other count loss by importance, missing records, changed records, samples
// and finally informational findings
func sortFindings(findings []Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		if a.Importance != b.Importance {
			return a.Importance < b.Importance
		}
		return a.Table < b.Table
	})
}
