// Package metrics re-counts the headline tables after an operation and
// compares them with the counts captured before it began.
package metrics

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"migration-guard/internal/config"
	"migration-guard/internal/errors"
	"migration-guard/internal/logging"
)

// Counter counts rows in a table
type Counter interface {
	CountRows(ctx context.Context, table string) (int64, error)
}

// Mismatch is a headline table whose count differs from the expected value
type Mismatch struct {
	Table    string
	Expected int64
	Actual   int64
}

func (m Mismatch) String() string {
	return fmt.Sprintf("%s: expected %d, found %d (%+d)", m.Table, m.Expected, m.Actual, m.Actual-m.Expected)
}

// Verifier is the final pass/fail gate on headline counts
type Verifier struct {
	counter Counter
	tables  []string
	logger  *logging.Logger
}

// NewVerifier creates a verifier for the catalog's headline tables
func NewVerifier(counter Counter, catalog config.Catalog, logger *logging.Logger) *Verifier {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	var tables []string
	for _, t := range catalog.HeadlineTables() {
		tables = append(tables, t.Name)
	}
	return &Verifier{counter: counter, tables: tables, logger: logger}
}

// Tables returns the headline tables in the order they are checked
func (v *Verifier) Tables() []string {
	return append([]string(nil), v.tables...)
}

// Expected picks the headline counts out of a full count map
func (v *Verifier) Expected(counts map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(v.tables))
	for _, t := range v.tables {
		if n, ok := counts[t]; ok {
			out[t] = n
		}
	}
	return out
}

// Verify re-counts every table in expected. Counts must be equal: the
// maintenance window has no concurrent writers, so growth is as suspicious
// as shrinkage.
func (v *Verifier) Verify(ctx context.Context, expected map[string]int64) (mismatches []Mismatch, err error) {
	done := v.logger.LogOperationStart("metrics_verify", map[string]interface{}{"tables": len(expected)})
	defer func() { done(err) }()

	names := make([]string, 0, len(expected))
	for name := range expected {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		actual, err := v.counter.CountRows(ctx, name)
		if err != nil {
			return mismatches, err
		}
		if actual != expected[name] {
			m := Mismatch{Table: name, Expected: expected[name], Actual: actual}
			mismatches = append(mismatches, m)
			v.logger.WithFields(map[string]interface{}{
				"table":    name,
				"expected": m.Expected,
				"actual":   m.Actual,
			}).Error("Headline count mismatch")
			continue
		}
		v.logger.WithFields(map[string]interface{}{"table": name, "count": actual}).Debug("Headline count matches")
	}

	if len(mismatches) > 0 {
		lines := make([]string, len(mismatches))
		for i, m := range mismatches {
			lines[i] = m.String()
		}
		return mismatches, errors.NewMetricsMismatch(
			fmt.Sprintf("%d headline count(s) differ: %s", len(mismatches), strings.Join(lines, "; ")))
	}
	return nil, nil
}
