package snapshot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"migration-guard/internal/config"
	"migration-guard/internal/database"
	"migration-guard/internal/errors"
	"migration-guard/internal/logging"
)

// DefaultSampleSize is how many boundary identifiers are kept per sampled table
const DefaultSampleSize = 5

// Source is the read-only datastore access the capturer needs
type Source interface {
	CountRows(ctx context.Context, table string) (int64, error)
	StreamRows(ctx context.Context, query string, fn func(columns []string, values []*string) error, args ...interface{}) error
}

// Capturer computes snapshots of live datastore state from the table catalog
type Capturer struct {
	source     Source
	catalog    config.Catalog
	sampleSize int
	logger     *logging.Logger
}

// NewCapturer creates a capturer. A non-positive sampleSize uses the default.
func NewCapturer(source Source, catalog config.Catalog, sampleSize int, logger *logging.Logger) *Capturer {
	if sampleSize <= 0 {
		sampleSize = DefaultSampleSize
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Capturer{
		source:     source,
		catalog:    catalog,
		sampleSize: sampleSize,
		logger:     logger,
	}
}

// Capture reads counts, structural rows and sample identifiers and returns a
// sealed snapshot. Tables are visited in name order.
func (c *Capturer) Capture(ctx context.Context, label string) (snap *Snapshot, err error) {
	done := c.logger.LogOperationStart("snapshot_capture", map[string]interface{}{"label": label})
	defer func() { done(err) }()

	snap = New(label)

	for _, t := range c.catalog.CountTables() {
		n, err := c.source.CountRows(ctx, t.Name)
		if err != nil {
			return nil, err
		}
		snap.RowCounts[t.Name] = n
	}

	for _, t := range c.catalog.StructuralTables() {
		rows, err := c.structuralRows(ctx, t)
		if err != nil {
			return nil, errors.WrapError(err, fmt.Sprintf("failed to capture structural rows of %s", t.Name))
		}
		snap.StructuralData[t.Name] = rows
	}

	for _, t := range c.catalog.SampleTables() {
		sample, err := c.sample(ctx, t)
		if err != nil {
			return nil, errors.WrapError(err, fmt.Sprintf("failed to capture sample identifiers of %s", t.Name))
		}
		snap.SampleIdentifiers[t.Name] = sample
	}

	snap.CapturedAt = time.Now().UTC()
	if err := snap.Seal(); err != nil {
		return nil, err
	}

	c.logger.WithFields(map[string]interface{}{
		"label":      label,
		"counted":    len(snap.RowCounts),
		"structural": len(snap.StructuralData),
		"sampled":    len(snap.SampleIdentifiers),
		"checksum":   snap.Checksum,
	}).Info("Snapshot captured")
	return snap, nil
}

func (c *Capturer) structuralRows(ctx context.Context, t config.TableSpec) ([]Row, error) {
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s",
		database.QuoteIdents(t.Structural), database.QuoteIdent(t.Name), database.QuoteIdents(t.PrimaryKey))

	rows := make([]Row, 0)
	err := c.source.StreamRows(ctx, query, func(columns []string, values []*string) error {
		row := make(Row, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		rows = append(rows, row)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// sample selects the oldest and newest identifiers by creation order. Both
// lists are returned oldest first.
func (c *Capturer) sample(ctx context.Context, t config.TableSpec) (Sample, error) {
	first, err := c.sampleIDs(ctx, t, "ASC")
	if err != nil {
		return Sample{}, err
	}
	last, err := c.sampleIDs(ctx, t, "DESC")
	if err != nil {
		return Sample{}, err
	}
	for i, j := 0, len(last)-1; i < j; i, j = i+1, j-1 {
		last[i], last[j] = last[j], last[i]
	}
	return Sample{First: first, Last: last}, nil
}

func (c *Capturer) sampleIDs(ctx context.Context, t config.TableSpec, direction string) ([]string, error) {
	pk := database.QuoteIdent(t.PrimaryKey[0])
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s %s, %s %s LIMIT %d",
		pk, database.QuoteIdent(t.Name), database.QuoteIdent(t.CreatedColumn), direction, pk, direction, c.sampleSize)

	ids := make([]string, 0, c.sampleSize)
	err := c.source.StreamRows(ctx, query, func(columns []string, values []*string) error {
		if values[0] == nil {
			return fmt.Errorf("table %s has a NULL %s", t.Name, strings.Join(t.PrimaryKey, ","))
		}
		ids = append(ids, *values[0])
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}
