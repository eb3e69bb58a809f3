package backup

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"time"
	"unicode/utf8"

	"github.com/klauspost/compress/zstd"
)

const (
	// DumpFormat identifies the datastore dump stream
	DumpFormat = "migration-guard-dump"
	// DumpVersion is the current dump stream version
	DumpVersion = 1
)

// Dump record kinds
const (
	recordHeader = "header"
	recordTable  = "table"
	recordRow    = "row"
	recordTOC    = "toc"
)

// Value is one nullable column value. Text that is not valid UTF-8 is
// serialized as {"base64": "..."} so binary columns survive the round trip.
type Value struct {
	Data *string
}

// MarshalJSON implements json.Marshaler
func (v Value) MarshalJSON() ([]byte, error) {
	if v.Data == nil {
		return []byte("null"), nil
	}
	if utf8.ValidString(*v.Data) {
		return json.Marshal(*v.Data)
	}
	return json.Marshal(struct {
		Base64 string `json:"base64"`
	}{base64.StdEncoding.EncodeToString([]byte(*v.Data))})
}

// UnmarshalJSON implements json.Unmarshaler
func (v *Value) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		v.Data = nil
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v.Data = &s
		return nil
	}

	var bin struct {
		Base64 *string `json:"base64"`
	}
	if err := json.Unmarshal(data, &bin); err != nil || bin.Base64 == nil {
		return fmt.Errorf("invalid dump value %s", string(data))
	}
	raw, err := base64.StdEncoding.DecodeString(*bin.Base64)
	if err != nil {
		return fmt.Errorf("invalid base64 dump value: %w", err)
	}
	s = string(raw)
	v.Data = &s
	return nil
}

// TOCEntry is one table listed in the dump's trailing table of contents
type TOCEntry struct {
	Name string `json:"name"`
	Rows int64  `json:"rows"`
}

// DumpHeader describes a dump stream
type DumpHeader struct {
	Format    string    `json:"format"`
	Version   int       `json:"version"`
	Database  string    `json:"database"`
	CreatedAt time.Time `json:"created_at"`
}

type dumpRecord struct {
	Kind      string     `json:"kind"`
	Format    string     `json:"format,omitempty"`
	Version   int        `json:"version,omitempty"`
	Database  string     `json:"database,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	Table     string     `json:"table,omitempty"`
	Columns   []string   `json:"columns,omitempty"`
	Values    []Value    `json:"values,omitempty"`
	Tables    []TOCEntry `json:"tables,omitempty"`
}

// DumpWriter writes the zstd-compressed JSON-lines datastore dump
type DumpWriter struct {
	zw      *zstd.Encoder
	buf     *bufio.Writer
	enc     *json.Encoder
	toc     []TOCEntry
	columns int
	closed  bool
}

// NewDumpWriter starts a dump stream on w and writes its header
func NewDumpWriter(w io.Writer, database string) (*DumpWriter, error) {
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}

	buf := bufio.NewWriter(zw)
	dw := &DumpWriter{zw: zw, buf: buf, enc: json.NewEncoder(buf)}
	dw.enc.SetEscapeHTML(false)

	now := time.Now().UTC()
	if err := dw.enc.Encode(dumpRecord{
		Kind:      recordHeader,
		Format:    DumpFormat,
		Version:   DumpVersion,
		Database:  database,
		CreatedAt: &now,
	}); err != nil {
		zw.Close()
		return nil, fmt.Errorf("failed to write dump header: %w", err)
	}
	return dw, nil
}

// BeginTable starts the rows of a table
func (dw *DumpWriter) BeginTable(table string, columns []string) error {
	if len(columns) == 0 {
		return fmt.Errorf("table %s has no columns", table)
	}
	if err := dw.enc.Encode(dumpRecord{Kind: recordTable, Table: table, Columns: columns}); err != nil {
		return fmt.Errorf("failed to write table %s: %w", table, err)
	}
	dw.toc = append(dw.toc, TOCEntry{Name: table})
	dw.columns = len(columns)
	return nil
}

// WriteRow appends one row to the current table
func (dw *DumpWriter) WriteRow(values []*string) error {
	if len(dw.toc) == 0 {
		return fmt.Errorf("row written before any table")
	}
	current := &dw.toc[len(dw.toc)-1]
	if len(values) != dw.columns {
		return fmt.Errorf("table %s: row has %d values, expected %d", current.Name, len(values), dw.columns)
	}

	rec := dumpRecord{Kind: recordRow, Values: make([]Value, len(values))}
	for i, v := range values {
		rec.Values[i] = Value{Data: v}
	}
	if err := dw.enc.Encode(rec); err != nil {
		return fmt.Errorf("failed to write row of %s: %w", current.Name, err)
	}
	current.Rows++
	return nil
}

// TOC returns the tables written so far
func (dw *DumpWriter) TOC() []TOCEntry {
	out := make([]TOCEntry, len(dw.toc))
	copy(out, dw.toc)
	return out
}

// Close writes the table of contents and flushes the stream. The underlying
// writer is not closed.
func (dw *DumpWriter) Close() error {
	if dw.closed {
		return nil
	}
	dw.closed = true

	toc := dw.toc
	if toc == nil {
		toc = []TOCEntry{}
	}
	if err := dw.enc.Encode(dumpRecord{Kind: recordTOC, Tables: toc}); err != nil {
		dw.zw.Close()
		return fmt.Errorf("failed to write dump table of contents: %w", err)
	}
	if err := dw.buf.Flush(); err != nil {
		dw.zw.Close()
		return fmt.Errorf("failed to flush dump: %w", err)
	}
	return dw.zw.Close()
}

// DumpHandler receives the content of a dump stream. Either callback may be nil.
type DumpHandler struct {
	OnTable func(table string, columns []string) error
	OnRow   func(table string, columns []string, values []*string) error
}

// DumpSummary is what ReadDump learned about a stream
type DumpSummary struct {
	Header DumpHeader
	Tables []TOCEntry
}

// Rows returns the total number of rows in the dump
func (s *DumpSummary) Rows() int64 {
	var n int64
	for _, t := range s.Tables {
		n += t.Rows
	}
	return n
}

// ReadDump streams a dump, handing tables and rows to h, and checks that the
// trailing table of contents matches what was actually read.
func ReadDump(r io.Reader, h DumpHandler) (*DumpSummary, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("dump is not a zstd stream: %w", err)
	}
	defer zr.Close()

	dec := json.NewDecoder(zr)

	var header dumpRecord
	if err := dec.Decode(&header); err != nil {
		return nil, fmt.Errorf("failed to read dump header: %w", err)
	}
	if header.Kind != recordHeader || header.Format != DumpFormat {
		return nil, fmt.Errorf("not a %s stream", DumpFormat)
	}
	if header.Version > DumpVersion {
		return nil, fmt.Errorf("dump version %d is newer than supported version %d", header.Version, DumpVersion)
	}

	summary := &DumpSummary{Header: DumpHeader{
		Format:   header.Format,
		Version:  header.Version,
		Database: header.Database,
	}}
	if header.CreatedAt != nil {
		summary.Header.CreatedAt = *header.CreatedAt
	}

	var (
		seen    []TOCEntry
		columns []string
		toc     *dumpRecord
	)

	for {
		var rec dumpRecord
		if err := dec.Decode(&rec); err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("dump is truncated or corrupt: %w", err)
		}
		if toc != nil {
			return nil, fmt.Errorf("dump has records after its table of contents")
		}

		switch rec.Kind {
		case recordTable:
			if rec.Table == "" || len(rec.Columns) == 0 {
				return nil, fmt.Errorf("dump has a table record without name or columns")
			}
			seen = append(seen, TOCEntry{Name: rec.Table})
			columns = rec.Columns
			if h.OnTable != nil {
				if err := h.OnTable(rec.Table, rec.Columns); err != nil {
					return nil, err
				}
			}
		case recordRow:
			if len(seen) == 0 {
				return nil, fmt.Errorf("dump has a row before any table")
			}
			current := &seen[len(seen)-1]
			if len(rec.Values) != len(columns) {
				return nil, fmt.Errorf("table %s row %d has %d values, expected %d",
					current.Name, current.Rows+1, len(rec.Values), len(columns))
			}
			current.Rows++
			if h.OnRow != nil {
				values := make([]*string, len(rec.Values))
				for i, v := range rec.Values {
					values[i] = v.Data
				}
				if err := h.OnRow(current.Name, columns, values); err != nil {
					return nil, err
				}
			}
		case recordTOC:
			r := rec
			toc = &r
		default:
			return nil, fmt.Errorf("dump has an unknown record kind %q", rec.Kind)
		}
	}

	if toc == nil {
		return nil, fmt.Errorf("dump has no table of contents; it was not completely written")
	}
	if err := compareTOC(toc.Tables, seen); err != nil {
		return nil, err
	}

	summary.Tables = seen
	return summary, nil
}

func compareTOC(listed, seen []TOCEntry) error {
	if len(listed) != len(seen) {
		return fmt.Errorf("dump table of contents lists %d tables but %d were found", len(listed), len(seen))
	}
	for i := range listed {
		if listed[i].Name != seen[i].Name {
			return fmt.Errorf("dump table of contents lists %s where %s was found", listed[i].Name, seen[i].Name)
		}
		if listed[i].Rows != seen[i].Rows {
			return fmt.Errorf("dump table of contents lists %d rows for %s but %d were found",
				listed[i].Rows, listed[i].Name, seen[i].Rows)
		}
	}
	return nil
}
