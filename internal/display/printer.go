// Package display renders migration-guard reports for the terminal.
package display

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"migration-guard/internal/backup"
	"migration-guard/internal/config"
	"migration-guard/internal/diff"
	"migration-guard/internal/metrics"
	"migration-guard/internal/preflight"
	"migration-guard/internal/restore"
	"migration-guard/internal/snapshot"
)

// Config controls terminal output
type Config struct {
	ColorEnabled bool
	Theme        string
	Quiet        bool
	Verbose      bool
	Unicode      bool
	Writer       io.Writer
}

// DefaultConfig returns the interactive defaults
func DefaultConfig() Config {
	return Config{
		ColorEnabled: true,
		Theme:        "dark",
		Unicode:      UnicodeSupported(),
		Writer:       os.Stdout,
	}
}

// UnicodeSupported reports whether the locale and terminal can show symbols
func UnicodeSupported() bool {
	if os.Getenv("NO_UNICODE") != "" {
		return false
	}
	if os.Getenv("LANG") == "C" || os.Getenv("LC_ALL") == "C" {
		return false
	}
	t := os.Getenv("TERM")
	return t != "dumb" && t != "vt100" && ColorSupported(os.Stdout)
}

// icon is a status marker with an ASCII fallback
type icon struct {
	unicode string
	ascii   string
}

var (
	iconOK   = icon{"✔", "[OK]"}
	iconWarn = icon{"⚠", "[WARN]"}
	iconFail = icon{"✖", "[FAIL]"}
	iconInfo = icon{"ℹ", "[INFO]"}
)

// Printer writes reports to a terminal or log-friendly stream
type Printer struct {
	cfg     Config
	out     io.Writer
	palette *Palette
}

// NewPrinter creates a printer
func NewPrinter(cfg Config) *Printer {
	if cfg.Writer == nil {
		cfg.Writer = os.Stdout
	}
	return &Printer{
		cfg:     cfg,
		out:     cfg.Writer,
		palette: NewPalette(ThemeByName(cfg.Theme), cfg.ColorEnabled && !cfg.Quiet),
	}
}

// Palette returns the printer's palette
func (p *Printer) Palette() *Palette {
	return p.palette
}

// Writer returns the output stream
func (p *Printer) Writer() io.Writer {
	return p.out
}

func (p *Printer) icon(i icon) string {
	if p.cfg.Unicode {
		return i.unicode
	}
	return i.ascii
}

func (p *Printer) printf(format string, args ...interface{}) {
	fmt.Fprintf(p.out, format, args...)
}

// Success prints a success line
func (p *Printer) Success(msg string) {
	p.printf("%s %s\n", p.palette.Success(p.icon(iconOK)), msg)
}

// Warning prints a warning line
func (p *Printer) Warning(msg string) {
	p.printf("%s %s\n", p.palette.Warning(p.icon(iconWarn)), msg)
}

// Error prints an error line
func (p *Printer) Error(msg string) {
	p.printf("%s %s\n", p.palette.Error(p.icon(iconFail)), p.palette.Error(msg))
}

// Info prints an informational line unless quiet
func (p *Printer) Info(msg string) {
	if p.cfg.Quiet {
		return
	}
	p.printf("%s %s\n", p.palette.Info(p.icon(iconInfo)), msg)
}

// Header prints a section title
func (p *Printer) Header(title string) {
	if p.cfg.Quiet {
		return
	}
	p.printf("\n%s\n%s\n", p.palette.Bold(title), strings.Repeat("=", len(title)))
}

// Preflight prints the preflight checks
func (p *Printer) Preflight(r *preflight.Report) {
	p.Header("Preflight")
	for _, c := range r.Passed {
		p.Success(string(c))
	}
	for _, w := range r.Warnings {
		p.Warning(w.Error())
	}
	for _, f := range r.Failures {
		p.Error(f.Error())
	}
	if r.Estimate.Total() > 0 {
		p.Info(fmt.Sprintf("backup estimate %s (datastore %s, user data %s, install %s); %s required, %s free",
			FormatBytes(r.Estimate.Total()), FormatBytes(r.Estimate.Datastore), FormatBytes(r.Estimate.FileTree),
			FormatBytes(r.Estimate.Install), FormatBytes(r.Estimate.Required()), FormatBytes(int64(r.FreeBytes))))
	}
}

// BackupCreated prints where a backup set was written
func (p *Printer) BackupCreated(set *backup.BackupSet) {
	p.Success(fmt.Sprintf("backup %s written to %s", set.ID, set.Dir))
	if set.Manifest == nil || !p.cfg.Verbose {
		return
	}
	t := NewTable(p.palette, "Table", "Rows")
	t.AlignRight(1)
	for _, e := range set.Manifest.Tables {
		t.AddRow(e.Name, fmt.Sprint(e.Rows))
	}
	t.RenderTo(p.out)
}

// Verify prints a backup verification report
func (p *Printer) Verify(r *backup.VerifyReport) {
	p.Header(fmt.Sprintf("Backup verification %s", r.BackupID))
	for _, w := range r.Warnings() {
		p.Warning(w.Error())
	}
	for _, f := range r.Fatal() {
		p.Error(f.Error())
	}
	if r.OK() {
		rows := int64(0)
		if r.Dump != nil {
			rows = r.Dump.Rows()
		}
		p.Success(fmt.Sprintf("backup %s is restorable (%d rows)", r.BackupID, rows))
	}
}

// BackupList prints the sets found under a destination
func (p *Printer) BackupList(sets []backup.SetSummary) {
	if len(sets) == 0 {
		p.Info("no backups found")
		return
	}
	t := NewTable(p.palette, "Backup ID", "Created", "App version", "Rows", "Status")
	t.AlignRight(3)
	for _, s := range sets {
		if !s.Complete() {
			t.AddRow(s.ID, "-", "-", "-", p.palette.Warning("incomplete"))
			continue
		}
		t.AddRow(s.ID,
			s.Manifest.BackupTimestamp.Local().Format(time.DateTime),
			s.Manifest.ApplicationVersion,
			fmt.Sprint((&backup.DumpSummary{Tables: s.Manifest.Tables}).Rows()),
			p.palette.Success("complete"))
	}
	t.RenderTo(p.out)
}

// Snapshot prints the counts held by a snapshot
func (p *Printer) Snapshot(s *snapshot.Snapshot, path string) {
	p.Success(fmt.Sprintf("snapshot %q captured (%s)", s.Label, path))
	if !p.cfg.Verbose {
		return
	}
	t := NewTable(p.palette, "Table", "Rows", "Structural", "Samples")
	t.AlignRight(1, 2)
	for _, name := range s.Tables() {
		count := "-"
		if n, ok := s.RowCounts[name]; ok {
			count = fmt.Sprint(n)
		}
		structural := "-"
		if rows, ok := s.StructuralData[name]; ok {
			structural = fmt.Sprint(len(rows))
		}
		samples := "-"
		if sm, ok := s.SampleIdentifiers[name]; ok {
			samples = fmt.Sprintf("%d/%d", len(sm.First), len(sm.Last))
		}
		t.AddRow(name, count, structural, samples)
	}
	t.RenderTo(p.out)
}

// Diff prints the per-table classification and every finding. Lost
// accounts are printed before any table is shown.
func (p *Printer) Diff(r *diff.Result) {
	p.Header(fmt.Sprintf("Comparison %s -> %s", r.BeforeLabel, r.AfterLabel))

	lost := r.AccountsLost()
	if lost > 0 {
		p.Error(fmt.Sprintf("%d account(s) lost", lost))
		for _, f := range r.Findings {
			if f.Category == diff.CategoryIdentityCount {
				p.printf("%s\n", p.Finding(f))
			}
		}
	}

	tables := make([]diff.TableDiff, 0, len(r.Tables))
	for _, td := range r.Tables {
		if td.Role == config.RoleIdentity {
			tables = append(tables, td)
		}
	}
	for _, td := range r.Tables {
		if td.Role != config.RoleIdentity {
			tables = append(tables, td)
		}
	}

	t := NewTable(p.palette, "Table", "Before", "After", "Delta", "Classification")
	t.AlignRight(1, 2, 3)
	for _, td := range tables {
		before, after, delta := "-", "-", "-"
		if td.Counted {
			before, after = fmt.Sprint(td.CountBefore), fmt.Sprint(td.CountAfter)
			delta = fmt.Sprintf("%+d", td.CountDelta())
		}
		t.AddRow(td.Table, before, after, delta, p.severity(td.Severity, string(td.Kind)))
	}
	t.RenderTo(p.out)

	for _, f := range r.Findings {
		if lost > 0 && f.Category == diff.CategoryIdentityCount {
			continue
		}
		p.printf("%s\n", p.Finding(f))
	}
	if r.Unchanged() {
		p.Success("no differences")
	}
}

// Finding renders one finding with its severity color
func (p *Printer) Finding(f diff.Finding) string {
	return p.severity(f.Severity, f.Describe())
}

func (p *Printer) severity(s diff.Severity, text string) string {
	switch s {
	case diff.SeverityDataLoss:
		return p.palette.Error(text)
	case diff.SeverityWarning:
		return p.palette.Warning(text)
	case diff.SeverityInformational:
		return p.palette.Info(text)
	default:
		return text
	}
}

// Restore prints the outcome of a restore
func (p *Printer) Restore(r *restore.Result) {
	p.Header(fmt.Sprintf("Restore %s", r.BackupID))
	for _, w := range r.Warnings {
		p.Warning(w)
	}
	if r.ReplacedTree != "" {
		p.Info(fmt.Sprintf("previous user data kept at %s", r.ReplacedTree))
	}
	if r.Degraded {
		p.Warning(fmt.Sprintf("datastore dump NOT applied; the live datastore was kept as it was (canary table %s holds %d rows)",
			r.CanaryTable, r.CanaryCount))
		return
	}
	var rows int64
	for _, e := range r.Tables {
		rows += e.Rows
	}
	p.Success(fmt.Sprintf("restored %d table(s), %d row(s), %d file(s)", len(r.Tables), rows, r.Files.Files))
}

// Metrics prints headline count mismatches
func (p *Printer) Metrics(mismatches []metrics.Mismatch) {
	if len(mismatches) == 0 {
		p.Success("headline counts match")
		return
	}
	t := NewTable(p.palette, "Table", "Expected", "Actual")
	t.AlignRight(1, 2)
	for _, m := range mismatches {
		t.AddRow(m.Table, fmt.Sprint(m.Expected), p.palette.Error(fmt.Sprint(m.Actual)))
	}
	t.RenderTo(p.out)
}

// FormatBytes renders a byte count in binary units
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
