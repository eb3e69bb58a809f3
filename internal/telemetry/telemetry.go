// Package telemetry records per-run metrics and writes them in the
// Prometheus text format next to the run log, where a node exporter
// textfile collector can pick them up.
package telemetry

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "migration_guard"

	// FileName is the metrics file written into the run directory
	FileName = "metrics.prom"
)

// Recorder holds the metrics of one run in its own registry
type Recorder struct {
	registry *prometheus.Registry

	stepDuration *prometheus.GaugeVec
	stepSuccess  *prometheus.GaugeVec
	artifactSize *prometheus.GaugeVec
	findings     *prometheus.GaugeVec
	tableRows    *prometheus.GaugeVec
	mismatches   prometheus.Gauge
	runSuccess   prometheus.Gauge
	runStarted   prometheus.Gauge
	runFinished  prometheus.Gauge
}

// NewRecorder creates a recorder with a fresh registry
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		stepDuration: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "step_duration_seconds",
			Help:      "Wall time of each run step",
		}, []string{"step"}),
		stepSuccess: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "step_success",
			Help:      "1 if the step succeeded, 0 if it failed",
		}, []string{"step"}),
		artifactSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "artifact_size_bytes",
			Help:      "Size of each backup artifact",
		}, []string{"artifact"}),
		findings: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "diff_findings",
			Help:      "Number of diff findings by severity",
		}, []string{"severity"}),
		tableRows: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "table_rows",
			Help:      "Row counts captured by each snapshot",
		}, []string{"table", "snapshot"}),
		mismatches: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "headline_mismatches",
			Help:      "Number of headline counts that differ after the run",
		}),
		runSuccess: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "run_success",
			Help:      "1 if the run completed successfully",
		}),
		runStarted: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "run_start_timestamp_seconds",
			Help:      "Unix time the run started",
		}),
		runFinished: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "run_finish_timestamp_seconds",
			Help:      "Unix time the run finished",
		}),
	}
}

// Registry exposes the underlying registry
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// RunStarted stamps the start of the run
func (r *Recorder) RunStarted(t time.Time) {
	r.runStarted.Set(float64(t.Unix()))
}

// RunFinished stamps the end of the run and its outcome
func (r *Recorder) RunFinished(t time.Time, err error) {
	r.runFinished.Set(float64(t.Unix()))
	r.runSuccess.Set(boolValue(err == nil))
}

// Step returns a function that records the step's duration and outcome
func (r *Recorder) Step(step string) func(error) {
	start := time.Now()
	return func(err error) {
		r.stepDuration.WithLabelValues(step).Set(time.Since(start).Seconds())
		r.stepSuccess.WithLabelValues(step).Set(boolValue(err == nil))
	}
}

// ArtifactSize records the on-disk size of a backup artifact
func (r *Recorder) ArtifactSize(artifact string, bytes int64) {
	r.artifactSize.WithLabelValues(artifact).Set(float64(bytes))
}

// Findings records how many findings a comparison produced per severity
func (r *Recorder) Findings(counts map[string]int) {
	for severity, n := range counts {
		r.findings.WithLabelValues(severity).Set(float64(n))
	}
}

// TableRows records the row counts of one snapshot
func (r *Recorder) TableRows(snapshot string, counts map[string]int64) {
	for table, n := range counts {
		r.tableRows.WithLabelValues(table, snapshot).Set(float64(n))
	}
}

// Mismatches records the number of headline count mismatches
func (r *Recorder) Mismatches(n int) {
	r.mismatches.Set(float64(n))
}

// WriteFile writes the registry in the text exposition format. The file is
// written to a temporary name and renamed into place.
func (r *Recorder) WriteFile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
