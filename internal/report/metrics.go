package report

import (
	"bytes"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/afero"
)

const namespace = "inferexec"

// Metrics are projections of a Result onto a private registry. One process
// runs one job, so the registry is written out once as a node-exporter
// textfile rather than served.
type Metrics struct {
	registry *prometheus.Registry

	jobs          *prometheus.CounterVec
	failures      *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	jobDuration   prometheus.Histogram
	tensorBytes   *prometheus.GaugeVec
}

// NewMetrics registers the executor's collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Jobs by final pipeline state.",
		}, []string{"state", "backend"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_failures_total",
			Help:      "Failed jobs by error kind.",
		}, []string{"kind"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time of each pipeline stage.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"stage"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time of the whole pipeline.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		tensorBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tensor_bytes",
			Help:      "Bytes of the model, input tensor and output tensor of the last job.",
		}, []string{"kind"}),
	}
	m.registry.MustRegister(m.jobs, m.failures, m.stageDuration, m.jobDuration, m.tensorBytes)
	return m
}

// RecordResult updates all collectors from a single immutable Result.
func (m *Metrics) RecordResult(r *Result) {
	m.jobs.WithLabelValues(string(r.State), r.Backend).Inc()
	if r.ErrorKind != "" {
		m.failures.WithLabelValues(r.ErrorKind).Inc()
	}
	for _, s := range r.Stages {
		m.stageDuration.WithLabelValues(s.Stage).Observe(s.Duration.Seconds())
	}
	m.jobDuration.Observe(r.Duration.Seconds())
	m.tensorBytes.WithLabelValues("model").Set(float64(r.ModelBytes))
	m.tensorBytes.WithLabelValues("input").Set(float64(r.InputBytes))
	m.tensorBytes.WithLabelValues("output").Set(float64(r.OutputBytes))
}

// Export renders the registry in the Prometheus text format.
func (m *Metrics) Export() ([]byte, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("failed to gather metrics: %w", err)
	}
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return nil, fmt.Errorf("failed to encode metric family %s: %w", mf.GetName(), err)
		}
	}
	return buf.Bytes(), nil
}

// WriteTextfile writes the metrics to path through a temporary file and a
// rename, so a textfile collector never reads a partial file.
func (m *Metrics) WriteTextfile(fs afero.Fs, path string) error {
	data, err := m.Export()
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := afero.WriteFile(fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	if err := fs.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to move metrics into place: %w", err)
	}
	return nil
}
