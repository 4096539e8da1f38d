package metrics

import (
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"

	"github.com/cve-monitor/cve-monitor/pkg/types"
)

const namespace = "cve_monitor"

// Run holds the metrics of a single pipeline run on its own registry.
type Run struct {
	registry *prometheus.Registry

	ItemsListed    prometheus.Gauge
	RecordsWritten prometheus.Gauge
	Failures       *prometheus.CounterVec
	Outcomes       *prometheus.GaugeVec
	Severity       *prometheus.GaugeVec
	Duration       prometheus.Gauge
	LastSuccess    prometheus.Gauge
}

func NewRun() *Run {
	r := &Run{
		registry: prometheus.NewRegistry(),
		ItemsListed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "items_listed",
			Help:      "Number of records listed by the source in the last run",
		}),
		RecordsWritten: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "records_written",
			Help:      "Number of records in the last written snapshot",
		}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "item_failures_total",
			Help:      "Number of items that failed during the last run",
		}, []string{"stage"}),
		Outcomes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "item_outcomes",
			Help:      "Number of items per non-failure outcome in the last run",
		}, []string{"outcome"}),
		Severity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "records_by_severity",
			Help:      "Number of records per severity bucket in the last snapshot",
		}, []string{"severity"}),
		Duration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of the last run",
		}),
		LastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful snapshot write",
		}),
	}
	r.registry.MustRegister(r.ItemsListed, r.RecordsWritten, r.Failures, r.Outcomes,
		r.Severity, r.Duration, r.LastSuccess)
	return r
}

func (r *Run) Registry() *prometheus.Registry {
	return r.registry
}

func (r *Run) ObserveDistribution(d types.SeverityDistribution) {
	r.Severity.WithLabelValues("critical").Set(float64(d.Critical))
	r.Severity.WithLabelValues("high").Set(float64(d.High))
	r.Severity.WithLabelValues("medium").Set(float64(d.Medium))
	r.Severity.WithLabelValues("low").Set(float64(d.Low))
	r.Severity.WithLabelValues("none").Set(float64(d.None))
}

func (r *Run) ObserveSuccess(at time.Time, duration time.Duration) {
	r.LastSuccess.Set(float64(at.Unix()))
	r.Duration.Set(duration.Seconds())
}

// WriteFile writes the registry in the node-exporter textfile format.
func (r *Run) WriteFile(path string) error {
	eb := oops.With("file_path", path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eb.Wrapf(err, "mkdir error")
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return eb.Wrapf(err, "metrics write error")
	}
	return nil
}
