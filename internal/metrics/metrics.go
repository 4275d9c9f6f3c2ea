// Package metrics records run counters on a private Prometheus registry and
// writes them in the node_exporter textfile format.
package metrics

import (
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Run holds the collectors for one process.
type Run struct {
	Registry *prometheus.Registry

	EmailsFetched prometheus.Counter
	EmailsStored  prometheus.Counter
	RulesLoaded   prometheus.Gauge
	RulesDropped  prometheus.Counter
	Actions       *prometheus.CounterVec
	Duration      prometheus.Histogram
	LastRun       prometheus.Gauge
}

// New registers every collector on a fresh registry.
func New() *Run {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Run{
		Registry: reg,
		EmailsFetched: factory.NewCounter(prometheus.CounterOpts{
			Name: "inboxrules_emails_fetched_total",
			Help: "Emails returned by the mailbox provider",
		}),
		EmailsStored: factory.NewCounter(prometheus.CounterOpts{
			Name: "inboxrules_emails_stored_total",
			Help: "Emails newly written to the database",
		}),
		RulesLoaded: factory.NewGauge(prometheus.GaugeOpts{
			Name: "inboxrules_rules_loaded",
			Help: "Valid rules in the current rule document",
		}),
		RulesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "inboxrules_rules_dropped_total",
			Help: "Rule entries rejected at load time",
		}),
		Actions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "inboxrules_actions_total",
			Help: "Actions executed, by kind and result",
		}, []string{"action", "result"}),
		Duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "inboxrules_run_duration_seconds",
			Help:    "Wall time of a full run",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		LastRun: factory.NewGauge(prometheus.GaugeOpts{
			Name: "inboxrules_last_run_timestamp_seconds",
			Help: "Unix time the last run finished",
		}),
	}
}

// ObserveAction counts one executed action.
func (r *Run) ObserveAction(action string, err error) {
	if r == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultFailure
	}
	r.Actions.WithLabelValues(action, result).Inc()
}

// Finish records the run duration and completion time.
func (r *Run) Finish(started, finished time.Time) {
	if r == nil {
		return
	}
	r.Duration.Observe(finished.Sub(started).Seconds())
	r.LastRun.Set(float64(finished.Unix()))
}

// WriteTextfile writes the registry to path atomically.
func (r *Run) WriteTextfile(path string) error {
	if r == nil || strings.TrimSpace(path) == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.Registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
