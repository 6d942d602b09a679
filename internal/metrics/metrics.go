// Package metrics exports sync pass outcomes to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dukerupert/premiumsync/internal/model"
)

const namespace = "premiumsync"

// Sync holds the sync pass collectors.
type Sync struct {
	reg *prometheus.Registry

	runs        *prometheus.CounterVec
	roleChanges *prometheus.CounterVec
	ledgerOps   *prometheus.CounterVec
	roleErrors  prometheus.Counter
	duration    prometheus.Histogram
	patrons     prometheus.Gauge
	lastSuccess prometheus.Gauge
}

// New creates the collectors on a private registry together with the Go
// runtime and process collectors.
func New() *Sync {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Sync{
		reg: reg,
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "runs_total",
			Help:      "Sync passes by trigger and status.",
		}, []string{"trigger", "status"}),
		roleChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "role_changes_total",
			Help:      "Premium role changes made by sync passes.",
		}, []string{"change"}),
		ledgerOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "ledger_mutations_total",
			Help:      "Ledger entries removed or cleared by sync passes.",
		}, []string{"op"}),
		roleErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "role_errors_total",
			Help:      "Role changes that failed during sync passes.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "duration_seconds",
			Help:      "Duration of sync passes.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		patrons: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "patrons",
			Help:      "Patrons returned by the last roster fetch.",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time the last completed sync pass finished.",
		}),
	}
	reg.MustRegister(m.runs, m.roleChanges, m.ledgerOps, m.roleErrors, m.duration, m.patrons, m.lastSuccess)
	return m
}

// Observe records a sync pass. It is an entitlement.ReportCallback.
func (m *Sync) Observe(run model.SyncRun) {
	m.runs.WithLabelValues(string(run.Trigger), string(run.Status)).Inc()
	if run.Status != model.SyncStatusCompleted {
		return
	}
	m.roleChanges.WithLabelValues("granted").Add(float64(run.Granted))
	m.roleChanges.WithLabelValues("revoked").Add(float64(run.Revoked))
	m.ledgerOps.WithLabelValues("removed").Add(float64(run.Removed))
	m.ledgerOps.WithLabelValues("cleared").Add(float64(run.Cleared))
	m.roleErrors.Add(float64(run.RoleErrors))
	m.duration.Observe(run.Duration().Seconds())
	m.patrons.Set(float64(run.Patrons))
	m.lastSuccess.Set(float64(run.FinishedAt.Unix()))
}

// Handler serves the registry in the Prometheus text format.
func (m *Sync) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry exposes the underlying registry.
func (m *Sync) Registry() *prometheus.Registry {
	return m.reg
}
